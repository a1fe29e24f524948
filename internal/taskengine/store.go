package taskengine

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	coreotel "github.com/adamtash/ant-sub002/internal/otel"
)

// indexEntry is the lightweight per-task record kept in index.json for fast
// enumeration without reading every task file.
type indexEntry struct {
	Status    Status `json:"status"`
	Lane      Lane   `json:"lane"`
	UpdatedAt int64  `json:"updatedAt"`
}

// lruNode backs the fixed-capacity cache's doubly linked eviction list. No
// third-party LRU package is pulled in for this one piece — see DESIGN.md.
type lruNode struct {
	id       string
	task     *Task
	cachedAt time.Time
}

// Store is the crash-safe TaskStore: one JSON file per task under dir, plus
// an index file, written atomically (temp file + os.Rename), with a small
// in-memory LRU accelerating reads. Writes are serialized per task id.
type Store struct {
	dir       string
	cacheTTL  time.Duration
	cacheCap  int

	mu        sync.RWMutex
	writeLock map[string]*sync.Mutex
	index     map[string]indexEntry

	lruMu   sync.Mutex
	lruList *list.List
	lruMap  map[string]*list.Element

	watcher *fsnotify.Watcher
	logger  *slog.Logger
	metrics *coreotel.Metrics
}

// Config configures a Store.
type Config struct {
	Dir      string
	CacheTTL time.Duration
	CacheCap int
	Logger   *slog.Logger
	Metrics  *coreotel.Metrics
}

// NewStore opens (creating if absent) the task directory and loads the index.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(".ant", "tasks")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.CacheCap <= 0 {
		cfg.CacheCap = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	s := &Store{
		dir:       cfg.Dir,
		cacheTTL:  cfg.CacheTTL,
		cacheCap:  cfg.CacheCap,
		writeLock: make(map[string]*sync.Mutex),
		index:     make(map[string]indexEntry),
		lruList:   list.New(),
		lruMap:    make(map[string]*list.Element),
		logger:    logger,
		metrics:   cfg.Metrics,
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// WatchIndex starts an fsnotify watch on index.json so an externally
// restored backup invalidates the in-memory LRU without a restart.
func (s *Store) WatchIndex() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	indexPath := s.indexPath()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != indexPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.loadIndex(); err != nil {
				s.logger.Warn("task_index_reload_failed", "error", err)
				continue
			}
			s.invalidateCache()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("task_index_watch_error", "error", err)
		}
	}
}

// Close stops the fsnotify watcher, if running.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, "index.json") }
func (s *Store) taskPath(id string) string { return filepath.Join(s.dir, id+".json") }

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.index = make(map[string]indexEntry)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	var idx map[string]indexEntry
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return nil
}

// saveIndex writes the index atomically (temp file + rename), keeping a
// rolling .bak copy of the previous version, the same idiom used for the
// per-task files and the discovery overlay.
func (s *Store) saveIndex() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.index, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return atomicWriteWithBackup(s.indexPath(), data)
}

func atomicWriteWithBackup(path string, data []byte) error {
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o644)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.writeLock[id]
	if !ok {
		l = &sync.Mutex{}
		s.writeLock[id] = l
	}
	return l
}

// Create persists a new task, assigning an id if one was not supplied.
func (s *Store) Create(initial *Task) (*Task, error) {
	t := initial.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusCreated
	}
	if err := s.persist(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) persist(t *Task) error {
	lock := s.lockFor(t.ID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWriteWithBackup(s.taskPath(t.ID), data); err != nil {
		return err
	}

	s.mu.Lock()
	s.index[t.ID] = indexEntry{Status: t.Status, Lane: t.Lane, UpdatedAt: time.Now().UnixMilli()}
	s.mu.Unlock()
	if err := s.saveIndex(); err != nil {
		return err
	}

	s.putCache(t)
	return nil
}

// Get returns a task by id, preferring the in-memory cache within its TTL.
func (s *Store) Get(id string) (*Task, error) {
	if t := s.getCache(id); t != nil {
		return t, nil
	}
	data, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("task %s not found", id)
		}
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	s.putCache(&t)
	return &t, nil
}

// Update applies patch to the stored task under the task's write lock and
// persists the result.
func (s *Store) Update(id string, patch func(t *Task)) (*Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	patch(t)
	if err := s.persist(t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateStatus transitions a task's status, optionally attaching a note to
// its error field (used for notices like resume_after_restart that are not
// themselves failures).
func (s *Store) UpdateStatus(id string, status Status, note string) (*Task, error) {
	t, err := s.Update(id, func(t *Task) {
		t.Status = status
		if note != "" {
			t.Error = note
		}
		now := time.Now()
		if status == StatusRunning && t.StartedAt == nil {
			t.StartedAt = &now
		}
		if status.IsTerminal() && t.EndedAt == nil {
			t.EndedAt = &now
		}
	})
	if err == nil && status.IsTerminal() {
		recordTaskOutcome(s.metrics, t)
	}
	return t, err
}

// recordTaskOutcome increments TaskOutcomes and records TaskDuration for a
// task that just reached a terminal status. Shared by Store.UpdateStatus
// (direct terminal transitions) and Queue.HandleFailure/HandleSuccess (the
// path every queue-driven task run actually takes).
func recordTaskOutcome(metrics *coreotel.Metrics, t *Task) {
	if metrics == nil || t == nil {
		return
	}
	attrs := metric.WithAttributes(coreotel.AttrTaskLane.String(string(t.Lane)), coreotel.AttrTaskOutcome.String(string(t.Status)))
	metrics.TaskOutcomes.Add(context.Background(), 1, attrs)
	if t.StartedAt != nil && t.EndedAt != nil {
		metrics.TaskDuration.Record(context.Background(), t.EndedAt.Sub(*t.StartedAt).Seconds(), attrs)
	}
}

// SetResult records the task's result payload.
func (s *Store) SetResult(id string, result any) (*Task, error) {
	return s.Update(id, func(t *Task) { t.Result = result })
}

// List returns every known task, read from the in-memory index then loaded
// from disk (cache permitting).
func (s *Store) List() ([]*Task, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			s.logger.Warn("task_list_skip_unreadable", "task_id", id, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// GetActiveTasks returns every task whose status is queued, running, or
// retrying — the set that must be replayed into the TaskQueue on startup.
func (s *Store) GetActiveTasks() ([]*Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var active []*Task
	for _, t := range all {
		switch t.Status {
		case StatusQueued, StatusRunning, StatusRetrying:
			active = append(active, t)
		}
	}
	return active, nil
}

func (s *Store) putCache(t *Task) {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	if el, ok := s.lruMap[t.ID]; ok {
		s.lruList.MoveToFront(el)
		el.Value.(*lruNode).task = t.Clone()
		el.Value.(*lruNode).cachedAt = time.Now()
		return
	}
	node := &lruNode{id: t.ID, task: t.Clone(), cachedAt: time.Now()}
	el := s.lruList.PushFront(node)
	s.lruMap[t.ID] = el
	for s.lruList.Len() > s.cacheCap {
		back := s.lruList.Back()
		if back == nil {
			break
		}
		s.lruList.Remove(back)
		delete(s.lruMap, back.Value.(*lruNode).id)
	}
}

func (s *Store) getCache(id string) *Task {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	el, ok := s.lruMap[id]
	if !ok {
		return nil
	}
	node := el.Value.(*lruNode)
	if time.Since(node.cachedAt) > s.cacheTTL {
		s.lruList.Remove(el)
		delete(s.lruMap, id)
		return nil
	}
	s.lruList.MoveToFront(el)
	return node.task.Clone()
}

func (s *Store) invalidateCache() {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	s.lruList.Init()
	s.lruMap = make(map[string]*list.Element)
}
