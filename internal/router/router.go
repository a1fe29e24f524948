package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamtash/ant-sub002/internal/bus"
	"github.com/adamtash/ant-sub002/internal/coreerrors"
)

// Config tunes the dispatcher's queueing and concurrency behavior.
type Config struct {
	SessionOrderingEnabled bool
	MaxQueueSize           int
	MaxConcurrentSessions  int
	SessionQueueTimeoutMs  int
	SessionTimeoutMs       int
	MaxSessions            int
	// ChannelConcurrency bounds in-flight dispatches per channel when
	// SessionOrderingEnabled is false. Missing entries default to 1.
	ChannelConcurrency map[string]int
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 20
	}
	if c.SessionQueueTimeoutMs <= 0 {
		c.SessionQueueTimeoutMs = 120_000
	}
	if c.SessionTimeoutMs <= 0 {
		c.SessionTimeoutMs = 30 * 60 * 1000
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1000
	}
	return c
}

type sessionQueue struct {
	key      string
	channel  string
	items    []*QueuedMessage
	inFlight bool
}

// Router is the Cross-Channel Message Router: per-session (or per-channel)
// ordered dispatch over bounded priority queues, feeding matched routes'
// handlers, with a middleware pipeline and typing-indicator lifecycle.
type Router struct {
	cfg Config

	mw       middlewareChain
	typing   *typingController
	eventBus *bus.Bus
	logger   *slog.Logger
	store    *SessionStore

	mu          sync.Mutex
	sessions    map[string]*Session
	sessionLRU  []string // most-recently-active last
	queues      map[string]*sessionQueue
	channelBusy map[string]int

	adaptersMu sync.RWMutex
	adapters   map[string]ChannelAdapter

	routesMu       sync.RWMutex
	routes         []Route
	defaultHandler Handler

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Router. sink receives typing-indicator updates; store, if
// non-nil, mirrors sessions for restart continuity.
func New(cfg Config, b *bus.Bus, sink TypingSink, store *SessionStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:         cfg.withDefaults(),
		typing:      newTypingController(sink),
		eventBus:    b,
		logger:      logger,
		store:       store,
		sessions:    make(map[string]*Session),
		queues:      make(map[string]*sessionQueue),
		channelBusy: make(map[string]int),
		adapters:    make(map[string]ChannelAdapter),
		stopCh:      make(chan struct{}),
	}
}

// Use appends a middleware stage to the inbound pipeline.
func (r *Router) Use(m Middleware) { r.mw.Use(m) }

// RegisterAdapter wires an outbound transport for a channel.
func (r *Router) RegisterAdapter(a ChannelAdapter) {
	r.adaptersMu.Lock()
	defer r.adaptersMu.Unlock()
	r.adapters[a.Channel()] = a
}

// AddRoute registers a route; routes are matched highest-priority first.
func (r *Router) AddRoute(route Route) {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()
	r.routes = append(r.routes, route)
	sort.SliceStable(r.routes, func(i, j int) bool { return r.routes[i].Priority > r.routes[j].Priority })
}

// SetDefaultHandler installs the fallback handler used when no route matches.
func (r *Router) SetDefaultHandler(h Handler) { r.defaultHandler = h }

// Start launches the session-pruning background loop. Call Stop to end it.
func (r *Router) Start(ctx context.Context) {
	go r.pruneLoop(ctx)
}

// Stop ends background loops; safe to call multiple times.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Router) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.pruneSessions(ctx)
		}
	}
}

func (r *Router) pruneSessions(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(r.cfg.SessionTimeoutMs) * time.Millisecond)
	r.mu.Lock()
	var expired []string
	for key, sess := range r.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(r.sessions, key)
		r.removeFromLRU(key)
	}
	var evicted []string
	for len(r.sessionLRU) > r.cfg.MaxSessions {
		oldest := r.sessionLRU[0]
		r.sessionLRU = r.sessionLRU[1:]
		delete(r.sessions, oldest)
		evicted = append(evicted, oldest)
	}
	r.mu.Unlock()

	if r.store != nil {
		for _, key := range append(expired, evicted...) {
			_ = r.store.Delete(ctx, key)
		}
	}
}

func (r *Router) removeFromLRU(key string) {
	for i, k := range r.sessionLRU {
		if k == key {
			r.sessionLRU = append(r.sessionLRU[:i], r.sessionLRU[i+1:]...)
			return
		}
	}
}

func (r *Router) touchLRU(key string) {
	r.removeFromLRU(key)
	r.sessionLRU = append(r.sessionLRU, key)
}

// HandleInbound is the entry point adapters call when a NormalizedMessage
// arrives. It emits message_received, touches the session, enqueues with
// priority insertion, drops on overflow, and drives dispatch.
func (r *Router) HandleInbound(ctx context.Context, msg NormalizedMessage) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	r.publish(bus.TopicMessageReceived, bus.MessageEvent{SessionID: msg.Context.SessionKey, ChannelID: msg.Channel, MessageID: msg.ID})

	sess := r.touchSession(ctx, msg)

	qm := &QueuedMessage{Message: msg, EnqueuedAt: time.Now()}
	queueKey := r.queueKeyFor(msg, sess)

	r.mu.Lock()
	q := r.queues[queueKey]
	if q == nil {
		q = &sessionQueue{key: queueKey, channel: msg.Channel}
		r.queues[queueKey] = q
	}
	q.items = priorityInsert(q.items, qm)
	var dropped []*QueuedMessage
	for len(q.items) > r.cfg.MaxQueueSize {
		last := len(q.items) - 1
		dropped = append(dropped, q.items[last])
		q.items = q.items[:last]
	}
	r.mu.Unlock()

	for _, d := range dropped {
		r.notifyQueueFull(ctx, d.Message)
		r.publish(bus.TopicMessageDropped, bus.MessageEvent{SessionID: d.Message.Context.SessionKey, ChannelID: d.Message.Channel, MessageID: d.Message.ID, Reason: "queue_full"})
	}
	if !containsID(dropped, msg.ID) {
		r.publish(bus.TopicMessageQueued, bus.MessageEvent{SessionID: msg.Context.SessionKey, ChannelID: msg.Channel, MessageID: msg.ID})
	}

	r.drive(ctx)
}

func containsID(items []*QueuedMessage, id string) bool {
	for _, it := range items {
		if it.Message.ID == id {
			return true
		}
	}
	return false
}

// priorityInsert finds the first slot whose priority ranks lower than qm and
// inserts before it; equal-or-higher priority ties append after them,
// preserving FIFO arrival order within a priority band.
func priorityInsert(queue []*QueuedMessage, qm *QueuedMessage) []*QueuedMessage {
	insertAt := len(queue)
	for i, existing := range queue {
		if existing.Message.Priority.rank() > qm.Message.Priority.rank() {
			insertAt = i
			break
		}
	}
	queue = append(queue, nil)
	copy(queue[insertAt+1:], queue[insertAt:])
	queue[insertAt] = qm
	return queue
}

func (r *Router) queueKeyFor(msg NormalizedMessage, sess *Session) string {
	if r.cfg.SessionOrderingEnabled {
		return "session:" + msg.Context.SessionKey
	}
	return "channel:" + msg.Channel
}

func (r *Router) touchSession(ctx context.Context, msg NormalizedMessage) *Session {
	key := msg.Context.SessionKey
	now := time.Now()

	r.mu.Lock()
	sess, ok := r.sessions[key]
	if !ok {
		sess = &Session{
			SessionKey: key,
			Channel:    msg.Channel,
			ChatID:     msg.Context.ChatID,
			ThreadID:   msg.Context.ThreadID,
			CreatedAt:  now,
			User:       msg.Sender,
		}
		r.sessions[key] = sess
	}
	sess.LastActivity = now
	sess.MessageCount++
	if msg.Context.ChatID != "" {
		sess.ChatID = msg.Context.ChatID
	}
	r.touchLRU(key)
	cp := *sess
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.Upsert(ctx, cp)
	}
	return &cp
}

// drive selects dispatchable items under the configured ordering discipline
// and launches a goroutine per dispatched item.
func (r *Router) drive(ctx context.Context) {
	if r.cfg.SessionOrderingEnabled {
		r.driveSessionOrdered(ctx)
		return
	}
	r.driveChannelOrdered(ctx)
}

func (r *Router) driveSessionOrdered(ctx context.Context) {
	var toDispatch []*sessionQueue
	r.mu.Lock()
	inFlight := 0
	for _, q := range r.queues {
		if q.inFlight {
			inFlight++
		}
	}
	for _, q := range r.queues {
		if inFlight >= r.cfg.MaxConcurrentSessions {
			break
		}
		if q.inFlight || len(q.items) == 0 {
			continue
		}
		q.inFlight = true
		inFlight++
		toDispatch = append(toDispatch, q)
	}
	r.mu.Unlock()

	for _, q := range toDispatch {
		r.dispatchFromQueue(ctx, q)
	}
}

func (r *Router) driveChannelOrdered(ctx context.Context) {
	var toDispatch []*sessionQueue
	r.mu.Lock()
	for _, q := range r.queues {
		limit := r.cfg.ChannelConcurrency[q.channel]
		if limit <= 0 {
			limit = 1
		}
		if r.channelBusy[q.channel] >= limit || len(q.items) == 0 {
			continue
		}
		r.channelBusy[q.channel]++
		toDispatch = append(toDispatch, q)
	}
	r.mu.Unlock()

	for _, q := range toDispatch {
		r.dispatchFromQueue(ctx, q)
	}
}

func (r *Router) dispatchFromQueue(ctx context.Context, q *sessionQueue) {
	r.mu.Lock()
	var item *QueuedMessage
	if len(q.items) > 0 {
		item = q.items[0]
		q.items = q.items[1:]
	}
	r.mu.Unlock()

	if item == nil {
		r.releaseQueue(q)
		return
	}

	if time.Since(item.EnqueuedAt) > time.Duration(r.cfg.SessionQueueTimeoutMs)*time.Millisecond {
		r.releaseQueue(q)
		r.drive(ctx)
		return
	}

	go func() {
		r.dispatchOne(ctx, item.Message)
		r.releaseQueue(q)
		r.drive(ctx)
	}()
}

func (r *Router) releaseQueue(q *sessionQueue) {
	r.mu.Lock()
	if r.cfg.SessionOrderingEnabled {
		q.inFlight = false
	} else {
		if r.channelBusy[q.channel] > 0 {
			r.channelBusy[q.channel]--
		}
	}
	r.mu.Unlock()
}

// dispatchOne runs the typing indicator, middleware, and route dispatch for
// a single message, racing processMessage against the session timeout.
func (r *Router) dispatchOne(ctx context.Context, msg NormalizedMessage) {
	r.publish(bus.TopicMessageProcessing, bus.MessageEvent{SessionID: msg.Context.SessionKey, ChannelID: msg.Channel, MessageID: msg.ID})

	if msg.Context.ChatID != "" {
		r.typing.Start(ctx, msg.Channel, msg.Context.ChatID)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- r.processMessage(ctx, msg) }()

	timeout := time.Duration(r.cfg.SessionQueueTimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var procErr error
	select {
	case procErr = <-done:
	case <-timer.C:
		procErr = fmt.Errorf("Timeout: Message processing took longer than %ds", r.cfg.SessionQueueTimeoutMs/1000)
	}

	if msg.Context.ChatID != "" {
		r.typing.Stop(ctx, msg.Channel, msg.Context.ChatID)
	}

	r.publish(bus.TopicMessageProcessed, bus.MessageEvent{
		SessionID: msg.Context.SessionKey,
		ChannelID: msg.Channel,
		MessageID: msg.ID,
		Reason:    errString(procErr),
		Duration:  time.Since(start),
		Success:   procErr == nil,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// processMessage runs the middleware pipeline then dispatches to the
// highest-priority matching route, or the default handler.
func (r *Router) processMessage(ctx context.Context, msg NormalizedMessage) error {
	out, err := r.mw.Run(ctx, msg)
	if err != nil {
		r.notifyHandlerError(ctx, msg, err)
		return err
	}
	if out == nil {
		return nil // dropped by middleware
	}

	handler := r.matchRoute(*out)
	if handler == nil {
		handler = r.defaultHandler
	}
	if handler == nil {
		r.notifyNoHandler(ctx, msg)
		return coreerrors.NewHandler("", fmt.Errorf("no route matched and no default handler"))
	}

	if err := handler.Handle(ctx, *out); err != nil {
		wrapped := coreerrors.NewHandler(msg.Channel, err)
		r.notifyHandlerError(ctx, msg, wrapped)
		return wrapped
	}
	return nil
}

func (r *Router) matchRoute(msg NormalizedMessage) Handler {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()
	for _, route := range r.routes {
		if route.Channel != "" && route.Channel != msg.Channel {
			continue
		}
		if route.SessionKeyPattern != "" && !strings.Contains(msg.Context.SessionKey, route.SessionKeyPattern) {
			continue
		}
		return route.Handler
	}
	return nil
}

const maxErrorExcerpt = 200

func (r *Router) notifyHandlerError(ctx context.Context, msg NormalizedMessage, err error) {
	excerpt := err.Error()
	if len(excerpt) > maxErrorExcerpt {
		excerpt = excerpt[:maxErrorExcerpt]
	}
	r.sendNotice(ctx, msg, "Sorry, something went wrong: "+excerpt)
	r.publish(bus.TopicErrorOccurred, bus.ErrorEvent{Component: "router", Reason: "handler_error", Message: excerpt})
}

func (r *Router) notifyNoHandler(ctx context.Context, msg NormalizedMessage) {
	r.sendNotice(ctx, msg, "Sorry, this message could not be routed (no handler configured).")
}

func (r *Router) notifyQueueFull(ctx context.Context, msg NormalizedMessage) {
	r.sendNotice(ctx, msg, "Your message queue is full; please wait and try again.")
}

func (r *Router) sendNotice(ctx context.Context, msg NormalizedMessage, text string) {
	r.adaptersMu.RLock()
	adapter := r.adapters[msg.Channel]
	r.adaptersMu.RUnlock()
	if adapter == nil {
		return
	}
	notice := NormalizedMessage{
		ID:        uuid.NewString(),
		Channel:   msg.Channel,
		Sender:    "system",
		Content:   text,
		Context:   msg.Context,
		Timestamp: time.Now(),
		Priority:  PriorityHigh,
	}
	if err := adapter.Send(ctx, notice); err != nil {
		r.logger.Warn("router_notice_send_failed", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
	}
}

// SendMessage dispatches an outbound message to the adapter registered for
// msg.Channel, returning the adapter's result.
func (r *Router) SendMessage(ctx context.Context, msg NormalizedMessage) error {
	r.adaptersMu.RLock()
	adapter := r.adapters[msg.Channel]
	r.adaptersMu.RUnlock()
	if adapter == nil {
		return fmt.Errorf("no adapter registered for channel %q", msg.Channel)
	}
	return adapter.Send(ctx, msg)
}

// SendToSession resolves sessionKey to an active session (synthesizing one
// from a "channel:type:rest" key if none is active) and sends content
// through the owning channel's adapter.
func (r *Router) SendToSession(ctx context.Context, sessionKey, content string, media *Media) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionKey]
	r.mu.Unlock()

	if !ok {
		parts := strings.SplitN(sessionKey, ":", 3)
		if len(parts) < 2 {
			r.publish(bus.TopicErrorOccurred, bus.ErrorEvent{Component: "router", Reason: "session_not_found", Message: sessionKey})
			return coreerrors.NewSessionRecovery(sessionKey)
		}
		channel := parts[0]
		chatID := ""
		if len(parts) == 3 {
			chatID = parts[2]
		}
		r.adaptersMu.RLock()
		adapter := r.adapters[channel]
		r.adaptersMu.RUnlock()
		if adapter == nil {
			r.publish(bus.TopicErrorOccurred, bus.ErrorEvent{Component: "router", Reason: "session_not_found", Message: sessionKey})
			return coreerrors.NewSessionRecovery(sessionKey)
		}
		now := time.Now()
		synthesized := &Session{SessionKey: sessionKey, Channel: channel, ChatID: chatID, CreatedAt: now, LastActivity: now}
		r.mu.Lock()
		r.sessions[sessionKey] = synthesized
		r.touchLRU(sessionKey)
		r.mu.Unlock()
		if r.store != nil {
			_ = r.store.Upsert(ctx, *synthesized)
		}
		sess = synthesized
	}

	msg := NormalizedMessage{
		ID:      uuid.NewString(),
		Channel: sess.Channel,
		Sender:  "system",
		Content: content,
		Media:   media,
		Context: MessageContext{SessionKey: sessionKey, ChatID: sess.ChatID, ThreadID: sess.ThreadID},
		Timestamp: time.Now(),
		Priority:  PriorityNormal,
	}
	return r.SendMessage(ctx, msg)
}

func (r *Router) publish(topic string, payload interface{}) {
	if r.eventBus != nil {
		r.eventBus.Publish(topic, payload)
	}
}
