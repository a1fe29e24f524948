// Package mainagent implements the MainAgent supervisor loop: periodic
// provider maintenance and survival-mode recovery, plus an independent
// error-scan loop that mines the structured log for novel failure
// signatures and opens investigation tasks.
package mainagent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/adamtash/ant-sub002/internal/agentengine"
	"github.com/adamtash/ant-sub002/internal/bus"
	"github.com/adamtash/ant-sub002/internal/discovery"
	"github.com/adamtash/ant-sub002/internal/providers"
	"github.com/adamtash/ant-sub002/internal/taskengine"
)

// maintenanceWindowParser parses the optional cron override with the same
// standard 5-field grammar the reference project's cron scheduler accepts.
var maintenanceWindowParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Notifier sends an owner/operator message to a recipient (an external
// collaborator per §6's pluggable sendMessage sink).
type Notifier interface {
	SendMessage(ctx context.Context, recipient, text string) error
}

// NotifyOptions mirrors the recognized notify table (§6).
type NotifyOptions struct {
	Providers        bool
	Errors           bool
	IncidentResults  bool
	Improvements     bool
}

// Config configures the MainAgent supervisor.
type Config struct {
	IntervalMs                int
	SurvivalAttemptCooldownMs int
	HealthCheckIntervalMin    int
	ResearchIntervalHours     int
	MinBackupProviders        int
	DiscoveryEnabled          bool

	ErrorScanIntervalMs    int
	InvestigationCooldown  time.Duration
	MaxInvestigationsPerScan int
	MaxEventsPerScan         int
	LogPath                  string

	Owners          []string
	NotifyList      []string
	StartupRecipients []string
	Notify          NotifyOptions

	DiscoveryCandidates func() []providers.Config

	// InvestigationCooldownOverride is an optional standard 5-field cron
	// expression (parsed with robfig/cron/v3) naming a recurring window, one
	// minute wide, during which the error scanner must not open new
	// investigations. It composes with, and never relaxes, InvestigationCooldown.
	InvestigationCooldownOverride string

	// ResumeRunner executes a task re-enqueued by recoverOnStart. Defaults to
	// replaying the task's description through Engine.Execute when nil.
	ResumeRunner func(ctx context.Context, task *taskengine.Task)
}

func (c Config) withDefaults() Config {
	if c.IntervalMs <= 0 {
		c.IntervalMs = 60000
	}
	if c.SurvivalAttemptCooldownMs <= 0 {
		c.SurvivalAttemptCooldownMs = 5 * 60 * 1000
	}
	if c.HealthCheckIntervalMin <= 0 {
		c.HealthCheckIntervalMin = 15
	}
	if c.ResearchIntervalHours <= 0 {
		c.ResearchIntervalHours = 6
	}
	if c.MinBackupProviders <= 0 {
		c.MinBackupProviders = 1
	}
	if c.ErrorScanIntervalMs <= 0 {
		c.ErrorScanIntervalMs = 30000
	}
	if c.ErrorScanIntervalMs < 1000 {
		c.ErrorScanIntervalMs = 1000
	}
	if c.InvestigationCooldown <= 0 {
		c.InvestigationCooldown = 15 * time.Minute
	}
	if c.MaxInvestigationsPerScan <= 0 {
		c.MaxInvestigationsPerScan = 2
	}
	if c.MaxEventsPerScan <= 0 {
		c.MaxEventsPerScan = 5
	}
	return c
}

// MainAgent drives the duty cycle and error-scan loops.
type MainAgent struct {
	cfg     Config
	manager *providers.Manager
	engine  *agentengine.Engine
	disco   *discovery.Service
	store   *taskengine.Store
	queue   *taskengine.Queue
	bus     *bus.Bus
	notify  Notifier
	logger  *slog.Logger

	mu                sync.Mutex
	survivalMode      bool
	lastSurvivalAttempt time.Time
	lastHealthCheckAt time.Time
	lastDiscoveryAt   time.Time
	running           bool
	paused            bool

	scanState *errorScanState

	maintenanceWindow cronlib.Schedule

	dutyCancel     context.CancelFunc
	scanCancel     context.CancelFunc
	incidentCancel context.CancelFunc
	wg             sync.WaitGroup
}

// New constructs a MainAgent. An invalid InvestigationCooldownOverride
// expression is logged and ignored; the numeric cooldown still applies.
func New(cfg Config, manager *providers.Manager, engine *agentengine.Engine, disco *discovery.Service, store *taskengine.Store, queue *taskengine.Queue, b *bus.Bus, notify Notifier, logger *slog.Logger) *MainAgent {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	a := &MainAgent{
		cfg: cfg, manager: manager, engine: engine, disco: disco,
		store: store, queue: queue, bus: b, notify: notify, logger: logger,
		scanState: newErrorScanState(),
	}
	if cfg.InvestigationCooldownOverride != "" {
		sched, err := maintenanceWindowParser.Parse(cfg.InvestigationCooldownOverride)
		if err != nil {
			logger.Warn("investigation_cooldown_override_invalid", "expression", cfg.InvestigationCooldownOverride, "error", err)
		} else {
			a.maintenanceWindow = sched
		}
	}
	return a
}

// Status is a point-in-time read of the supervisor's run state, for display
// by operator tooling.
type Status struct {
	Running           bool
	Paused            bool
	SurvivalMode      bool
	LastHealthCheckAt time.Time
	LastDiscoveryAt   time.Time
}

// Status returns the current run state. Safe for concurrent use.
func (a *MainAgent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Running:           a.running,
		Paused:            a.paused,
		SurvivalMode:      a.survivalMode,
		LastHealthCheckAt: a.lastHealthCheckAt,
		LastDiscoveryAt:   a.lastDiscoveryAt,
	}
}

// inMaintenanceWindow reports whether the optional cron override schedule
// fires within the minute containing now, gating new investigations without
// relaxing the numeric InvestigationCooldown.
func (a *MainAgent) inMaintenanceWindow(now time.Time) bool {
	if a.maintenanceWindow == nil {
		return false
	}
	floor := now.Truncate(time.Minute)
	next := a.maintenanceWindow.Next(floor.Add(-time.Second))
	return !next.After(now) && next.After(floor.Add(-time.Minute))
}

// Start begins both loops and performs the restart-safety recovery pass.
func (a *MainAgent) Start(ctx context.Context) {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	a.recoverOnStart()

	dutyCtx, dutyCancel := context.WithCancel(ctx)
	a.dutyCancel = dutyCancel
	a.wg.Add(1)
	go a.dutyLoop(dutyCtx)

	scanCtx, scanCancel := context.WithCancel(ctx)
	a.scanCancel = scanCancel
	a.wg.Add(1)
	go a.errorScanLoop(scanCtx)

	if a.bus != nil && a.store != nil {
		incidentCtx, incidentCancel := context.WithCancel(ctx)
		a.incidentCancel = incidentCancel
		a.wg.Add(1)
		go a.incidentResultLoop(incidentCtx)
	}
}

// Stop cancels both loops and waits for them to exit.
func (a *MainAgent) Stop() {
	if a.dutyCancel != nil {
		a.dutyCancel()
	}
	if a.scanCancel != nil {
		a.scanCancel()
	}
	if a.incidentCancel != nil {
		a.incidentCancel()
	}
	a.wg.Wait()
}

// Pause/Resume gate the duty cycle and error-scan loop without tearing
// down the goroutines.
func (a *MainAgent) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

func (a *MainAgent) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

func (a *MainAgent) isPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

func (a *MainAgent) dutyLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Duration(a.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	a.dutyCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.dutyCycle(ctx)
		}
	}
}

// dutyCycle runs one iteration of §4.9's numbered duty cycle.
func (a *MainAgent) dutyCycle(ctx context.Context) {
	if a.isPaused() {
		return
	}
	a.providerMaintenance(ctx)

	a.mu.Lock()
	inSurvival := a.survivalMode
	a.mu.Unlock()

	if !inSurvival && a.cfg.DiscoveryEnabled {
		a.runScheduledChecks(ctx)
	}

	if a.hasNoActiveTasks() {
		a.runAutonomousDuty(ctx)
	}
}

func (a *MainAgent) hasNoActiveTasks() bool {
	if a.store == nil {
		return true
	}
	active, err := a.store.GetActiveTasks()
	if err != nil {
		return false
	}
	return len(active) == 0
}

func (a *MainAgent) runAutonomousDuty(ctx context.Context) {
	if a.engine == nil {
		return
	}
	_, err := a.engine.Execute(ctx, agentengine.Request{SessionKey: "main:autonomous:duty", Query: "Perform your scheduled autonomous duty check."})
	if err != nil {
		a.logger.Warn("autonomous_duty_failed", "error", err)
	}
}

// providerMaintenance implements step 1: survival-mode entry/exit and
// emergency discovery gated by the cooldown.
func (a *MainAgent) providerMaintenance(ctx context.Context) {
	healthy := a.engine != nil && a.engine.HasHealthyProvider(ctx)
	if a.manager != nil && a.engine == nil {
		healthy = a.manager.HasHealthyProvider(ctx)
	}

	a.mu.Lock()
	wasSurvival := a.survivalMode
	a.mu.Unlock()

	if !healthy {
		a.enterSurvivalIfNeeded(ctx, wasSurvival)
		return
	}

	if wasSurvival {
		a.mu.Lock()
		a.survivalMode = false
		a.mu.Unlock()
		a.notifyOwners(ctx, a.cfg.Notify.Providers, "Provider health recovered; exiting survival mode.")
	}
}

func (a *MainAgent) enterSurvivalIfNeeded(ctx context.Context, wasSurvival bool) {
	a.mu.Lock()
	if !a.survivalMode {
		a.survivalMode = true
		a.mu.Unlock()
		a.notifyOwners(ctx, a.cfg.Notify.Providers, "No healthy provider available; entering survival mode.")
	} else {
		a.mu.Unlock()
	}

	a.mu.Lock()
	cooledDown := time.Since(a.lastSurvivalAttempt) >= time.Duration(a.cfg.SurvivalAttemptCooldownMs)*time.Millisecond
	a.mu.Unlock()
	if !cooledDown || a.disco == nil || a.cfg.DiscoveryCandidates == nil {
		return
	}

	a.mu.Lock()
	a.lastSurvivalAttempt = time.Now()
	a.mu.Unlock()

	result := a.disco.RunDiscovery(ctx, discovery.ModeEmergency, a.cfg.DiscoveryCandidates())
	if !result.OK {
		a.logger.Warn("emergency_discovery_failed", "error", result.Error)
	}
}

func (a *MainAgent) runScheduledChecks(ctx context.Context) {
	if a.disco == nil {
		return
	}
	a.mu.Lock()
	dueHealthCheck := time.Since(a.lastHealthCheckAt) >= time.Duration(a.cfg.HealthCheckIntervalMin)*time.Minute
	dueDiscovery := time.Since(a.lastDiscoveryAt) >= time.Duration(a.cfg.ResearchIntervalHours)*time.Hour
	a.mu.Unlock()

	if dueHealthCheck {
		result := a.disco.RunHealthCheck(ctx, 3, 8*time.Second)
		a.mu.Lock()
		a.lastHealthCheckAt = time.Now()
		a.mu.Unlock()
		if result.OK && len(result.Removed) > 0 {
			a.notifyOwners(ctx, a.cfg.Notify.Providers, "Removed unhealthy providers: "+joinComma(result.Removed))
		}
	}

	if dueDiscovery && a.cfg.DiscoveryCandidates != nil {
		result := a.disco.RunDiscovery(ctx, discovery.ModeScheduled, a.cfg.DiscoveryCandidates())
		a.mu.Lock()
		a.lastDiscoveryAt = time.Now()
		a.mu.Unlock()
		if result.OK {
			if len(result.Added) > 0 || len(result.Removed) > 0 {
				a.notifyOwners(ctx, a.cfg.Notify.Providers, "Discovery added="+joinComma(result.Added)+" removed="+joinComma(result.Removed))
			}
		}
	}
}

// recoverOnStart re-enqueues every non-terminal task found in the store,
// preserving pending nextRetryAt delays, per §4.9's restart-safety note.
func (a *MainAgent) recoverOnStart() {
	if a.store == nil || a.queue == nil {
		return
	}
	active, err := a.store.GetActiveTasks()
	if err != nil {
		a.logger.Warn("recover_on_start_failed", "error", err)
		return
	}
	for _, t := range active {
		task, err := a.store.UpdateStatus(t.ID, taskengine.StatusQueued, "resume_after_restart")
		if err != nil {
			continue
		}
		delay := 0
		if task.Retries.NextRetryAt != nil {
			if d := time.Until(*task.Retries.NextRetryAt); d > 0 {
				delay = int(d.Milliseconds())
			}
		}
		run := a.resumeRunnerFor(task)
		if delay > 0 {
			a.queue.EnqueueWithDelay(task, task.Lane, run, delay)
		} else {
			a.queue.Enqueue(task, task.Lane, run)
		}
	}
}

// resumeRunnerFor builds the RunFunc a recovered task executes once its lane
// slot frees. Defaults to replaying the task's description through the
// Engine when the caller has not supplied a ResumeRunner.
func (a *MainAgent) resumeRunnerFor(task *taskengine.Task) taskengine.RunFunc {
	if a.cfg.ResumeRunner != nil {
		return func(ctx context.Context) { a.cfg.ResumeRunner(ctx, task) }
	}
	return func(ctx context.Context) {
		if a.engine == nil || a.queue == nil {
			return
		}
		result, err := a.engine.Execute(ctx, agentengine.Request{SessionKey: task.SessionKey, Query: task.Description})
		if err != nil {
			if _, hfErr := a.queue.HandleFailure(task, taskengine.DefaultBackoffPolicy(), err.Error()); hfErr != nil {
				a.logger.Warn("resumed_task_failure_record_failed", "taskId", task.ID, "error", hfErr)
			}
			return
		}
		if _, hsErr := a.queue.HandleSuccess(task.ID, result); hsErr != nil {
			a.logger.Warn("resumed_task_success_record_failed", "taskId", task.ID, "error", hsErr)
		}
	}
}

// incidentResultLoop watches the bus for terminal task transitions and
// notifies owners for every task tagged "incident", per §4.9's incident
// result notifications.
func (a *MainAgent) incidentResultLoop(ctx context.Context) {
	defer a.wg.Done()
	subSucceeded := a.bus.Subscribe(bus.TopicTaskSucceeded)
	subFailed := a.bus.Subscribe(bus.TopicTaskFailed)
	defer a.bus.Unsubscribe(subSucceeded)
	defer a.bus.Unsubscribe(subFailed)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-subSucceeded.Ch():
			if !ok {
				return
			}
			a.notifyIncidentResult(ctx, evt)
		case evt, ok := <-subFailed.Ch():
			if !ok {
				return
			}
			a.notifyIncidentResult(ctx, evt)
		}
	}
}

func (a *MainAgent) notifyIncidentResult(ctx context.Context, evt bus.Event) {
	changed, ok := evt.Payload.(bus.TaskStateChangedEvent)
	if !ok || changed.TaskID == "" {
		return
	}
	task, err := a.store.Get(changed.TaskID)
	if err != nil || task == nil {
		return
	}
	if !hasTag(task.Metadata.Tags, "incident") {
		return
	}
	outcome := "succeeded"
	if task.Status == taskengine.StatusFailed {
		outcome = "failed: " + task.Error
	}
	a.notifyOwners(ctx, a.cfg.Notify.IncidentResults, "Incident task "+task.ID+" "+outcome+" — "+task.Description)
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func (a *MainAgent) notifyOwners(ctx context.Context, enabled bool, text string) {
	if !enabled || a.notify == nil {
		return
	}
	for _, r := range a.recipients() {
		_ = a.notify.SendMessage(ctx, r, text)
	}
}

func (a *MainAgent) recipients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{a.cfg.NotifyList, a.cfg.Owners, a.cfg.StartupRecipients} {
		for _, r := range group {
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
