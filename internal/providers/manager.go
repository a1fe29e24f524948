package providers

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/adamtash/ant-sub002/internal/bus"
	"github.com/adamtash/ant-sub002/internal/coreerrors"
	coreotel "github.com/adamtash/ant-sub002/internal/otel"
)

// circuitState is the per-provider breaker bookkeeping, embedded in Manager
// rather than factored into its own exported type: the breaker has no
// meaning independent of the provider it guards.
type circuitState struct {
	failures     int
	cooldownUntil time.Time
}

func (c *circuitState) tripped(now time.Time) bool {
	return !c.cooldownUntil.IsZero() && now.Before(c.cooldownUntil)
}

type healthEntry struct {
	ok        bool
	checkedAt time.Time
}

// SelectOptions narrows selectBest's candidate walk. Tier names a slot in
// the quality-tier routing table (e.g. "fast", "quality"), not a provider
// id directly — it is resolved through UpdateTierRouting the same way an
// Action is resolved through UpdateRouting.
type SelectOptions struct {
	Tier             string
	FallbackFromFast bool
	RequireTools     bool
}

// HealthCheckConfig controls selectBest's fresh-probe behavior.
type HealthCheckConfig struct {
	TimeoutMs int
	CacheTTLMs int
}

// Manager is the process-wide provider registry: routing table, fallback
// chain, health cache, and circuit breaker state, guarded by a single
// sync.RWMutex the way the reference failover brain guards its breaker map.
type Manager struct {
	mu sync.RWMutex

	providers map[string]Provider
	discovered map[string]bool // ids registered via registerDiscoveredProvider

	routing        map[Action]string
	tierRouting    map[string]string // tier name ("fast", "quality", ...) -> provider id
	fallbackChain  []string
	defaultProvider string

	breakers map[string]*circuitState
	health   map[string]healthEntry

	breakerBase   time.Duration
	breakerCap    time.Duration
	healthCfg     HealthCheckConfig

	bus    *bus.Bus
	logger *slog.Logger
	otel   *coreotel.Provider
}

// NewManager constructs an empty Manager.
func NewManager(b *bus.Bus, logger *slog.Logger, otelProvider *coreotel.Provider) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers:     make(map[string]Provider),
		discovered:    make(map[string]bool),
		routing:       make(map[Action]string),
		tierRouting:   make(map[string]string),
		breakers:      make(map[string]*circuitState),
		health:        make(map[string]healthEntry),
		breakerBase:   2 * time.Second,
		breakerCap:    5 * time.Minute,
		healthCfg:     HealthCheckConfig{TimeoutMs: 5000, CacheTTLMs: 30000},
		bus:           b,
		logger:        logger,
		otel:          otelProvider,
	}
}

// SetBreakerPolicy overrides the default base/cap cooldown schedule.
func (m *Manager) SetBreakerPolicy(base, cap time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerBase = base
	m.breakerCap = cap
}

// SetDefaultProvider sets the provider id used when no action-specific route exists.
func (m *Manager) SetDefaultProvider(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultProvider = id
}

// Register constructs and inserts a provider built from the given config.
// Re-registering an id replaces the prior instance and clears its counters.
func (m *Manager) Register(id string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := newProviderFromConfig(id, cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[id] = p
	delete(m.breakers, id)
	delete(m.health, id)
	m.logger.Info("provider_registered", "provider_id", id, "type", cfg.Type)
	return nil
}

// RegisterInstance inserts an already-constructed Provider directly,
// bypassing config-driven construction. Intended for callers (and tests)
// that build their own Provider implementation rather than going through
// a Config.
func (m *Manager) RegisterInstance(id string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[id] = p
	delete(m.breakers, id)
	delete(m.health, id)
	m.logger.Info("provider_registered", "provider_id", id, "type", p.Type())
}

// RegisterDiscoveredProvider registers a provider sourced from the discovery
// overlay. When ensureFallbackChain is true and the id is not already in the
// chain, it is appended.
func (m *Manager) RegisterDiscoveredProvider(id string, cfg Config, ensureFallbackChain bool) (created bool, err error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	p, err := newProviderFromConfig(id, cfg)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.providers[id]
	m.providers[id] = p
	m.discovered[id] = true
	delete(m.breakers, id)
	delete(m.health, id)
	if ensureFallbackChain && !containsStr(m.fallbackChain, id) {
		m.fallbackChain = append(m.fallbackChain, id)
	}
	return !existed, nil
}

// Unregister removes a provider and all of its transient state, returning
// whether an entry existed.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.providers[id]
	delete(m.providers, id)
	delete(m.discovered, id)
	delete(m.breakers, id)
	delete(m.health, id)
	m.fallbackChain = removeStr(m.fallbackChain, id)
	for action, pid := range m.routing {
		if pid == id {
			delete(m.routing, action)
		}
	}
	return ok
}

// GetProvider returns the provider routed for action, or the default, or the
// first non-cooling fallback.
func (m *Manager) GetProvider(action Action) (Provider, error) {
	m.mu.RLock()
	id, ok := m.routing[action]
	if !ok || id == "" {
		id = m.defaultProvider
	}
	m.mu.RUnlock()

	if id != "" {
		m.mu.RLock()
		p, ok := m.providers[id]
		cooling := m.isTrippedLocked(id)
		m.mu.RUnlock()
		if ok && !cooling {
			return p, nil
		}
	}

	m.mu.RLock()
	chain := append([]string(nil), m.fallbackChain...)
	m.mu.RUnlock()
	for _, fid := range chain {
		m.mu.RLock()
		p, ok := m.providers[fid]
		cooling := m.isTrippedLocked(fid)
		m.mu.RUnlock()
		if ok && !cooling {
			return p, nil
		}
	}
	return nil, coreerrors.NewProviderSelection(string(action))
}

// SelectBest walks the full candidate order: tier-pinned provider, action's
// routed provider, quality-tier escalation (when Tier is "fast" and
// FallbackFromFast is set), fallback chain, then all remaining providers
// grouped local > configured > discovered and ordered by (coolingDown asc,
// failures asc, id lex). It skips candidates that are cooling down or lack
// tool support when required, probing cached health first and falling back
// to a fresh probe.
func (m *Manager) SelectBest(ctx context.Context, action Action, opts SelectOptions) (Provider, error) {
	candidates := m.candidateOrder(action, opts)

	for _, id := range candidates {
		m.mu.RLock()
		p, ok := m.providers[id]
		cooling := m.isTrippedLocked(id)
		cachedHealth, hasCached := m.health[id]
		m.mu.RUnlock()
		if !ok || cooling {
			continue
		}
		if opts.RequireTools && !p.SupportsTools() {
			continue
		}
		if hasCached && time.Since(cachedHealth.checkedAt) < time.Duration(m.healthCfg.CacheTTLMs)*time.Millisecond {
			if cachedHealth.ok {
				return p, nil
			}
			continue
		}
		healthCtx, cancel := context.WithTimeout(ctx, time.Duration(m.healthCfg.TimeoutMs)*time.Millisecond)
		ok = func() (ok bool) {
			defer func() {
				if r := recover(); r != nil {
					ok = false
				}
			}()
			return p.Health(healthCtx)
		}()
		cancel()
		m.mu.Lock()
		m.health[id] = healthEntry{ok: ok, checkedAt: time.Now()}
		m.mu.Unlock()
		if ok {
			return p, nil
		}
		m.logger.Warn("provider_probe_unhealthy", "provider_id", id, "action", string(action))
	}
	return nil, coreerrors.NewProviderSelection(string(action))
}

// candidateOrder builds the ordered id list selectBest walks, without
// touching health/breaker state.
func (m *Manager) candidateOrder(action Action, opts SelectOptions) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var order []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		if _, ok := m.providers[id]; !ok {
			return
		}
		seen[id] = true
		order = append(order, id)
	}

	if opts.Tier != "" {
		add(m.tierRouting[opts.Tier])
	}
	if routed, ok := m.routing[action]; ok {
		add(routed)
	}
	if opts.Tier == "fast" && opts.FallbackFromFast {
		add(m.tierRouting["quality"])
	}
	add(m.defaultProvider)
	for _, id := range m.fallbackChain {
		add(id)
	}

	var remaining []string
	for id := range m.providers {
		if !seen[id] {
			remaining = append(remaining, id)
		}
	}
	sort.Slice(remaining, func(i, j int) bool {
		gi, gj := priorityGroup(remaining[i], m.discovered), priorityGroup(remaining[j], m.discovered)
		if gi != gj {
			return gi < gj
		}
		ci, cj := m.isTrippedLocked(remaining[i]), m.isTrippedLocked(remaining[j])
		if ci != cj {
			return !ci
		}
		fi, fj := m.failuresLocked(remaining[i]), m.failuresLocked(remaining[j])
		if fi != fj {
			return fi < fj
		}
		return remaining[i] < remaining[j]
	})
	for _, id := range remaining {
		add(id)
	}
	return order
}

// priorityGroup ranks local providers first, then explicitly configured ones,
// then ids discovered at runtime (backup:/discovered: prefix or flagged in
// the discovered set, which takes precedence over the prefix match).
func priorityGroup(id string, discovered map[string]bool) int {
	if discovered[id] {
		return 2
	}
	switch {
	case strings.HasPrefix(id, "local:"):
		return 0
	case strings.HasPrefix(id, "backup:"), strings.HasPrefix(id, "discovered:"):
		return 2
	default:
		return 1
	}
}

func (m *Manager) isTrippedLocked(id string) bool {
	b, ok := m.breakers[id]
	if !ok {
		return false
	}
	return b.tripped(time.Now())
}

func (m *Manager) failuresLocked(id string) int {
	b, ok := m.breakers[id]
	if !ok {
		return 0
	}
	return b.failures
}

// RecordFailure increments the failure count and extends the cooldown
// exponentially: base*2^(attempts-1), capped. Returns true on the first
// transition into cooldown for this provider.
func (m *Manager) RecordFailure(id string, reason FailoverReason) (opened bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[id]
	if !ok {
		b = &circuitState{}
		m.breakers[id] = b
	}
	wasTripped := b.tripped(time.Now())
	b.failures++
	delay := m.breakerBase * time.Duration(1<<uint(b.failures-1))
	if delay > m.breakerCap {
		delay = m.breakerCap
	}
	b.cooldownUntil = time.Now().Add(delay)
	opened = !wasTripped
	if m.bus != nil {
		m.bus.Publish(bus.TopicErrorOccurred, bus.ErrorEvent{
			Component: "provider_manager",
			Reason:    string(reason),
			Message:   "provider " + id + " recorded failure",
		})
	}
	if m.otel != nil && m.otel.Metrics != nil {
		attrs := metric.WithAttributes(coreotel.AttrProviderID.String(id), coreotel.AttrFailoverReason.String(string(reason)))
		m.otel.Metrics.ProviderFailures.Add(context.Background(), 1, attrs)
		if reason == ReasonRateLimit {
			m.otel.Metrics.RateLimitRejects.Add(context.Background(), 1, metric.WithAttributes(coreotel.AttrProviderID.String(id)))
		}
	}
	m.logger.Warn("provider_failure_recorded", "provider_id", id, "reason", string(reason), "failures", b.failures, "cooldown_until", b.cooldownUntil)
	return opened
}

// RecordSuccess clears a provider's cooldown and failure count, returning
// whether it had been recovering from a tripped state.
func (m *Manager) RecordSuccess(id string) (wasRecovering bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[id]
	if !ok {
		return false
	}
	wasRecovering = b.tripped(time.Now()) || b.failures > 0
	b.failures = 0
	b.cooldownUntil = time.Time{}
	return wasRecovering
}

// UpdateRouting atomically replaces the routing table and clears the health
// cache so stale health does not keep a demoted provider alive.
func (m *Manager) UpdateRouting(next map[Action]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routing = cloneRouting(next)
	m.health = make(map[string]healthEntry)
	m.logger.Info("routing_updated", "routes", len(next))
}

// UpdateFallbackChain atomically replaces the fallback chain and clears the
// health cache.
func (m *Manager) UpdateFallbackChain(next []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slicesEqual(m.fallbackChain, next) {
		return
	}
	m.fallbackChain = append([]string(nil), next...)
	m.health = make(map[string]healthEntry)
	m.logger.Info("fallback_chain_updated", "chain", next)
}

// UpdateTierRouting atomically replaces the quality-tier provider table
// (tier name to provider id) and clears the health cache.
func (m *Manager) UpdateTierRouting(next map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(next))
	for k, v := range next {
		out[k] = v
	}
	m.tierRouting = out
	m.health = make(map[string]healthEntry)
	m.logger.Info("tier_routing_updated", "tiers", len(next))
}

// HasHealthyProvider reports whether the chat action currently resolves,
// per §9.1's resolution that survival mode watches the chat action alone.
func (m *Manager) HasHealthyProvider(ctx context.Context) bool {
	_, err := m.SelectBest(ctx, ActionChat, SelectOptions{})
	return err == nil
}

// ProviderStatus is a point-in-time read of one registered provider's
// routing and breaker state, for display by operator tooling.
type ProviderStatus struct {
	ID         string
	Type       string
	Model      string
	Default    bool
	InFallback bool
	Tripped    bool
	Failures   int
}

// Snapshot returns the status of every registered provider, sorted by id,
// for read-only display. It takes no locks on the providers themselves.
func (m *Manager) Snapshot() []ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		p := m.providers[id]
		out = append(out, ProviderStatus{
			ID:         id,
			Type:       p.Type(),
			Model:      p.Model(),
			Default:    id == m.defaultProvider,
			InFallback: containsStr(m.fallbackChain, id),
			Tripped:    m.isTrippedLocked(id),
			Failures:   m.failuresLocked(id),
		})
	}
	return out
}

func cloneRouting(in map[Action]string) map[Action]string {
	out := make(map[Action]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func containsStr(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func removeStr(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
