package discovery

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamtash/ant-sub002/internal/providers"
	"github.com/adamtash/ant-sub002/internal/shared"
)

// Mode selects the candidate set runDiscovery probes.
type Mode string

const (
	ModeScheduled Mode = "scheduled"
	ModeEmergency Mode = "emergency"
)

const probePrompt = "Reply with a single word: PONG."

// Result is the outcome of a discovery or health-check pass.
type Result struct {
	OK      bool
	Error   string
	Added   []string
	Removed []string
}

// Service is the ProviderDiscoveryService: it probes candidate configs,
// merges results into a persisted overlay, and applies the overlay to a
// ProviderManager's registry and fallback chain.
type Service struct {
	overlayPath string
	manager     *providers.Manager
	baseChain   []string
	logger      *slog.Logger

	mu      sync.Mutex
	overlay *Overlay
}

// New constructs a Service over the overlay file at overlayPath, applying
// changes to manager. baseChain is the statically configured fallback chain
// with overlay ids stripped before discovered entries are appended.
func New(overlayPath string, manager *providers.Manager, baseChain []string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	overlay, skipped, err := LoadOverlay(overlayPath)
	if err != nil {
		return nil, err
	}
	for _, id := range skipped {
		logger.Warn("discovery_overlay_record_skipped", "provider_id", id)
	}
	s := &Service{overlayPath: overlayPath, manager: manager, baseChain: baseChain, logger: logger}
	s.overlay = overlay
	return s, nil
}

// disabled reports whether discovery is switched off via environment.
func disabled() bool {
	return shared.EnvFlag("ANT_DISABLE_PROVIDER_DISCOVERY") || shared.TestModeActive()
}

// RunDiscovery probes candidates (supplied by the caller — this module never
// reads a config file itself), merges the result into the overlay, persists
// it, and reapplies it to the ProviderManager.
func (s *Service) RunDiscovery(ctx context.Context, mode Mode, candidates []providers.Config) Result {
	if disabled() {
		return Result{OK: false, Error: "provider_discovery_disabled"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := &Overlay{Version: s.overlay.Version + 1, GeneratedAt: time.Now().UnixMilli(), Providers: map[string]Record{}}
	var added []string
	for _, cfg := range candidates {
		id := candidateID(cfg)
		rec := s.probe(ctx, id, cfg)
		next.Providers[id] = rec
		if _, existed := s.overlay.Providers[id]; !existed {
			added = append(added, id)
		}
	}

	var removed []string
	for id := range s.overlay.Providers {
		if _, stillPresent := next.Providers[id]; !stillPresent {
			removed = append(removed, id)
		}
	}

	return s.commit(next, added, removed)
}

// RunHealthCheck reverifies every overlay record via the canned probe,
// dropping any whose consecutiveFailures reaches maxConsecutiveFailures.
func (s *Service) RunHealthCheck(ctx context.Context, maxConsecutiveFailures int, timeout time.Duration) Result {
	if disabled() {
		return Result{OK: false, Error: "provider_discovery_disabled"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := &Overlay{Version: s.overlay.Version + 1, GeneratedAt: time.Now().UnixMilli(), Providers: map[string]Record{}}
	var removed []string
	for id, rec := range s.overlay.Providers {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		updated := s.probe(probeCtx, id, rec.Config)
		cancel()
		if !updated.LastResult.OK {
			updated.ConsecutiveFailures = rec.ConsecutiveFailures + 1
		}
		if updated.ConsecutiveFailures >= maxConsecutiveFailures {
			removed = append(removed, id)
			continue
		}
		next.Providers[id] = updated
	}

	return s.commit(next, nil, removed)
}

// probe runs the canned chat probe against one candidate, scoring reliability.
func (s *Service) probe(ctx context.Context, id string, cfg providers.Config) Record {
	kind := "remote"
	if cfg.Type == "local" {
		kind = "local"
	}
	rec := Record{ID: id, Kind: kind, Config: cfg}

	probeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	p, err := providers.NewProbeProvider(id, cfg)
	if err != nil {
		rec.LastResult = LastResult{OK: false, CheckedAt: time.Now().UnixMilli(), Error: err.Error()}
		return rec
	}

	start := time.Now()
	resp, err := p.Chat(probeCtx, []providers.Message{{Role: providers.RoleUser, Content: probePrompt}}, providers.ChatOptions{MaxTokens: 10, Temperature: 0, TimeoutMs: 8000})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		rec.LastResult = LastResult{OK: false, CheckedAt: time.Now().UnixMilli(), Error: err.Error()}
		rec.ReliabilityScore = 0
		return rec
	}
	_ = resp
	rec.LastResult = LastResult{OK: true, CheckedAt: time.Now().UnixMilli(), LatencyMs: latency}
	rec.ReliabilityScore = ReliabilityScore(true, latency)
	return rec
}

// commit persists next and applies it, rolling back the in-memory overlay
// pointer only on a successful write.
func (s *Service) commit(next *Overlay, added, removed []string) Result {
	if err := SaveOverlay(s.overlayPath, next); err != nil {
		s.logger.Error("discovery_overlay_persist_failed", "error", err)
		return Result{OK: false, Error: fmt.Sprintf("overlay_persistence: %v", err)}
	}
	prev := s.overlay
	s.overlay = next
	s.applyOverlay(prev, next)
	return Result{OK: true, Added: added, Removed: removed}
}

// applyOverlay unregisters ids dropped between prev and next, registers
// every id in next, and rebuilds the fallback chain as
// base ++ discoveredOrder (local first, then reliability desc, then id asc).
func (s *Service) applyOverlay(prev, next *Overlay) {
	for id := range prev.Providers {
		if _, ok := next.Providers[id]; !ok {
			s.manager.Unregister(id)
		}
	}
	for id, rec := range next.Providers {
		if _, err := s.manager.RegisterDiscoveredProvider(id, rec.Config, false); err != nil {
			s.logger.Warn("discovery_register_failed", "provider_id", id, "error", err)
		}
	}

	base := stripOverlayIDs(s.baseChain, next)
	discoveredOrder := next.sortedDiscoveredOrder()
	s.manager.UpdateFallbackChain(uniqueConcat(base, discoveredOrder))
}

func stripOverlayIDs(chain []string, overlay *Overlay) []string {
	out := make([]string, 0, len(chain))
	for _, id := range chain {
		if _, ok := overlay.Providers[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func uniqueConcat(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string{}, a...), b...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func candidateID(cfg providers.Config) string {
	prefix := "discovered"
	if cfg.Type == "local" {
		prefix = "local"
	}
	h := sha256.Sum256([]byte(cfg.Type + "|" + cfg.BaseURL + "|" + cfg.Model + "|" + cfg.Command))
	return fmt.Sprintf("%s:%x", prefix, h[:4])
}

// NewCorrelationID returns a fresh id for correlating one probe's log lines
// and spans across the discovery/health-check pass.
func NewCorrelationID() string { return uuid.NewString() }
