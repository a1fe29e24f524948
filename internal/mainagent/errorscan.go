package mainagent

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/adamtash/ant-sub002/internal/agentengine"
	"github.com/adamtash/ant-sub002/internal/taskengine"
)

const maxScanBytes = 256 * 1024

// logLine is the subset of telemetry's slog JSON schema the scanner reads.
type logLine struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
	Time  string `json:"timestamp"`
	Error string `json:"error,omitempty"`
}

// errorScanState tracks dedupe and per-scan counters across ticks.
type errorScanState struct {
	seen          map[string]time.Time
	lastOffset    int64
	lastScannedAt time.Time
}

func newErrorScanState() *errorScanState {
	return &errorScanState{seen: make(map[string]time.Time)}
}

func (a *MainAgent) errorScanLoop(ctx context.Context) {
	defer a.wg.Done()
	if a.cfg.LogPath == "" {
		return
	}
	ticker := time.NewTicker(time.Duration(a.cfg.ErrorScanIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.isPaused() {
				continue
			}
			a.scanOnce(ctx)
		}
	}
}

// scanOnce tails up to maxScanBytes of the structured log, dedupes new error
// lines by the SHA-256 of "summary\ndetails", and opens at most
// MaxInvestigationsPerScan maintenance-lane incident tasks, never inspecting
// more than MaxEventsPerScan error lines in a single pass.
func (a *MainAgent) scanOnce(ctx context.Context) {
	lines, err := tailLines(a.cfg.LogPath, maxScanBytes)
	if err != nil {
		a.logger.Warn("error_scan_read_failed", "error", err)
		return
	}

	investigations := 0
	events := 0
	now := time.Now()
	for _, raw := range lines {
		if events >= a.cfg.MaxEventsPerScan || investigations >= a.cfg.MaxInvestigationsPerScan {
			break
		}
		var parsed logLine
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			continue
		}
		if parsed.Level != "ERROR" && parsed.Level != "error" {
			continue
		}
		events++

		summary := parsed.Msg
		details := parsed.Error
		fp := fingerprint(summary, details)

		a.mu.Lock()
		last, exists := a.scanState.seen[fp]
		cooledDown := !exists || now.Sub(last) >= a.cfg.InvestigationCooldown
		a.mu.Unlock()
		if !cooledDown {
			continue
		}
		if a.inMaintenanceWindow(now) {
			// Outside the numeric cooldown but inside the operator's
			// maintenance window: leave the signature unmarked so it is
			// reconsidered on the next scan once the window passes.
			continue
		}

		a.mu.Lock()
		a.scanState.seen[fp] = now
		a.mu.Unlock()

		if err := a.openIncident(ctx, summary, details, fp); err != nil {
			a.logger.Warn("open_incident_failed", "error", err)
			continue
		}
		investigations++
	}

	a.mu.Lock()
	a.scanState.lastScannedAt = now
	a.mu.Unlock()

	if investigations > 0 {
		a.notifyOwners(ctx, a.cfg.Notify.Errors, "Opened incident investigations for newly observed error signatures.")
	}
}

func (a *MainAgent) openIncident(ctx context.Context, summary, details, fingerprint string) error {
	if a.store == nil || a.queue == nil {
		return nil
	}
	task := &taskengine.Task{
		Description: "Investigate recurring error: " + summary,
		SessionKey:  "main:incident:" + fingerprint,
		Lane:        taskengine.LaneMaintenance,
		TimeoutMs:   10 * 60 * 1000,
		Retries:     taskengine.Retries{MaxAttempts: 1},
		Metadata:    taskengine.Metadata{Tags: []string{"incident", "investigation"}},
	}
	created, err := a.store.Create(task)
	if err != nil {
		return err
	}
	a.queue.Enqueue(created, taskengine.LaneMaintenance, func(runCtx context.Context) {
		if a.engine == nil {
			return
		}
		_, _ = a.engine.Execute(runCtx, agentengine.Request{
			SessionKey: created.SessionKey,
			Query:      "Investigate recurring error: " + summary + "\n\nDetails: " + details,
		})
	})
	return nil
}

func fingerprint(summary, details string) string {
	sum := sha256.Sum256([]byte(summary + "\n" + details))
	return hex.EncodeToString(sum[:])
}

// tailLines returns the newline-delimited records within the last maxBytes
// of path, discarding a possibly-truncated leading partial line.
func tailLines(path string, maxBytes int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	start := int64(0)
	if info.Size() > maxBytes {
		start = info.Size() - maxBytes
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lines []string
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first && start > 0 {
			first = false
			continue
		}
		first = false
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
