package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/adamtash/ant-sub002/internal/providers"
)

func fakeOllamaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": "PONG"},
			"model":   "llama3",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunDiscovery_RegistersProbedProviderAndRebuildsChain(t *testing.T) {
	srv := fakeOllamaServer(t)
	mgr := providers.NewManager(nil, nil, nil)
	overlayPath := filepath.Join(t.TempDir(), "overlay.json")

	svc, err := New(overlayPath, mgr, []string{"openai:gpt"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := providers.Config{Type: "local", BaseURL: srv.URL, Model: "llama3"}
	result := svc.RunDiscovery(context.Background(), ModeScheduled, []providers.Config{cfg})
	if !result.OK {
		t.Fatalf("RunDiscovery failed: %+v", result)
	}
	if len(result.Added) != 1 {
		t.Fatalf("Added = %v, want exactly one new provider", result.Added)
	}

	discoveredID := result.Added[0]
	p, err := mgr.GetProvider(providers.ActionChat)
	if err != nil {
		t.Fatalf("GetProvider should fall back to the newly discovered provider: %v", err)
	}
	if p.ID() != discoveredID {
		t.Fatalf("GetProvider returned %s, want the discovered provider %s", p.ID(), discoveredID)
	}

	loaded, _, err := LoadOverlay(overlayPath)
	if err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	rec, ok := loaded.Providers[discoveredID]
	if !ok {
		t.Fatalf("persisted overlay missing discovered provider %s", discoveredID)
	}
	if rec.ReliabilityScore <= 0 {
		t.Fatalf("reliability score = %d, want > 0 for a successful probe", rec.ReliabilityScore)
	}
}

func TestRunHealthCheck_DropsProviderAfterConsecutiveFailures(t *testing.T) {
	mgr := providers.NewManager(nil, nil, nil)
	overlayPath := filepath.Join(t.TempDir(), "overlay.json")

	seed := &Overlay{Version: 1, GeneratedAt: 1, Providers: map[string]Record{
		"local:dead": {
			ID:                  "local:dead",
			Kind:                "local",
			Config:              providers.Config{Type: "local", BaseURL: "http://127.0.0.1:1", Model: "m"},
			ConsecutiveFailures: 1,
		},
	}}
	if err := SaveOverlay(overlayPath, seed); err != nil {
		t.Fatalf("SaveOverlay: %v", err)
	}

	svc, err := New(overlayPath, mgr, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result := svc.RunHealthCheck(context.Background(), 2, 500*time.Millisecond)
	if !result.OK {
		t.Fatalf("RunHealthCheck failed: %+v", result)
	}
	if len(result.Removed) != 1 || result.Removed[0] != "local:dead" {
		t.Fatalf("Removed = %v, want [local:dead]", result.Removed)
	}
}
