package statusview

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/adamtash/ant-sub002/internal/mainagent"
	"github.com/adamtash/ant-sub002/internal/providers"
	"github.com/adamtash/ant-sub002/internal/taskengine"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Providers: []providers.ProviderStatus{
			{ID: "local:llama3", Type: "local", Model: "llama3", Default: true},
			{ID: "openai:gpt", Type: "openai", Model: "gpt-4o", InFallback: true, Tripped: true, Failures: 3},
		},
		Lanes: map[taskengine.Lane]taskengine.LaneStats{
			taskengine.LaneMain:        {Cap: 1, Active: 1, Pending: 0},
			taskengine.LaneAutonomous:  {Cap: 5, Active: 2, Pending: 4},
			taskengine.LaneMaintenance: {Cap: 1, Active: 0, Pending: 0},
		},
		Supervisor: mainagent.Status{Running: true, SurvivalMode: false},
		Uptime:     90 * time.Second,
	}
}

func TestRender_IncludesProviderAndLaneState(t *testing.T) {
	out := Render(sampleSnapshot())
	if !strings.Contains(out, "local:llama3") || !strings.Contains(out, "openai:gpt") {
		t.Fatalf("Render output missing provider ids: %q", out)
	}
	if !strings.Contains(out, "tripped") {
		t.Fatalf("Render output missing tripped breaker state: %q", out)
	}
	if !strings.Contains(out, "autonomous") {
		t.Fatalf("Render output missing lane name: %q", out)
	}
}

func TestRender_SurvivalModeIsCalledOut(t *testing.T) {
	snap := sampleSnapshot()
	snap.Supervisor.SurvivalMode = true
	out := Render(snap)
	if !strings.Contains(out, "SURVIVAL MODE") {
		t.Fatalf("Render output missing survival mode callout: %q", out)
	}
}

func TestModel_QuitsOnQ(t *testing.T) {
	m := model{provider: sampleSnapshot, snap: sampleSnapshot()}
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a quit command for 'q'")
	}
}

func TestModel_TickRefreshesSnapshot(t *testing.T) {
	calls := 0
	provider := func() Snapshot {
		calls++
		return sampleSnapshot()
	}
	m := model{provider: provider, snap: Snapshot{}}
	updated, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected tick to re-arm the ticker")
	}
	if calls != 1 {
		t.Fatalf("expected provider called once on tick, got %d", calls)
	}
	if um, ok := updated.(model); !ok || len(um.snap.Providers) == 0 {
		t.Fatalf("tick did not refresh snapshot: %+v", updated)
	}
}
