// Command agentcore hosts the provider router, task queue, and main-agent
// supervisor, and exposes their live state through a status view. Wiring a
// config loader, channel adapters, or a network control surface onto this
// process is deliberately left to the caller; see SPEC_FULL.md §1 for the
// boundary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/adamtash/ant-sub002/internal/agentengine"
	"github.com/adamtash/ant-sub002/internal/bus"
	"github.com/adamtash/ant-sub002/internal/discovery"
	"github.com/adamtash/ant-sub002/internal/mainagent"
	coreotel "github.com/adamtash/ant-sub002/internal/otel"
	"github.com/adamtash/ant-sub002/internal/providers"
	"github.com/adamtash/ant-sub002/internal/router"
	"github.com/adamtash/ant-sub002/internal/statusview"
	"github.com/adamtash/ant-sub002/internal/taskengine"
)

func main() {
	logger := slog.Default()
	start := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := coreotel.Init(ctx, coreotel.Config{Enabled: os.Getenv("AGENTCORE_OTEL") != ""})
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel init: %v\n", err)
		os.Exit(1)
	}
	defer otelProvider.Shutdown(context.Background())

	b := bus.New()
	manager := providers.NewManager(b, logger, otelProvider)

	store, err := taskengine.NewStore(taskengine.Config{Dir: defaultStateDir(), Metrics: otelProvider.Metrics})
	if err != nil {
		fmt.Fprintf(os.Stderr, "task store: %v\n", err)
		os.Exit(1)
	}
	queue := taskengine.NewQueue(store, b, otelProvider.Metrics, taskengine.DefaultQueueConfig())

	disco, err := discovery.New(defaultOverlayPath(), manager, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "discovery: %v\n", err)
		os.Exit(1)
	}

	engine := agentengine.New(manager, nil, nil, nil, nil, agentengine.Policy{}, agentengine.Config{}, b, otelProvider, logger)

	agent := mainagent.New(mainagent.Config{DiscoveryEnabled: true}, manager, engine, disco, store, queue, b, nil, logger)

	msgRouter := router.New(router.Config{}, b, nil, nil, logger)
	msgRouter.SetDefaultHandler(router.NewTaskDispatchHandler(store, queue, engine, taskengine.LaneMain))
	msgRouter.Start(ctx)
	defer msgRouter.Stop()

	agent.Start(ctx)
	defer agent.Stop()

	provider := func() statusview.Snapshot {
		return statusview.Snapshot{
			Providers:  manager.Snapshot(),
			Lanes:      queue.Snapshot(),
			Supervisor: agent.Status(),
			Uptime:     time.Since(start),
		}
	}

	if isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AGENTCORE_NO_TUI") == "" {
		if err := statusview.Run(ctx, provider); err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "status view: %v\n", err)
			os.Exit(1)
		}
		return
	}

	runPlain(ctx, provider)
}

// runPlain prints the status snapshot every interval, for piped output or
// environments without a controlling terminal.
func runPlain(ctx context.Context, provider statusview.StatusProvider) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	fmt.Println(statusview.Render(provider()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Println(statusview.Render(provider()))
		}
	}
}

func defaultStateDir() string {
	return defaultHome() + "/tasks"
}

func defaultOverlayPath() string {
	return defaultHome() + "/discovery-overlay.json"
}

func defaultHome() string {
	if dir := os.Getenv("AGENTCORE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentcore"
	}
	return home + "/.agentcore"
}
