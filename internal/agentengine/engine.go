// Package agentengine implements the AgentEngine tool loop (§4.7): provider
// selection, the bounded tool-call loop with policy enforcement, the
// context-window compaction guard, and circuit-breaker bookkeeping for each
// turn.
package agentengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamtash/ant-sub002/internal/bus"
	coreotel "github.com/adamtash/ant-sub002/internal/otel"
	"github.com/adamtash/ant-sub002/internal/providers"
)

// Request names a caller's prompt-build inputs; PromptBuilder is an opaque
// external collaborator per §6 so this package compiles and tests against a
// fake without depending on the excluded bootstrap/prompt subsystem.
type Request struct {
	SessionKey string
	Query      string
	Channel    string
	ChatID     string
}

// PromptBuilder builds the system prompt for a turn.
type PromptBuilder interface {
	Build(ctx context.Context, req Request) (string, error)
}

// MemoryManager supplies memory snippets to fold into a turn's context.
type MemoryManager interface {
	Search(ctx context.Context, sessionKey, query string) ([]string, error)
}

// ToolExecutor runs one named tool call and returns its textual result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, argumentsJSON string) (string, error)
	Specs() []providers.ToolSpec
}

// History persists assistant turns per session; a thin seam over whatever
// session store the caller maintains.
type History interface {
	Append(sessionKey string, msg providers.Message)
	Messages(sessionKey string) []providers.Message
}

// ExecuteResult is AgentEngine.execute's return shape (§6).
type ExecuteResult struct {
	Response   string
	ProviderID string
	Model      string
}

// Config configures an Engine.
type Config struct {
	MaxToolIterations       int
	PerIterationTimeoutMs   int
	PerToolTimeoutMs        int
	CompactionThresholdPct  float64
	MinRecentMessages       int
	ContextLimitOverrides   map[string]int
	// RetryPolicy governs same-provider retries on a retryable failure
	// (rate_limit, timeout) before the turn fails over to the next
	// candidate provider. The zero value retries zero times, matching a
	// caller that wants failover on the first error; pass
	// providers.DefaultRetryPolicy() to retry with backoff first.
	RetryPolicy providers.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 8
	}
	if c.PerIterationTimeoutMs <= 0 {
		c.PerIterationTimeoutMs = 60000
	}
	if c.PerToolTimeoutMs <= 0 {
		c.PerToolTimeoutMs = 30000
	}
	if c.CompactionThresholdPct <= 0 {
		c.CompactionThresholdPct = 0.85
	}
	if c.MinRecentMessages <= 0 {
		c.MinRecentMessages = 6
	}
	return c
}

// Engine executes single agent turns against the ProviderManager.
type Engine struct {
	manager *providers.Manager
	prompts PromptBuilder
	memory  MemoryManager
	tools   ToolExecutor
	history History
	policy  Policy
	cfg     Config

	bus    *bus.Bus
	otel   *coreotel.Provider
	logger *slog.Logger
}

// New constructs an Engine. prompts, memory, tools, and history may be nil
// fakes in tests; a nil ToolExecutor simply yields zero tool specs.
func New(manager *providers.Manager, prompts PromptBuilder, memory MemoryManager, tools ToolExecutor, history History, policy Policy, cfg Config, b *bus.Bus, otelProvider *coreotel.Provider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		manager: manager, prompts: prompts, memory: memory, tools: tools, history: history,
		policy: policy, cfg: cfg.withDefaults(), bus: b, otel: otelProvider, logger: logger,
	}
}

// HasHealthyProvider implements the §9.1 resolution: survival mode watches
// the chat action specifically.
func (e *Engine) HasHealthyProvider(ctx context.Context) bool {
	return e.manager.HasHealthyProvider(ctx)
}

// RegisterDiscoveredProvider forwards to the ProviderManager, matching the
// collaborator contract other components call through this engine.
func (e *Engine) RegisterDiscoveredProvider(id string, cfg providers.Config, ensureFallbackChain bool) (bool, error) {
	return e.manager.RegisterDiscoveredProvider(id, cfg, ensureFallbackChain)
}

// Execute runs one full agent turn: builds the system prompt, selects a
// provider, runs the bounded tool-call loop with policy enforcement and
// context-window compaction, and records the outcome on the circuit
// breaker.
func (e *Engine) Execute(ctx context.Context, req Request) (ExecuteResult, error) {
	var span trace.Span
	var metrics *coreotel.Metrics
	if e.otel != nil {
		metrics = e.otel.Metrics
	}
	if e.otel != nil && e.otel.Tracer != nil {
		ctx, span = coreotel.StartSpan(ctx, e.otel.Tracer, "agent.turn", coreotel.AttrSessionID.String(req.SessionKey))
		defer span.End()
	}
	if metrics != nil {
		metrics.ActiveLoops.Add(ctx, 1)
		defer metrics.ActiveLoops.Add(ctx, -1)
	}

	systemPrompt := ""
	if e.prompts != nil {
		p, err := e.prompts.Build(ctx, req)
		if err != nil {
			return ExecuteResult{}, fmt.Errorf("build prompt: %w", err)
		}
		systemPrompt = p
	}

	messages := []providers.Message{{Role: providers.RoleSystem, Content: systemPrompt}}
	if e.history != nil {
		messages = append(messages, e.history.Messages(req.SessionKey)...)
	}
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: req.Query})

	provider, err := e.manager.SelectBest(ctx, providers.ActionChat, providers.SelectOptions{RequireTools: e.tools != nil})
	if err != nil {
		return ExecuteResult{}, err
	}
	if span != nil {
		span.SetAttributes(coreotel.AttrProviderID.String(provider.ID()))
	}

	var toolSpecs []providers.ToolSpec
	if e.tools != nil {
		toolSpecs = e.tools.Specs()
	}

	var finalContent string
	for iter := 0; iter < e.cfg.MaxToolIterations; iter++ {
		if metrics != nil {
			metrics.LoopStepsTotal.Add(ctx, 1)
		}
		messages = e.compactIfNeeded(ctx, messages, provider)

		iterCtx, cancel := context.WithTimeout(ctx, msDuration(e.cfg.PerIterationTimeoutMs))
		callStart := time.Now()
		var resp providers.ChatResponse
		err := providers.WithRetry(iterCtx, e.cfg.RetryPolicy, func() error {
			r, callErr := provider.Chat(iterCtx, messages, providers.ChatOptions{
				Tools: toolSpecs, ToolChoice: "auto", TimeoutMs: e.cfg.PerIterationTimeoutMs,
			})
			if callErr == nil {
				resp = r
			}
			return callErr
		})
		cancel()
		if metrics != nil {
			metrics.LLMCallDuration.Record(ctx, time.Since(callStart).Seconds(), metric.WithAttributes(coreotel.AttrProviderID.String(provider.ID()), coreotel.AttrModel.String(provider.Model())))
		}

		if err != nil {
			reason := providers.ClassifyError(err)
			e.manager.RecordFailure(provider.ID(), reason)
			if span != nil {
				span.SetAttributes(coreotel.AttrFailoverReason.String(string(reason)))
			}
			provider, err = e.manager.SelectBest(ctx, providers.ActionChat, providers.SelectOptions{RequireTools: e.tools != nil})
			if err != nil {
				return ExecuteResult{}, err
			}
			if span != nil {
				span.SetAttributes(coreotel.AttrProviderID.String(provider.ID()))
			}
			continue
		}

		if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
			if metrics != nil {
				metrics.TokensUsed.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(coreotel.AttrProviderID.String(provider.ID()), coreotel.AttrTokenDirection.String("input")))
				metrics.TokensUsed.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(coreotel.AttrProviderID.String(provider.ID()), coreotel.AttrTokenDirection.String("output")))
			}
			if span != nil {
				span.SetAttributes(coreotel.AttrTokensInput.Int(resp.Usage.InputTokens), coreotel.AttrTokensOutput.Int(resp.Usage.OutputTokens))
			}
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			e.manager.RecordSuccess(provider.ID())
			if span != nil {
				span.SetAttributes(coreotel.AttrModel.String(resp.Model))
			}
			if e.history != nil {
				e.history.Append(req.SessionKey, providers.Message{Role: providers.RoleAssistant, Content: finalContent})
			}
			return ExecuteResult{Response: finalContent, ProviderID: provider.ID(), Model: resp.Model}, nil
		}

		messages = append(messages, providers.Message{Role: providers.RoleAssistant, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			toolStart := time.Now()
			result := e.runTool(ctx, call, req.Channel)
			if metrics != nil {
				metrics.ToolCallDuration.Record(ctx, time.Since(toolStart).Seconds(), metric.WithAttributes(coreotel.AttrToolName.String(call.Function.Name)))
			}
			messages = append(messages, providers.Message{Role: providers.RoleTool, ToolCallID: call.ID, Content: result})
		}
	}

	return ExecuteResult{}, fmt.Errorf("agent turn exceeded max tool iterations (%d)", e.cfg.MaxToolIterations)
}

func (e *Engine) runTool(ctx context.Context, call providers.ToolCall, channel string) string {
	allowed := e.policy.Allow(ToolContext{ToolName: call.Function.Name, Channel: channel})
	if !allowed {
		return fmt.Sprintf("tool %q denied by policy", call.Function.Name)
	}
	if e.tools == nil {
		return fmt.Sprintf("tool %q is not registered", call.Function.Name)
	}
	toolCtx, cancel := context.WithTimeout(ctx, msDuration(e.cfg.PerToolTimeoutMs))
	defer cancel()
	out, err := e.tools.Execute(toolCtx, call.Function.Name, call.Function.Arguments)
	if err != nil {
		if e.otel != nil && e.otel.Metrics != nil {
			e.otel.Metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(coreotel.AttrToolName.String(call.Function.Name)))
		}
		return fmt.Sprintf("tool error: %v", err)
	}
	return out
}
