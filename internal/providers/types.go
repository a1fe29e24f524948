// Package providers implements the ProviderManager, its circuit breaker, and
// the three provider variants (OpenAI-compatible HTTP, local HTTP, subprocess
// CLI) that back every chat/tool/embedding call in the execution core.
package providers

import "context"

// Action names the abstract routing slot a caller wants a provider for.
type Action string

const (
	ActionChat       Action = "chat"
	ActionTools      Action = "tools"
	ActionEmbeddings Action = "embeddings"
	ActionSummary    Action = "summary"
	ActionSubagent   Action = "subagent"
	ActionParentCLI  Action = "parentForCli"
)

// Role mirrors a chat message's author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a chat exchange.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model-issued invocation of a named tool.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ReasoningLevel controls the "thinking" effort hint passed to providers that support it.
type ReasoningLevel string

const (
	ReasoningOff    ReasoningLevel = "off"
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
)

// ChatOptions carries per-call knobs for Chat.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	Tools       []ToolSpec
	ToolChoice  string
	Reasoning   ReasoningLevel
	TimeoutMs   int
}

// ChatResponse is the normalized result of a chat call.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Model     string
	Usage     TokenUsage
}

// TokenUsage reports per-call token counts, when the backend surfaces them.
// Providers that don't report usage (local, cli) leave this zero.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Provider is the common interface every backend variant implements.
type Provider interface {
	ID() string
	Type() string // "openai" | "local" | "cli"
	// Model returns the configured chat model name, used for context-window
	// lookups independent of the provider's id/type.
	Model() string
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResponse, error)
	Health(ctx context.Context) bool
	// Embed returns one vector per input text, in order. Not every variant supports it.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	// SupportsTools reports whether this provider can participate in a tool-call loop.
	SupportsTools() bool
}

// AuthProfile is one entry in a provider's rotating auth pool.
type AuthProfile struct {
	APIKey          string `json:"apiKey" yaml:"apiKey"`
	Label           string `json:"label,omitempty" yaml:"label,omitempty"`
	CooldownMinutes int    `json:"cooldownMinutes,omitempty" yaml:"cooldownMinutes,omitempty"`
}

// ModelSet maps per-action model overrides.
type ModelSet struct {
	Chat       string `json:"chat,omitempty" yaml:"chat,omitempty"`
	Tools      string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Embeddings string `json:"embeddings,omitempty" yaml:"embeddings,omitempty"`
	Summary    string `json:"summary,omitempty" yaml:"summary,omitempty"`
	Subagent   string `json:"subagent,omitempty" yaml:"subagent,omitempty"`
}

// Config is the on-the-wire shape of a provider configuration entry (§6 of
// the provider configuration contract). A caller's config loader populates
// this directly from YAML or JSON; this module never reads a config file.
type Config struct {
	Type                       string        `json:"type" yaml:"type"` // openai | local | cli
	BaseURL                    string        `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	APIKey                     string        `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model                      string        `json:"model" yaml:"model"`
	Models                     ModelSet      `json:"models,omitempty" yaml:"models,omitempty"`
	ContextWindow              int           `json:"contextWindow,omitempty" yaml:"contextWindow,omitempty"`
	EmbeddingsModel            string        `json:"embeddingsModel,omitempty" yaml:"embeddingsModel,omitempty"`
	CLIProvider                string        `json:"cliProvider,omitempty" yaml:"cliProvider,omitempty"`
	Command                    string        `json:"command,omitempty" yaml:"command,omitempty"`
	Args                       []string      `json:"args,omitempty" yaml:"args,omitempty"`
	HealthCheckTimeoutMs       int           `json:"healthCheckTimeoutMs,omitempty" yaml:"healthCheckTimeoutMs,omitempty"`
	HealthCheckCacheTTLMinutes int           `json:"healthCheckCacheTtlMinutes,omitempty" yaml:"healthCheckCacheTtlMinutes,omitempty"`
	AuthProfiles               []AuthProfile `json:"authProfiles,omitempty" yaml:"authProfiles,omitempty"`
}

// Validate enforces the per-variant mandatory fields.
func (c Config) Validate() error {
	switch c.Type {
	case "openai":
		if c.BaseURL == "" {
			return errInvalidConfig("openai provider requires baseUrl")
		}
	case "local":
		if c.BaseURL == "" {
			return errInvalidConfig("local provider requires baseUrl")
		}
	case "cli":
		if c.Command == "" && c.CLIProvider == "" {
			return errInvalidConfig("cli provider requires command or cliProvider")
		}
	default:
		return errInvalidConfig("unknown provider type " + c.Type)
	}
	return nil
}

type invalidConfigError string

func (e invalidConfigError) Error() string { return "invalid_config: " + string(e) }

func errInvalidConfig(msg string) error { return invalidConfigError(msg) }
