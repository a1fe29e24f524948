package providers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/adamtash/ant-sub002/internal/shared"
)

// cliFlags maps a named CLI variant to the flags appended when its argument
// template contains neither {prompt} nor {output}.
var cliFlags = map[string][]string{
	"claude":  {"-p", "{prompt}"},
	"copilot": {"--prompt", "{prompt}"},
	"codex":   {"exec", "{prompt}"},
	"kimi":    {"chat", "{prompt}"},
}

// OutputParser extracts the assistant's final text from one CLI variant's
// raw stdout. Registered per variant name so adding a new CLI never touches
// existing parsers.
type OutputParser func(raw string) string

var outputParsers = map[string]OutputParser{
	"kimi": parseKimiOutput,
}

func defaultParser(raw string) string { return strings.TrimSpace(raw) }

func parserFor(variant string) OutputParser {
	if p, ok := outputParsers[variant]; ok {
		return p
	}
	return defaultParser
}

var (
	kimiTurnBeginSplit = regexp.MustCompile(`TurnBegin\(`)
	kimiTextPart       = regexp.MustCompile(`TextPart\([^)]*text='((?:[^'\\]|\\.)*)'`)
	kimiLoopMarkers    = []string{"ToolCallBegin(", "LoopControl("}
	kimiRateLimitHints = []string{"429", "rate", "limit"}
)

// parseKimiOutput implements the protocol-frame parser for the kimi CLI: it
// strips everything before the first TurnBegin(, splits turns on that
// boundary, drops turns carrying loop-control markers, extracts TextPart
// text='...' fragments, unescapes them, and discards anything that looks
// like a replayed System:/User: line.
func parseKimiOutput(raw string) string {
	idx := kimiTurnBeginSplit.FindStringIndex(raw)
	if idx == nil {
		return strings.TrimSpace(raw)
	}
	trimmed := raw[idx[0]:]
	turns := strings.Split(trimmed, "TurnBegin(")

	var lines []string
	for _, turn := range turns {
		if turn == "" {
			continue
		}
		if containsAny(turn, kimiLoopMarkers) {
			continue
		}
		for _, m := range kimiTextPart.FindAllStringSubmatch(turn, -1) {
			text := unescapeKimi(m[1])
			if strings.HasPrefix(text, "System:") || strings.HasPrefix(text, "User:") {
				continue
			}
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

func unescapeKimi(s string) string {
	s = strings.ReplaceAll(s, `\'`, "'")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// looksRateLimited reports whether raw CLI output matches one of the
// rate-limit indicator patterns, signaling upper layers should retry/failover
// instead of treating the output as a final (possibly garbled) response.
func looksRateLimited(raw string) bool {
	lower := strings.ToLower(raw)
	return containsAny(lower, kimiRateLimitHints)
}

// cliProvider implements Provider by spawning one of the named LLM CLI
// binaries as a subprocess, templating its arguments, and parsing stdout.
// CLI providers cannot participate in tool-call loops in this design.
type cliProvider struct {
	id      string
	cfg     Config
	variant string
	command string
}

func newCLIProvider(id string, cfg Config) (*cliProvider, error) {
	variant := cfg.CLIProvider
	command := cfg.Command
	if command == "" {
		command = variant
	}
	return &cliProvider{id: id, cfg: cfg, variant: variant, command: command}, nil
}

func (p *cliProvider) ID() string          { return p.id }
func (p *cliProvider) Type() string        { return "cli" }
func (p *cliProvider) Model() string       { return p.cfg.Model }
func (p *cliProvider) SupportsTools() bool { return false }

// buildPrompt concatenates role-prefixed messages into the single flat
// prompt CLI variants expect, optionally prefixed by a thinking-level line.
func buildPrompt(messages []Message, reasoning ReasoningLevel) string {
	var b strings.Builder
	if reasoning != "" && reasoning != ReasoningOff {
		fmt.Fprintf(&b, "Thinking: %s\n\n", reasoning)
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			b.WriteString("System: ")
		case RoleUser:
			b.WriteString("User: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		case RoleTool:
			b.WriteString("Tool result: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// buildArgs templates {prompt} and {output} placeholders into cfg.Args; if
// neither placeholder is present, appends the per-variant default flags.
// --allow-all-tools is stripped when the caller-supplied kill-switch is set.
func (p *cliProvider) buildArgs(prompt string, outputFile string, toolsKillSwitch bool) []string {
	args := p.cfg.Args
	hasPlaceholder := false
	for _, a := range args {
		if strings.Contains(a, "{prompt}") || strings.Contains(a, "{output}") {
			hasPlaceholder = true
			break
		}
	}
	if !hasPlaceholder {
		args = append([]string(nil), cliFlags[p.variant]...)
	}

	out := make([]string, 0, len(args))
	for _, a := range args {
		if toolsKillSwitch && a == "--allow-all-tools" {
			continue
		}
		a = strings.ReplaceAll(a, "{prompt}", prompt)
		a = strings.ReplaceAll(a, "{output}", outputFile)
		out = append(out, a)
	}
	return out
}

func (p *cliProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResponse, error) {
	prompt := buildPrompt(messages, opts.Reasoning)
	outputFile := ""
	if p.cfg.Command != "" {
		outputFile = os.TempDir() + "/cli-provider-" + uuid.NewString() + ".out"
	}

	toolsKillSwitch := shared.EnvFlag("ANT_DISABLE_PROVIDER_TOOLS")
	args := p.buildArgs(prompt, outputFile, toolsKillSwitch)

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	useStdin := p.variant == "codex" && containsStr(args, "-")
	cmd := exec.CommandContext(runCtx, p.command, args...)
	cmd.Env = os.Environ()
	if useStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = killableProcAttr()

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		killProcessGroup(cmd)
		return ChatResponse{}, fmt.Errorf("cli provider %s timed out after %s", p.id, timeout)
	}

	raw := stdout.String()
	if outputFile != "" {
		if data, readErr := os.ReadFile(outputFile); readErr == nil {
			raw = string(data)
		}
		_ = os.Remove(outputFile)
	}

	if err != nil {
		combined := shared.Redact(raw + "\n" + stderr.String())
		if looksRateLimited(combined) {
			return ChatResponse{}, fmt.Errorf("cli provider %s rate limited: %s", p.id, combined)
		}
		return ChatResponse{}, fmt.Errorf("cli provider %s exited with error: %w: %s", p.id, err, combined)
	}

	content := parserFor(p.variant)(raw)
	if looksRateLimited(raw) {
		return ChatResponse{}, fmt.Errorf("cli provider %s rate limited", p.id)
	}
	return ChatResponse{Content: content, Model: p.cfg.Model}, nil
}

func (p *cliProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, fmt.Errorf("cli provider %s does not support embeddings", p.id)
}

func (p *cliProvider) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.command, "--version")
	return cmd.Run() == nil
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGKILL)
}

// parseRetryAfter extracts a textual retry-after hint, best-effort; returns
// zero when absent.
func parseRetryAfter(raw string) time.Duration {
	re := regexp.MustCompile(`retry.after[:=]?\s*(\d+)`)
	m := re.FindStringSubmatch(strings.ToLower(raw))
	if m == nil {
		return 0
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}
