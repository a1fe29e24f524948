package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adamtash/ant-sub002/internal/shared"
)

// openAIProvider implements Provider against any OpenAI-compatible
// /chat/completions and /embeddings HTTP surface (including gateways that
// merely speak the same wire shape).
type openAIProvider struct {
	id      string
	cfg     Config
	client  *http.Client

	mu          sync.Mutex
	profiles    []AuthProfile
	nextIndex   int
	profileCool map[int]time.Time
}

func newOpenAIProvider(id string, cfg Config) (*openAIProvider, error) {
	p := &openAIProvider{id: id, cfg: cfg, client: sharedHTTPClient, profileCool: make(map[int]time.Time)}
	p.profiles = cfg.AuthProfiles
	return p, nil
}

func (p *openAIProvider) ID() string        { return p.id }
func (p *openAIProvider) Type() string      { return "openai" }
func (p *openAIProvider) Model() string     { return p.cfg.Model }
func (p *openAIProvider) SupportsTools() bool { return true }

// resolveAPIKey returns the literal key to use for this call, rotating
// through the auth-profile pool round-robin and skipping any profile still
// in its failure cooldown. Falls back to cfg.APIKey, resolved via the shared
// environment-reference recognizer.
func (p *openAIProvider) resolveAPIKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.profiles) > 0 {
		now := time.Now()
		for i := 0; i < len(p.profiles); i++ {
			idx := (p.nextIndex + i) % len(p.profiles)
			if cool, ok := p.profileCool[idx]; ok && now.Before(cool) {
				continue
			}
			p.nextIndex = (idx + 1) % len(p.profiles)
			return shared.ResolveEnvRef(p.profiles[idx].APIKey)
		}
		return "", fmt.Errorf("all auth profiles are cooling down")
	}
	if p.cfg.APIKey == "" {
		return "", nil
	}
	key, err := shared.ResolveEnvRef(p.cfg.APIKey)
	if err != nil {
		return "", fmt.Errorf("missing_api_key_env:%w", err)
	}
	return key, nil
}

// markAuthFailure cools down the profile last used, for the configured
// number of minutes (default 5).
func (p *openAIProvider) markAuthFailure(usedIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if usedIndex < 0 || usedIndex >= len(p.profiles) {
		return
	}
	minutes := p.profiles[usedIndex].CooldownMinutes
	if minutes <= 0 {
		minutes = 5
	}
	p.profileCool[usedIndex] = time.Now().Add(time.Duration(minutes) * time.Minute)
}

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Tools       []wireTool      `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Reasoning   *wireReasoning  `json:"reasoning,omitempty"`
}

type wireReasoning struct {
	Effort string `json:"effort"`
}

type wireMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *openAIProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResponse, error) {
	body := chatCompletionRequest{
		Model:       p.modelFor(opts),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		ToolChoice:  opts.ToolChoice,
	}
	for _, m := range messages {
		body.Messages = append(body.Messages, wireMessage{
			Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID, ToolCalls: m.ToolCalls,
		})
	}
	for _, t := range opts.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, wt)
	}
	if opts.Reasoning != "" && opts.Reasoning != ReasoningOff {
		body.Reasoning = &wireReasoning{Effort: string(opts.Reasoning)}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return ChatResponse{}, err
	}

	key, err := p.resolveAPIKey()
	if err != nil {
		return ChatResponse{}, err
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return ChatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ChatResponse{}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 400 {
		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			p.mu.Lock()
			used := (p.nextIndex - 1 + len(p.profiles)) % max(len(p.profiles), 1)
			p.mu.Unlock()
			p.markAuthFailure(used)
		}
		return ChatResponse{}, &StatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: shared.Redact(string(respBody))}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return ChatResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("no choices in response")
	}
	return ChatResponse{
		Content:   parsed.Choices[0].Message.Content,
		ToolCalls: parsed.Choices[0].Message.ToolCalls,
		Model:     parsed.Model,
		Usage:     TokenUsage{InputTokens: parsed.Usage.PromptTokens, OutputTokens: parsed.Usage.CompletionTokens},
	}, nil
}

func (p *openAIProvider) modelFor(opts ChatOptions) string {
	if len(opts.Tools) > 0 && p.cfg.Models.Tools != "" {
		return p.cfg.Models.Tools
	}
	if p.cfg.Models.Chat != "" {
		return p.cfg.Models.Chat
	}
	return p.cfg.Model
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	model := p.cfg.EmbeddingsModel
	if model == "" {
		model = p.cfg.Model
	}
	raw, err := json.Marshal(embeddingsRequest{Model: model, Input: texts})
	if err != nil {
		return nil, err
	}
	key, err := p.resolveAPIKey()
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: shared.Redact(string(body))}
	}
	var parsed embeddingsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	out := make([][]float64, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (p *openAIProvider) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	key, err := p.resolveAPIKey()
	if err != nil {
		return false
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
