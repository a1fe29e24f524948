package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// localProvider implements Provider against an Ollama-style local HTTP
// server: POST /api/chat with a single non-streamed response, and one
// POST /api/embeddings call per input text.
type localProvider struct {
	id     string
	cfg    Config
	client *http.Client
}

func newLocalProvider(id string, cfg Config) (*localProvider, error) {
	return &localProvider{id: id, cfg: cfg, client: sharedHTTPClient}, nil
}

func (p *localProvider) ID() string          { return p.id }
func (p *localProvider) Type() string        { return "local" }
func (p *localProvider) Model() string       { return p.cfg.Model }
func (p *localProvider) SupportsTools() bool { return true }

type localChatRequest struct {
	Model    string         `json:"model"`
	Messages []wireMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type localChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Model string `json:"model"`
}

func (p *localProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResponse, error) {
	model := p.cfg.Models.Chat
	if model == "" {
		model = p.cfg.Model
	}
	body := localChatRequest{
		Model:  model,
		Stream: false,
		Options: map[string]any{
			"temperature": opts.Temperature,
		},
	}
	for _, m := range messages {
		body.Messages = append(body.Messages, wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID, ToolCalls: m.ToolCalls})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return ChatResponse{}, err
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return ChatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return ChatResponse{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 400 {
		return ChatResponse{}, &StatusError{Provider: "local", StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	var parsed localChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return ChatResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return ChatResponse{Content: parsed.Message.Content, Model: parsed.Model}, nil
}

type localEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (p *localProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	model := p.cfg.EmbeddingsModel
	if model == "" {
		model = p.cfg.Model
	}
	out := make([][]float64, 0, len(texts))
	for _, text := range texts {
		raw, err := json.Marshal(localEmbedRequest{Model: model, Prompt: text})
		if err != nil {
			return nil, err
		}
		url := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/embeddings"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, &StatusError{Provider: "local", StatusCode: resp.StatusCode, Body: string(body)}
		}
		var parsed localEmbedResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, err
		}
		out = append(out, parsed.Embedding)
	}
	return out, nil
}

func (p *localProvider) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
