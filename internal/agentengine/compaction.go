package agentengine

import (
	"context"
	"time"

	"github.com/adamtash/ant-sub002/internal/providers"
	"github.com/adamtash/ant-sub002/internal/tokenutil"
)

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// estimateMessagesTokens sums the word/char heuristic estimate over every message.
func estimateMessagesTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += tokenutil.EstimateTokens(m.Content)
	}
	return total
}

// compactIfNeeded summarizes older messages via the "summary" action when
// the running estimate crosses the configured threshold percentage of the
// model's context window, keeping the last MinRecentMessages verbatim and
// injecting a synthetic system note in their place.
func (e *Engine) compactIfNeeded(ctx context.Context, messages []providers.Message, active providers.Provider) []providers.Message {
	window := ContextLimitForModel(active.Model(), e.cfg.ContextLimitOverrides)
	estimated := estimateMessagesTokens(messages)
	threshold := int(float64(window) * e.cfg.CompactionThresholdPct)
	if estimated < threshold {
		return messages
	}
	if len(messages) <= e.cfg.MinRecentMessages+1 {
		return messages
	}

	systemMsg := messages[0]
	recent := messages[len(messages)-e.cfg.MinRecentMessages:]
	older := messages[1 : len(messages)-e.cfg.MinRecentMessages]

	summary, err := e.summarize(ctx, older)
	if err != nil {
		e.logger.Warn("compaction_summary_failed", "error", err)
		return messages
	}

	out := []providers.Message{systemMsg, {Role: providers.RoleSystem, Content: "Earlier conversation summarized: " + summary}}
	out = append(out, recent...)
	return out
}

func (e *Engine) summarize(ctx context.Context, older []providers.Message) (string, error) {
	// Summarization is a fast-tier job: escalate to the quality tier before
	// falling back to the general chat routing and fallback chain.
	summarizer, err := e.manager.SelectBest(ctx, providers.ActionSummary, providers.SelectOptions{Tier: "fast", FallbackFromFast: true})
	if err != nil {
		summarizer, err = e.manager.SelectBest(ctx, providers.ActionChat, providers.SelectOptions{})
		if err != nil {
			return "", err
		}
	}
	var b []providers.Message
	b = append(b, providers.Message{Role: providers.RoleSystem, Content: "Summarize the following conversation concisely, preserving facts and decisions."})
	b = append(b, older...)
	resp, err := summarizer.Chat(ctx, b, providers.ChatOptions{Temperature: 0, MaxTokens: 512})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
