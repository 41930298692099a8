package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/metrics"
)

// complete renders a prompt template and sends it to the task's provider
// asking for a JSON reply. The reply text is returned unparsed.
func (p *Pipeline) complete(ctx context.Context, task llm.Task, tmpl string, data any) (string, error) {
	return p.chat(ctx, task, tmpl, data, llm.FormatJSONObject)
}

// completeText is complete for plain-text replies.
func (p *Pipeline) completeText(ctx context.Context, task llm.Task, tmpl string, data any) (string, error) {
	return p.chat(ctx, task, tmpl, data, "")
}

func (p *Pipeline) chat(ctx context.Context, task llm.Task, tmpl string, data any, format string) (string, error) {
	prompt, err := p.prompts.Render(tmpl, data)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := p.router.For(task).Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: format,
	})
	if err != nil {
		metrics.LLMRequests.WithLabelValues(string(task), "error").Inc()
		return "", fmt.Errorf("%w: %v", ErrLLM, err)
	}
	metrics.LLMRequests.WithLabelValues(string(task), "ok").Inc()
	slog.Debug("llm: reply", "task", task, "tokens", resp.TotalTokens,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return resp.Content, nil
}

// parse decodes a JSON reply, classifying failures as malformed.
func parse[T any](reply string) (T, error) {
	v, err := llm.ParseJSON[T](reply)
	if err != nil {
		return v, malformed(reply, "%v", err)
	}
	return v, nil
}

// embed embeds texts, classifying failures as LLM errors.
func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding: %v", ErrLLM, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: embedding: got %d vectors for %d texts", ErrLLM, len(vecs), len(texts))
	}
	return vecs, nil
}
