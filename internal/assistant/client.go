// Package assistant drives an OpenAI-style assistants threads/runs API: one
// thread per funnel session, one run per visitor turn.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/suPer8Hu/legalfunnel/internal/metrics"
)

var (
	// ErrRunFailed covers failed, cancelled, expired and incomplete runs.
	ErrRunFailed = errors.New("assistant: run did not complete")
	ErrTimeout   = errors.New("assistant: run still pending after poll budget")
	ErrNoReply   = errors.New("assistant: no assistant message on thread")
)

type Client struct {
	api          openai.Client
	assistantID  string
	pollInterval time.Duration
	pollAttempts int
}

func New(baseURL, apiKey, assistantID string, pollInterval time.Duration, pollAttempts int) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if pollAttempts <= 0 {
		pollAttempts = 60
	}
	return &Client{
		api: openai.NewClient(
			option.WithBaseURL(strings.TrimRight(baseURL, "/")),
			option.WithAPIKey(apiKey),
			// the orchestrator owns retries
			option.WithMaxRetries(0),
			option.WithRequestTimeout(30*time.Second),
		),
		assistantID:  assistantID,
		pollInterval: pollInterval,
		pollAttempts: pollAttempts,
	}
}

// CreateThread opens a new conversation thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	thread, err := c.api.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("assistant: create thread: %w", err)
	}
	if thread.ID == "" {
		return "", errors.New("assistant: empty thread id")
	}
	return thread.ID, nil
}

// Ask posts text to the thread, runs the assistant and waits for its reply.
// instructions, when set, are appended to the assistant's own for this run.
func (c *Client) Ask(ctx context.Context, threadID, text, instructions string) (string, error) {
	start := time.Now()
	reply, err := c.ask(ctx, threadID, text, instructions)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.ObserveAssistantCall(outcome, time.Since(start).Seconds())
	return reply, err
}

func (c *Client) ask(ctx context.Context, threadID, text, instructions string) (string, error) {
	if threadID == "" {
		return "", errors.New("assistant: thread id is required")
	}
	threads := c.api.Beta.Threads

	_, err := threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return "", fmt.Errorf("assistant: add message: %w", err)
	}

	params := openai.BetaThreadRunNewParams{AssistantID: c.assistantID}
	if instructions != "" {
		params.AdditionalInstructions = openai.String(instructions)
	}
	run, err := threads.Runs.New(ctx, threadID, params)
	if err != nil {
		return "", fmt.Errorf("assistant: start run: %w", err)
	}

	if err := c.waitRun(ctx, threadID, run); err != nil {
		return "", err
	}
	return c.latestReply(ctx, threadID, run.ID)
}

// waitRun polls at most pollAttempts times, pollInterval apart.
func (c *Client) waitRun(ctx context.Context, threadID string, run *openai.Run) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		switch run.Status {
		case openai.RunStatusCompleted:
			return nil
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusCancelling,
			openai.RunStatusExpired, openai.RunStatusIncomplete, openai.RunStatusRequiresAction:
			return fmt.Errorf("%w: status %s", ErrRunFailed, run.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		next, err := c.api.Beta.Threads.Runs.Get(ctx, threadID, run.ID)
		if err != nil {
			return fmt.Errorf("assistant: poll run: %w", err)
		}
		run = next
	}
	if run.Status == openai.RunStatusCompleted {
		return nil
	}
	return ErrTimeout
}

func (c *Client) latestReply(ctx context.Context, threadID, runID string) (string, error) {
	page, err := c.api.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(10),
	})
	if err != nil {
		return "", fmt.Errorf("assistant: list messages: %w", err)
	}
	for _, m := range page.Data {
		if string(m.Role) != "assistant" || (runID != "" && m.RunID != "" && m.RunID != runID) {
			continue
		}
		var b strings.Builder
		for _, part := range m.Content {
			if part.Type == "text" {
				b.WriteString(part.Text.Value)
			}
		}
		if b.Len() > 0 {
			return b.String(), nil
		}
	}
	return "", ErrNoReply
}
