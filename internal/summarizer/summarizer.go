// Package summarizer condenses issue text into a short paragraph for the
// delegation comment, using the Anthropic Messages API.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/pkg/retry"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	maxOutputTokens  = 300
	maxIssueBodyRune = 8000
)

// Summarizer produces one-paragraph issue summaries. It is safe for
// concurrent use.
type Summarizer struct {
	client      anthropic.Client
	model       string
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// New creates a Summarizer. An empty model selects the default. Extra client
// options (base URL, HTTP client) follow the API key.
func New(apiKey, model string, logger *slog.Logger, opts ...option.RequestOption) *Summarizer {
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		client:      anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
		model:       model,
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
}

// Summarize returns a short plain-text summary of the issue. Transient API
// failures are retried with backoff; the final error surfaces to the caller,
// who treats the summary as optional.
func (s *Summarizer) Summarize(ctx context.Context, title, body string) (string, error) {
	if len([]rune(body)) > maxIssueBodyRune {
		body = string([]rune(body)[:maxIssueBodyRune]) + "\n[truncated]"
	}

	prompt := fmt.Sprintf(
		"Summarize the following GitHub issue in one short paragraph (at most three sentences) "+
			"for an engineer deciding whether to delegate it to automated execution. "+
			"Respond with the summary only, no preamble.\n\nTitle: %s\n\n%s",
		title, body,
	)

	var response *anthropic.Message
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: s.maxAttempts,
		BaseDelay:   s.baseDelay,
		MaxDelay:    10 * time.Second,
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("summary request failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		resp, apiErr := s.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(s.model),
			MaxTokens: maxOutputTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("summarize issue: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(text.String()), nil
}
