package analysis

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/ent0n29/pitchcoach/internal/coach"
	"github.com/ent0n29/pitchcoach/internal/transcript"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusAvailable   Status = "available"
	StatusEmpty       Status = "empty"
	StatusUnavailable Status = "unavailable"
)

// Outcome is what the end of a session produces. Result is set only when
// Status is StatusAvailable; Err only when it is StatusUnavailable.
type Outcome struct {
	Status Status
	Result *Result
	Err    error
}

// Client is satisfied by both coach.Service and coach.Client.
type Client interface {
	Analyze(ctx context.Context, req coach.AnalyzeRequest) (string, error)
}

// Trigger requests the analysis of a finished conversation.
type Trigger struct {
	client Client
	logger zerolog.Logger
}

func NewTrigger(client Client, logger zerolog.Logger) *Trigger {
	return &Trigger{client: client, logger: logger.With().Str("component", "analysis").Logger()}
}

// Run never returns an error: every failure is folded into an unavailable
// outcome. An empty conversation is not sent to the service.
func (t *Trigger) Run(ctx context.Context, entries []transcript.Entry) Outcome {
	if len(entries) == 0 {
		return Outcome{Status: StatusEmpty}
	}
	if t.client == nil {
		return Outcome{Status: StatusUnavailable, Err: coach.ErrNotConfigured}
	}

	raw, err := t.client.Analyze(ctx, coach.AnalyzeRequest{Conversation: entries})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			t.logger.Warn().Err(err).Int("messages", len(entries)).Msg("analysis request failed")
		}
		return Outcome{Status: StatusUnavailable, Err: err}
	}

	result, err := Parse(raw)
	if err != nil {
		t.logger.Warn().Err(err).Str("raw", truncate(raw, 256)).Msg("analysis response rejected")
		return Outcome{Status: StatusUnavailable, Err: err}
	}
	return Outcome{Status: StatusAvailable, Result: &result}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
