package results

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/pitchcoach/internal/policy"
	"github.com/ent0n29/pitchcoach/internal/transcript"
)

// Record is the persisted outcome of one ended rehearsal.
type Record struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	SessionID       string             `json:"session_id"`
	ScenarioID      string             `json:"scenario_id"`
	ScenarioTitle   string             `json:"scenario_title"`
	AnalysisStatus  string             `json:"analysis_status"`
	Score           *float64           `json:"score,omitempty"`
	Advice          []string           `json:"advice"`
	Improvements    []string           `json:"improvements"`
	Transcript      []transcript.Entry `json:"transcript"`
	DurationSeconds int                `json:"duration_seconds"`
	PIIRedacted     bool               `json:"pii_redacted"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Store persists rehearsal results.
type Store interface {
	Save(ctx context.Context, record Record) error
	// ListByUser returns the newest records first.
	ListByUser(ctx context.Context, userID string, limit int) ([]Record, error)
	Close() error
}

// Summary is the dashboard view of a user's history.
type Summary struct {
	Sessions     int      `json:"sessions"`
	Scored       int      `json:"scored"`
	AverageScore *float64 `json:"average_score"`
}

func Summarize(records []Record) Summary {
	s := Summary{Sessions: len(records)}
	var total float64
	for _, r := range records {
		if r.Score == nil {
			continue
		}
		s.Scored++
		total += *r.Score
	}
	if s.Scored > 0 {
		avg := total / float64(s.Scored)
		s.AverageScore = &avg
	}
	return s
}

// prepare fills identifiers and redacts the transcript. Every store calls it
// before writing.
func prepare(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Advice == nil {
		r.Advice = []string{}
	}
	if r.Improvements == nil {
		r.Improvements = []string{}
	}
	entries := make([]transcript.Entry, len(r.Transcript))
	for i, e := range r.Transcript {
		text, changed := policy.RedactPII(e.Text)
		if changed {
			r.PIIRedacted = true
		}
		entries[i] = transcript.Entry{Text: text, Sender: e.Sender}
	}
	r.Transcript = entries
	return r
}

const defaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
