package voice

import (
	"context"

	"github.com/ent0n29/pitchcoach/internal/coach"
)

// CaptureEngine is a continuous speech recognizer. Start and Stop only
// request a transition; the engine reports results, errors and its end
// through CaptureManager.HandleEvent.
type CaptureEngine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Player renders one audio clip at a time and reports completion through
// PlaybackController.HandleEvent.
type Player interface {
	Play(ctx context.Context, playbackID, messageID, audioBase64 string) error
	Stop(ctx context.Context, playbackID string) error
}

// CoachClient is the AI-response and analysis service.
type CoachClient interface {
	Chat(ctx context.Context, req coach.ChatRequest) (coach.ChatResponse, error)
	Analyze(ctx context.Context, req coach.AnalyzeRequest) (string, error)
}
