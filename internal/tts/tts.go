package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyText is returned when there is nothing to speak.
var ErrEmptyText = errors.New("tts: empty text")

// Audio is a complete, browser-playable clip.
type Audio struct {
	Base64 string
	Format string
}

// Synthesizer turns one AI reply into speech. Implementations must honour
// context cancellation.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

type Config struct {
	Provider     string
	APIKey       string
	WSBaseURL    string
	VoiceID      string
	ModelID      string
	OutputFormat string
}

// New selects a synthesizer. A nil Synthesizer with a nil error means replies
// are delivered without audio.
func New(cfg Config) (Synthesizer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewElevenLabs(cfg), nil
		}
		return NewMock(), nil
	case "elevenlabs":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("TTS_PROVIDER=elevenlabs requires ELEVENLABS_API_KEY")
		}
		return NewElevenLabs(cfg), nil
	case "mock":
		return NewMock(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported tts provider %q", cfg.Provider)
	}
}
