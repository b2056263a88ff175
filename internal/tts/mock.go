package tts

import (
	"context"
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/pitchcoach/internal/audio"
)

const mockSampleRate = 16000

// Mock produces silence whose length tracks the reply length, which is enough
// for the browser to exercise a full playback cycle offline.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (*Mock) Synthesize(ctx context.Context, text string) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}
	ms := utf8.RuneCountInString(text) * 40
	if ms > 4000 {
		ms = 4000
	}
	wav := audio.EncodeWAV(audio.Silence(ms, mockSampleRate), mockSampleRate)
	return Audio{Base64: base64.StdEncoding.EncodeToString(wav), Format: "audio/wav"}, nil
}
