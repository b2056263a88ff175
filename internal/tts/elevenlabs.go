package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/ent0n29/pitchcoach/internal/audio"
	"github.com/ent0n29/pitchcoach/internal/reliability"
	"github.com/gorilla/websocket"
)

// ElevenLabs synthesizes a full reply over the stream-input websocket and
// buffers the chunks into one clip.
type ElevenLabs struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewElevenLabs(cfg Config) *ElevenLabs {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	return &ElevenLabs{cfg: cfg, dialer: websocket.DefaultDialer}
}

type streamInput struct {
	Text                 string         `json:"text"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

type streamOutput struct {
	Audio       string `json:"audio"`
	IsFinal     bool   `json:"isFinal"`
	IsFinalAlt  bool   `json:"is_final"`
	Error       string `json:"error"`
	MessageType string `json:"message_type"`
}

// StreamError is a provider-side failure reported inside the stream.
type StreamError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *StreamError) Error() string {
	if e.Code == "" {
		return "elevenlabs: " + e.Detail
	}
	return fmt.Sprintf("elevenlabs %s: %s", e.Code, e.Detail)
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}
	if strings.TrimSpace(e.cfg.VoiceID) == "" {
		return Audio{}, fmt.Errorf("elevenlabs: voice_id is required")
	}

	u, err := url.Parse(strings.TrimRight(e.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(e.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return Audio{}, err
	}
	q := u.Query()
	q.Set("model_id", e.cfg.ModelID)
	q.Set("output_format", e.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", e.cfg.APIKey)

	conn, _, err := e.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return Audio{}, fmt.Errorf("dial tts websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	frames := []streamInput{
		{Text: " ", VoiceSettings: &voiceSettings{Stability: 0.42, SimilarityBoost: 0.85, Speed: 1.0}},
		{Text: text + " ", TryTriggerGeneration: true},
		{Text: ""},
	}
	for _, f := range frames {
		payload, err := sonic.Marshal(f)
		if err != nil {
			return Audio{}, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return Audio{}, fmt.Errorf("send tts input: %w", err)
		}
	}

	var pcm bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Audio{}, ctx.Err()
			}
			// The provider closes the socket after the final chunk.
			if pcm.Len() > 0 {
				break
			}
			return Audio{}, fmt.Errorf("read tts stream: %w", err)
		}
		var out streamOutput
		if err := sonic.Unmarshal(data, &out); err != nil {
			continue
		}
		if out.Error != "" {
			return Audio{}, &StreamError{
				Code:      out.MessageType,
				Detail:    out.Error,
				Retryable: reliability.IsRetryableRealtimeMessageType(out.MessageType),
			}
		}
		if out.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(out.Audio)
			if err != nil {
				return Audio{}, fmt.Errorf("decode tts chunk: %w", err)
			}
			pcm.Write(chunk)
		}
		if out.IsFinal || out.IsFinalAlt {
			break
		}
	}

	if pcm.Len() == 0 {
		return Audio{}, fmt.Errorf("elevenlabs: stream produced no audio")
	}
	return e.pack(pcm.Bytes()), nil
}

func (e *ElevenLabs) pack(raw []byte) Audio {
	if rate, ok := audio.PCMSampleRate(e.cfg.OutputFormat); ok {
		return Audio{Base64: base64.StdEncoding.EncodeToString(audio.EncodeWAV(raw, rate)), Format: "audio/wav"}
	}
	return Audio{Base64: base64.StdEncoding.EncodeToString(raw), Format: "audio/mpeg"}
}
