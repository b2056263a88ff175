package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client to server.
	TypeClientControl MessageType = "client_control"
	TypeCaptureEvent  MessageType = "capture_event"
	TypePlaybackEvent MessageType = "playback_event"

	// Server to client.
	TypeCaptureCommand    MessageType = "capture_command"
	TypePlayAudio         MessageType = "play_audio"
	TypeStopAudio         MessageType = "stop_audio"
	TypeTranscriptMessage MessageType = "transcript_message"
	TypeInterimTranscript MessageType = "interim_transcript"
	TypeStateChange       MessageType = "state_change"
	TypeTimerTick         MessageType = "timer_tick"
	TypeAnalysisResult    MessageType = "analysis_result"
	TypeSystemEvent       MessageType = "system_event"
	TypeErrorEvent        MessageType = "error_event"
)

const (
	ActionStart       = "start"
	ActionStop        = "stop"
	ActionEndSession  = "end_session"
	ActionReset       = "reset"
	ActionReplayAudio = "replay_audio"
)

const (
	CaptureEventResult = "result"
	CaptureEventError  = "error"
	CaptureEventEnd    = "end"
)

const (
	PlaybackEventStarted = "started"
	PlaybackEventEnded   = "ended"
	PlaybackEventFailed  = "failed"
	PlaybackEventError   = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	Action     string      `json:"action"`
	ScenarioID string      `json:"scenario_id,omitempty"`
	Context    string      `json:"context,omitempty"`
	MessageID  string      `json:"message_id,omitempty"`
}

// CaptureEvent relays one event of the browser's speech recognizer.
type CaptureEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Event     string      `json:"event"`
	Final     string      `json:"final,omitempty"`
	Interim   string      `json:"interim,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

type PlaybackEvent struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	Event      string      `json:"event"`
	PlaybackID string      `json:"playback_id"`
	Detail     string      `json:"detail,omitempty"`
}

type CaptureCommand struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Command   string      `json:"command"`
	Language  string      `json:"language,omitempty"`
}

type PlayAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	PlaybackID  string      `json:"playback_id"`
	MessageID   string      `json:"message_id,omitempty"`
	AudioBase64 string      `json:"audio_base64"`
}

type StopAudio struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	PlaybackID string      `json:"playback_id"`
}

type TranscriptMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Sender    string      `json:"sender"`
	Text      string      `json:"text"`
	HasAudio  bool        `json:"has_audio"`
}

type InterimTranscript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type StateChange struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Capture   string      `json:"capture"`
	Playing   bool        `json:"playing"`
}

type TimerTick struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	ElapsedSeconds int         `json:"elapsed_seconds"`
}

type AnalysisResult struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	Status          string      `json:"status"`
	Score           *float64    `json:"score,omitempty"`
	Advice          []string    `json:"advice,omitempty"`
	Improvements    []string    `json:"improvements,omitempty"`
	DurationSeconds int         `json:"duration_seconds"`
	Detail          string      `json:"detail,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// MessageTypeOf reports the type tag of an outbound message.
func MessageTypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case CaptureCommand:
		return m.Type
	case PlayAudio:
		return m.Type
	case StopAudio:
		return m.Type
	case TranscriptMessage:
		return m.Type
	case InterimTranscript:
		return m.Type
	case StateChange:
		return m.Type
	case TimerTick:
		return m.Type
	case AnalysisResult:
		return m.Type
	case SystemEvent:
		return m.Type
	case ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionStart, ActionStop, ActionEndSession, ActionReset:
		case ActionReplayAudio:
			if msg.MessageID == "" {
				return nil, errors.New("invalid client_control: replay_audio requires message_id")
			}
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		return msg, nil
	case TypeCaptureEvent:
		var msg CaptureEvent
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Event {
		case CaptureEventResult, CaptureEventEnd:
		case CaptureEventError:
			if msg.ErrorCode == "" {
				return nil, errors.New("invalid capture_event: error requires error_code")
			}
		default:
			return nil, fmt.Errorf("invalid capture_event: unknown event %q", msg.Event)
		}
		return msg, nil
	case TypePlaybackEvent:
		var msg PlaybackEvent
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PlaybackID == "" {
			return nil, errors.New("invalid playback_event: missing playback_id")
		}
		switch msg.Event {
		case PlaybackEventStarted, PlaybackEventEnded, PlaybackEventFailed, PlaybackEventError:
		default:
			return nil, fmt.Errorf("invalid playback_event: unknown event %q", msg.Event)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
