package coach

import (
	"errors"
	"fmt"

	"github.com/ent0n29/pitchcoach/internal/brain"
	"github.com/ent0n29/pitchcoach/internal/transcript"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotConfigured  = errors.New("coach service is not configured")
	ErrContentBlocked = brain.ErrContentBlocked
)

type ScenarioInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ChatRequest is the /api/chat payload. History never contains the
// utterance being answered.
type ChatRequest struct {
	UserTranscript      string             `json:"userTranscript"`
	Scenario            *ScenarioInfo      `json:"scenario"`
	ConversationHistory []transcript.Entry `json:"conversationHistory"`
	InitialContext      string             `json:"initialContext,omitempty"`
}

// ChatResponse carries the reply text and, when synthesis succeeded, a
// base64 audio clip. AudioContent is serialized as null otherwise.
type ChatResponse struct {
	AIResponse   string  `json:"aiResponse"`
	AudioContent *string `json:"audioContent"`
}

func (r ChatResponse) Audio() string {
	if r.AudioContent == nil {
		return ""
	}
	return *r.AudioContent
}

type AnalyzeRequest struct {
	Conversation []transcript.Entry `json:"conversation"`
}

// ErrorBody is the failure envelope of both coach endpoints.
type ErrorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// APIError is a non-2xx answer from a remote coach service.
type APIError struct {
	Status    int
	Message   string
	Details   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("coach api status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("coach api status %d: %s (%s)", e.Status, e.Message, e.Details)
}
