package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/pitchcoach/internal/brain"
	"github.com/ent0n29/pitchcoach/internal/tts"
	"github.com/rs/zerolog"
)

// StageObserver receives the duration of each provider stage ("ai_response",
// "tts", "analysis").
type StageObserver func(stage string, d time.Duration)

// Service answers chat and analysis requests in-process. It backs the
// /api/chat and /api/analyze handlers and is also used directly by the
// conversation loop when no remote coach is configured.
type Service struct {
	brain   brain.Brain
	synth   tts.Synthesizer
	logger  zerolog.Logger
	observe StageObserver
}

type Option func(*Service)

func WithStageObserver(fn StageObserver) Option {
	return func(s *Service) { s.observe = fn }
}

// NewService builds the in-process coach. synth may be nil, in which case
// replies carry no audio.
func NewService(b brain.Brain, synth tts.Synthesizer, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{brain: b, synth: synth, logger: logger.With().Str("component", "coach").Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	utterance := strings.TrimSpace(req.UserTranscript)
	if utterance == "" || req.Scenario == nil {
		return ChatResponse{}, fmt.Errorf("%w: userTranscript and scenario are required", ErrInvalidRequest)
	}
	if len(req.ConversationHistory) == 0 && strings.TrimSpace(req.InitialContext) == "" {
		return ChatResponse{}, fmt.Errorf("%w: initialContext is required on the first turn", ErrInvalidRequest)
	}
	if s.brain == nil {
		return ChatResponse{}, ErrNotConfigured
	}

	prompt := utterance
	if len(req.ConversationHistory) == 0 {
		prompt = openingPrompt(utterance)
	}

	started := time.Now()
	text, err := s.brain.Generate(ctx, brain.Request{
		System:  personaPrompt(*req.Scenario, req.InitialContext),
		History: historyTurns(req.ConversationHistory),
		Prompt:  prompt,
	})
	s.record("ai_response", started)
	if err != nil {
		return ChatResponse{}, err
	}

	resp := ChatResponse{AIResponse: text}
	if s.synth == nil {
		return resp, nil
	}

	started = time.Now()
	clip, err := s.synth.Synthesize(ctx, text)
	s.record("tts", started)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ChatResponse{}, err
		}
		// A reply without audio is still a usable turn.
		s.logger.Warn().Err(err).Msg("speech synthesis failed; returning text only")
		return resp, nil
	}
	audio := clip.Base64
	resp.AudioContent = &audio
	return resp, nil
}

// Analyze returns the raw model output. Callers validate it with
// analysis.Parse.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (string, error) {
	if len(req.Conversation) == 0 {
		return "", fmt.Errorf("%w: conversation is empty", ErrInvalidRequest)
	}
	if s.brain == nil {
		return "", ErrNotConfigured
	}
	started := time.Now()
	raw, err := s.brain.Generate(ctx, brain.Request{
		System: analysisSystemPrompt,
		Prompt: analysisPrompt(req.Conversation),
		JSON:   true,
	})
	s.record("analysis", started)
	return raw, err
}

func (s *Service) record(stage string, started time.Time) {
	if s.observe != nil {
		s.observe(stage, time.Since(started))
	}
}
