package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/analysis"
	"github.com/ent0n29/pitchcoach/internal/brain"
	"github.com/ent0n29/pitchcoach/internal/coach"
	"github.com/ent0n29/pitchcoach/internal/config"
	"github.com/ent0n29/pitchcoach/internal/httpapi"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/results"
	"github.com/ent0n29/pitchcoach/internal/scenario"
	"github.com/ent0n29/pitchcoach/internal/session"
	"github.com/ent0n29/pitchcoach/internal/tts"
	"github.com/ent0n29/pitchcoach/internal/voice"
)

const janitorInterval = 5 * time.Second

// ProviderInfo describes which backends were selected at startup.
type ProviderInfo struct {
	Brain     string
	TTS       string
	Results   string
	CoachMode string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	Providers    ProviderInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	b, err := brain.New(ctx, brain.Config{
		Provider:      cfg.BrainProvider,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiModel,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("brain init failed: %w", err)
	}

	synth, err := tts.New(tts.Config{
		Provider:     cfg.TTSProvider,
		APIKey:       cfg.ElevenLabsAPIKey,
		WSBaseURL:    cfg.ElevenLabsWSBaseURL,
		VoiceID:      cfg.ElevenLabsTTSVoice,
		ModelID:      cfg.ElevenLabsTTSModel,
		OutputFormat: cfg.ElevenLabsTTSOutputFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("tts init failed: %w", err)
	}

	store, err := results.NewStore(ctx, cfg.DatabaseURL, cfg.ResultsSQLitePath)
	if err != nil {
		return nil, fmt.Errorf("results store init failed: %w", err)
	}

	service := coach.NewService(b, synth, logger, coach.WithStageObserver(metrics.ObserveStage))

	// The conversation loop talks to a remote coach when one is configured;
	// the local /api endpoints keep serving the in-process one.
	var conversationCoach voice.CoachClient = service
	coachMode := "in-process"
	if cfg.CoachAPIBaseURL != "" {
		conversationCoach = coach.NewClient(cfg.CoachAPIBaseURL, cfg.CoachHTTPTimeout)
		coachMode = "remote"
	}

	catalog := scenario.Default()
	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	orchestrator := voice.NewOrchestrator(
		sessions,
		conversationCoach,
		analysis.NewTrigger(conversationCoach, logger),
		store,
		catalog,
		metrics,
		logger,
		voice.Config{
			SpeechLanguage:       cfg.SpeechLanguage,
			HistoryWindowTurns:   cfg.HistoryWindowTurns,
			CaptureRestartBudget: cfg.CaptureRestartBudget,
			PlaybackStallTimeout: cfg.PlaybackStallTimeout,
		},
	)

	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		orchestrator.EndSession(s.ID)
	})
	sessions.StartJanitor(ctx, janitorInterval)

	providers := ProviderInfo{
		Brain:     b.Name(),
		TTS:       synthName(synth),
		Results:   results.Mode(store),
		CoachMode: coachMode,
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Coach:        service,
		Catalog:      catalog,
		Results:      store,
		Metrics:      metrics,
		Logger:       logger,
		BrainName:    providers.Brain,
		TTSName:      providers.TTS,
		StoreMode:    providers.Results,
	})

	cleanup := func() error {
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("results store: %w", err))
		}
		if c, ok := b.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("brain: %w", err))
			}
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Providers:    providers,
		Cleanup:      cleanup,
	}, nil
}

func synthName(s tts.Synthesizer) string {
	switch s.(type) {
	case nil:
		return "none"
	case *tts.ElevenLabs:
		return "elevenlabs"
	case *tts.Mock:
		return "mock"
	default:
		return "custom"
	}
}
