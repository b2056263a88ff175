package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrContentBlocked means the provider refused to answer on policy grounds.
	ErrContentBlocked = errors.New("content blocked by provider")
	ErrEmptyResponse  = errors.New("provider returned an empty response")
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Turn struct {
	Role Role
	Text string
}

type Request struct {
	System  string
	History []Turn
	Prompt  string
	// JSON asks the provider for a JSON document instead of prose.
	JSON bool
}

// Brain generates one reply for a prompt and its prior turns.
type Brain interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

type Config struct {
	Provider      string
	GeminiAPIKey  string
	GeminiModel   string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
}

// New picks the provider. In auto mode Gemini wins when both keys are set and
// the mock is used when neither is.
func New(ctx context.Context, cfg Config) (Brain, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "auto":
		switch {
		case strings.TrimSpace(cfg.GeminiAPIKey) != "":
			return NewGemini(ctx, GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
		case strings.TrimSpace(cfg.OpenAIAPIKey) != "":
			return NewOpenAI(OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIBaseURL}), nil
		default:
			return NewMock(), nil
		}
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, fmt.Errorf("BRAIN_PROVIDER=gemini requires GEMINI_API_KEY")
		}
		return NewGemini(ctx, GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("BRAIN_PROVIDER=openai requires OPENAI_API_KEY")
		}
		return NewOpenAI(OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIBaseURL}), nil
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unsupported brain provider %q", cfg.Provider)
	}
}
