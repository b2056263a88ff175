package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	BrainProvider  string            `json:"brain_provider"`
	TTSProvider    string            `json:"tts_provider"`
	ResultsMode    string            `json:"results_mode"`
	CoachMode      string            `json:"coach_mode"`
	SpeechLanguage string            `json:"speech_language"`
	Checks         []onboardingCheck `json:"checks"`
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	coachMode := "in-process"
	if strings.TrimSpace(s.cfg.CoachAPIBaseURL) != "" {
		coachMode = "remote"
	}

	checks := make([]onboardingCheck, 0, 6)
	checks = append(checks, s.brainCheck())
	checks = append(checks, s.ttsCheck())
	checks = append(checks, s.resultsCheck())
	if coachMode == "remote" {
		checks = append(checks, checkCoachAPI(s.cfg.CoachAPIBaseURL))
	}

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		BrainProvider:  orUnknown(s.brainName),
		TTSProvider:    orUnknown(s.ttsName),
		ResultsMode:    orUnknown(s.storeMode),
		CoachMode:      coachMode,
		SpeechLanguage: s.cfg.SpeechLanguage,
		Checks:         checks,
	})
}

func (s *Server) brainCheck() onboardingCheck {
	switch s.brainName {
	case "gemini", "openai":
		return onboardingCheck{ID: "brain", Status: "ok", Label: "Client persona model", Detail: s.brainName}
	case "mock":
		return onboardingCheck{
			ID:     "brain",
			Status: "warn",
			Label:  "Client persona model",
			Detail: "mock replies only",
			Fix:    "Set GEMINI_API_KEY or OPENAI_API_KEY for real client replies.",
		}
	default:
		return onboardingCheck{
			ID:     "brain",
			Status: "error",
			Label:  "Client persona model",
			Detail: "not configured",
			Fix:    "Set BRAIN_PROVIDER=auto with an API key, or BRAIN_PROVIDER=mock.",
		}
	}
}

func (s *Server) ttsCheck() onboardingCheck {
	switch s.ttsName {
	case "elevenlabs":
		return onboardingCheck{ID: "tts", Status: "ok", Label: "Client voice", Detail: "elevenlabs"}
	case "mock":
		return onboardingCheck{
			ID:     "tts",
			Status: "warn",
			Label:  "Client voice",
			Detail: "silent placeholder audio",
			Fix:    "Set ELEVENLABS_API_KEY to hear the client.",
		}
	default:
		return onboardingCheck{
			ID:     "tts",
			Status: "warn",
			Label:  "Client voice",
			Detail: "disabled; replies are text only",
			Fix:    "Set TTS_PROVIDER=auto and ELEVENLABS_API_KEY.",
		}
	}
}

func (s *Server) resultsCheck() onboardingCheck {
	switch s.storeMode {
	case "postgres", "sqlite":
		return onboardingCheck{ID: "results_store", Status: "ok", Label: "Rehearsal history", Detail: s.storeMode}
	default:
		return onboardingCheck{
			ID:     "results_store",
			Status: "warn",
			Label:  "Rehearsal history",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL or RESULTS_SQLITE_PATH to keep history across restarts.",
		}
	}
}

// checkCoachAPI only checks that the remote coach accepts TCP connections.
func checkCoachAPI(raw string) onboardingCheck {
	check := onboardingCheck{ID: "coach_api", Label: "Remote coach API", Detail: raw}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		check.Status = "error"
		check.Detail = "invalid COACH_API_BASE_URL"
		check.Fix = "Use an absolute URL such as https://coach.example.com."
		return check
	}
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", addr, 800*time.Millisecond)
	if err != nil {
		check.Status = "error"
		check.Detail = fmt.Sprintf("%s unreachable: %v", addr, err)
		check.Fix = "Start the coach service or unset COACH_API_BASE_URL to use the in-process coach."
		return check
	}
	_ = conn.Close()
	check.Status = "ok"
	return check
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}
