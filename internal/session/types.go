package session

import "time"

// CreateRequest defines payload for creating a new rehearsal session.
type CreateRequest struct {
	UserID     string `json:"user_id"`
	ScenarioID string `json:"scenario_id"`
	Context    string `json:"context"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	ScenarioID      string    `json:"scenario_id"`
	ScenarioTitle   string    `json:"scenario_title"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	WebSocketPath   string    `json:"ws_path"`
}
