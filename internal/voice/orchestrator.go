package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/analysis"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/results"
	"github.com/ent0n29/pitchcoach/internal/scenario"
	"github.com/ent0n29/pitchcoach/internal/session"
)

const (
	resultSaveTimeout     = 5 * time.Second
	criticalSendTimeout   = 600 * time.Millisecond
	captureCommandStart   = "start"
	captureCommandStop    = "stop"
	sessionReadyEventCode = "session_ready"
)

var (
	ErrSessionBusy       = errors.New("session already has a live connection")
	errRelayUndelivered  = errors.New("client relay message was not delivered")
	errSessionNotRunning = errors.New("session is not active")
)

type Config struct {
	SpeechLanguage       string
	HistoryWindowTurns   int
	CaptureRestartBudget int
	PlaybackStallTimeout time.Duration
}

// Orchestrator runs one conversation per websocket connection and persists
// the outcome of every ended rehearsal.
type Orchestrator struct {
	sessions *session.Manager
	coach    CoachClient
	analyzer *analysis.Trigger
	results  results.Store
	catalog  *scenario.Catalog
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      Config

	mu   sync.Mutex
	live map[string]chan struct{}
}

func NewOrchestrator(
	sessions *session.Manager,
	coachClient CoachClient,
	analyzer *analysis.Trigger,
	store results.Store,
	catalog *scenario.Catalog,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Orchestrator {
	if catalog == nil {
		catalog = scenario.Default()
	}
	if analyzer == nil {
		analyzer = analysis.NewTrigger(coachClient, logger)
	}
	if cfg.SpeechLanguage == "" {
		cfg.SpeechLanguage = "fr-FR"
	}
	return &Orchestrator{
		sessions: sessions,
		coach:    coachClient,
		analyzer: analyzer,
		results:  store,
		catalog:  catalog,
		metrics:  metrics,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		cfg:      cfg,
		live:     make(map[string]chan struct{}),
	}
}

// RunConnection drives the rehearsal of s until inbound closes or ctx is
// cancelled. inbound carries parsed client messages; outbound is drained by
// the websocket writer.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	send := func(msg any) bool { return o.send(outbound, msg) }

	if s.Status != session.StatusActive {
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "session_ended",
			Source:    "session",
			Detail:    errSessionNotRunning.Error(),
		})
		return errSessionNotRunning
	}
	sc, err := o.catalog.Get(s.ScenarioID)
	if err != nil {
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "unknown_scenario",
			Source:    "session",
			Detail:    err.Error(),
		})
		return err
	}

	endRequests, release, err := o.register(s.ID)
	if err != nil {
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "session_busy",
			Source:    "session",
			Detail:    err.Error(),
		})
		return err
	}
	defer release()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := o.logger.With().Str("session_id", s.ID).Str("user_id", s.UserID).Logger()
	userID := s.UserID
	sessionID := s.ID

	conv := newConversation(connCtx, conversationConfig{
		SessionID:            sessionID,
		HistoryWindowTurns:   o.cfg.HistoryWindowTurns,
		CaptureRestartBudget: o.cfg.CaptureRestartBudget,
		PlaybackStallTimeout: o.cfg.PlaybackStallTimeout,
	}, conversationDeps{
		Coach:           o.coach,
		Analyzer:        o.analyzer,
		Engine:          clientCapture{send: send, sessionID: sessionID, language: o.cfg.SpeechLanguage},
		Player:          clientPlayer{send: send, sessionID: sessionID},
		Metrics:         o.metrics,
		Logger:          logger,
		Send:            send,
		ResolveScenario: o.catalog.Get,
		OnEnded: func(summary EndSummary) {
			if !summary.Superseded {
				if _, err := o.sessions.End(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
					logger.Warn().Err(err).Msg("mark session ended")
				}
				o.metrics.ActiveSessions.Set(float64(o.sessions.ActiveCount()))
			}
			o.saveResultBestEffort(userID, summary)
		},
		OnReset: func(next scenario.Scenario, userContext string) {
			if err := o.sessions.Retarget(sessionID, next.ID, userContext); err != nil {
				logger.Warn().Err(err).Msg("retarget session after reset")
			}
			o.metrics.ActiveSessions.Set(float64(o.sessions.ActiveCount()))
		},
		OnActivity: func() {
			_ = o.sessions.Touch(sessionID)
		},
	}, sc, s.Context)

	o.metrics.SessionEvents.WithLabelValues("connection_started").Inc()
	logger.Info().Str("scenario_id", sc.ID).Msg("rehearsal connection started")
	send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      sessionReadyEventCode,
		Detail:    sc.ID,
	})

	err = conv.run(inbound, endRequests)
	o.metrics.SessionEvents.WithLabelValues("connection_closed").Inc()
	logger.Info().Msg("rehearsal connection closed")
	return err
}

// EndSession asks the live conversation of sessionID, if any, to end its
// rehearsal. It reports whether a live conversation was found.
func (o *Orchestrator) EndSession(sessionID string) bool {
	o.mu.Lock()
	ch, ok := o.live[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

func (o *Orchestrator) register(sessionID string) (<-chan struct{}, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.live[sessionID]; busy {
		return nil, nil, ErrSessionBusy
	}
	ch := make(chan struct{}, 1)
	o.live[sessionID] = ch
	return ch, func() {
		o.mu.Lock()
		delete(o.live, sessionID)
		o.mu.Unlock()
	}, nil
}

func (o *Orchestrator) saveResultBestEffort(userID string, summary EndSummary) {
	if o.results == nil || len(summary.Transcript) == 0 {
		return
	}
	record := results.Record{
		UserID:          userID,
		SessionID:       summary.SessionID,
		ScenarioID:      summary.Scenario.ID,
		ScenarioTitle:   summary.Scenario.Title,
		AnalysisStatus:  string(summary.Outcome.Status),
		Transcript:      summary.Transcript,
		DurationSeconds: summary.DurationSeconds,
	}
	if res := summary.Outcome.Result; res != nil {
		score := res.Score
		record.Score = &score
		record.Advice = res.Advice
		record.Improvements = res.Improvements
	}
	go func(r results.Record) {
		saveCtx, cancel := context.WithTimeout(context.Background(), resultSaveTimeout)
		defer cancel()
		if err := o.results.Save(saveCtx, r); err != nil {
			o.metrics.SessionEvents.WithLabelValues("result_save_failed").Inc()
			o.logger.Warn().Err(err).Str("session_id", r.SessionID).Msg("save rehearsal result")
			return
		}
		o.metrics.SessionEvents.WithLabelValues("result_saved").Inc()
	}(record)
}

// send delivers msg to the connection writer. Critical messages wait briefly
// for room in the queue; the rest are dropped when the queue is full.
func (o *Orchestrator) send(outbound chan<- any, msg any) bool {
	msgType, critical := outboundMessageMeta(msg)
	record := func(result string) {
		o.metrics.ObserveOutbound(msgType, result)
	}

	if critical {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case outbound <- msg:
			record("delivered")
			return true
		case <-timer.C:
			record("timeout")
			o.metrics.SessionEvents.WithLabelValues("outbound_timeout_critical").Inc()
			o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
			return false
		}
	}

	select {
	case outbound <- msg:
		record("delivered")
		return true
	default:
		record("dropped")
		o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		return false
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.CaptureCommand:
		return string(m.Type), true
	case protocol.PlayAudio:
		return string(m.Type), true
	case protocol.StopAudio:
		return string(m.Type), true
	case protocol.TranscriptMessage:
		return string(m.Type), true
	case protocol.StateChange:
		return string(m.Type), true
	case protocol.AnalysisResult:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.InterimTranscript:
		return string(m.Type), false
	case protocol.TimerTick:
		return string(m.Type), false
	default:
		return "unknown", false
	}
}

// clientCapture drives the browser's speech recognizer through capture
// commands. Its events come back as capture_event messages.
type clientCapture struct {
	send      func(msg any) bool
	sessionID string
	language  string
}

func (c clientCapture) Start(context.Context) error {
	return c.command(captureCommandStart)
}

func (c clientCapture) Stop(context.Context) error {
	return c.command(captureCommandStop)
}

func (c clientCapture) command(cmd string) error {
	if !c.send(protocol.CaptureCommand{
		Type:      protocol.TypeCaptureCommand,
		SessionID: c.sessionID,
		Command:   cmd,
		Language:  c.language,
	}) {
		return errRelayUndelivered
	}
	return nil
}

// clientPlayer plays audio in the browser. Completion comes back as
// playback_event messages.
type clientPlayer struct {
	send      func(msg any) bool
	sessionID string
}

func (p clientPlayer) Play(_ context.Context, playbackID, messageID, audioBase64 string) error {
	if !p.send(protocol.PlayAudio{
		Type:        protocol.TypePlayAudio,
		SessionID:   p.sessionID,
		PlaybackID:  playbackID,
		MessageID:   messageID,
		AudioBase64: audioBase64,
	}) {
		return errRelayUndelivered
	}
	return nil
}

func (p clientPlayer) Stop(_ context.Context, playbackID string) error {
	if !p.send(protocol.StopAudio{
		Type:       protocol.TypeStopAudio,
		SessionID:  p.sessionID,
		PlaybackID: playbackID,
	}) {
		return errRelayUndelivered
	}
	return nil
}
