package voice

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/analysis"
	"github.com/ent0n29/pitchcoach/internal/coach"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/reliability"
	"github.com/ent0n29/pitchcoach/internal/scenario"
	"github.com/ent0n29/pitchcoach/internal/transcript"
)

type ConversationState string

const (
	StateAwaitingUser ConversationState = "awaiting_user"
	StateAiThinking   ConversationState = "ai_thinking"
	StateAiSpeaking   ConversationState = "ai_speaking"
	StateSessionEnded ConversationState = "session_ended"
)

// SessionContext is everything that belongs to one rehearsal and is
// discarded on reset.
type SessionContext struct {
	Scenario    scenario.Scenario
	UserContext string
	Transcript  transcript.Transcript
}

// EndSummary describes a finished rehearsal once its analysis settled.
type EndSummary struct {
	SessionID       string
	Scenario        scenario.Scenario
	Transcript      []transcript.Entry
	DurationSeconds int
	Outcome         analysis.Outcome
	// Superseded is set when the connection was reset before the analysis
	// landed; the session now belongs to the new rehearsal.
	Superseded bool
}

type chatResult struct {
	generation uint64
	messageID  string
	resp       coach.ChatResponse
	err        error
	latency    time.Duration
}

type analysisDone struct {
	generation uint64
	summary    EndSummary
}

type conversationConfig struct {
	SessionID            string
	HistoryWindowTurns   int
	CaptureRestartBudget int
	PlaybackStallTimeout time.Duration
}

type conversationDeps struct {
	Coach           CoachClient
	Analyzer        *analysis.Trigger
	Engine          CaptureEngine
	Player          Player
	Metrics         *observability.Metrics
	Logger          zerolog.Logger
	Send            func(msg any) bool
	ResolveScenario func(id string) (scenario.Scenario, error)
	// OnEnded runs on the loop goroutine once per ended rehearsal.
	OnEnded func(EndSummary)
	// OnReset runs on the loop goroutine after an in-place reset.
	OnReset func(sc scenario.Scenario, userContext string)
	// OnActivity runs for every inbound client message.
	OnActivity func()
}

// conversation is the turn-taking state machine of one connection. All of its
// fields are owned by the goroutine running run; provider calls happen on
// helper goroutines that post results back through the result channels.
type conversation struct {
	// ctx is the connection context. Helper goroutines derive from it so that
	// a closed socket aborts every in-flight call.
	ctx    context.Context
	cfg    conversationConfig
	deps   conversationDeps
	logger zerolog.Logger

	capture  *CaptureManager
	playback *PlaybackController
	timer    *SessionTimer
	detach   func()

	state            ConversationState
	sc               SessionContext
	lastDispatchedID string
	generation       uint64
	chatCancel       context.CancelFunc

	chatResults     chan chatResult
	analysisResults chan analysisDone
}

func newConversation(ctx context.Context, cfg conversationConfig, deps conversationDeps, sc scenario.Scenario, userContext string) *conversation {
	if cfg.HistoryWindowTurns <= 0 {
		cfg.HistoryWindowTurns = 2
	}
	c := &conversation{
		ctx:             ctx,
		cfg:             cfg,
		deps:            deps,
		logger:          deps.Logger.With().Str("component", "conversation").Str("session_id", cfg.SessionID).Logger(),
		timer:           NewSessionTimer(nil, time.Second),
		state:           StateAwaitingUser,
		sc:              SessionContext{Scenario: sc, UserContext: strings.TrimSpace(userContext)},
		chatResults:     make(chan chatResult, 1),
		analysisResults: make(chan analysisDone, 1),
	}
	c.capture = NewCaptureManager(deps.Engine, cfg.CaptureRestartBudget)
	c.playback = NewPlaybackController(deps.Player, c.capture, cfg.PlaybackStallTimeout, c.onPlaybackFinished)
	c.attach()
	return c
}

// run is the connection event loop. It returns when the inbound stream closes
// or the context is cancelled.
func (c *conversation) run(inbound <-chan any, endRequests <-chan struct{}) error {
	defer c.teardown()
	c.sendState()
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleClientMessage(msg)
		case res := <-c.chatResults:
			c.handleChatResult(res)
		case done := <-c.analysisResults:
			c.handleAnalysis(done)
		case <-c.timer.Ticks():
			c.send(protocol.TimerTick{Type: protocol.TypeTimerTick, SessionID: c.cfg.SessionID, ElapsedSeconds: c.timer.Elapsed()})
		case <-c.playback.Stalled():
			c.logger.Warn().Str("playback_id", c.playback.ActiveID()).Msg("player never reported; treating clip as finished")
			c.playback.HandleStall()
		case <-endRequests:
			c.endSession()
		}
	}
}

func (c *conversation) handleClientMessage(msg any) {
	if c.deps.OnActivity != nil {
		c.deps.OnActivity()
	}
	switch m := msg.(type) {
	case protocol.ClientControl:
		c.handleControl(m)
	case protocol.CaptureEvent:
		c.capture.HandleEvent(c.ctx, CaptureEvent{
			Type:      CaptureEventType(m.Event),
			Final:     m.Final,
			Interim:   m.Interim,
			ErrorCode: m.ErrorCode,
			Detail:    m.Detail,
		})
	case protocol.PlaybackEvent:
		c.playback.HandleEvent(m.PlaybackID, m.Event)
	default:
		c.logger.Debug().Str("type", string(protocol.MessageTypeOf(msg))).Msg("ignoring unexpected inbound message")
	}
}

func (c *conversation) handleControl(m protocol.ClientControl) {
	switch m.Action {
	case protocol.ActionStart:
		switch c.state {
		case StateSessionEnded:
			c.sendError("session_ended", "session", false, "La session est terminée. Relancez une simulation.")
		case StateAiSpeaking:
			// Capture resumes by itself once the reply has been played.
		default:
			_ = c.capture.Start(c.ctx)
		}
	case protocol.ActionStop:
		_ = c.capture.Stop(c.ctx)
	case protocol.ActionEndSession:
		c.endSession()
	case protocol.ActionReset:
		c.reset(m.ScenarioID, m.Context)
	case protocol.ActionReplayAudio:
		c.replay(m.MessageID)
	}
}

// attach subscribes the conversation to capture events for the current
// rehearsal.
func (c *conversation) attach() {
	c.detach = c.capture.Subscribe(CaptureCallbacks{
		OnFinal: c.onUtterance,
		OnInterim: func(text string) {
			c.send(protocol.InterimTranscript{Type: protocol.TypeInterimTranscript, SessionID: c.cfg.SessionID, Text: text})
		},
		OnError: c.onCaptureError,
		OnState: func(s CaptureState) {
			if s == CaptureListening && c.state != StateSessionEnded {
				c.timer.Start()
			}
			c.sendState()
			c.checkInvariant()
		},
		OnRestart: func(ok bool) {
			result := "ok"
			if !ok {
				result = "failed"
			}
			c.deps.Metrics.CaptureRestarts.WithLabelValues(result).Inc()
		},
	})
}

func (c *conversation) onUtterance(text string) {
	if c.state == StateSessionEnded {
		return
	}
	msg := transcript.NewUserMessage(text)
	c.sc.Transcript.Append(msg)
	c.sendTranscript(msg)

	if c.state != StateAwaitingUser {
		// Kept for history; it reaches the AI with the next dispatched turn.
		c.deps.Metrics.SessionEvents.WithLabelValues("utterance_held").Inc()
		return
	}
	if msg.ID == c.lastDispatchedID {
		return
	}
	c.dispatch(msg)
}

func (c *conversation) dispatch(msg transcript.Message) {
	if c.chatCancel != nil {
		c.deps.Metrics.InvariantViolations.WithLabelValues("concurrent_ai_call").Inc()
		c.logger.Error().Msg("dispatch while an AI call is outstanding")
		return
	}
	c.lastDispatchedID = msg.ID
	req := coach.ChatRequest{
		UserTranscript: msg.Text,
		Scenario: &coach.ScenarioInfo{
			Title:       c.sc.Scenario.Title,
			Description: c.sc.Scenario.Description,
		},
		ConversationHistory: WindowHistory(c.sc.Transcript.Messages(), msg.ID, 2*c.cfg.HistoryWindowTurns),
		InitialContext:      c.sc.UserContext,
	}
	c.setState(StateAiThinking)

	callCtx, cancel := context.WithCancel(c.ctx)
	c.chatCancel = cancel
	generation := c.generation
	started := time.Now()
	go func() {
		resp, err := c.deps.Coach.Chat(callCtx, req)
		res := chatResult{generation: generation, messageID: msg.ID, resp: resp, err: err, latency: time.Since(started)}
		select {
		case c.chatResults <- res:
		case <-callCtx.Done():
		}
	}()
}

func (c *conversation) handleChatResult(res chatResult) {
	if res.generation != c.generation || c.state != StateAiThinking || res.messageID != c.lastDispatchedID {
		c.deps.Metrics.SessionEvents.WithLabelValues("ai_result_stale").Inc()
		return
	}
	c.cancelChat()

	if res.err != nil {
		code, retryable := classifyAIError(res.err)
		c.deps.Metrics.AICalls.WithLabelValues("error").Inc()
		c.deps.Metrics.ProviderErrors.WithLabelValues("coach", code).Inc()
		c.logger.Warn().Err(res.err).Str("code", code).Msg("AI response failed")
		c.sendError(code, "ai", retryable, res.err.Error())
		c.setState(StateAwaitingUser)
		return
	}
	c.deps.Metrics.AICalls.WithLabelValues("ok").Inc()
	c.deps.Metrics.ObserveAIResponse(res.latency)

	text := strings.TrimSpace(res.resp.AIResponse)
	audio := strings.TrimSpace(res.resp.Audio())
	messageID := ""
	if text != "" {
		reply := transcript.NewAIMessage(text, audio)
		c.sc.Transcript.Append(reply)
		c.sendTranscript(reply)
		messageID = reply.ID
	}

	if audio != "" {
		c.setState(StateAiSpeaking)
		c.startPlayback(messageID, audio)
		return
	}
	c.setState(StateAwaitingUser)
	c.resumeCapture()
}

func (c *conversation) startPlayback(messageID, audio string) {
	if _, err := c.playback.Play(c.ctx, messageID, audio); err != nil {
		c.logger.Warn().Err(err).Msg("audio could not be sent to the player")
	}
	c.checkInvariant()
}

// onPlaybackFinished is the single convergence point for every way a clip
// can stop.
func (c *conversation) onPlaybackFinished(_ string, outcome PlaybackOutcome) {
	c.deps.Metrics.PlaybackOutcomes.WithLabelValues(string(outcome)).Inc()
	if outcome != PlaybackEnded {
		c.logger.Info().Str("outcome", string(outcome)).Msg("playback finished abnormally")
	}
	if c.state != StateAiSpeaking {
		return
	}
	c.setState(StateAwaitingUser)
	c.resumeCapture()
}

func (c *conversation) resumeCapture() {
	if c.state != StateAwaitingUser {
		return
	}
	_ = c.capture.Start(c.ctx)
}

func (c *conversation) replay(messageID string) {
	if c.state != StateAwaitingUser {
		c.sendError("replay_unavailable", "playback", true, "Attendez la fin de la réponse en cours.")
		return
	}
	m, ok := c.sc.Transcript.Find(messageID)
	if !ok || m.Sender != transcript.SenderAI || !m.HasAudio() {
		c.sendError("replay_unavailable", "playback", false, "Aucun audio disponible pour ce message.")
		return
	}
	c.setState(StateAiSpeaking)
	c.startPlayback(m.ID, m.Audio)
}

func (c *conversation) onCaptureError(err *CaptureError) {
	c.deps.Metrics.ProviderErrors.WithLabelValues("capture", string(err.Category)).Inc()
	c.logger.Info().Str("category", string(err.Category)).Str("code", err.Code).Str("detail", err.Detail).Msg("speech capture stopped")
	c.sendError(string(err.Category), "capture", err.Category == CaptureNoSpeech, err.UserMessage())
}

// endSession is idempotent. The analysis runs in the background and lands in
// handleAnalysis.
func (c *conversation) endSession() {
	if c.state == StateSessionEnded {
		return
	}
	_ = c.capture.Stop(c.ctx)
	elapsed := c.timer.Stop()
	c.generation++
	c.cancelChat()
	c.playback.Stop(c.ctx)
	c.detachCapture()
	c.setState(StateSessionEnded)
	c.deps.Metrics.SessionEvents.WithLabelValues("session_ended").Inc()

	summary := EndSummary{
		SessionID:       c.cfg.SessionID,
		Scenario:        c.sc.Scenario,
		Transcript:      c.sc.Transcript.Entries(),
		DurationSeconds: elapsed,
	}
	generation := c.generation
	go func() {
		summary.Outcome = c.deps.Analyzer.Run(c.ctx, summary.Transcript)
		select {
		case c.analysisResults <- analysisDone{generation: generation, summary: summary}:
		case <-c.ctx.Done():
		}
	}()
}

func (c *conversation) handleAnalysis(done analysisDone) {
	out := done.summary.Outcome
	c.deps.Metrics.AnalysisOutcomes.WithLabelValues(string(out.Status)).Inc()
	done.summary.Superseded = done.generation != c.generation
	if c.deps.OnEnded != nil {
		c.deps.OnEnded(done.summary)
	}
	if done.summary.Superseded {
		return
	}

	msg := protocol.AnalysisResult{
		Type:            protocol.TypeAnalysisResult,
		SessionID:       c.cfg.SessionID,
		Status:          string(out.Status),
		DurationSeconds: done.summary.DurationSeconds,
	}
	switch out.Status {
	case analysis.StatusAvailable:
		score := out.Result.Score
		msg.Score = &score
		msg.Advice = out.Result.Advice
		msg.Improvements = out.Result.Improvements
	case analysis.StatusEmpty:
		msg.Detail = "Aucun échange à analyser."
	case analysis.StatusUnavailable:
		msg.Detail = "Analyse indisponible."
	}
	c.send(msg)
}

// reset starts a fresh rehearsal on the same connection. Empty arguments keep
// the current scenario or context.
func (c *conversation) reset(scenarioID, userContext string) {
	next := c.sc.Scenario
	if id := strings.TrimSpace(scenarioID); id != "" {
		s, err := c.deps.ResolveScenario(id)
		if err != nil {
			c.sendError("unknown_scenario", "session", false, err.Error())
			return
		}
		next = s
	}
	ctxText := strings.TrimSpace(userContext)
	if ctxText == "" {
		ctxText = c.sc.UserContext
	}

	c.teardown()
	c.sc = SessionContext{Scenario: next, UserContext: ctxText}
	c.lastDispatchedID = ""
	c.attach()
	c.setState(StateAwaitingUser)
	if c.deps.OnReset != nil {
		c.deps.OnReset(next, ctxText)
	}
	c.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: c.cfg.SessionID, Code: "session_reset", Detail: next.ID})
}

// teardown releases everything that could outlive the rehearsal.
func (c *conversation) teardown() {
	c.generation++
	c.cancelChat()
	c.timer.Stop()
	c.playback.Stop(c.ctx)
	_ = c.capture.Stop(c.ctx)
	c.detachCapture()
}

func (c *conversation) detachCapture() {
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
}

func (c *conversation) cancelChat() {
	if c.chatCancel != nil {
		c.chatCancel()
		c.chatCancel = nil
	}
}

func (c *conversation) setState(s ConversationState) {
	if c.state == s {
		return
	}
	c.logger.Debug().Str("from", string(c.state)).Str("to", string(s)).Msg("conversation state")
	c.state = s
	c.sendState()
	c.checkInvariant()
}

// checkInvariant flags the one overlap the turn-taking rules forbid:
// listening while audio plays.
func (c *conversation) checkInvariant() {
	if c.capture.Listening() && c.playback.Active() {
		c.deps.Metrics.InvariantViolations.WithLabelValues("listening_while_playing").Inc()
		c.logger.Error().Str("state", string(c.state)).Msg("capture is listening while audio plays")
	}
}

func (c *conversation) sendState() {
	c.send(protocol.StateChange{
		Type:      protocol.TypeStateChange,
		SessionID: c.cfg.SessionID,
		State:     string(c.state),
		Capture:   string(c.capture.State()),
		Playing:   c.playback.Active(),
	})
}

func (c *conversation) sendTranscript(m transcript.Message) {
	c.send(protocol.TranscriptMessage{
		Type:      protocol.TypeTranscriptMessage,
		SessionID: c.cfg.SessionID,
		MessageID: m.ID,
		Sender:    string(m.Sender),
		Text:      m.Text,
		HasAudio:  m.HasAudio(),
	})
}

func (c *conversation) sendError(code, source string, retryable bool, detail string) {
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.cfg.SessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

func (c *conversation) send(msg any) bool {
	if c.deps.Send == nil {
		return false
	}
	return c.deps.Send(msg)
}

func classifyAIError(err error) (code string, retryable bool) {
	var apiErr *coach.APIError
	switch {
	case errors.Is(err, coach.ErrContentBlocked):
		return "content_blocked", false
	case errors.As(err, &apiErr):
		if apiErr.Status == http.StatusUnprocessableEntity {
			return "content_blocked", false
		}
		return "ai_service_error", apiErr.Retryable
	case errors.Is(err, coach.ErrInvalidRequest):
		return "ai_bad_request", false
	case errors.Is(err, coach.ErrNotConfigured):
		return "ai_not_configured", false
	default:
		return "ai_unreachable", reliability.IsRetryableTransportError(err)
	}
}
