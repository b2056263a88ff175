package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/analysis"
	"github.com/ent0n29/pitchcoach/internal/coach"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/scenario"
	"github.com/ent0n29/pitchcoach/internal/transcript"
)

var metricsSeq atomic.Int64

func testMetrics(prefix string) *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("pitchcoach_test_%s_%d_%d", prefix, time.Now().UnixNano(), metricsSeq.Add(1)))
}

type fakeCoach struct {
	mu          sync.Mutex
	chatReqs    []coach.ChatRequest
	analyzeReqs []coach.AnalyzeRequest
	chatResp    coach.ChatResponse
	chatErr     error
	analyzeRaw  string
	analyzeErr  error
}

func (c *fakeCoach) Chat(_ context.Context, req coach.ChatRequest) (coach.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatReqs = append(c.chatReqs, req)
	return c.chatResp, c.chatErr
}

func (c *fakeCoach) Analyze(_ context.Context, req coach.AnalyzeRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.analyzeReqs = append(c.analyzeReqs, req)
	return c.analyzeRaw, c.analyzeErr
}

func (c *fakeCoach) chatCalls() []coach.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]coach.ChatRequest, len(c.chatReqs))
	copy(out, c.chatReqs)
	return out
}

func (c *fakeCoach) analyzeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.analyzeReqs)
}

func (c *fakeCoach) reply(text, audio string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatErr = nil
	c.chatResp = coach.ChatResponse{AIResponse: text}
	if audio != "" {
		c.chatResp.AudioContent = &audio
	}
}

type convHarness struct {
	conv    *conversation
	engine  *fakeEngine
	player  *fakePlayer
	coach   *fakeCoach
	metrics *observability.Metrics
	sent    []any
	ended   []EndSummary
}

func newConvHarness(t *testing.T, fc *fakeCoach) *convHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	catalog := scenario.Default()
	sc, err := catalog.Get("hesitant")
	if err != nil {
		t.Fatalf("catalog.Get() error = %v", err)
	}
	h := &convHarness{
		engine:  &fakeEngine{},
		player:  &fakePlayer{},
		coach:   fc,
		metrics: testMetrics("conv"),
	}
	h.conv = newConversation(ctx, conversationConfig{SessionID: "s1", HistoryWindowTurns: 2}, conversationDeps{
		Coach:           fc,
		Analyzer:        analysis.NewTrigger(fc, zerolog.Nop()),
		Engine:          h.engine,
		Player:          h.player,
		Metrics:         h.metrics,
		Logger:          zerolog.Nop(),
		Send:            func(msg any) bool { h.sent = append(h.sent, msg); return true },
		ResolveScenario: catalog.Get,
		OnEnded:         func(s EndSummary) { h.ended = append(h.ended, s) },
	}, sc, "Je vends un CRM aux PME.")
	t.Cleanup(h.conv.teardown)
	return h
}

func (h *convHarness) control(action string) {
	h.conv.handleClientMessage(protocol.ClientControl{Type: protocol.TypeClientControl, Action: action})
}

func (h *convHarness) say(text string) {
	h.conv.handleClientMessage(protocol.CaptureEvent{Type: protocol.TypeCaptureEvent, Event: protocol.CaptureEventResult, Final: text})
}

func (h *convHarness) engineEnded() {
	h.conv.handleClientMessage(protocol.CaptureEvent{Type: protocol.TypeCaptureEvent, Event: protocol.CaptureEventEnd})
}

func (h *convHarness) playbackEvent(event string) {
	h.conv.handleClientMessage(protocol.PlaybackEvent{Type: protocol.TypePlaybackEvent, Event: event, PlaybackID: h.conv.playback.ActiveID()})
}

func (h *convHarness) awaitChat(t *testing.T) {
	t.Helper()
	select {
	case res := <-h.conv.chatResults:
		h.conv.handleChatResult(res)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for AI result")
	}
}

func (h *convHarness) awaitAnalysis(t *testing.T) {
	t.Helper()
	select {
	case done := <-h.conv.analysisResults:
		h.conv.handleAnalysis(done)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for analysis")
	}
}

func (h *convHarness) assertExclusive(t *testing.T) {
	t.Helper()
	if h.conv.capture.Listening() && h.conv.playback.Active() {
		t.Fatalf("capture listening while playback active (state %q)", h.conv.state)
	}
}

func sentOf[T any](h *convHarness) []T {
	var out []T
	for _, m := range h.sent {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestConversationTurnWithAudio(t *testing.T) {
	fc := &fakeCoach{}
	fc.reply("Bonjour, je vous écoute.", "UklGRg==")
	h := newConvHarness(t, fc)

	h.control(protocol.ActionStart)
	if !h.conv.capture.Listening() || !h.conv.timer.Running() {
		t.Fatalf("capture = %q timer running = %v, want listening and timing", h.conv.capture.State(), h.conv.timer.Running())
	}

	h.say("Bonjour, je vous présente notre solution.")
	if h.conv.state != StateAiThinking {
		t.Fatalf("state = %q, want ai_thinking", h.conv.state)
	}
	h.awaitChat(t)

	calls := fc.chatCalls()
	if len(calls) != 1 {
		t.Fatalf("chat calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if len(req.ConversationHistory) != 0 {
		t.Fatalf("first turn history = %+v, want empty", req.ConversationHistory)
	}
	if req.InitialContext != "Je vends un CRM aux PME." || req.Scenario == nil || req.Scenario.Title != "Client Hésitant" {
		t.Fatalf("request = %+v, want scenario and context", req)
	}

	if h.conv.state != StateAiSpeaking {
		t.Fatalf("state = %q, want ai_speaking", h.conv.state)
	}
	if h.conv.sc.Transcript.Len() != 2 {
		t.Fatalf("transcript len = %d, want 2", h.conv.sc.Transcript.Len())
	}
	if len(h.player.plays) != 1 || h.player.plays[0].audio != "UklGRg==" {
		t.Fatalf("plays = %+v, want the reply audio", h.player.plays)
	}
	if h.engine.stops != 1 {
		t.Fatalf("engine stops = %d, want capture stopped for playback", h.engine.stops)
	}
	h.assertExclusive(t)

	h.engineEnded()
	h.assertExclusive(t)
	h.playbackEvent(protocol.PlaybackEventEnded)

	if h.conv.state != StateAwaitingUser {
		t.Fatalf("state = %q, want awaiting_user", h.conv.state)
	}
	if !h.conv.capture.Listening() || h.engine.starts != 2 {
		t.Fatalf("capture = %q starts = %d, want resumed", h.conv.capture.State(), h.engine.starts)
	}

	transcripts := sentOf[protocol.TranscriptMessage](h)
	if len(transcripts) != 2 || transcripts[0].Sender != "user" || transcripts[1].Sender != "ai" || !transcripts[1].HasAudio {
		t.Fatalf("transcript messages = %+v", transcripts)
	}
	if got := testutil.ToFloat64(h.metrics.InvariantViolations.WithLabelValues("listening_while_playing")); got != 0 {
		t.Fatalf("invariant violations = %v, want 0", got)
	}
}

func TestConversationHoldsUtterancesWhileThinking(t *testing.T) {
	fc := &fakeCoach{}
	fc.reply("D'accord.", "")
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)

	h.say("Premier point.")
	h.say("Et aussi un second point.")
	if h.conv.sc.Transcript.Len() != 2 {
		t.Fatalf("transcript len = %d, want held utterance appended", h.conv.sc.Transcript.Len())
	}
	h.awaitChat(t)

	if got := len(fc.chatCalls()); got != 1 {
		t.Fatalf("chat calls = %d, want 1", got)
	}
	select {
	case res := <-h.conv.chatResults:
		t.Fatalf("unexpected second AI result %+v", res)
	default:
	}

	h.say("Troisième point.")
	h.awaitChat(t)
	calls := fc.chatCalls()
	if len(calls) != 2 {
		t.Fatalf("chat calls = %d, want 2", len(calls))
	}
	hist := calls[1].ConversationHistory
	if len(hist) != 3 || hist[1].Text != "Et aussi un second point." {
		t.Fatalf("history = %+v, want held utterance included", hist)
	}
	if calls[1].UserTranscript != "Troisième point." {
		t.Fatalf("UserTranscript = %q", calls[1].UserTranscript)
	}
}

func TestConversationReplyWithoutAudioResumesCapture(t *testing.T) {
	fc := &fakeCoach{}
	fc.reply("Je vois.", "")
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)

	h.say("Voici notre offre.")
	h.control(protocol.ActionStop)
	h.engineEnded()
	h.awaitChat(t)

	if len(h.player.plays) != 0 {
		t.Fatalf("plays = %+v, want none", h.player.plays)
	}
	if h.conv.state != StateAwaitingUser {
		t.Fatalf("state = %q, want awaiting_user", h.conv.state)
	}
	if !h.conv.capture.Listening() || h.engine.starts != 2 {
		t.Fatalf("capture = %q starts = %d, want resumed immediately", h.conv.capture.State(), h.engine.starts)
	}
}

func TestConversationAIFailureReturnsToAwaitingUserWithoutResume(t *testing.T) {
	fc := &fakeCoach{chatErr: coach.ErrContentBlocked}
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)

	h.say("Une phrase refusée.")
	h.control(protocol.ActionStop)
	h.engineEnded()
	h.awaitChat(t)

	if h.conv.state != StateAwaitingUser {
		t.Fatalf("state = %q, want awaiting_user", h.conv.state)
	}
	if h.conv.capture.State() != CaptureIdle || h.engine.starts != 1 {
		t.Fatalf("capture = %q starts = %d, want no automatic resume", h.conv.capture.State(), h.engine.starts)
	}
	errs := sentOf[protocol.ErrorEvent](h)
	if len(errs) != 1 || errs[0].Code != "content_blocked" || errs[0].Source != "ai" {
		t.Fatalf("errors = %+v, want content_blocked", errs)
	}

	// The user can continue with a fresh utterance.
	fc.reply("Reprenons.", "")
	h.control(protocol.ActionStart)
	h.say("Je reformule.")
	h.awaitChat(t)
	if got := len(fc.chatCalls()); got != 2 {
		t.Fatalf("chat calls = %d, want 2", got)
	}
}

func TestConversationPlaybackFailureResumesCapture(t *testing.T) {
	for _, event := range []string{protocol.PlaybackEventFailed, protocol.PlaybackEventError} {
		t.Run(event, func(t *testing.T) {
			fc := &fakeCoach{}
			fc.reply("Très bien.", "UklGRg==")
			h := newConvHarness(t, fc)
			h.control(protocol.ActionStart)
			h.say("Bonjour.")
			h.awaitChat(t)

			h.playbackEvent(event)
			if h.conv.state != StateAwaitingUser {
				t.Fatalf("state = %q, want awaiting_user", h.conv.state)
			}
			// The stop requested for playback is still settling.
			h.engineEnded()
			if !h.conv.capture.Listening() {
				t.Fatalf("capture = %q, want resumed after %s", h.conv.capture.State(), event)
			}
			h.assertExclusive(t)
		})
	}
}

func TestConversationPlayerSendFailureDoesNotStall(t *testing.T) {
	fc := &fakeCoach{}
	fc.reply("Très bien.", "UklGRg==")
	h := newConvHarness(t, fc)
	h.player.playErr = errors.New("queue full")
	h.control(protocol.ActionStart)
	h.say("Bonjour.")
	h.awaitChat(t)

	if h.conv.state != StateAwaitingUser {
		t.Fatalf("state = %q, want awaiting_user", h.conv.state)
	}
	if h.conv.playback.Active() {
		t.Fatalf("playback still active after send failure")
	}
}

func TestConversationStartIgnoredWhileSpeaking(t *testing.T) {
	fc := &fakeCoach{}
	fc.reply("Très bien.", "UklGRg==")
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)
	h.say("Bonjour.")
	h.awaitChat(t)
	h.engineEnded()

	h.control(protocol.ActionStart)
	if h.conv.capture.State() != CaptureIdle || h.engine.starts != 1 {
		t.Fatalf("capture = %q starts = %d, want start ignored while speaking", h.conv.capture.State(), h.engine.starts)
	}
	h.assertExclusive(t)
}

func TestConversationDropsStaleAIResult(t *testing.T) {
	fc := &fakeCoach{}
	fc.reply("Trop tard.", "")
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)
	h.say("Bonjour.")
	pending := h.conv.lastDispatchedID
	staleGeneration := h.conv.generation

	h.control(protocol.ActionEndSession)
	h.conv.handleChatResult(chatResult{
		generation: staleGeneration,
		messageID:  pending,
		resp:       coach.ChatResponse{AIResponse: "Trop tard."},
	})

	if h.conv.sc.Transcript.Len() != 1 {
		t.Fatalf("transcript len = %d, want stale reply dropped", h.conv.sc.Transcript.Len())
	}
	if h.conv.state != StateSessionEnded {
		t.Fatalf("state = %q, want session_ended", h.conv.state)
	}
}

func TestConversationEndSessionRunsAnalysisOnce(t *testing.T) {
	fc := &fakeCoach{analyzeRaw: `{"score": 80, "advice": ["Bonne accroche"], "improvements": ["Posez plus de questions"]}`}
	fc.reply("Intéressant.", "")
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)
	h.say("Bonjour.")
	h.awaitChat(t)

	h.control(protocol.ActionEndSession)
	h.control(protocol.ActionEndSession)
	if h.conv.state != StateSessionEnded {
		t.Fatalf("state = %q, want session_ended", h.conv.state)
	}
	if h.conv.timer.Running() || h.conv.capture.Listening() {
		t.Fatalf("timer or capture still running after end")
	}
	h.awaitAnalysis(t)

	if got := fc.analyzeCalls(); got != 1 {
		t.Fatalf("analyze calls = %d, want 1", got)
	}
	results := sentOf[protocol.AnalysisResult](h)
	if len(results) != 1 || results[0].Status != "available" || results[0].Score == nil || *results[0].Score != 80 {
		t.Fatalf("analysis results = %+v, want score 80", results)
	}
	if len(h.ended) != 1 || len(h.ended[0].Transcript) != 2 {
		t.Fatalf("ended = %+v, want one summary with two entries", h.ended)
	}

	h.control(protocol.ActionStart)
	errs := sentOf[protocol.ErrorEvent](h)
	if len(errs) == 0 || errs[len(errs)-1].Code != "session_ended" {
		t.Fatalf("errors = %+v, want session_ended on start after end", errs)
	}
}

func TestConversationEndSessionWithoutTurns(t *testing.T) {
	fc := &fakeCoach{}
	h := newConvHarness(t, fc)

	h.control(protocol.ActionEndSession)
	h.awaitAnalysis(t)

	if got := fc.analyzeCalls(); got != 0 {
		t.Fatalf("analyze calls = %d, want none for empty transcript", got)
	}
	results := sentOf[protocol.AnalysisResult](h)
	if len(results) != 1 || results[0].Status != "empty" {
		t.Fatalf("analysis results = %+v, want empty", results)
	}
}

func TestConversationAnalysisFailureIsUnavailable(t *testing.T) {
	fc := &fakeCoach{analyzeRaw: "pas de JSON ici"}
	fc.reply("Intéressant.", "")
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)
	h.say("Bonjour.")
	h.awaitChat(t)

	h.control(protocol.ActionEndSession)
	h.awaitAnalysis(t)

	results := sentOf[protocol.AnalysisResult](h)
	if len(results) != 1 || results[0].Status != "unavailable" || results[0].Score != nil {
		t.Fatalf("analysis results = %+v, want unavailable", results)
	}
	if h.conv.state != StateSessionEnded {
		t.Fatalf("state = %q, want session_ended", h.conv.state)
	}
}

func TestConversationResetStartsFreshRehearsal(t *testing.T) {
	fc := &fakeCoach{analyzeRaw: `{"score": 50, "advice": [], "improvements": []}`}
	fc.reply("Intéressant.", "")
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)
	h.say("Bonjour.")
	h.awaitChat(t)
	h.control(protocol.ActionEndSession)

	h.conv.handleClientMessage(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionReset, ScenarioID: "pressed"})
	h.awaitAnalysis(t)

	if h.conv.state != StateAwaitingUser {
		t.Fatalf("state = %q, want awaiting_user", h.conv.state)
	}
	if h.conv.sc.Transcript.Len() != 0 || h.conv.sc.Scenario.ID != "pressed" {
		t.Fatalf("context = %+v, want empty transcript for pressed", h.conv.sc)
	}
	if h.conv.sc.UserContext != "Je vends un CRM aux PME." {
		t.Fatalf("UserContext = %q, want previous context kept", h.conv.sc.UserContext)
	}
	if h.conv.timer.Running() {
		t.Fatalf("timer running after reset")
	}
	if got := len(sentOf[protocol.AnalysisResult](h)); got != 0 {
		t.Fatalf("analysis results sent = %d, want none after reset", got)
	}
	if len(h.ended) != 1 {
		t.Fatalf("ended = %d, want the ended rehearsal still reported", len(h.ended))
	}

	h.control(protocol.ActionStart)
	h.say("Je reprends.")
	h.awaitChat(t)
	calls := fc.chatCalls()
	last := calls[len(calls)-1]
	if len(last.ConversationHistory) != 0 || last.Scenario.Title != "Client Pressé" {
		t.Fatalf("request after reset = %+v", last)
	}
}

func TestConversationResetRejectsUnknownScenario(t *testing.T) {
	fc := &fakeCoach{}
	fc.reply("Oui ?", "")
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)
	h.say("Bonjour.")
	h.awaitChat(t)

	h.conv.handleClientMessage(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionReset, ScenarioID: "nope"})

	if h.conv.sc.Transcript.Len() != 2 {
		t.Fatalf("transcript len = %d, want unchanged", h.conv.sc.Transcript.Len())
	}
	errs := sentOf[protocol.ErrorEvent](h)
	if len(errs) != 1 || errs[0].Code != "unknown_scenario" {
		t.Fatalf("errors = %+v, want unknown_scenario", errs)
	}
}

func TestConversationReplayAudio(t *testing.T) {
	fc := &fakeCoach{}
	fc.reply("Très bien.", "UklGRg==")
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)
	h.say("Bonjour.")
	h.awaitChat(t)
	h.engineEnded()
	h.playbackEvent(protocol.PlaybackEventEnded)

	var aiID, userID string
	for _, m := range h.conv.sc.Transcript.Messages() {
		if m.Sender == transcript.SenderAI {
			aiID = m.ID
		} else {
			userID = m.ID
		}
	}

	h.conv.handleClientMessage(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionReplayAudio, MessageID: userID})
	if len(h.player.plays) != 1 {
		t.Fatalf("plays = %d, want no replay of a user message", len(h.player.plays))
	}

	h.conv.handleClientMessage(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionReplayAudio, MessageID: aiID})
	if len(h.player.plays) != 2 || h.player.plays[1].messageID != aiID {
		t.Fatalf("plays = %+v, want replay of %q", h.player.plays, aiID)
	}
	if h.conv.state != StateAiSpeaking || h.conv.capture.Listening() {
		t.Fatalf("state = %q capture = %q, want speaking without capture", h.conv.state, h.conv.capture.State())
	}
}

func TestConversationDispatchCountAndWindow(t *testing.T) {
	fc := &fakeCoach{}
	h := newConvHarness(t, fc)
	h.control(protocol.ActionStart)

	wantCalls := 0
	for i := 0; i < 12; i++ {
		audio := ""
		if i%2 == 1 {
			audio = "UklGRg=="
		}
		fc.reply(fmt.Sprintf("réponse %d", i), audio)

		h.say(fmt.Sprintf("phrase %d", i))
		wantCalls++
		if i%3 == 0 {
			h.say(fmt.Sprintf("phrase %d bis", i))
		}
		h.assertExclusive(t)
		h.awaitChat(t)
		h.assertExclusive(t)

		if h.conv.state == StateAiSpeaking {
			h.engineEnded()
			h.assertExclusive(t)
			h.playbackEvent(protocol.PlaybackEventEnded)
		}
		h.assertExclusive(t)
		if !h.conv.capture.Listening() {
			t.Fatalf("turn %d: capture = %q, want listening", i, h.conv.capture.State())
		}
	}

	calls := fc.chatCalls()
	if len(calls) != wantCalls {
		t.Fatalf("chat calls = %d, want %d", len(calls), wantCalls)
	}
	for i, req := range calls {
		if len(req.ConversationHistory) > 4 {
			t.Fatalf("call %d: history len = %d, want <= 4", i, len(req.ConversationHistory))
		}
		for _, e := range req.ConversationHistory {
			if e.Text == req.UserTranscript {
				t.Fatalf("call %d: history contains the dispatched utterance", i)
			}
		}
	}
}

func TestClassifyAIError(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		retryable bool
	}{
		{coach.ErrContentBlocked, "content_blocked", false},
		{&coach.APIError{Status: 422, Message: "blocked"}, "content_blocked", false},
		{&coach.APIError{Status: 503, Message: "down", Retryable: true}, "ai_service_error", true},
		{fmt.Errorf("wrap: %w", coach.ErrInvalidRequest), "ai_bad_request", false},
		{coach.ErrNotConfigured, "ai_not_configured", false},
		{context.DeadlineExceeded, "ai_unreachable", true},
	}
	for _, tc := range cases {
		code, retryable := classifyAIError(tc.err)
		if code != tc.code || retryable != tc.retryable {
			t.Fatalf("classifyAIError(%v) = %q/%v, want %q/%v", tc.err, code, retryable, tc.code, tc.retryable)
		}
	}
}
