package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/brain"
	"github.com/ent0n29/pitchcoach/internal/coach"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/results"
	"github.com/ent0n29/pitchcoach/internal/scenario"
	"github.com/ent0n29/pitchcoach/internal/session"
	"github.com/ent0n29/pitchcoach/internal/tts"
)

func TestSendDeliversCriticalWhenOutboundQueueTemporarilyFull(t *testing.T) {
	o := &Orchestrator{metrics: testMetrics("send")}

	outbound := make(chan any, 1)
	outbound <- protocol.InterimTranscript{Type: protocol.TypeInterimTranscript, Text: "filler"}

	go func() {
		time.Sleep(40 * time.Millisecond)
		<-outbound
	}()

	ok := o.send(outbound, protocol.PlayAudio{
		Type:        protocol.TypePlayAudio,
		SessionID:   "s1",
		PlaybackID:  "p1",
		AudioBase64: "UklGRg==",
	})
	if !ok {
		t.Fatalf("send() = false, want critical message delivered")
	}

	select {
	case msg := <-outbound:
		play, ok := msg.(protocol.PlayAudio)
		if !ok {
			t.Fatalf("outbound msg type = %T, want protocol.PlayAudio", msg)
		}
		if play.PlaybackID != "p1" {
			t.Fatalf("PlayAudio.PlaybackID = %q, want p1", play.PlaybackID)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timed out waiting for critical outbound message")
	}
}

func TestSendDropsNonCriticalWhenQueueFull(t *testing.T) {
	o := &Orchestrator{metrics: testMetrics("send_drop")}
	outbound := make(chan any, 1)
	outbound <- protocol.InterimTranscript{Type: protocol.TypeInterimTranscript, Text: "filler"}

	if o.send(outbound, protocol.TimerTick{Type: protocol.TypeTimerTick, ElapsedSeconds: 3}) {
		t.Fatalf("send() = true, want tick dropped")
	}
}

func TestClientRelaysReportUndeliveredMessages(t *testing.T) {
	var sent []any
	deliver := true
	send := func(msg any) bool {
		sent = append(sent, msg)
		return deliver
	}
	engine := clientCapture{send: send, sessionID: "s1", language: "fr-FR"}
	player := clientPlayer{send: send, sessionID: "s1"}

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cmd, ok := sent[0].(protocol.CaptureCommand)
	if !ok || cmd.Command != "start" || cmd.Language != "fr-FR" {
		t.Fatalf("sent = %+v, want start capture command", sent[0])
	}

	deliver = false
	if err := player.Play(context.Background(), "p1", "m1", "UklGRg=="); !errors.Is(err, errRelayUndelivered) {
		t.Fatalf("Play() error = %v, want errRelayUndelivered", err)
	}
	if err := engine.Stop(context.Background()); !errors.Is(err, errRelayUndelivered) {
		t.Fatalf("Stop() error = %v, want errRelayUndelivered", err)
	}
}

type orchestratorFixture struct {
	orch     *Orchestrator
	sessions *session.Manager
	store    *results.InMemoryStore
}

func newOrchestratorFixture(t *testing.T) orchestratorFixture {
	t.Helper()
	return newOrchestratorFixtureWithCoach(t, coach.NewService(brain.NewMock(), tts.NewMock(), zerolog.Nop()))
}

func newOrchestratorFixtureWithCoach(t *testing.T, c CoachClient) orchestratorFixture {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	store := results.NewInMemoryStore()
	orch := NewOrchestrator(sessions, c, nil, store, scenario.Default(), testMetrics("orch"), zerolog.Nop(), Config{
		SpeechLanguage:       "fr-FR",
		HistoryWindowTurns:   2,
		CaptureRestartBudget: 5,
		PlaybackStallTimeout: 5 * time.Second,
	})
	return orchestratorFixture{orch: orch, sessions: sessions, store: store}
}

// gatedCoach holds Analyze until release is closed.
type gatedCoach struct {
	CoachClient
	release chan struct{}
}

func (g gatedCoach) Analyze(ctx context.Context, req coach.AnalyzeRequest) (string, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.CoachClient.Analyze(ctx, req)
}

func waitFor[T any](t *testing.T, outbound <-chan any, match func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-outbound:
			if v, ok := msg.(T); ok && (match == nil || match(v)) {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestRunConnectionFullRehearsal(t *testing.T) {
	f := newOrchestratorFixture(t)
	s, err := f.sessions.Create("u1", "hesitant", "Je vends un CRM aux PME.")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound := make(chan any, 8)
	outbound := make(chan any, 64)
	done := make(chan error, 1)
	go func() { done <- f.orch.RunConnection(ctx, s, inbound, outbound) }()

	waitFor(t, outbound, func(e protocol.SystemEvent) bool { return e.Code == "session_ready" })

	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionStart}
	waitFor(t, outbound, func(c protocol.CaptureCommand) bool { return c.Command == "start" })

	inbound <- protocol.CaptureEvent{Type: protocol.TypeCaptureEvent, Event: protocol.CaptureEventResult, Final: "Bonjour, je vous présente notre CRM."}
	waitFor(t, outbound, func(m protocol.TranscriptMessage) bool { return m.Sender == "user" })
	waitFor(t, outbound, func(m protocol.TranscriptMessage) bool { return m.Sender == "ai" && m.HasAudio })
	waitFor(t, outbound, func(c protocol.CaptureCommand) bool { return c.Command == "stop" })
	play := waitFor[protocol.PlayAudio](t, outbound, nil)
	if play.AudioBase64 == "" || play.PlaybackID == "" {
		t.Fatalf("PlayAudio = %+v, want audio and playback id", play)
	}

	inbound <- protocol.CaptureEvent{Type: protocol.TypeCaptureEvent, Event: protocol.CaptureEventEnd}
	inbound <- protocol.PlaybackEvent{Type: protocol.TypePlaybackEvent, Event: protocol.PlaybackEventEnded, PlaybackID: play.PlaybackID}
	waitFor(t, outbound, func(c protocol.CaptureCommand) bool { return c.Command == "start" })

	if !f.orch.EndSession(s.ID) {
		t.Fatalf("EndSession() = false, want live conversation")
	}
	result := waitFor[protocol.AnalysisResult](t, outbound, nil)
	if result.Status != "available" || result.Score == nil {
		t.Fatalf("AnalysisResult = %+v, want a score", result)
	}

	deadline := time.Now().Add(2 * time.Second)
	var records []results.Record
	for time.Now().Before(deadline) {
		records, err = f.store.ListByUser(context.Background(), "u1", 10)
		if err != nil {
			t.Fatalf("ListByUser() error = %v", err)
		}
		if len(records) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(records) != 1 || records[0].ScenarioID != "hesitant" || len(records[0].Transcript) != 2 {
		t.Fatalf("records = %+v, want one saved rehearsal", records)
	}

	got, err := f.sessions.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != session.StatusEnded {
		t.Fatalf("session status = %q, want ended", got.Status)
	}

	close(inbound)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return after inbound closed")
	}
	if f.orch.EndSession(s.ID) {
		t.Fatalf("EndSession() = true after connection closed")
	}
}

func TestRunConnectionRejectsSecondConnection(t *testing.T) {
	f := newOrchestratorFixture(t)
	s, err := f.sessions.Create("u1", "pressed", "Logiciel de paie.")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan any)
	firstOut := make(chan any, 16)
	go func() { _ = f.orch.RunConnection(ctx, s, first, firstOut) }()
	waitFor(t, firstOut, func(e protocol.SystemEvent) bool { return e.Code == "session_ready" })

	secondOut := make(chan any, 4)
	err = f.orch.RunConnection(ctx, s, make(chan any), secondOut)
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("RunConnection() error = %v, want ErrSessionBusy", err)
	}
	ev := waitFor[protocol.ErrorEvent](t, secondOut, nil)
	if ev.Code != "session_busy" {
		t.Fatalf("ErrorEvent.Code = %q, want session_busy", ev.Code)
	}
}

func TestRunConnectionRejectsUnknownScenario(t *testing.T) {
	f := newOrchestratorFixture(t)
	s := &session.Session{ID: "s1", UserID: "u1", ScenarioID: "missing", Status: session.StatusActive}
	outbound := make(chan any, 4)

	err := f.orch.RunConnection(context.Background(), s, make(chan any), outbound)
	if !errors.Is(err, scenario.ErrNotFound) {
		t.Fatalf("RunConnection() error = %v, want scenario.ErrNotFound", err)
	}
	ev := waitFor[protocol.ErrorEvent](t, outbound, nil)
	if ev.Code != "unknown_scenario" {
		t.Fatalf("ErrorEvent.Code = %q, want unknown_scenario", ev.Code)
	}
}

func TestResetBeforeAnalysisKeepsSessionActive(t *testing.T) {
	gated := gatedCoach{
		CoachClient: coach.NewService(brain.NewMock(), tts.NewMock(), zerolog.Nop()),
		release:     make(chan struct{}),
	}
	f := newOrchestratorFixtureWithCoach(t, gated)
	s, err := f.sessions.Create("u1", "hesitant", "Je vends un CRM aux PME.")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound := make(chan any, 8)
	outbound := make(chan any, 64)
	go func() { _ = f.orch.RunConnection(ctx, s, inbound, outbound) }()
	waitFor(t, outbound, func(e protocol.SystemEvent) bool { return e.Code == "session_ready" })

	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionStart}
	waitFor(t, outbound, func(c protocol.CaptureCommand) bool { return c.Command == "start" })
	inbound <- protocol.CaptureEvent{Type: protocol.TypeCaptureEvent, Event: protocol.CaptureEventResult, Final: "Bonjour, je vous présente notre CRM."}
	waitFor(t, outbound, func(m protocol.TranscriptMessage) bool { return m.Sender == "ai" })

	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionEndSession}
	waitFor(t, outbound, func(m protocol.StateChange) bool { return m.State == string(StateSessionEnded) })
	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionReset, ScenarioID: "pressed"}
	waitFor(t, outbound, func(e protocol.SystemEvent) bool { return e.Code == "session_reset" })

	close(gated.release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := f.store.ListByUser(context.Background(), "u1", 10)
		if err != nil {
			t.Fatalf("ListByUser() error = %v", err)
		}
		if len(records) == 1 {
			if records[0].ScenarioID != "hesitant" {
				t.Fatalf("saved scenario = %q, want hesitant", records[0].ScenarioID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the earlier rehearsal to be saved")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, err := f.sessions.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != session.StatusActive || got.ScenarioID != "pressed" {
		t.Fatalf("session = %+v, want active pressed rehearsal", got)
	}
	if n := f.sessions.ActiveCount(); n != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", n)
	}
}
