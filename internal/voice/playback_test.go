package voice

import (
	"context"
	"errors"
	"testing"
	"time"
)

type playCall struct {
	playbackID string
	messageID  string
	audio      string
}

type fakePlayer struct {
	plays   []playCall
	stops   []string
	playErr error
}

func (p *fakePlayer) Play(_ context.Context, playbackID, messageID, audioBase64 string) error {
	p.plays = append(p.plays, playCall{playbackID: playbackID, messageID: messageID, audio: audioBase64})
	return p.playErr
}

func (p *fakePlayer) Stop(_ context.Context, playbackID string) error {
	p.stops = append(p.stops, playbackID)
	return nil
}

type finishRecord struct {
	messageID string
	outcome   PlaybackOutcome
}

func newTestPlayback(t *testing.T, stall time.Duration) (*PlaybackController, *fakePlayer, *CaptureManager, *fakeEngine, *[]finishRecord) {
	t.Helper()
	engine := &fakeEngine{}
	capture := NewCaptureManager(engine, 0)
	player := &fakePlayer{}
	finished := &[]finishRecord{}
	p := NewPlaybackController(player, capture, stall, func(messageID string, outcome PlaybackOutcome) {
		*finished = append(*finished, finishRecord{messageID: messageID, outcome: outcome})
	})
	return p, player, capture, engine, finished
}

func TestPlaybackStopsListeningCaptureFirst(t *testing.T) {
	ctx := context.Background()
	p, player, capture, engine, _ := newTestPlayback(t, 0)
	_ = capture.Start(ctx)

	id, err := p.Play(ctx, "m1", "UklGRg==")
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if engine.stops != 1 || capture.Listening() {
		t.Fatalf("capture state = %q stops = %d, want stopped before playback", capture.State(), engine.stops)
	}
	if len(player.plays) != 1 || player.plays[0].playbackID != id || player.plays[0].messageID != "m1" {
		t.Fatalf("plays = %+v, want one play for m1", player.plays)
	}
	if !p.Active() || p.ActiveID() != id {
		t.Fatalf("Active() = %v ActiveID() = %q, want %q", p.Active(), p.ActiveID(), id)
	}
}

func TestPlaybackOutcomesConverge(t *testing.T) {
	cases := map[string]PlaybackOutcome{
		"ended":  PlaybackEnded,
		"failed": PlaybackFailed,
		"error":  PlaybackError,
	}
	for event, want := range cases {
		t.Run(event, func(t *testing.T) {
			ctx := context.Background()
			p, _, _, _, finished := newTestPlayback(t, 0)
			id, _ := p.Play(ctx, "m1", "UklGRg==")

			p.HandleEvent(id, event)
			p.HandleEvent(id, event)

			if len(*finished) != 1 || (*finished)[0].outcome != want || (*finished)[0].messageID != "m1" {
				t.Fatalf("finished = %+v, want exactly one %q", *finished, want)
			}
			if p.Active() {
				t.Fatalf("Active() = true after %s", event)
			}
		})
	}
}

func TestPlaybackIgnoresOtherClipsAndStartedEvents(t *testing.T) {
	ctx := context.Background()
	p, _, _, _, finished := newTestPlayback(t, 0)
	id, _ := p.Play(ctx, "m1", "UklGRg==")

	p.HandleEvent("other", "ended")
	p.HandleEvent(id, "started")
	p.HandleEvent("", "ended")

	if len(*finished) != 0 || !p.Active() {
		t.Fatalf("finished = %+v active = %v, want still playing", *finished, p.Active())
	}
}

func TestPlaybackSendFailureFinishes(t *testing.T) {
	ctx := context.Background()
	p, player, _, _, finished := newTestPlayback(t, 0)
	player.playErr = errors.New("queue full")

	if _, err := p.Play(ctx, "m1", "UklGRg=="); err == nil {
		t.Fatalf("Play() error = nil, want send failure")
	}
	if len(*finished) != 1 || (*finished)[0].outcome != PlaybackSendFailed {
		t.Fatalf("finished = %+v, want send_failed", *finished)
	}
	if p.Active() {
		t.Fatalf("Active() = true after send failure")
	}
}

func TestPlaybackNewClipAbortsPrevious(t *testing.T) {
	ctx := context.Background()
	p, player, _, _, finished := newTestPlayback(t, 0)
	first, _ := p.Play(ctx, "m1", "a")
	second, _ := p.Play(ctx, "m2", "b")

	if len(player.stops) != 1 || player.stops[0] != first {
		t.Fatalf("stops = %v, want first clip stopped", player.stops)
	}
	p.HandleEvent(first, "ended")
	if len(*finished) != 0 {
		t.Fatalf("finished = %+v, want stale clip ignored", *finished)
	}
	if p.ActiveID() != second {
		t.Fatalf("ActiveID() = %q, want %q", p.ActiveID(), second)
	}
}

func TestPlaybackStopIsSilent(t *testing.T) {
	ctx := context.Background()
	p, player, _, _, finished := newTestPlayback(t, 0)
	id, _ := p.Play(ctx, "m1", "a")

	p.Stop(ctx)
	p.Stop(ctx)

	if len(*finished) != 0 {
		t.Fatalf("finished = %+v, want no report on Stop", *finished)
	}
	if len(player.stops) != 1 || player.stops[0] != id {
		t.Fatalf("stops = %v, want one stop for %q", player.stops, id)
	}
	if p.Stalled() != nil {
		t.Fatalf("Stalled() is armed after Stop")
	}
}

func TestPlaybackStallTimeout(t *testing.T) {
	ctx := context.Background()
	p, _, _, _, finished := newTestPlayback(t, 20*time.Millisecond)
	_, _ = p.Play(ctx, "m1", "a")

	select {
	case <-p.Stalled():
		p.HandleStall()
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stall")
	}
	if len(*finished) != 1 || (*finished)[0].outcome != PlaybackStalled {
		t.Fatalf("finished = %+v, want stalled", *finished)
	}
}
