package voice

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/pitchcoach/internal/protocol"
)

type PlaybackOutcome string

const (
	PlaybackEnded      PlaybackOutcome = "ended"
	PlaybackFailed     PlaybackOutcome = "failed"
	PlaybackError      PlaybackOutcome = "error"
	PlaybackSendFailed PlaybackOutcome = "send_failed"
	PlaybackStalled    PlaybackOutcome = "stalled"
)

// PlaybackController plays AI audio one clip at a time. Every way a clip can
// stop (ended, failed, error, a failed send, a stall) converges on a single
// onFinished call. It is owned by the connection loop.
type PlaybackController struct {
	player       Player
	capture      *CaptureManager
	stallTimeout time.Duration
	onFinished   func(messageID string, outcome PlaybackOutcome)

	activeID  string
	messageID string
	stall     *time.Timer
}

func NewPlaybackController(player Player, capture *CaptureManager, stallTimeout time.Duration, onFinished func(messageID string, outcome PlaybackOutcome)) *PlaybackController {
	if stallTimeout <= 0 {
		stallTimeout = 2 * time.Minute
	}
	return &PlaybackController{
		player:       player,
		capture:      capture,
		stallTimeout: stallTimeout,
		onFinished:   onFinished,
	}
}

func (p *PlaybackController) Active() bool { return p.activeID != "" }

func (p *PlaybackController) ActiveID() string { return p.activeID }

// Play stops capture if it is listening, then hands the clip to the player.
// A send failure is reported through onFinished as well as returned.
func (p *PlaybackController) Play(ctx context.Context, messageID, audioBase64 string) (string, error) {
	if p.capture != nil && p.capture.Listening() {
		_ = p.capture.Stop(ctx)
	}
	if p.activeID != "" {
		p.abort(ctx)
	}

	id := uuid.NewString()
	p.activeID = id
	p.messageID = messageID
	p.stall = time.NewTimer(p.stallTimeout)

	if err := p.player.Play(ctx, id, messageID, audioBase64); err != nil {
		p.finish(PlaybackSendFailed)
		return id, err
	}
	return id, nil
}

// HandleEvent applies a player report. Reports for other clips are ignored.
func (p *PlaybackController) HandleEvent(playbackID string, event string) {
	if playbackID == "" || playbackID != p.activeID {
		return
	}
	switch event {
	case protocol.PlaybackEventEnded:
		p.finish(PlaybackEnded)
	case protocol.PlaybackEventFailed:
		p.finish(PlaybackFailed)
	case protocol.PlaybackEventError:
		p.finish(PlaybackError)
	}
}

// Stalled fires when the active clip outlives the stall timeout.
func (p *PlaybackController) Stalled() <-chan time.Time {
	if p.stall == nil {
		return nil
	}
	return p.stall.C
}

func (p *PlaybackController) HandleStall() {
	if p.activeID == "" {
		return
	}
	p.finish(PlaybackStalled)
}

// Stop silences the active clip without reporting it as finished. It is used
// on teardown, when nothing should resume.
func (p *PlaybackController) Stop(ctx context.Context) {
	if p.activeID == "" {
		return
	}
	p.abort(ctx)
}

func (p *PlaybackController) abort(ctx context.Context) {
	id := p.activeID
	p.clear()
	_ = p.player.Stop(ctx, id)
}

func (p *PlaybackController) finish(outcome PlaybackOutcome) {
	messageID := p.messageID
	p.clear()
	if p.onFinished != nil {
		p.onFinished(messageID, outcome)
	}
}

func (p *PlaybackController) clear() {
	if p.stall != nil {
		p.stall.Stop()
		p.stall = nil
	}
	p.activeID = ""
	p.messageID = ""
}
