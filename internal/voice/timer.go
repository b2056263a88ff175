package voice

import "time"

// SessionTimer measures whole seconds of rehearsal. It is owned by the
// connection loop and is not safe for concurrent use.
type SessionTimer struct {
	now       func() time.Time
	interval  time.Duration
	startedAt time.Time
	ticker    *time.Ticker
}

func NewSessionTimer(now func() time.Time, interval time.Duration) *SessionTimer {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &SessionTimer{now: now, interval: interval}
}

// Start begins counting. Calling it while running keeps the original start.
func (t *SessionTimer) Start() {
	if t.ticker != nil {
		return
	}
	t.startedAt = t.now()
	t.ticker = time.NewTicker(t.interval)
}

// Stop releases the ticker and returns the final elapsed seconds. Stopping an
// idle timer returns 0.
func (t *SessionTimer) Stop() int {
	if t.ticker == nil {
		return 0
	}
	elapsed := t.Elapsed()
	t.ticker.Stop()
	t.ticker = nil
	t.startedAt = time.Time{}
	return elapsed
}

func (t *SessionTimer) Running() bool {
	return t.ticker != nil
}

func (t *SessionTimer) Elapsed() int {
	if t.ticker == nil {
		return 0
	}
	d := t.now().Sub(t.startedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Ticks is nil while the timer is stopped, so a select on it blocks.
func (t *SessionTimer) Ticks() <-chan time.Time {
	if t.ticker == nil {
		return nil
	}
	return t.ticker.C
}
