package voice

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// An engine that ends sooner than this after (re)starting is flapping. Longer
// sessions ending in silence are ordinary and always restart.
const captureFlapWindow = 2 * time.Second

type CaptureState string

const (
	CaptureIdle      CaptureState = "idle"
	CaptureListening CaptureState = "listening"
	CaptureStopping  CaptureState = "stopping"
)

type CaptureErrorCategory string

const (
	CaptureNoSpeech          CaptureErrorCategory = "no_speech"
	CaptureDeviceUnavailable CaptureErrorCategory = "device_unavailable"
	CapturePermissionDenied  CaptureErrorCategory = "permission_denied"
	CaptureOther             CaptureErrorCategory = "other"
	CaptureStartFailed       CaptureErrorCategory = "start_failed"
	CaptureRestartFailed     CaptureErrorCategory = "restart_failed"
)

type CaptureError struct {
	Category CaptureErrorCategory
	// Code is the raw engine error code, if any.
	Code   string
	Detail string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Detail == "" {
		return "capture " + string(e.Category)
	}
	return fmt.Sprintf("capture %s: %s", e.Category, e.Detail)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the salesperson.
func (e *CaptureError) UserMessage() string {
	switch e.Category {
	case CaptureNoSpeech:
		return "Aucune parole détectée. Vérifiez votre micro et parlez clairement."
	case CaptureDeviceUnavailable:
		return "Problème de capture audio. Vérifiez votre micro."
	case CapturePermissionDenied:
		return "Permission d'accès au micro refusée."
	case CaptureStartFailed, CaptureRestartFailed:
		return "Impossible de démarrer la reconnaissance vocale."
	default:
		if e.Code != "" {
			return "Erreur de reconnaissance vocale : " + e.Code
		}
		return "Erreur de reconnaissance vocale."
	}
}

func mapEngineError(code, detail string) CaptureError {
	category := CaptureOther
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "no-speech":
		category = CaptureNoSpeech
	case "audio-capture":
		category = CaptureDeviceUnavailable
	case "not-allowed", "service-not-allowed":
		category = CapturePermissionDenied
	}
	return CaptureError{Category: category, Code: code, Detail: detail}
}

type CaptureEventType string

const (
	CaptureResult CaptureEventType = "result"
	CaptureFailed CaptureEventType = "error"
	CaptureEnded  CaptureEventType = "end"
)

// CaptureEvent is one notification from the engine.
type CaptureEvent struct {
	Type      CaptureEventType
	Final     string
	Interim   string
	ErrorCode string
	Detail    string
}

// CaptureCallbacks are invoked synchronously from HandleEvent, Start and
// Stop. Nil fields are skipped.
type CaptureCallbacks struct {
	OnFinal   func(text string)
	OnInterim func(text string)
	OnError   func(err *CaptureError)
	OnState   func(state CaptureState)
	// OnRestart reports each supervised restart attempt and whether it worked.
	OnRestart func(ok bool)
}

// CaptureManager supervises a CaptureEngine so that capture looks continuous:
// unexpected engine ends are restarted, manual stops are not. It is owned by
// one goroutine and is not safe for concurrent use.
type CaptureManager struct {
	engine        CaptureEngine
	restartBudget int

	state        CaptureState
	manualStop   bool
	pendingStart bool
	restarts     int
	startedAt    time.Time
	now          func() time.Time

	interim string
	running strings.Builder
	lastErr *CaptureError

	subs    map[int]CaptureCallbacks
	nextSub int
}

func NewCaptureManager(engine CaptureEngine, restartBudget int) *CaptureManager {
	if restartBudget <= 0 {
		restartBudget = 5
	}
	return &CaptureManager{
		engine:        engine,
		restartBudget: restartBudget,
		state:         CaptureIdle,
		now:           time.Now,
		subs:          make(map[int]CaptureCallbacks),
	}
}

// Subscribe registers callbacks and returns the matching unsubscribe func.
func (m *CaptureManager) Subscribe(cb CaptureCallbacks) func() {
	id := m.nextSub
	m.nextSub++
	m.subs[id] = cb
	return func() { delete(m.subs, id) }
}

func (m *CaptureManager) State() CaptureState { return m.state }

func (m *CaptureManager) Listening() bool { return m.state == CaptureListening }

func (m *CaptureManager) Interim() string { return m.interim }

// Transcript is every final segment since the last Start.
func (m *CaptureManager) Transcript() string { return m.running.String() }

func (m *CaptureManager) LastError() *CaptureError { return m.lastErr }

// Start begins listening. It is a no-op while listening; while a stop is in
// flight the start is deferred until the engine reports its end.
func (m *CaptureManager) Start(ctx context.Context) error {
	switch m.state {
	case CaptureListening:
		return nil
	case CaptureStopping:
		m.pendingStart = true
		return nil
	}

	m.interim = ""
	m.running.Reset()
	m.lastErr = nil
	m.manualStop = false
	m.restarts = 0

	if err := m.engine.Start(ctx); err != nil {
		ce := &CaptureError{Category: CaptureStartFailed, Detail: err.Error(), Err: err}
		m.fail(ce)
		return ce
	}
	m.startedAt = m.now()
	m.setState(CaptureListening)
	return nil
}

// Stop ends listening on request. It only has an effect while listening; a
// Stop issued while stopping cancels a deferred Start.
func (m *CaptureManager) Stop(ctx context.Context) error {
	switch m.state {
	case CaptureIdle:
		return nil
	case CaptureStopping:
		m.pendingStart = false
		return nil
	}

	m.manualStop = true
	m.setState(CaptureStopping)
	if err := m.engine.Stop(ctx); err != nil {
		// The engine will not report an end for a stop it never received.
		m.manualStop = false
		m.pendingStart = false
		m.setState(CaptureIdle)
		return err
	}
	return nil
}

func (m *CaptureManager) HandleEvent(ctx context.Context, ev CaptureEvent) {
	switch ev.Type {
	case CaptureResult:
		m.handleResult(ev)
	case CaptureFailed:
		m.handleError(ev)
	case CaptureEnded:
		m.handleEnd(ctx)
	}
}

func (m *CaptureManager) handleResult(ev CaptureEvent) {
	if m.state == CaptureIdle {
		return
	}
	m.restarts = 0
	m.interim = ev.Interim
	for _, cb := range m.subs {
		if cb.OnInterim != nil {
			cb.OnInterim(m.interim)
		}
	}

	text := strings.TrimSpace(ev.Final)
	if text == "" {
		return
	}
	if m.running.Len() > 0 {
		m.running.WriteByte(' ')
	}
	m.running.WriteString(text)
	for _, cb := range m.subs {
		if cb.OnFinal != nil {
			cb.OnFinal(text)
		}
	}
}

func (m *CaptureManager) handleError(ev CaptureEvent) {
	ce := mapEngineError(ev.ErrorCode, ev.Detail)
	m.manualStop = false
	m.pendingStart = false
	m.fail(&ce)
}

func (m *CaptureManager) handleEnd(ctx context.Context) {
	m.interim = ""
	switch {
	case m.manualStop:
		m.manualStop = false
		m.setState(CaptureIdle)
		if m.pendingStart {
			m.pendingStart = false
			_ = m.Start(ctx)
		}
	case m.state == CaptureListening:
		m.restart(ctx)
	default:
		m.setState(CaptureIdle)
	}
}

func (m *CaptureManager) restart(ctx context.Context) {
	if m.now().Sub(m.startedAt) >= captureFlapWindow {
		m.restarts = 0
	}
	m.restarts++
	if m.restarts > m.restartBudget {
		m.fail(&CaptureError{
			Category: CaptureRestartFailed,
			Detail:   fmt.Sprintf("engine ended %d times in a row right after starting", m.restarts),
		})
		return
	}
	err := m.engine.Start(ctx)
	if err == nil {
		m.startedAt = m.now()
	}
	for _, cb := range m.subs {
		if cb.OnRestart != nil {
			cb.OnRestart(err == nil)
		}
	}
	if err != nil {
		m.fail(&CaptureError{Category: CaptureRestartFailed, Detail: err.Error(), Err: err})
	}
}

// fail records err, forces Idle and reports it.
func (m *CaptureManager) fail(err *CaptureError) {
	m.lastErr = err
	m.setState(CaptureIdle)
	for _, cb := range m.subs {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}
}

func (m *CaptureManager) setState(s CaptureState) {
	if m.state == s {
		return
	}
	m.state = s
	for _, cb := range m.subs {
		if cb.OnState != nil {
			cb.OnState(s)
		}
	}
}
