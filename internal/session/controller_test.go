package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/voiceassist/internal/eventlog"
	"github.com/lukasbauer/voiceassist/internal/stt"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

type fakeBackend struct {
	mu       sync.Mutex
	sinks    []stt.Sink
	starts   int
	stops    int
	aborts   int
	startErr error
}

func (b *fakeBackend) Start(_ context.Context, sink stt.Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	b.sinks = append(b.sinks, sink)
	return b.startErr
}

func (b *fakeBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

func (b *fakeBackend) Abort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborts++
	return nil
}

func (b *fakeBackend) sink() stt.Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinks[len(b.sinks)-1]
}

func (b *fakeBackend) counts() (starts, stops, aborts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.stops, b.aborts
}

type fakeDispatcher struct {
	texts   []string
	display string
	err     error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, text string) (string, error) {
	d.texts = append(d.texts, text)
	return d.display, d.err
}

type fakeSpeaker struct{ cancels int }

func (s *fakeSpeaker) Cancel() { s.cancels++ }

type staticTriggers []string

func (t staticTriggers) QuickTriggers() []string { return t }

type fakeEvents struct {
	mu     sync.Mutex
	events []eventlog.EventType
}

func (e *fakeEvents) LogAsync(_ string, eventType eventlog.EventType, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

func (e *fakeEvents) count(eventType eventlog.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	c          *Controller
	backend    *fakeBackend
	clock      *fakeClock
	dispatcher *fakeDispatcher
	speaker    *fakeSpeaker
	events     *fakeEvents
}

func newHarness(t *testing.T, profile Profile) *harness {
	t.Helper()
	h := &harness{
		backend:    &fakeBackend{},
		clock:      newFakeClock(),
		dispatcher: &fakeDispatcher{display: "Abrindo Google..."},
		speaker:    &fakeSpeaker{},
		events:     &fakeEvents{},
	}
	h.c = New(Options{
		Backend:    h.backend,
		Profile:    profile,
		Dispatcher: h.dispatcher,
		Speaker:    h.speaker,
		Triggers:   staticTriggers{"google", "gpt", "ia"},
		Events:     h.events,
		Clock:      h.clock,
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Start(context.Background()))
}

func final(text string) stt.Transcript   { return stt.Transcript{Text: text, IsFinal: true} }
func interim(text string) stt.Transcript { return stt.Transcript{Text: text} }

func TestStart_Unsupported(t *testing.T) {
	c := New(Options{})

	err := c.Start(context.Background())

	assert.ErrorIs(t, err, ErrUnsupported)
	snap := c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, ReasonUnsupported, snap.Reason)
	assert.Equal(t, StatusUnsupported, snap.Display)
}

func TestStart_Listening(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)

	snap := h.c.Snapshot()
	assert.Equal(t, Listening, snap.State)
	assert.Equal(t, StatusListening, snap.Display)
	assert.NotEmpty(t, snap.SessionID)
	assert.Equal(t, 1, h.speaker.cancels, "start hushes speech in progress")
	assert.Equal(t, 1, h.events.count(eventlog.EventSessionStarted))
}

func TestStart_RestartCancelsPriorExactlyOnce(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	first := h.backend.sink()
	firstID := h.c.Snapshot().SessionID

	h.start(t)

	starts, _, aborts := h.backend.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, aborts)
	assert.Equal(t, 1, h.events.count(eventlog.EventSessionCanceled))
	assert.NotEqual(t, firstID, h.c.Snapshot().SessionID)

	// Results of the cancelled session are dropped.
	first.HandleTranscript(final("abrir google"))
	assert.Equal(t, Listening, h.c.State())
	assert.Empty(t, h.c.Snapshot().Pending)
}

func TestStart_StaleTimeoutIgnored(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	h.clock.Advance(5 * time.Second)
	h.start(t)

	h.clock.Advance(6 * time.Second)
	assert.Equal(t, Listening, h.c.State())

	h.clock.Advance(4 * time.Second)
	assert.Equal(t, Idle, h.c.State())
	assert.Equal(t, ReasonTimeout, h.c.Snapshot().Reason)
}

func TestStart_BackendError(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.backend.startErr = stt.ErrPermissionDenied

	err := h.c.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, stt.ErrPermissionDenied)
	snap := h.c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, ReasonPermissionDenied, snap.Reason)
	assert.Equal(t, StatusPermission, snap.Display)

	// The timeout armed for the failed session never fires.
	h.clock.Advance(time.Minute)
	assert.Equal(t, ReasonPermissionDenied, h.c.Snapshot().Reason)
}

func TestFinal_CommitsAndStopsGracefully(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)

	h.backend.sink().HandleTranscript(final("  Abrir Google "))

	snap := h.c.Snapshot()
	assert.Equal(t, AwaitingConfirmation, snap.State)
	assert.Equal(t, "abrir google", snap.Pending)
	assert.Equal(t, "abrir google", snap.Display)
	_, stops, aborts := h.backend.counts()
	assert.Equal(t, 1, stops)
	assert.Zero(t, aborts)
}

func TestFinal_IOSAborts(t *testing.T) {
	h := newHarness(t, IOSProfile())
	h.start(t)

	h.backend.sink().HandleTranscript(final("google"))

	assert.Equal(t, AwaitingConfirmation, h.c.State())
	_, stops, aborts := h.backend.counts()
	assert.Zero(t, stops)
	assert.Equal(t, 1, aborts)
}

func TestFinal_EmptyDoesNotCommit(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)

	h.backend.sink().HandleTranscript(final("   "))

	assert.Equal(t, Listening, h.c.State())
	_, stops, _ := h.backend.counts()
	assert.Zero(t, stops)
}

func TestFinal_RepeatedDoesNotRecommit(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	sink := h.backend.sink()

	sink.HandleTranscript(final("abrir google"))
	sink.HandleTranscript(final("abrir google"))
	sink.HandleTranscript(final("Abrir Google"))

	assert.Equal(t, AwaitingConfirmation, h.c.State())
	assert.Equal(t, 1, h.events.count(eventlog.EventTranscriptCommitted))
	_, stops, _ := h.backend.counts()
	assert.Equal(t, 1, stops)
}

func TestLateFinalRefreshesConfirmationText(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	sink := h.backend.sink()

	sink.HandleTranscript(final("abrir"))
	sink.HandleTranscript(final("abrir google"))
	sink.HandleTranscript(final(""))

	assert.Equal(t, "abrir google", h.c.Snapshot().Pending)

	ok, err := h.c.Confirm(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"abrir google"}, h.dispatcher.texts)
}

func TestConfirm_NoOpOutsideAwaitingConfirmation(t *testing.T) {
	h := newHarness(t, DefaultProfile())

	ok, err := h.c.Confirm(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Idle, h.c.State())

	h.start(t)
	h.backend.sink().HandleTranscript(interim("abrir"))

	ok, err = h.c.Confirm(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Listening, h.c.State())
	assert.Equal(t, "abrir", h.c.Snapshot().Pending)
	assert.Empty(t, h.dispatcher.texts)
}

func TestConfirm_DispatchesAndReturnsToIdle(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	h.backend.sink().HandleTranscript(final("abrir google"))

	ok, err := h.c.Confirm(context.Background())

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"abrir google"}, h.dispatcher.texts)
	snap := h.c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Empty(t, snap.Pending)
	assert.Equal(t, "Abrindo Google...", snap.Display)
	assert.Equal(t, 1, h.events.count(eventlog.EventConfirmationSent))
	assert.Equal(t, 1, h.events.count(eventlog.EventCommandDispatched))

	// A second confirm has nothing to send.
	ok, err = h.c.Confirm(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, h.dispatcher.texts, 1)
}

func TestConfirm_DispatchError(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.dispatcher.err = errors.New("no handler")
	h.start(t)
	h.backend.sink().HandleTranscript(final("abrir google"))

	_, err := h.c.Confirm(context.Background())

	require.Error(t, err)
	assert.Equal(t, Idle, h.c.State())
	assert.Equal(t, "Erro: no handler. Tente novamente.", h.c.Display())
	assert.Equal(t, 1, h.events.count(eventlog.EventCommandFailed))
}

func TestTimeout_NoText(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)

	h.clock.Advance(10 * time.Second)

	snap := h.c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, ReasonTimeout, snap.Reason)
	assert.Equal(t, StatusTimeout, snap.Display)
	_, stops, _ := h.backend.counts()
	assert.Equal(t, 1, stops)
}

func TestTimeout_WithPendingText(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	h.backend.sink().HandleTranscript(interim("tocar musica"))

	h.clock.Advance(10 * time.Second)

	snap := h.c.Snapshot()
	assert.Equal(t, AwaitingConfirmation, snap.State)
	assert.Equal(t, "tocar musica", snap.Pending)
	assert.Equal(t, ReasonNone, snap.Reason)

	ok, err := h.c.Confirm(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"tocar musica"}, h.dispatcher.texts)
}

func TestTimeout_IOSShorter(t *testing.T) {
	h := newHarness(t, IOSProfile())
	h.start(t)

	h.clock.Advance(8 * time.Second)

	assert.Equal(t, Idle, h.c.State())
	assert.Equal(t, ReasonTimeout, h.c.Snapshot().Reason)
}

func TestQuickTrigger_CommitsAfterDelay(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)

	h.backend.sink().HandleTranscript(interim("abrir google"))

	h.clock.Advance(199 * time.Millisecond)
	assert.Equal(t, Listening, h.c.State())

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, AwaitingConfirmation, h.c.State())
	assert.Equal(t, "abrir google", h.c.Snapshot().Pending)
}

func TestQuickTrigger_NewEventClearsTimer(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	sink := h.backend.sink()

	sink.HandleTranscript(interim("google"))
	h.clock.Advance(100 * time.Millisecond)
	sink.HandleTranscript(interim("tocar"))
	h.clock.Advance(time.Second)

	assert.Equal(t, Listening, h.c.State())
	assert.Equal(t, "tocar", h.c.Snapshot().Pending)
}

func TestQuickTrigger_ShortInterimIgnored(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)

	// Below the default three-rune minimum.
	h.backend.sink().HandleTranscript(interim("ia"))
	h.clock.Advance(time.Second)

	assert.Equal(t, Listening, h.c.State())
}

func TestStability_CommitsUnchangedInterim(t *testing.T) {
	h := newHarness(t, IOSProfile())
	h.start(t)
	sink := h.backend.sink()

	sink.HandleTranscript(interim("ab"))
	h.clock.Advance(500 * time.Millisecond)
	sink.HandleTranscript(interim("abc"))
	h.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, Listening, h.c.State())

	h.clock.Advance(300 * time.Millisecond)
	assert.Equal(t, AwaitingConfirmation, h.c.State())
	assert.Equal(t, "abc", h.c.Snapshot().Pending)
	_, _, aborts := h.backend.counts()
	assert.Equal(t, 1, aborts)
}

func TestStability_SingleRuneIgnored(t *testing.T) {
	h := newHarness(t, IOSProfile())
	h.start(t)

	h.backend.sink().HandleTranscript(interim("a"))
	h.clock.Advance(time.Second)

	assert.Equal(t, Listening, h.c.State())
}

func TestBackendErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		reason  Reason
		display string
	}{
		{"no speech", stt.ErrNoSpeech, ReasonNoSpeech, StatusNoSpeech},
		{"permission", stt.ErrPermissionDenied, ReasonPermissionDenied, StatusPermission},
		{"audio capture", stt.ErrAudioCapture, ReasonPermissionDenied, StatusAudioError},
		{"backend code", stt.ErrorFromCode("network"), ReasonBackendError, "Erro: network. Tente novamente."},
		{"other", errors.New("boom"), ReasonBackendError, "Erro: boom. Tente novamente."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultProfile())
			h.start(t)

			h.backend.sink().HandleError(tt.err)

			snap := h.c.Snapshot()
			assert.Equal(t, Idle, snap.State)
			assert.Equal(t, tt.reason, snap.Reason)
			assert.Equal(t, tt.display, snap.Display)
			assert.Equal(t, 1, h.events.count(eventlog.EventSessionError))
		})
	}
}

func TestBackendError_AbortedIgnored(t *testing.T) {
	h := newHarness(t, IOSProfile())
	h.start(t)

	h.backend.sink().HandleError(stt.ErrAborted)

	assert.Equal(t, Listening, h.c.State())
	assert.Equal(t, ReasonNone, h.c.Snapshot().Reason)
}

// relayHarness runs a controller on a real relay backend whose commands are
// recorded instead of sent to a browser.
type relayHarness struct {
	c      *Controller
	relay  *stt.RelayBackend
	sender *recordingSender
}

type recordingSender struct {
	mu   sync.Mutex
	sent []stt.RelayCommand
}

func (s *recordingSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, v.(stt.RelayCommand))
	return nil
}

func (s *recordingSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, cmd := range s.sent {
		out = append(out, cmd.Type)
	}
	return out
}

func newRelayHarness(profile Profile) *relayHarness {
	sender := &recordingSender{}
	relay := stt.NewRelayBackend(sender, "pt-BR", profile.InterimResults)
	return &relayHarness{
		c:      New(Options{Backend: relay, Profile: profile, Clock: newFakeClock()}),
		relay:  relay,
		sender: sender,
	}
}

func TestRelay_RestartIgnoresAcksOfAbortedRun(t *testing.T) {
	h := newRelayHarness(DefaultProfile())

	require.NoError(t, h.c.Start(context.Background()))
	h.relay.DeliverResult(1, interim("abc"))
	require.NoError(t, h.c.Start(context.Background()))
	assert.Equal(t, []string{stt.RelayStart, stt.RelayAbort, stt.RelayStart}, h.sender.types())

	// Late acknowledgments of the first run.
	h.relay.DeliverError(1, "aborted")
	h.relay.DeliverEnd(1)
	assert.Equal(t, Listening, h.c.State())

	h.relay.DeliverResult(2, final("youtube gatos"))

	snap := h.c.Snapshot()
	assert.Equal(t, AwaitingConfirmation, snap.State)
	assert.Equal(t, "youtube gatos", snap.Pending)
}

func TestRelay_ClientAbortSettlesOnEnd(t *testing.T) {
	h := newRelayHarness(IOSProfile())

	require.NoError(t, h.c.Start(context.Background()))
	h.relay.DeliverError(1, "aborted")
	h.relay.DeliverEnd(1)

	snap := h.c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, ReasonNone, snap.Reason)
	assert.Equal(t, StatusPrompt, snap.Display)
}

func TestBackendError_AfterCommitIgnored(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	sink := h.backend.sink()
	sink.HandleTranscript(final("google"))

	sink.HandleError(stt.ErrNoSpeech)

	assert.Equal(t, AwaitingConfirmation, h.c.State())
	assert.Equal(t, "google", h.c.Snapshot().Pending)
}

func TestEnd_WithPendingAwaitsConfirmation(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	sink := h.backend.sink()
	sink.HandleTranscript(interim("tocar"))

	sink.HandleEnd()

	assert.Equal(t, AwaitingConfirmation, h.c.State())
	assert.Equal(t, "tocar", h.c.Snapshot().Pending)
}

func TestEnd_WithoutTextReturnsToPrompt(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)

	h.backend.sink().HandleEnd()

	snap := h.c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, ReasonNone, snap.Reason)
	assert.Equal(t, StatusPrompt, snap.Display)
}

func TestEnd_AfterCommitKeepsConfirmation(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	sink := h.backend.sink()
	sink.HandleTranscript(final("google"))

	sink.HandleEnd()

	assert.Equal(t, AwaitingConfirmation, h.c.State())
}

func TestCancel(t *testing.T) {
	h := newHarness(t, DefaultProfile())

	h.c.Cancel()
	_, _, aborts := h.backend.counts()
	assert.Zero(t, aborts, "cancel while idle is a no-op")

	h.start(t)
	h.backend.sink().HandleTranscript(final("google"))
	h.c.Cancel()

	snap := h.c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Empty(t, snap.Pending)
	assert.Equal(t, StatusPrompt, snap.Display)
	_, _, aborts = h.backend.counts()
	assert.Equal(t, 1, aborts)

	ok, err := h.c.Confirm(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.dispatcher.texts)
}

func TestSubmit_CancelsSessionAndDispatches(t *testing.T) {
	h := newHarness(t, DefaultProfile())
	h.start(t)
	sink := h.backend.sink()

	require.NoError(t, h.c.Submit(context.Background(), "  Que Horas São "))

	assert.Equal(t, []string{"que horas são"}, h.dispatcher.texts)
	assert.Equal(t, Idle, h.c.State())
	assert.Equal(t, "Abrindo Google...", h.c.Display())
	_, _, aborts := h.backend.counts()
	assert.Equal(t, 1, aborts)

	sink.HandleTranscript(final("google"))
	assert.Equal(t, Idle, h.c.State())
}

func TestSubmit_HushesSpeech(t *testing.T) {
	h := newHarness(t, DefaultProfile())

	require.NoError(t, h.c.Submit(context.Background(), "que horas são"))
	assert.Equal(t, 1, h.speaker.cancels)
}

func TestSubmit_EmptyIgnored(t *testing.T) {
	h := newHarness(t, DefaultProfile())

	require.NoError(t, h.c.Submit(context.Background(), "   "))
	assert.Empty(t, h.dispatcher.texts)
	assert.Zero(t, h.speaker.cancels)
}

func TestOnChange_ReportsTransitions(t *testing.T) {
	backend := &fakeBackend{}
	var states []State
	c := New(Options{
		Backend:  backend,
		Clock:    newFakeClock(),
		OnChange: func(s Snapshot) { states = append(states, s.State) },
	})

	require.NoError(t, c.Start(context.Background()))
	backend.sink().HandleTranscript(final("google"))
	c.Cancel()

	require.NotEmpty(t, states)
	assert.Equal(t, Listening, states[0])
	assert.Contains(t, states, AwaitingConfirmation)
	assert.Equal(t, Idle, states[len(states)-1])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "listening", Listening.String())
	assert.Equal(t, "awaiting_confirmation", AwaitingConfirmation.String())
}
