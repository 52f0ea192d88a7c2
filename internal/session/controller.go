package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukasbauer/voiceassist/internal/eventlog"
	"github.com/lukasbauer/voiceassist/internal/stt"
)

// Dispatcher executes a confirmed command and returns the line to display.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string) (string, error)
}

// Speaker is the speech output hushed when a new session starts.
type Speaker interface {
	Cancel()
}

// TriggerSource supplies the words that let an interim result commit early.
type TriggerSource interface {
	QuickTriggers() []string
}

// EventLogger records the session audit trail.
type EventLogger interface {
	LogAsync(sessionID string, eventType eventlog.EventType, data map[string]any)
}

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	SessionID string `json:"session_id,omitempty"`
	State     State  `json:"state"`
	Reason    Reason `json:"reason,omitempty"`
	Display   string `json:"display"`
	Pending   string `json:"pending,omitempty"`
}

// Options configures a Controller. Backend nil means recognition is unsupported.
type Options struct {
	Backend    stt.Backend
	Profile    Profile
	Dispatcher Dispatcher
	Speaker    Speaker
	Triggers   TriggerSource
	Events     EventLogger
	Clock      Clock
	Logger     *zap.SugaredLogger

	// OnChange is called with every new snapshot while the controller lock is
	// held. It must not call back into the controller.
	OnChange func(Snapshot)
}

// Controller owns one continuous-listening interaction: it reconciles the
// backend's transcript stream into a single committed text and hands it to the
// dispatcher once the user confirms.
type Controller struct {
	backend    stt.Backend
	profile    Profile
	dispatcher Dispatcher
	speaker    Speaker
	triggers   TriggerSource
	events     EventLogger
	clock      Clock
	logger     *zap.SugaredLogger
	onChange   func(Snapshot)

	mu         sync.Mutex
	state      State
	reason     Reason
	display    string
	sessionID  string
	gen        uint64 // bumped whenever a session ends, stale callbacks compare against it
	pending    string
	lastStable string
	startedAt  time.Time

	timeout    Timer
	process    Timer
	processSeq uint64
}

// New creates a controller in the Idle state.
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Profile.Name == "" {
		opts.Profile = DefaultProfile()
	}
	display := StatusPrompt
	if opts.Backend == nil {
		display = StatusUnsupported
	}
	return &Controller{
		backend:    opts.Backend,
		profile:    opts.Profile,
		dispatcher: opts.Dispatcher,
		speaker:    opts.Speaker,
		triggers:   opts.Triggers,
		events:     opts.Events,
		clock:      opts.Clock,
		logger:     opts.Logger,
		onChange:   opts.OnChange,
		display:    display,
	}
}

// Profile returns the device profile the controller was built with.
func (c *Controller) Profile() Profile {
	return c.profile
}

// Start opens a new listening session, cancelling the current one first.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend == nil {
		c.reason = ReasonUnsupported
		c.display = StatusUnsupported
		c.notifyLocked()
		return ErrUnsupported
	}

	if c.state != Idle {
		c.cancelLocked("restart")
	}

	if c.speaker != nil {
		c.speaker.Cancel()
	}

	c.gen++
	gen := c.gen
	c.sessionID = uuid.NewString()
	c.pending = ""
	c.lastStable = ""
	c.state = Listening
	c.reason = ReasonNone
	c.display = StatusListening
	c.startedAt = c.clock.Now()
	c.timeout = c.clock.AfterFunc(c.profile.Timeout, func() { c.onTimeout(gen) })

	if err := c.backend.Start(ctx, &sessionSink{c: c, gen: gen}); err != nil {
		c.stopTimersLocked()
		c.endLocked()
		c.reason, c.display = classify(err)
		c.logger.Warnf("session: %s: backend start failed: %v", c.sessionID, err)
		c.logEvent(eventlog.EventSessionError, map[string]any{"reason": string(c.reason), "error": err.Error()})
		c.notifyLocked()
		return fmt.Errorf("start recognition: %w", err)
	}

	c.logger.Infof("session: %s: listening (profile=%s)", c.sessionID, c.profile.Name)
	c.logEvent(eventlog.EventSessionStarted, map[string]any{"profile": c.profile.Name})
	c.notifyLocked()
	return nil
}

// Cancel stops the backend and discards any pending text. No-op when Idle.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Idle {
		return
	}
	c.cancelLocked("user")
	c.display = StatusPrompt
	c.notifyLocked()
}

// Confirm dispatches the committed text. It only acts in AwaitingConfirmation
// and reports whether a dispatch happened.
func (c *Controller) Confirm(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.state != AwaitingConfirmation {
		c.mu.Unlock()
		return false, nil
	}

	text := c.pending
	sessionID := c.sessionID
	c.stopTimersLocked()
	c.abortBackendLocked()
	c.endLocked()
	c.display = text
	gen := c.gen
	c.logEvent(eventlog.EventConfirmationSent, map[string]any{"text": text})
	c.notifyLocked()
	c.mu.Unlock()

	return true, c.dispatch(ctx, gen, sessionID, text)
}

// Submit dispatches typed text directly, cancelling any active session.
func (c *Controller) Submit(ctx context.Context, text string) error {
	text = normalize(text)
	if text == "" {
		return nil
	}

	c.mu.Lock()
	if c.state != Idle {
		c.cancelLocked("submit")
	}
	if c.speaker != nil {
		c.speaker.Cancel()
	}
	c.gen++
	gen := c.gen
	c.sessionID = uuid.NewString()
	sessionID := c.sessionID
	c.reason = ReasonNone
	c.display = text
	c.notifyLocked()
	c.mu.Unlock()

	return c.dispatch(ctx, gen, sessionID, text)
}

// dispatch runs the dispatcher outside the lock and shows its result unless a
// newer session has started meanwhile.
func (c *Controller) dispatch(ctx context.Context, gen uint64, sessionID, text string) error {
	if c.dispatcher == nil {
		return nil
	}

	display, err := c.dispatcher.Dispatch(eventlog.WithSessionID(ctx, sessionID), text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.logger.Errorf("session: %s: dispatch %q failed: %v", sessionID, text, err)
		c.logEventFor(sessionID, eventlog.EventCommandFailed, map[string]any{"text": text, "error": err.Error()})
	} else {
		c.logEventFor(sessionID, eventlog.EventCommandDispatched, map[string]any{"text": text, "display": display})
	}

	if gen != c.gen || c.state != Idle {
		return err
	}
	switch {
	case err != nil:
		c.display = fmt.Sprintf("Erro: %v. Tente novamente.", err)
	case display != "":
		c.display = display
	default:
		c.display = StatusPrompt
	}
	c.notifyLocked()
	return err
}

// Display returns the current status line.
func (c *Controller) Display() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current read-only view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close cancels any session. The controller stays usable.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		c.cancelLocked("close")
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: c.sessionID,
		State:     c.state,
		Reason:    c.reason,
		Display:   c.display,
		Pending:   c.pending,
	}
}

func (c *Controller) notifyLocked() {
	if c.onChange != nil {
		c.onChange(c.snapshotLocked())
	}
}

// sessionSink tags backend callbacks with the session they belong to.
type sessionSink struct {
	c   *Controller
	gen uint64
}

func (s *sessionSink) HandleTranscript(t stt.Transcript) { s.c.handleTranscript(s.gen, t) }
func (s *sessionSink) HandleError(err error)             { s.c.handleError(s.gen, err) }
func (s *sessionSink) HandleEnd()                        { s.c.handleEnd(s.gen) }

func (c *Controller) handleTranscript(gen uint64, t stt.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state == Idle {
		return
	}

	text := normalize(t.Text)

	if c.state != Listening {
		// Late results after a commit only refresh the text to confirm.
		if text != "" {
			c.pending = text
			c.display = text
			c.notifyLocked()
		}
		return
	}

	c.pending = text
	c.stopProcessLocked()
	if text != "" {
		c.display = text
	}

	if t.IsFinal {
		c.logEvent(eventlog.EventTranscriptFinal, map[string]any{"text": text, "confidence": t.Confidence})
		if text != "" && text != c.lastStable {
			c.commitLocked(text)
			return
		}
		c.notifyLocked()
		return
	}

	if utf8.RuneCountInString(text) >= c.profile.InterimMinLen && text != c.lastStable {
		switch {
		case c.profile.StabilityWindow > 0:
			c.scheduleProcessLocked(gen, c.profile.StabilityWindow, func() {
				if c.pending == text && text != c.lastStable {
					c.commitLocked(text)
				}
			})
		case c.isQuickTrigger(text):
			c.scheduleProcessLocked(gen, c.profile.QuickTriggerDelay, func() {
				if text != c.lastStable {
					c.commitLocked(text)
				}
			})
		}
	}
	c.notifyLocked()
}

func (c *Controller) handleError(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Listening {
		return
	}
	if errors.Is(err, stt.ErrAborted) {
		// An abort acknowledgment is not a failure; the end event settles the session.
		return
	}

	c.stopTimersLocked()
	c.stopBackendLocked()
	c.endLocked()
	c.reason, c.display = classify(err)
	c.logger.Warnf("session: %s: recognition error: %v", c.sessionID, err)
	c.logEvent(eventlog.EventSessionError, map[string]any{"reason": string(c.reason), "error": err.Error()})
	c.notifyLocked()
}

func (c *Controller) handleEnd(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Listening {
		return
	}

	c.stopTimersLocked()
	if c.pending != "" {
		c.lastStable = c.pending
		c.state = AwaitingConfirmation
		c.display = c.pending
		c.logEvent(eventlog.EventTranscriptCommitted, map[string]any{"text": c.pending, "trigger": "end"})
		c.notifyLocked()
		return
	}

	c.endLocked()
	c.display = StatusPrompt
	c.logEvent(eventlog.EventSessionEnded, nil)
	c.notifyLocked()
}

func (c *Controller) onTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Listening {
		return
	}

	c.stopProcessLocked()
	c.timeout = nil
	c.stopBackendLocked()
	c.logEvent(eventlog.EventSessionTimeout, map[string]any{"pending": c.pending})

	if c.pending != "" {
		c.lastStable = c.pending
		c.state = AwaitingConfirmation
		c.display = c.pending
		c.logger.Infof("session: %s: timeout with pending text, awaiting confirmation", c.sessionID)
		c.notifyLocked()
		return
	}

	c.endLocked()
	c.reason = ReasonTimeout
	c.display = StatusTimeout
	c.logger.Infof("session: %s: timeout with no speech", c.sessionID)
	c.notifyLocked()
}

// commitLocked fixes text as the session result and stops listening.
func (c *Controller) commitLocked(text string) {
	c.lastStable = text
	c.pending = text
	c.state = AwaitingConfirmation
	c.display = text
	c.stopTimersLocked()
	c.stopBackendLocked()

	c.logger.Infof("session: %s: committed %q after %s", c.sessionID, text, c.clock.Now().Sub(c.startedAt).Round(time.Millisecond))
	c.logEvent(eventlog.EventTranscriptCommitted, map[string]any{"text": text})
	c.notifyLocked()
}

// cancelLocked ends the active session without a result.
func (c *Controller) cancelLocked(cause string) {
	c.stopTimersLocked()
	c.abortBackendLocked()
	c.logEvent(eventlog.EventSessionCanceled, map[string]any{"cause": cause})
	c.endLocked()
}

// endLocked returns to Idle and invalidates callbacks of the ended session.
func (c *Controller) endLocked() {
	c.state = Idle
	c.reason = ReasonNone
	c.pending = ""
	c.lastStable = ""
	c.gen++
}

func (c *Controller) scheduleProcessLocked(gen uint64, d time.Duration, fire func()) {
	c.processSeq++
	seq := c.processSeq
	c.process = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || seq != c.processSeq || c.state != Listening {
			return
		}
		c.process = nil
		fire()
	})
}

func (c *Controller) stopProcessLocked() {
	c.processSeq++
	if c.process != nil {
		c.process.Stop()
		c.process = nil
	}
}

func (c *Controller) stopTimersLocked() {
	c.stopProcessLocked()
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
}

// stopBackendLocked shuts the backend down with the profile's stop method.
func (c *Controller) stopBackendLocked() {
	if c.profile.StopMethod == StopAbort {
		c.abortBackendLocked()
		return
	}
	if err := c.backend.Stop(); err != nil && !errors.Is(err, stt.ErrNotRunning) {
		c.logger.Warnf("session: %s: backend stop: %v", c.sessionID, err)
	}
}

func (c *Controller) abortBackendLocked() {
	if err := c.backend.Abort(); err != nil && !errors.Is(err, stt.ErrNotRunning) {
		c.logger.Warnf("session: %s: backend abort: %v", c.sessionID, err)
	}
}

func (c *Controller) isQuickTrigger(text string) bool {
	if c.triggers == nil {
		return false
	}
	for _, word := range c.triggers.QuickTriggers() {
		if word != "" && strings.Contains(text, word) {
			return true
		}
	}
	return false
}

func (c *Controller) logEvent(eventType eventlog.EventType, data map[string]any) {
	c.logEventFor(c.sessionID, eventType, data)
}

func (c *Controller) logEventFor(sessionID string, eventType eventlog.EventType, data map[string]any) {
	if c.events != nil {
		c.events.LogAsync(sessionID, eventType, data)
	}
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
