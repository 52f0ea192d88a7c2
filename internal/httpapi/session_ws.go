package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lukasbauer/voiceassist/internal/command"
	"github.com/lukasbauer/voiceassist/internal/eventlog"
	"github.com/lukasbauer/voiceassist/internal/notifications"
	"github.com/lukasbauer/voiceassist/internal/session"
	"github.com/lukasbauer/voiceassist/internal/stt"
	"github.com/lukasbauer/voiceassist/internal/tts"
)

const (
	helloTimeout = 10 * time.Second
	writeWait    = 10 * time.Second
	outboxSize   = 256 // frames queued for the writer before the client counts as stalled
)

var errSessionClosed = errors.New("session closed")

// Recognition backends a session can run on.
const (
	backendNone     = ""
	backendBrowser  = "browser"
	backendDeepgram = "deepgram"
)

// clientMessage is any text frame sent by the client.
type clientMessage struct {
	Type string `json:"type"`

	// hello
	UserAgent         string `json:"userAgent,omitempty"`
	Platform          string `json:"platform,omitempty"`
	MaxTouchPoints    int    `json:"maxTouchPoints,omitempty"`
	SpeechRecognition bool   `json:"speechRecognition,omitempty"` // browser has a local recognizer
	SpeechSynthesis   bool   `json:"speechSynthesis,omitempty"`   // browser has a local synthesizer
	Backend           string `json:"backend,omitempty"`           // preferred recognizer
	SampleRate        int    `json:"sampleRate,omitempty"`        // PCM rate of binary audio frames

	// submit, recognition.result
	Text       string  `json:"text,omitempty"`
	IsFinal    bool    `json:"isFinal,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// recognition.*: run ID from the recognition.start being answered
	ID uint64 `json:"id,omitempty"`

	// recognition.error
	Error string `json:"error,omitempty"`
}

// stateMessage reports the controller state to the client.
type stateMessage struct {
	Type string `json:"type"`
	session.Snapshot
	Profile string `json:"profile"`
	Backend string `json:"backend,omitempty"`
}

// openMessage asks the client to open a URL.
type openMessage struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// outboundFrame is one queued websocket frame.
type outboundFrame struct {
	msgType int
	data    []byte
}

// voiceSession manages one client connection and its session controller
type voiceSession struct {
	conn *websocket.Conn

	// Frames are written by writeLoop alone so that senders, including the
	// controller while it holds its lock, never wait on the network.
	outbox     chan outboundFrame
	stopWriter chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	user     *AuthUser
	logger   *zap.SugaredLogger
	apns     *notifications.APNsClient
	eventLog *eventlog.Logger

	profile  session.Profile
	backend  string
	ctl      *session.Controller
	relay    *stt.RelayBackend
	deepgram *stt.DeepgramBackend
	audio    *tts.AudioSpeaker

	wg     sync.WaitGroup // confirm and submit dispatches in flight
	ctx    context.Context
	cancel context.CancelFunc
}

func (r *Router) handleSessionWS(w http.ResponseWriter, req *http.Request) {
	if r.sessions.IsDraining() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnf("session_ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(req.Context())

	s := &voiceSession{
		conn:       conn,
		outbox:     make(chan outboundFrame, outboxSize),
		stopWriter: make(chan struct{}),
		writerDone: make(chan struct{}),
		user:     getAuthUser(req.Context()),
		logger:   r.logger,
		apns:     r.apns,
		eventLog: r.eventLog,
		ctx:      ctx,
		cancel:   cancel,
	}

	done, ok := r.sessions.Add(func() { s.closeConn(websocket.CloseGoingAway, "server shutting down") })
	if !ok {
		s.closeConn(websocket.CloseTryAgainLater, "server shutting down")
		cancel()
		return
	}
	defer done()
	go s.writeLoop()

	r.logger.Infof("session_ws: connection established, waiting for hello")

	hello, err := s.readHello()
	if err != nil {
		r.logger.Warnf("session_ws: %v", err)
		_ = s.Send(errorMessage{Type: "error", Error: err.Error()})
		s.cleanup()
		return
	}
	r.setupSession(s, hello)
	s.run()
}

// readHello waits for the client's capability report.
func (s *voiceSession) readHello() (clientMessage, error) {
	var hello clientMessage
	_ = s.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return hello, fmt.Errorf("read hello: %w", err)
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		return hello, fmt.Errorf("parse hello: %w", err)
	}
	if hello.Type != "hello" {
		return hello, fmt.Errorf("expected hello, got %q", hello.Type)
	}
	return hello, nil
}

// setupSession picks the device profile, recognizer and speech output for the
// client and builds its controller.
func (r *Router) setupSession(s *voiceSession, hello clientMessage) {
	s.profile = r.sessionProfile(hello)
	s.backend = r.selectBackend(hello.Backend, hello.SpeechRecognition)

	var backend stt.Backend
	switch s.backend {
	case backendBrowser:
		s.relay = stt.NewRelayBackend(s, r.cfg.Language, s.profile.InterimResults)
		backend = s.relay
	case backendDeepgram:
		dgCfg := stt.DeepgramConfig{
			APIKey:         r.cfg.DeepgramAPIKey,
			URL:            r.cfg.DeepgramURL,
			Language:       r.cfg.Language,
			Model:          r.cfg.DeepgramModel,
			SampleRate:     hello.SampleRate,
			Punctuate:      true,
			InterimResults: s.profile.InterimResults,
			Endpointing:    r.cfg.STTEndpointingMs,
		}
		// Deepgram only emits UtteranceEnd alongside interim results
		if s.profile.InterimResults {
			dgCfg.UtteranceEndMs = r.cfg.STTUtteranceEndMs
		}
		s.deepgram = stt.NewDeepgramBackend(dgCfg, r.logger)
		backend = s.deepgram
	}

	var speaker tts.Speaker
	switch {
	case r.cfg.ElevenLabsAPIKey != "":
		client := tts.NewElevenLabsClient(tts.ElevenLabsConfig{
			APIKey:       r.cfg.ElevenLabsAPIKey,
			BaseURL:      r.cfg.ElevenLabsURL,
			VoiceID:      r.cfg.TTSVoiceID,
			ModelID:      r.cfg.TTSModelID,
			LanguageCode: baseLanguage(r.cfg.Language),
			Stability:    r.cfg.TTSStability,
			Similarity:   r.cfg.TTSSimilarity,
			HTTPClient:   r.cfg.TTSHTTPClient,
		})
		s.audio = tts.NewAudioSpeaker(client, client.OutputFormat(), s, r.logger)
		speaker = s.audio
	case hello.SpeechSynthesis:
		speaker = tts.NewRelaySpeaker(s, r.cfg.Language)
	}

	s.ctl = session.New(session.Options{
		Backend:    backend,
		Profile:    s.profile,
		Dispatcher: command.NewRunner(r.rules, s, speaker, r.eventLog, r.logger),
		Speaker:    speaker,
		Triggers:   r.rules,
		Events:     r.eventLog,
		Logger:     r.logger,
		OnChange:   s.sendState,
	})

	r.logger.Infof("session_ws: ready (profile=%s, backend=%q, server_tts=%v)", s.profile.Name, s.backend, s.audio != nil)
	s.sendState(s.ctl.Snapshot())
}

// sessionProfile detects the device profile and applies configured overrides.
func (r *Router) sessionProfile(hello clientMessage) session.Profile {
	p := session.DetectProfile(hello.UserAgent, hello.Platform, hello.MaxTouchPoints)
	if r.cfg.SessionTimeout > 0 {
		p.Timeout = r.cfg.SessionTimeout
	}
	if r.cfg.StabilityWindow > 0 && p.StabilityWindow > 0 {
		p.StabilityWindow = r.cfg.StabilityWindow
	}
	if r.cfg.QuickTriggerDelay > 0 && p.QuickTriggerDelay > 0 {
		p.QuickTriggerDelay = r.cfg.QuickTriggerDelay
	}
	return p
}

// selectBackend chooses the recognizer for a client. The client's preference
// only applies when the server runs in auto mode.
func (r *Router) selectBackend(preference string, browserSTT bool) string {
	mode := r.cfg.STTBackend
	if mode == "" || mode == "auto" {
		mode = strings.ToLower(preference)
	}
	hasDeepgram := r.cfg.DeepgramAPIKey != ""

	switch mode {
	case backendBrowser:
		if browserSTT {
			return backendBrowser
		}
	case backendDeepgram:
		if hasDeepgram {
			return backendDeepgram
		}
	default:
		if browserSTT {
			return backendBrowser
		}
		if hasDeepgram {
			return backendDeepgram
		}
	}
	return backendNone
}

func (s *voiceSession) run() {
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infof("session_ws: connection closed")
			} else {
				s.logger.Infof("session_ws: read error: %v", err)
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			s.handleAudio(msg)
			continue
		}

		var cm clientMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			s.logger.Warnf("session_ws: failed to parse message: %v", err)
			continue
		}
		s.handleMessage(cm)
	}
}

func (s *voiceSession) handleMessage(cm clientMessage) {
	switch cm.Type {
	case "start":
		if err := s.ctl.Start(s.ctx); err != nil {
			s.logger.Debugf("session_ws: start: %v", err)
		}

	case "cancel":
		s.ctl.Cancel()

	case "confirm":
		s.goDispatch(func(ctx context.Context) error {
			_, err := s.ctl.Confirm(ctx)
			return err
		})

	case "submit":
		text := cm.Text
		s.goDispatch(func(ctx context.Context) error {
			return s.ctl.Submit(ctx, text)
		})

	case "recognition.result":
		if s.relay != nil {
			s.relay.DeliverResult(cm.ID, stt.Transcript{Text: cm.Text, Confidence: cm.Confidence, IsFinal: cm.IsFinal})
		}

	case "recognition.error":
		if s.relay != nil {
			s.relay.DeliverError(cm.ID, cm.Error)
		}

	case "recognition.end":
		if s.relay != nil {
			s.relay.DeliverEnd(cm.ID)
		}

	case "ping":
		_ = s.Send(map[string]string{"type": "pong"})

	default:
		s.logger.Debugf("session_ws: unknown message type %q", cm.Type)
	}
}

// goDispatch runs a dispatching call off the read loop so recognition events
// and audio keep flowing while the command executes.
func (s *voiceSession) goDispatch(fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil {
			s.logger.Warnf("session_ws: dispatch: %v", err)
		}
	}()
}

func (s *voiceSession) handleAudio(audio []byte) {
	if s.deepgram == nil {
		return
	}
	if err := s.deepgram.StreamAudio(audio); err != nil && !errors.Is(err, stt.ErrNotRunning) {
		s.logger.Debugf("session_ws: stream audio: %v", err)
	}
}

// sendState runs under the controller lock; it only queues the message.
func (s *voiceSession) sendState(snap session.Snapshot) {
	msg := stateMessage{Type: "state", Snapshot: snap, Profile: s.profile.Name, Backend: s.backend}
	if err := s.Send(msg); err != nil {
		s.logger.Debugf("session_ws: send state: %v", err)
	}
}

// Send queues a JSON message for the client.
func (s *voiceSession) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.enqueue(outboundFrame{msgType: websocket.TextMessage, data: data})
}

// SendAudio queues one binary audio frame for the client.
func (s *voiceSession) SendAudio(chunk []byte) error {
	return s.enqueue(outboundFrame{msgType: websocket.BinaryMessage, data: chunk})
}

// enqueue never blocks. A client whose outbox is full is not reading and gets
// disconnected.
func (s *voiceSession) enqueue(f outboundFrame) error {
	select {
	case <-s.stopWriter:
		return errSessionClosed
	default:
	}
	select {
	case s.outbox <- f:
		return nil
	default:
		s.logger.Warnf("session_ws: client stalled with %d frames queued, disconnecting", outboxSize)
		_ = s.conn.Close()
		return errSessionClosed
	}
}

// writeLoop writes queued frames until stopWriter closes, then flushes what
// is left.
func (s *voiceSession) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case f := <-s.outbox:
			if !s.write(f) {
				return
			}
		case <-s.stopWriter:
			for {
				select {
				case f := <-s.outbox:
					if !s.write(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *voiceSession) write(f outboundFrame) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(f.msgType, f.data); err != nil {
		s.logger.Debugf("session_ws: write: %v", err)
		// Unblocks the read loop, which then cleans the session up
		_ = s.conn.Close()
		return false
	}
	return true
}

// Open tells the client to open url and, when the user registered an iOS
// device, pushes the link there too.
func (s *voiceSession) Open(ctx context.Context, url string) error {
	if err := s.Send(openMessage{Type: "open", URL: url}); err != nil {
		return fmt.Errorf("send open: %w", err)
	}

	if s.user != nil && s.user.DeviceToken != "" {
		err := s.apns.SendOpenURL(ctx, s.user.DeviceToken, notifications.OpenURLNotification{
			SessionID: eventlog.SessionIDFromContext(ctx),
			URL:       url,
		})
		if err != nil {
			// The browser already has the link
			s.logger.Warnf("session_ws: push link: %v", err)
		}
	}
	return nil
}

// closeConn may run concurrently with writeLoop; gorilla allows WriteControl
// and Close alongside other writers.
func (s *voiceSession) closeConn(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = s.conn.Close()
}

func (s *voiceSession) cleanup() {
	s.cancel()

	if s.ctl != nil {
		s.ctl.Close()
	}
	s.wg.Wait()

	if s.audio != nil {
		s.audio.Close()
	}
	if s.deepgram != nil {
		_ = s.deepgram.Close()
	}

	s.closeOnce.Do(func() { close(s.stopWriter) })
	<-s.writerDone
	s.conn.Close()

	s.logger.Infof("session_ws: session cleaned up")
}

// baseLanguage returns the primary subtag of a BCP 47 tag ("pt-BR" -> "pt").
func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
