package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// DeepgramConfig holds configuration for the Deepgram backend.
type DeepgramConfig struct {
	APIKey         string
	URL            string // defaults to the public streaming endpoint
	Language       string // e.g., "pt-BR"
	Model          string // e.g., "nova-3"
	SampleRate     int    // e.g., 16000 for browser PCM
	Encoding       string // e.g., "linear16"
	Channels       int    // e.g., 1 for mono
	Punctuate      bool
	InterimResults bool
	Endpointing    int // milliseconds of silence for endpointing, 0 for default
	UtteranceEndMs int // hard timeout after last speech, regardless of noise (0 for default)
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

// deepgramSession is one live streaming connection.
type deepgramSession struct {
	conn      *websocket.Conn
	sink      Sink
	writeMu   sync.Mutex
	aborted   bool
	closeOnce sync.Once
	done      chan struct{}
}

// DeepgramBackend implements Backend over Deepgram's streaming API. Audio is
// pushed with StreamAudio while a session is running.
type DeepgramBackend struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current *deepgramSession
	wg      sync.WaitGroup // readLoops in flight
}

// NewDeepgramBackend creates a new Deepgram streaming backend.
func NewDeepgramBackend(cfg DeepgramConfig, logger *zap.SugaredLogger) *DeepgramBackend {
	if cfg.URL == "" {
		cfg.URL = deepgramWSURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-3"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &DeepgramBackend{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

func (b *DeepgramBackend) listenURL() (string, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram url: %w", err)
	}
	q := u.Query()
	q.Set("model", b.cfg.Model)
	if b.cfg.Language != "" {
		q.Set("language", b.cfg.Language)
	}
	q.Set("encoding", b.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(b.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(b.cfg.Channels))
	q.Set("punctuate", strconv.FormatBool(b.cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(b.cfg.InterimResults))
	if b.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(b.cfg.Endpointing))
	}
	if b.cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(b.cfg.UtteranceEndMs))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start dials Deepgram and begins delivering results to sink. A session that
// is still open is aborted first.
func (b *DeepgramBackend) Start(ctx context.Context, sink Sink) error {
	_ = b.Abort()

	target, err := b.listenURL()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+b.cfg.APIKey)

	conn, resp, err := b.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("failed to connect to Deepgram: %w", ErrPermissionDenied)
		}
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	s := &deepgramSession{
		conn: conn,
		sink: sink,
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.current = s
	b.mu.Unlock()

	b.wg.Add(1)
	go b.readLoop(s)

	return nil
}

// StreamAudio sends audio data to the running session.
func (b *DeepgramBackend) StreamAudio(audio []byte) error {
	b.mu.Lock()
	s := b.current
	b.mu.Unlock()
	if s == nil {
		return ErrNotRunning
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return ErrNotRunning
	default:
	}

	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// Stop asks Deepgram to flush the final results and close the stream.
func (b *DeepgramBackend) Stop() error {
	b.mu.Lock()
	s := b.current
	b.mu.Unlock()
	if s == nil {
		return ErrNotRunning
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
}

// Abort closes the current connection without delivering further events.
func (b *DeepgramBackend) Abort() error {
	b.mu.Lock()
	s := b.current
	b.current = nil
	b.mu.Unlock()
	if s == nil {
		return ErrNotRunning
	}

	s.writeMu.Lock()
	s.aborted = true
	s.writeMu.Unlock()

	return s.close()
}

// Close aborts any session and waits for its reader to exit.
func (b *DeepgramBackend) Close() error {
	err := b.Abort()
	b.wg.Wait()
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

func (s *deepgramSession) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *deepgramSession) isAborted() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.aborted
}

// readLoop reads responses from Deepgram and forwards them to the session sink.
func (b *DeepgramBackend) readLoop(s *deepgramSession) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		if b.current == s {
			b.current = nil
		}
		b.mu.Unlock()
		_ = s.close()
	}()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.isAborted() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.sink.HandleEnd()
				return
			}
			s.sink.HandleError(fmt.Errorf("deepgram read error: %w", err))
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			b.logger.Warnf("deepgram: failed to parse response: %v", err)
			continue
		}

		// Skip metadata and utterance-end messages
		if resp.Type != "Results" {
			continue
		}

		var transcript string
		var confidence float64
		if len(resp.Channel.Alternatives) > 0 {
			alt := resp.Channel.Alternatives[0]
			transcript = alt.Transcript
			confidence = alt.Confidence
		}

		if transcript == "" {
			continue
		}

		if s.isAborted() {
			return
		}

		s.sink.HandleTranscript(Transcript{
			Text:       transcript,
			Confidence: confidence,
			IsFinal:    resp.IsFinal,
		})
	}
}
