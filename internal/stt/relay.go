package stt

import (
	"context"
	"fmt"
	"sync"
)

// Sender delivers a JSON-encodable control message to the client that runs
// the recognizer.
type Sender interface {
	Send(v any) error
}

// RelayCommand is the control message sent to a browser recognizer. ID names
// the recognizer run; the client echoes it on every recognition event so
// events of an aborted run can be told apart from the current one.
type RelayCommand struct {
	Type           string `json:"type"`
	ID             uint64 `json:"id"`
	Lang           string `json:"lang,omitempty"`
	InterimResults bool   `json:"interimResults,omitempty"`
	Continuous     bool   `json:"continuous"`
}

const (
	RelayStart = "recognition.start"
	RelayStop  = "recognition.stop"
	RelayAbort = "recognition.abort"
)

// RelayBackend implements Backend on top of a recognizer running in the client
// (the browser Web Speech API). Control commands go out through the Sender and
// the client's recognition events come back through Deliver*.
type RelayBackend struct {
	sender         Sender
	lang           string
	interimResults bool

	mu   sync.Mutex
	seq  uint64 // last run ID handed out
	id   uint64 // run the sink belongs to
	sink Sink
}

// NewRelayBackend creates a relay backend for one client connection.
func NewRelayBackend(sender Sender, lang string, interimResults bool) *RelayBackend {
	return &RelayBackend{
		sender:         sender,
		lang:           lang,
		interimResults: interimResults,
	}
}

// Start asks the client to begin a new recognizer run. Events tagged with the
// run's ID are forwarded to sink.
func (b *RelayBackend) Start(_ context.Context, sink Sink) error {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.id = id
	b.sink = sink
	b.mu.Unlock()

	err := b.sender.Send(RelayCommand{
		Type:           RelayStart,
		ID:             id,
		Lang:           b.lang,
		InterimResults: b.interimResults,
	})
	if err != nil {
		b.detach(id)
		return fmt.Errorf("relay start: %w", err)
	}
	return nil
}

// Stop asks the client recognizer to finish and report its last result.
func (b *RelayBackend) Stop() error {
	b.mu.Lock()
	running := b.sink != nil
	id := b.id
	b.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return b.sender.Send(RelayCommand{Type: RelayStop, ID: id})
}

// Abort detaches the sink and tells the client to drop the recognizer. The
// client's acknowledgments of the aborted run are discarded.
func (b *RelayBackend) Abort() error {
	b.mu.Lock()
	running := b.sink != nil
	id := b.id
	b.sink = nil
	b.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return b.sender.Send(RelayCommand{Type: RelayAbort, ID: id})
}

// sinkFor returns the sink of run id, or nil when that run is not current.
func (b *RelayBackend) sinkFor(id uint64) Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id != b.id {
		return nil
	}
	return b.sink
}

// detach drops the sink of run id and returns it.
func (b *RelayBackend) detach(id uint64) Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id != b.id {
		return nil
	}
	s := b.sink
	b.sink = nil
	return s
}

// DeliverResult forwards a client recognition result of run id.
func (b *RelayBackend) DeliverResult(id uint64, t Transcript) {
	if s := b.sinkFor(id); s != nil {
		s.HandleTranscript(t)
	}
}

// DeliverError forwards a client recognition error code of run id. The sink
// stays attached: browsers follow every error with an end event.
func (b *RelayBackend) DeliverError(id uint64, code string) {
	if s := b.sinkFor(id); s != nil {
		s.HandleError(ErrorFromCode(code))
	}
}

// DeliverEnd forwards the client's end-of-recognition notification of run id.
func (b *RelayBackend) DeliverEnd(id uint64) {
	if s := b.detach(id); s != nil {
		s.HandleEnd()
	}
}
