package stt

import (
	"context"
	"errors"
	"fmt"
)

// Transcript represents a speech-to-text result from a recognition backend.
type Transcript struct {
	Text       string  // The transcribed text
	Confidence float64 // Confidence score (0-1), zero when the backend does not report one
	IsFinal    bool    // Whether this is a final or interim result
}

// Sink receives the events of one recognition session.
type Sink interface {
	// HandleTranscript is called for every interim or final result.
	HandleTranscript(t Transcript)

	// HandleError reports a backend failure. The session is over after an error.
	HandleError(err error)

	// HandleEnd reports that the backend stopped producing results.
	HandleEnd()
}

// Backend defines the interface for restartable transcription sources.
//
// Implementations must deliver sink events asynchronously: Start, Stop and Abort
// must never call into the sink before returning.
type Backend interface {
	// Start begins a new recognition session delivering events to sink.
	Start(ctx context.Context, sink Sink) error

	// Stop asks the backend to finish the current utterance. Pending final
	// results may still be delivered before HandleEnd.
	Stop() error

	// Abort drops the current session. No further events are delivered for it.
	Abort() error
}

var (
	// ErrPermissionDenied is reported when microphone or service access is refused.
	ErrPermissionDenied = errors.New("stt: permission denied")

	// ErrNoSpeech is reported when the backend heard nothing it could transcribe.
	ErrNoSpeech = errors.New("stt: no speech detected")

	// ErrAudioCapture is reported when no microphone could be opened.
	ErrAudioCapture = errors.New("stt: audio capture failed")

	// ErrAborted is the acknowledgment of an Abort, not a failure.
	ErrAborted = errors.New("stt: aborted")

	// ErrNotRunning is returned when Stop or Abort is called without a session.
	ErrNotRunning = errors.New("stt: backend not running")
)

// BackendError wraps a backend failure code that has no dedicated sentinel.
type BackendError struct {
	Code string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("stt: backend error: %s", e.Code)
}

// ErrorFromCode maps a Web Speech API error code to the package error taxonomy.
func ErrorFromCode(code string) error {
	switch code {
	case "no-speech":
		return ErrNoSpeech
	case "not-allowed", "service-not-allowed":
		return ErrPermissionDenied
	case "audio-capture":
		return ErrAudioCapture
	case "aborted":
		return ErrAborted
	default:
		return &BackendError{Code: code}
	}
}
