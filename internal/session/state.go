package session

import (
	"errors"
	"fmt"

	"github.com/lukasbauer/voiceassist/internal/stt"
)

// State is the lifecycle position of the controller.
type State int

const (
	Idle State = iota
	Listening
	AwaitingConfirmation
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason explains why the last session ended without a transcript.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonUnsupported      Reason = "unsupported"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonNoSpeech         Reason = "no_speech_detected"
	ReasonBackendError     Reason = "backend_error"
	ReasonTimeout          Reason = "timeout"
)

// ErrUnsupported is returned by Start when no recognition backend is available.
var ErrUnsupported = errors.New("session: speech recognition unsupported")

// User-visible status lines.
const (
	StatusPrompt      = "Clique aqui para falar"
	StatusListening   = "Ouvindo..."
	StatusNoSpeech    = "Nenhuma fala detectada. Tente novamente."
	StatusPermission  = "Permissão de microfone negada. Vá em Configurações > Safari > Microfone e permita o acesso."
	StatusAudioError  = "Erro ao capturar áudio. Verifique as permissões do microfone nas configurações."
	StatusTimeout     = "Tempo esgotado. Clique para falar novamente."
	StatusUnsupported = "Reconhecimento de voz não suportado neste dispositivo."
)

// classify maps a backend error to a terminal reason and its status line.
func classify(err error) (Reason, string) {
	var be *stt.BackendError
	switch {
	case errors.Is(err, stt.ErrNoSpeech):
		return ReasonNoSpeech, StatusNoSpeech
	case errors.Is(err, stt.ErrPermissionDenied):
		return ReasonPermissionDenied, StatusPermission
	case errors.Is(err, stt.ErrAudioCapture):
		return ReasonPermissionDenied, StatusAudioError
	case errors.As(err, &be):
		return ReasonBackendError, fmt.Sprintf("Erro: %s. Tente novamente.", be.Code)
	default:
		return ReasonBackendError, fmt.Sprintf("Erro: %v. Tente novamente.", err)
	}
}
