package tts

import "context"

// Client defines the interface for text-to-speech providers.
type Client interface {
	// Synthesize converts text to speech and returns audio data.
	// The returned audio is in the format specified by the provider config.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// SynthesizeStream converts text to speech and streams audio chunks.
	// Each chunk is sent to the returned channel.
	SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error)
}

// Speaker reads replies aloud on the user's device.
type Speaker interface {
	// Speak starts saying text, replacing anything still being said.
	Speak(ctx context.Context, text string) error

	// Cancel stops speech in progress. It is safe to call when silent.
	Cancel()
}

// Sender delivers a JSON-encodable control message to the client.
type Sender interface {
	Send(v any) error
}

// Control messages sent to the client.
const (
	MsgSpeak       = "speak"
	MsgSpeechStart = "speech.start"
	MsgSpeechEnd   = "speech.end"
	MsgSpeechStop  = "speech.cancel"
)

// SpeakMessage asks the client to use its own synthesizer.
type SpeakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Lang string `json:"lang,omitempty"`
}

// SpeechMessage frames a run of binary audio frames.
type SpeechMessage struct {
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
}
