package tts

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// AudioSink receives synthesized audio for playback on the client.
type AudioSink interface {
	Sender
	SendAudio(chunk []byte) error
}

// AudioSpeaker synthesizes replies on the server and streams the audio to the
// client as binary frames between speech.start and speech.end messages.
type AudioSpeaker struct {
	client Client
	format string
	sink   AudioSink
	logger *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAudioSpeaker creates a speaker streaming format-encoded audio to sink.
func NewAudioSpeaker(client Client, format string, sink AudioSink, logger *zap.SugaredLogger) *AudioSpeaker {
	return &AudioSpeaker{
		client: client,
		format: format,
		sink:   sink,
		logger: logger,
	}
}

// Speak opens the synthesis stream and plays it in the background. It returns
// once the provider has accepted the request.
func (s *AudioSpeaker) Speak(ctx context.Context, text string) error {
	s.Cancel()

	// Playback outlives the dispatch that asked for it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	chunks, err := s.client.SynthesizeStream(streamCtx, text)
	if err != nil {
		cancel()
		return fmt.Errorf("synthesize: %w", err)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.sink.Send(SpeechMessage{Type: MsgSpeechStart, Format: s.format}); err != nil {
		cancel()
		return fmt.Errorf("send speech start: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		for chunk := range chunks {
			if streamCtx.Err() != nil {
				break
			}
			if err := s.sink.SendAudio(chunk); err != nil {
				s.logger.Warnf("tts: send audio: %v", err)
				return
			}
		}
		if streamCtx.Err() == nil {
			_ = s.sink.Send(SpeechMessage{Type: MsgSpeechEnd})
		}
	}()
	return nil
}

// Cancel stops the current stream and tells the client to drop queued audio.
func (s *AudioSpeaker) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if err := s.sink.Send(SpeechMessage{Type: MsgSpeechStop}); err != nil {
		s.logger.Debugf("tts: send speech cancel: %v", err)
	}
}

// Close cancels speech and waits for the streaming goroutine to exit.
func (s *AudioSpeaker) Close() {
	s.Cancel()
	s.wg.Wait()
}

// RelaySpeaker asks the client to speak with its local synthesizer.
type RelaySpeaker struct {
	sender Sender
	lang   string
}

// NewRelaySpeaker creates a speaker for clients that synthesize locally.
func NewRelaySpeaker(sender Sender, lang string) *RelaySpeaker {
	return &RelaySpeaker{sender: sender, lang: lang}
}

// Speak sends the text to the client.
func (s *RelaySpeaker) Speak(_ context.Context, text string) error {
	return s.sender.Send(SpeakMessage{Type: MsgSpeak, Text: text, Lang: s.lang})
}

// Cancel tells the client to stop speaking.
func (s *RelaySpeaker) Cancel() {
	_ = s.sender.Send(SpeechMessage{Type: MsgSpeechStop})
}
