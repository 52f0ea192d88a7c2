package command

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lukasbauer/voiceassist/internal/eventlog"
)

// Opener opens a URL for the user.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Speaker reads a reply aloud.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// EventLogger records what a dispatch did.
type EventLogger interface {
	LogAsync(sessionID string, eventType eventlog.EventType, data map[string]any)
}

// Runner executes confirmed commands: it opens the resolved URLs and speaks
// the reply. It satisfies session.Dispatcher.
type Runner struct {
	rules   *Registry
	opener  Opener
	speaker Speaker
	events  EventLogger
	logger  *zap.SugaredLogger
}

// NewRunner creates a runner. speaker and events may be nil.
func NewRunner(rules *Registry, opener Opener, speaker Speaker, events EventLogger, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		rules:   rules,
		opener:  opener,
		speaker: speaker,
		events:  events,
		logger:  logger,
	}
}

// Dispatch resolves text and performs the action. The returned string is the
// status line to show the user.
func (r *Runner) Dispatch(ctx context.Context, text string) (string, error) {
	action, err := r.rules.Resolve(text)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", text, err)
	}

	sessionID := eventlog.SessionIDFromContext(ctx)
	r.logger.Infof("command: %q -> rule=%s urls=%d", text, action.Rule, len(action.URLs))

	for _, u := range action.URLs {
		if err := r.opener.Open(ctx, u); err != nil {
			return "", fmt.Errorf("open %s: %w", u, err)
		}
		r.logEvent(sessionID, eventlog.EventURLOpened, map[string]any{"url": u, "rule": action.Rule})
	}

	if action.Say != "" && r.speaker != nil {
		if err := r.speaker.Speak(ctx, action.Say); err != nil {
			// The reply is still shown on screen.
			r.logger.Warnf("command: speak %q failed: %v", action.Say, err)
		} else {
			r.logEvent(sessionID, eventlog.EventReplySpoken, map[string]any{"text": action.Say})
		}
	}

	return action.Display, nil
}

func (r *Runner) logEvent(sessionID string, eventType eventlog.EventType, data map[string]any) {
	if r.events != nil {
		r.events.LogAsync(sessionID, eventType, data)
	}
}
