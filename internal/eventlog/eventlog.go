package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted      EventType = "session_started"
	EventSessionCanceled     EventType = "session_canceled"
	EventTranscriptFinal     EventType = "transcript_final"
	EventTranscriptCommitted EventType = "transcript_committed"
	EventConfirmationSent    EventType = "confirmation_sent"
	EventCommandDispatched   EventType = "command_dispatched"
	EventCommandFailed       EventType = "command_failed"
	EventSessionTimeout      EventType = "session_timeout"
	EventSessionError        EventType = "session_error"
	EventSessionEnded        EventType = "session_ended"
	EventReplySpoken         EventType = "reply_spoken"
	EventURLOpened           EventType = "url_opened"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	event_data  JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS session_events_session_id_idx ON session_events (session_id, created_at);
`

type sessionIDKey struct{}

// WithSessionID returns a context carrying the session ID events are logged under.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the session ID set by WithSessionID, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// Event is one stored row of the session audit trail.
type Event struct {
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"event_type"`
	Data      map[string]any `json:"event_data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
	wg sync.WaitGroup // async writes in flight
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// EnsureSchema creates the session_events table when it does not exist.
func (l *Logger) EnsureSchema(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	if _, err := l.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create session_events: %w", err)
	}
	return nil
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l.db == nil || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l.db == nil || sessionID == "" {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}

// Wait blocks until every LogAsync write has finished.
func (l *Logger) Wait() {
	l.wg.Wait()
}

// List returns the events of one session in the order they were written.
func (l *Logger) List(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.Query(ctx, `
		SELECT session_id, event_type, event_data, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session_events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			typ      string
			dataJSON []byte
		)
		if err := rows.Scan(&e.SessionID, &typ, &dataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session_events: %w", err)
		}
		e.Type = EventType(typ)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
