package httpapi

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lukasbauer/voiceassist/internal/command"
	"github.com/lukasbauer/voiceassist/internal/eventlog"
	"github.com/lukasbauer/voiceassist/internal/notifications"
)

type RouterConfig struct {
	Language string // recognition and speech language, e.g. "pt-BR"

	// Speech recognition: auto, browser or deepgram
	STTBackend        string
	DeepgramAPIKey    string
	DeepgramModel     string
	DeepgramURL       string // defaults to the public streaming endpoint
	STTEndpointingMs  int    // Deepgram endpointing in ms (silence threshold)
	STTUtteranceEndMs int    // Hard timeout after last speech, regardless of noise

	// Session tuning, zero keeps the device profile value
	SessionTimeout    time.Duration
	StabilityWindow   time.Duration
	QuickTriggerDelay time.Duration

	// Speech output, synthesized on the server when the key is set
	ElevenLabsAPIKey string
	ElevenLabsURL    string // defaults to the public API
	TTSVoiceID       string
	TTSModelID       string
	TTSStability     float64 // ElevenLabs voice stability (0.0-1.0)
	TTSSimilarity    float64 // ElevenLabs voice similarity boost (0.0-1.0)
	TTSHTTPClient    *http.Client

	// JWT Authentication, disabled when empty
	JWTSecret string

	// Browser origins allowed to connect, empty allows all
	AllowedOrigins []string
}

type Router struct {
	cfg      RouterConfig
	logger   *zap.SugaredLogger
	rules    *command.Registry
	eventLog *eventlog.Logger
	apns     *notifications.APNsClient
	sessions *SessionRegistry
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *zap.SugaredLogger, rules *command.Registry, eventLog *eventlog.Logger, apns *notifications.APNsClient, sessions *SessionRegistry) http.Handler {
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		rules:    rules,
		eventLog: eventLog,
		apns:     apns,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool { return r.originAllowed(req.Header.Get("Origin")) },
	}

	r.routes()
	return withSentryRecovery(r.withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Voice sessions (auth via ?token= since browsers cannot set websocket headers)
	r.mux.HandleFunc("GET /session", r.withAuth(r.handleSessionWS))

	// Command API
	r.mux.HandleFunc("POST /api/command", r.withAuth(r.handleResolveCommand))
	r.mux.HandleFunc("GET /api/rules", r.withAuth(r.handleListRules))
	r.mux.HandleFunc("GET /api/sessions/{id}/events", r.withAuth(r.handleSessionEvents))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func (r *Router) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		switch {
		case len(r.cfg.AllowedOrigins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case r.originAllowed(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// originAllowed reports whether a browser at origin may use the API. Requests
// without an Origin header come from non-browser clients and are allowed.
func (r *Router) originAllowed(origin string) bool {
	if len(r.cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(r.cfg.AllowedOrigins, origin)
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
