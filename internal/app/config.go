package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string // optional, enables the session audit trail
	LogLevel      string
	Environment   string
	SentryDSN     string

	// Speech recognition
	STTBackend        string // auto, browser or deepgram
	Language          string // BCP 47 tag used by both recognizers
	DeepgramAPIKey    string
	DeepgramModel     string
	STTEndpointingMs  int // Deepgram endpointing in ms (silence threshold)
	STTUtteranceEndMs int // Hard timeout after last speech, regardless of noise

	// Session tuning, zero keeps the device profile value
	SessionTimeoutMs    int
	StabilityWindowMs   int
	QuickTriggerDelayMs int

	// Speech output (server-side synthesis when the key is set)
	ElevenLabsAPIKey string
	TTSVoiceID       string  // ElevenLabs voice ID
	TTSModelID       string  // ElevenLabs model ID
	TTSStability     float64 // ElevenLabs voice stability (0.0-1.0)
	TTSSimilarity    float64 // ElevenLabs voice similarity boost (0.0-1.0)

	// Command vocabulary
	RulesPath string // empty uses the built-in rules
	TimeZone  string // zone for spoken time and date

	// JWT Authentication, disabled when the secret is empty
	JWTSecret string
	JWTExpiry time.Duration

	// Browser origins allowed to open sessions, empty allows all
	AllowedOrigins []string

	// APNs link push to the iOS companion app
	APNsKeyPath    string
	APNsKeyID      string
	APNsTeamID     string
	APNsBundleID   string
	APNsProduction bool

	ShutdownTimeout time.Duration
}

func LoadConfigFromEnv() Config {
	jwtExpiry, err := time.ParseDuration(getenv("JWT_EXPIRY", "720h"))
	if err != nil {
		jwtExpiry = 720 * time.Hour
	}
	shutdownTimeout, err := time.ParseDuration(getenv("SHUTDOWN_TIMEOUT", "15s"))
	if err != nil {
		shutdownTimeout = 15 * time.Second
	}

	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		Environment:   getenv("ENVIRONMENT", "development"),
		SentryDSN:     getenv("SENTRY_DSN", ""),

		// Speech recognition
		STTBackend:        strings.ToLower(getenv("STT_BACKEND", "auto")),
		Language:          getenv("LANGUAGE", "pt-BR"),
		DeepgramAPIKey:    getenv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:     getenv("DEEPGRAM_MODEL", "nova-3"),
		STTEndpointingMs:  getenvIntClamped("STT_ENDPOINTING_MS", 800, 10, 5000),
		STTUtteranceEndMs: getenvIntClamped("STT_UTTERANCE_END_MS", 1000, 1000, 5000),

		// Session tuning
		SessionTimeoutMs:    getenvIntClamped("SESSION_TIMEOUT_MS", 0, 0, 60000),
		StabilityWindowMs:   getenvIntClamped("STABILITY_WINDOW_MS", 0, 0, 5000),
		QuickTriggerDelayMs: getenvIntClamped("QUICK_TRIGGER_DELAY_MS", 0, 0, 5000),

		// Speech output
		ElevenLabsAPIKey: getenv("ELEVENLABS_API_KEY", ""),
		TTSVoiceID:       getenv("TTS_VOICE_ID", ""),
		TTSModelID:       getenv("TTS_MODEL_ID", ""),
		TTSStability:     getenvFloatClamped("TTS_STABILITY", 0.5, 0.0, 1.0),
		TTSSimilarity:    getenvFloatClamped("TTS_SIMILARITY", 0.75, 0.0, 1.0),

		// Command vocabulary
		RulesPath: getenv("RULES_PATH", ""),
		TimeZone:  getenv("TIME_ZONE", "America/Sao_Paulo"),

		// JWT Authentication
		JWTSecret: os.Getenv("JWT_SECRET"), // No fallback, an empty secret disables auth
		JWTExpiry: jwtExpiry,

		AllowedOrigins: parseList(os.Getenv("ALLOWED_ORIGINS")),

		// APNs
		APNsKeyPath:    getenv("APNS_KEY_PATH", ""),
		APNsKeyID:      getenv("APNS_KEY_ID", ""),
		APNsTeamID:     getenv("APNS_TEAM_ID", ""),
		APNsBundleID:   getenv("APNS_BUNDLE_ID", ""),
		APNsProduction: getenvBool("APNS_PRODUCTION", false),

		ShutdownTimeout: shutdownTimeout,
	}
}

// Location resolves TimeZone, falling back to UTC for unknown zones.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvBool(k string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return v
}
