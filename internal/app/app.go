package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/voiceassist/internal/command"
	"github.com/lukasbauer/voiceassist/internal/eventlog"
	"github.com/lukasbauer/voiceassist/internal/httpapi"
	"github.com/lukasbauer/voiceassist/internal/notifications"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

type App struct {
	cfg        Config
	logger     *zap.SugaredLogger
	db         *pgxpool.Pool
	eventLog   *eventlog.Logger
	rules      *command.Registry
	apns       *notifications.APNsClient
	sessions   *httpapi.SessionRegistry
	httpClient *http.Client // Shared HTTP client with connection pooling for TTS
}

func New(cfg Config, logger *zap.SugaredLogger) (*App, error) {
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		db = pool
	} else {
		logger.Infof("app: DATABASE_URL not set, session events are not persisted")
	}

	el := eventlog.New(db)
	if db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := el.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	rules, err := NewRuleRegistry(cfg, logger)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	apns, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		BundleID:   cfg.APNsBundleID,
		Production: cfg.APNsProduction,
	}, logger)
	if err != nil {
		// Link push is optional; sessions still open links in the browser
		logger.Warnf("app: APNs disabled: %v", err)
		apns = nil
	}

	// Shared HTTP client with connection pooling for TTS.
	// Keeps TCP connections alive to reduce latency for repeated TTS calls to ElevenLabs.
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10, // ElevenLabs is single host
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		eventLog:   el,
		rules:      rules,
		apns:       apns,
		sessions:   httpapi.NewSessionRegistry(),
		httpClient: httpClient,
	}, nil
}

// NewRuleRegistry loads the command rules named by cfg.
func NewRuleRegistry(cfg Config, logger *zap.SugaredLogger) (*command.Registry, error) {
	return command.NewRegistry(command.RegistryConfig{
		Fs:       afero.NewOsFs(),
		Path:     cfg.RulesPath,
		Location: cfg.Location(),
	}, logger)
}

func (a *App) Rules() *command.Registry { return a.rules }

func (a *App) EventLog() *eventlog.Logger { return a.eventLog }

func (a *App) Sessions() *httpapi.SessionRegistry { return a.sessions }

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		Language:          a.cfg.Language,
		STTBackend:        a.cfg.STTBackend,
		DeepgramAPIKey:    a.cfg.DeepgramAPIKey,
		DeepgramModel:     a.cfg.DeepgramModel,
		STTEndpointingMs:  a.cfg.STTEndpointingMs,
		STTUtteranceEndMs: a.cfg.STTUtteranceEndMs,
		SessionTimeout:    time.Duration(a.cfg.SessionTimeoutMs) * time.Millisecond,
		StabilityWindow:   time.Duration(a.cfg.StabilityWindowMs) * time.Millisecond,
		QuickTriggerDelay: time.Duration(a.cfg.QuickTriggerDelayMs) * time.Millisecond,
		ElevenLabsAPIKey:  a.cfg.ElevenLabsAPIKey,
		TTSVoiceID:        a.cfg.TTSVoiceID,
		TTSModelID:        a.cfg.TTSModelID,
		TTSStability:      a.cfg.TTSStability,
		TTSSimilarity:     a.cfg.TTSSimilarity,
		TTSHTTPClient:     a.httpClient,
		JWTSecret:         a.cfg.JWTSecret,
		AllowedOrigins:    a.cfg.AllowedOrigins,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.rules, a.eventLog, a.apns, a.sessions)
}

func (a *App) Close() error {
	a.eventLog.Wait()
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
