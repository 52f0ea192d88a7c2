package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lukasbauer/voiceassist/internal/app"
	"github.com/lukasbauer/voiceassist/internal/httpapi"
)

var watchRules bool

// serveCmd runs the HTTP server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve voice sessions over WebSocket",
	Long: `Starts the HTTP server with the /session WebSocket endpoint and the command API.

On SIGINT or SIGTERM new sessions are refused, live sessions get the shutdown
timeout to finish and are then closed.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "Listen address")
	serveCmd.Flags().StringVar(&cfg.STTBackend, "stt", cfg.STTBackend, "Recognizer: auto, browser or deepgram")
	serveCmd.Flags().DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Time live sessions get to finish on shutdown")
	serveCmd.Flags().BoolVar(&watchRules, "watch-rules", true, "Reload the rules file when it changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2, // 20% of requests for performance monitoring
			Environment:      cfg.Environment,
		})
		if err != nil {
			logger.Warnf("sentry init failed: %v", err)
		} else {
			logger.Infof("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
		}
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if watchRules && cfg.RulesPath != "" {
		g.Go(func() error {
			if err := a.Rules().Watch(gctx); err != nil {
				// Serving continues with the rules already loaded
				logger.Warnf("rules watcher stopped: %v", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down (%d active sessions)", a.Sessions().ActiveCount())
		return shutdown(srv, a.Sessions(), cfg.ShutdownTimeout)
	})

	return g.Wait()
}

// shutdown stops accepting sessions, waits up to timeout for the live ones and
// closes whatever is left. Hijacked websocket connections are not tracked by
// http.Server, so the registry does that part.
func shutdown(srv *http.Server, sessions *httpapi.SessionRegistry, timeout time.Duration) error {
	sessions.StartDraining()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(ctx)

	drained := make(chan struct{})
	go func() {
		sessions.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return err
	case <-ctx.Done():
	}

	logger.Warnf("shutdown: closing %d sessions still active", sessions.ActiveCount())
	sessions.CloseAll()

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		logger.Errorf("shutdown: sessions did not finish after close")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
