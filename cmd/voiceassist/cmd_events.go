package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/lukasbauer/voiceassist/internal/eventlog"
)

var eventsLimit int

// eventsCmd prints the audit trail of a session
var eventsCmd = &cobra.Command{
	Use:   "events [session-id]",
	Short: "Show the recorded events of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "Maximum number of events")
}

func runEvents(cmd *cobra.Command, args []string) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	events, err := eventlog.New(db).List(ctx, args[0], eventsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintf(out, "no events for session %s\n", args[0])
		return nil
	}
	for _, e := range events {
		data, _ := json.Marshal(e.Data)
		fmt.Fprintf(out, "%s  %-22s %s\n", e.CreatedAt.Local().Format("15:04:05.000"), e.Type, data)
	}
	return nil
}
