package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/voiceassist/internal/httpapi"
)

var (
	tokenSubject     string
	tokenDeviceToken string
	tokenExpiry      time.Duration
)

// tokenCmd issues client tokens signed with JWT_SECRET
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a client access token",
	Long: `Signs a token the browser passes as ?token= when opening a session.

A device token binds the user's iOS companion app, which then receives a push
for every link a command opens.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "User the token is issued to (required)")
	tokenCmd.Flags().StringVar(&tokenDeviceToken, "device-token", "", "APNs device token of the companion app")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 0, "Token lifetime (default: JWT_EXPIRY)")
}

func runToken(cmd *cobra.Command, _ []string) error {
	if tokenSubject == "" {
		return errors.New("--subject is required")
	}
	expiry := tokenExpiry
	if expiry <= 0 {
		expiry = cfg.JWTExpiry
	}

	token, expiresAt, err := httpapi.GenerateToken(cfg.JWTSecret, tokenSubject, tokenDeviceToken, expiry)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	logger.Infof("token for %s expires %s", tokenSubject, expiresAt.Format(time.RFC3339))
	return nil
}
