package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lukasbauer/voiceassist/internal/app"
)

var (
	// Global flags, defaults come from the environment
	cfg     = app.LoadConfigFromEnv()
	verbose bool

	// Filesystem for rule files read by the CLI
	fs afero.Fs = afero.NewOsFs()

	// Logger
	logger *zap.SugaredLogger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "voiceassist",
	Short: "Voice command assistant",
	Long: `voiceassist serves browser voice sessions: the user speaks a command, confirms
the transcript, and the assistant opens the matching page or speaks the answer.

Configuration is read from the environment (see internal/app/config.go); flags
override it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		l, err := app.NewLogger(level, cfg.Environment)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cfg.RulesPath, "rules", cfg.RulesPath, "Command rules YAML file (default: built-in rules)")
	rootCmd.PersistentFlags().StringVar(&cfg.TimeZone, "tz", cfg.TimeZone, "Time zone for spoken time and date")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sayCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
