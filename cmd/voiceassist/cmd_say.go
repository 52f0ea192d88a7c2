package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/lukasbauer/voiceassist/internal/app"
	"github.com/lukasbauer/voiceassist/internal/command"
)

var sayOpen bool

// sayCmd runs a typed command the way a confirmed voice command runs
var sayCmd = &cobra.Command{
	Use:   "say [text]",
	Short: "Run a command from the terminal",
	Long: `Resolves the text against the command rules and prints the URLs it would open,
the reply it would speak and the status line.

Example:
  voiceassist say --open "youtube receita de bolo"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSay,
}

func init() {
	sayCmd.Flags().BoolVar(&sayOpen, "open", false, "Open the URLs in the default browser")
}

func runSay(cmd *cobra.Command, args []string) error {
	text := strings.ToLower(strings.TrimSpace(strings.Join(args, " ")))
	if text == "" {
		return errors.New("nothing to say")
	}

	rules, err := app.NewRuleRegistry(cfg, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	runner := command.NewRunner(rules, urlOpener{out: out, launch: sayOpen}, printSpeaker{out: out}, nil, logger)
	display, err := runner.Dispatch(cmd.Context(), text)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, display)
	return nil
}

// urlOpener prints each URL and optionally opens it locally.
type urlOpener struct {
	out    io.Writer
	launch bool
}

func (o urlOpener) Open(_ context.Context, url string) error {
	fmt.Fprintf(o.out, "open: %s\n", url)
	if o.launch {
		return browser.OpenURL(url)
	}
	return nil
}

// printSpeaker writes replies instead of speaking them.
type printSpeaker struct {
	out io.Writer
}

func (s printSpeaker) Speak(_ context.Context, text string) error {
	_, err := fmt.Fprintf(s.out, "say: %s\n", text)
	return err
}
