package main

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lukasbauer/voiceassist/internal/app"
	"github.com/lukasbauer/voiceassist/internal/command"
)

var rulesCheck string

// rulesCmd lists or validates the command vocabulary
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the active command rules",
	Long: `Prints the quick-trigger words and the rules in match order.

With --check the given file is parsed and validated instead, which is useful
before pointing a running server at it.`,
	Args: cobra.NoArgs,
	RunE: runRules,
}

func init() {
	rulesCmd.Flags().StringVar(&rulesCheck, "check", "", "Validate a rules file and exit")
}

func runRules(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	if rulesCheck != "" {
		data, err := afero.ReadFile(fs, rulesCheck)
		if err != nil {
			return fmt.Errorf("read rules: %w", err)
		}
		rs, err := command.Parse(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: ok (%d rules)\n", rulesCheck, len(rs.Rules))
		return nil
	}

	rules, err := app.NewRuleRegistry(cfg, logger)
	if err != nil {
		return err
	}
	rs := rules.Current()

	fmt.Fprintf(out, "quick triggers: %s\n", strings.Join(rs.QuickTriggers, ", "))
	for i, r := range rs.Rules {
		marker := ""
		if r.Fallback {
			marker = " (fallback)"
		}
		fmt.Fprintf(out, "%2d. %s%s\n", i+1, r.Name, marker)
	}
	return nil
}
