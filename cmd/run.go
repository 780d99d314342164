package cmd

import (
	"fmt"

	"github.com/arcward/modclaim/modclaim"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, API and (optionally) webhook server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mc, err := modclaim.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = mc.Run(cmd.Context()); err != nil {
			return fmt.Errorf("error running bot: %w", err)
		}
		return nil
	},
}

//nolint:gochecknoinits // cobra setup
func init() {
	rootCmd.AddCommand(runCmd)
}
