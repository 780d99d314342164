package cmd

import (
	"context"
	"fmt"

	"github.com/arcward/modclaim/modclaim"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
)

// withBot opens the database and claim store, runs fn, then closes
// them. Discord isn't connected, though REST lookups still work.
func withBot(cmd *cobra.Command, fn func(ctx context.Context, mc *modclaim.ModClaim) error) error {
	ctx := cmd.Context()
	mc, err := modclaim.New(cfg)
	if err != nil {
		return fmt.Errorf("error creating bot: %w", err)
	}
	if err = mc.Open(ctx); err != nil {
		return fmt.Errorf("error opening claim store: %w", err)
	}
	fnErr := fn(ctx, mc)
	if closeErr := mc.Close(ctx); closeErr != nil && fnErr == nil {
		return fmt.Errorf("error closing claim store: %w", closeErr)
	}
	return fnErr
}

// guildArg returns the guild ID from args, falling back to the
// configured guild
func guildArg(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if cfg.Discord != nil && cfg.Discord.GuildID != "" {
		return cfg.Discord.GuildID, nil
	}
	return "", fmt.Errorf("guild ID required (or set DC_DISCORD_GUILD_ID)")
}
