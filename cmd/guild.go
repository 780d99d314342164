package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/arcward/modclaim/modclaim"
	"github.com/spf13/cobra"
)

var guildCmd = &cobra.Command{
	Use:   "guild",
	Short: "Show or change a guild's claim limit and bypass roles",
}

var guildShowCmd = &cobra.Command{
	Use:   "show [guild_id]",
	Short: "Show the guild's claim config",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := guildArg(args)
		if err != nil {
			return err
		}
		return withBot(
			cmd, func(ctx context.Context, mc *modclaim.ModClaim) error {
				gc, getErr := mc.Store().GetConfig(ctx, guildID)
				if getErr != nil && !errors.Is(getErr, modclaim.ErrRecordNotFound) {
					return getErr
				}

				var records, claimed int
				listErr := mc.Store().ListRecords(
					ctx, guildID, func(r modclaim.ClaimRecord) error {
						records++
						if r.Claimed() {
							claimed++
						}
						return nil
					},
				)
				if listErr != nil {
					return listErr
				}

				out := cmd.OutOrStdout()
				headerColor.Fprintf(out, "Guild %s\n", guildID)
				switch {
				case gc.Limit == nil:
					warnColor.Fprintln(out, "  claim limit: not set (claims are disabled)")
				case *gc.Limit == 0:
					fmt.Fprintln(out, "  claim limit: unlimited")
				default:
					fmt.Fprintf(out, "  claim limit: %d\n", *gc.Limit)
				}
				if len(gc.BypassRoles) == 0 {
					fmt.Fprintln(out, "  bypass roles: none")
				} else {
					fmt.Fprintf(out, "  bypass roles: %s\n", strings.Join(gc.BypassRoles, ", "))
				}
				fmt.Fprintf(out, "  claim records: %d (%d claimed)\n", records, claimed)
				return nil
			},
		)
	},
}

var guildSetLimitCmd = &cobra.Command{
	Use:   "set-limit <guild_id> <limit>",
	Short: "Set the maximum threads a member may claim at once (0 for unlimited)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := strconv.Atoi(args[1])
		if err != nil || limit < 0 {
			return fmt.Errorf("invalid limit %q (must be a whole number, 0 or more)", args[1])
		}
		return withBot(
			cmd, func(ctx context.Context, mc *modclaim.ModClaim) error {
				if setErr := mc.Policy().SetLimit(ctx, args[0], limit); setErr != nil {
					return setErr
				}
				successColor.Fprintf(cmd.OutOrStdout(), "Claim limit set to %d\n", limit)
				return nil
			},
		)
	},
}

var guildAddBypassCmd = &cobra.Command{
	Use:   "add-bypass <guild_id> <role_id>...",
	Short: "Exempt roles from the claim limit",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBot(
			cmd, func(ctx context.Context, mc *modclaim.ModClaim) error {
				roles, err := mc.Policy().AddBypassRoles(ctx, args[0], args[1:]...)
				if err != nil {
					return err
				}
				successColor.Fprintf(cmd.OutOrStdout(), "Bypass roles: %s\n", strings.Join(roles, ", "))
				return nil
			},
		)
	},
}

var guildRemoveBypassCmd = &cobra.Command{
	Use:   "remove-bypass <guild_id> <role_id>",
	Short: "Remove a role from the claim limit bypass list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBot(
			cmd, func(ctx context.Context, mc *modclaim.ModClaim) error {
				roles, err := mc.Policy().RemoveBypassRole(ctx, args[0], args[1])
				if err != nil {
					if denial, ok := modclaim.AsDenial(err); ok {
						return errors.New(denial.Message)
					}
					return err
				}
				out := cmd.OutOrStdout()
				successColor.Fprintf(out, "Removed bypass role %s\n", args[1])
				if len(roles) > 0 {
					fmt.Fprintf(out, "Bypass roles: %s\n", strings.Join(roles, ", "))
				}
				return nil
			},
		)
	},
}

//nolint:gochecknoinits // cobra setup
func init() {
	guildCmd.AddCommand(guildShowCmd, guildSetLimitCmd, guildAddBypassCmd, guildRemoveBypassCmd)
	rootCmd.AddCommand(guildCmd)
}
