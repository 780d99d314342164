package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/arcward/modclaim/modclaim"
	"github.com/spf13/cobra"
)

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "List, release or clean up thread claims",
}

var claimsListCmd = &cobra.Command{
	Use:   "list [guild_id]",
	Short: "List the guild's claim records",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := guildArg(args)
		if err != nil {
			return err
		}
		return withBot(
			cmd, func(ctx context.Context, mc *modclaim.ModClaim) error {
				out := cmd.OutOrStdout()
				count := 0
				listErr := mc.Store().ListRecords(
					ctx, guildID, func(r modclaim.ClaimRecord) error {
						count++
						if !r.Claimed() {
							warnColor.Fprintf(out, "%s\tunclaimed\n", r.ThreadID)
							return nil
						}
						fmt.Fprintf(out, "%s\t%s\n", r.ThreadID, strings.Join(r.Claimers, ", "))
						return nil
					},
				)
				if listErr != nil {
					return listErr
				}
				if count == 0 {
					fmt.Fprintln(out, "No claim records")
				}
				return nil
			},
		)
	},
}

var claimsReleaseCmd = &cobra.Command{
	Use:   "release <guild_id> <thread_id>",
	Short: "Delete a thread's claim record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBot(
			cmd, func(ctx context.Context, mc *modclaim.ModClaim) error {
				deleted, err := mc.Store().DeleteRecord(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("no claim record for thread %s", args[1])
				}
				successColor.Fprintf(cmd.OutOrStdout(), "Released thread %s\n", args[1])
				return nil
			},
		)
	},
}

var claimsSweepCmd = &cobra.Command{
	Use:   "sweep [guild_id]",
	Short: "Remove claim records for threads that no longer exist",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := guildArg(args)
		if err != nil {
			return err
		}
		return withBot(
			cmd, func(ctx context.Context, mc *modclaim.ModClaim) error {
				removed, sweepErr := mc.Sweep(ctx, guildID)
				if sweepErr != nil {
					return sweepErr
				}
				successColor.Fprintf(cmd.OutOrStdout(), "Cleaned up %d closed tickets records\n", removed)
				return nil
			},
		)
	},
}

//nolint:gochecknoinits // cobra setup
func init() {
	claimsCmd.AddCommand(claimsListCmd, claimsReleaseCmd, claimsSweepCmd)
	rootCmd.AddCommand(claimsCmd)
}
