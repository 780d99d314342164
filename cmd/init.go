package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/arcward/modclaim/modclaim"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const minPasswordLength = 8

// passwordReader reads a password without echoing it. Replaced in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

// usernameInput is where the admin username is read from
var usernameInput io.Reader = os.Stdin

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New("DC_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"DC_DATABASE not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		mc, err := modclaim.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = mc.Open(ctx); err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			_ = mc.Close(ctx)
		}()

		out := cmd.OutOrStdout()
		settings := mc.Settings()
		if settings.AdminUsername != "" && settings.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(out, "Initialization complete. You can now start the bot with the 'run' subcommand.")
			return nil
		}

		fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

		reader := bufio.NewReader(usernameInput)
		fmt.Fprint(out, "Enter admin username: ")
		username, _ := reader.ReadString('\n')
		username = strings.TrimSpace(username)
		if username == "" {
			return errors.New("username required")
		}

		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var password string
		for {
			fmt.Fprint(out, "Enter admin password: ")
			passwordBytes, readErr := readPassword()
			fmt.Fprintln(out)
			if readErr != nil {
				return fmt.Errorf("error reading password: %w", readErr)
			}
			password = string(passwordBytes)

			fmt.Fprint(out, "Confirm admin password: ")
			confirmBytes, readErr := readPassword()
			fmt.Fprintln(out)
			if readErr != nil {
				return fmt.Errorf("error reading password: %w", readErr)
			}

			switch {
			case len(password) < minPasswordLength:
				fmt.Fprintf(out, "Password must be at least %d characters.\n", minPasswordLength)
			case password != string(confirmBytes):
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
			default:
				if err = mc.SetAdminCredentials(ctx, username, password); err != nil {
					return fmt.Errorf("error setting admin credentials: %w", err)
				}
				fmt.Fprintln(out, "Admin credentials set successfully.")
				fmt.Fprintln(out, "Initialization complete. You can now start the bot with the 'run' subcommand.")
				return nil
			}
		}
	},
}

//nolint:gochecknoinits // cobra setup
func init() {
	rootCmd.AddCommand(initCmd)
}
