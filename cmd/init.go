package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
	"io"
	"os"
	"strings"
	"syscall"
)

// passwordReader reads a password without echoing it. Tests replace it.
type passwordReader func() ([]byte, error)

var (
	customPasswordReader passwordReader
	resetCredentials     bool
)

const minPasswordLength = 8

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		envPrefix := os.Getenv(roomkeeper.EnvvarSetEnvPrefix)
		if envPrefix == "" {
			envPrefix = roomkeeper.DefaultEnvPrefix
		}

		if cfg.DatabaseType == "" {
			return fmt.Errorf(
				"environment variable %s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
				envPrefix,
			)
		}
		if cfg.Database == "" {
			return fmt.Errorf(
				"environment variable %s_DATABASE not set (must be a valid "+
					"database connection string or sqlite file path)",
				envPrefix,
			)
		}

		db, err := roomkeeper.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		var runtimeConfig roomkeeper.RuntimeConfig
		if err = db.WithContext(ctx).Last(&runtimeConfig).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("error retrieving runtime config: %w", err)
			}
			runtimeConfig = roomkeeper.DefaultRuntimeConfig(cfg)
			if err = db.WithContext(ctx).Create(&runtimeConfig).Error; err != nil {
				return fmt.Errorf("error creating runtime config: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		credentialsSet := runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != ""
		switch {
		case credentialsSet && !resetCredentials:
			fmt.Fprintln(out, "Admin credentials are already set.")
		default:
			if credentialsSet {
				fmt.Fprintln(out, "Resetting admin credentials.")
			} else {
				fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			}
			username, password, e := promptCredentials(cmd.InOrStdin(), out)
			if e != nil {
				return e
			}
			hashed, e := roomkeeper.HashPassword(password)
			if e != nil {
				return fmt.Errorf("error hashing password: %w", e)
			}
			if e = db.WithContext(ctx).Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashed,
				},
			).Error; e != nil {
				return fmt.Errorf("error updating admin credentials: %w", e)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

// promptCredentials reads a username from in, then a password (twice)
// from the password reader, until the passwords match
func promptCredentials(in io.Reader, out io.Writer) (string, string, error) {
	reader := bufio.NewReader(in)

	fmt.Fprint(out, "Enter admin username: ")
	username, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("error reading username: %w", err)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", "", errors.New("username can't be empty")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	for {
		fmt.Fprint(out, "Enter admin password: ")
		password, e := readPassword()
		fmt.Fprintln(out)
		if e != nil {
			return "", "", fmt.Errorf("error reading password: %w", e)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirm, e := readPassword()
		fmt.Fprintln(out)
		if e != nil {
			return "", "", fmt.Errorf("error reading password: %w", e)
		}

		switch {
		case string(password) != string(confirm):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		case len(password) < minPasswordLength:
			fmt.Fprintf(out, "Password must be at least %d characters.\n", minPasswordLength)
		default:
			return username, string(password), nil
		}
	}
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().BoolVar(
		&resetCredentials,
		"reset",
		false,
		"Replace existing admin credentials",
	)
	rootCmd.AddCommand(initCmd)
}
