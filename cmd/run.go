package cmd

import (
	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/spf13/cobra"
	"log"
)

var (
	registerCommands bool

	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, the admin API and (optionally) the webhook server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			k, err := roomkeeper.New(cfg)
			if err != nil {
				log.Fatalf("error creating roomkeeper: %s", err.Error())
			}

			if registerCommands {
				if _, err = k.RegisterCommandsOnce(); err != nil {
					log.Fatalf("error registering commands: %s", err.Error())
				}
			}

			if err = k.Run(ctx); err != nil {
				log.Fatalf("error running roomkeeper: %s", err.Error())
			}
		},
	}

	registerCmd = &cobra.Command{
		Use:   "register-commands",
		Short: "Registers the bot's slash commands, then exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := roomkeeper.New(cfg)
			if err != nil {
				return err
			}
			created, err := k.RegisterCommandsOnce()
			if err != nil {
				return err
			}
			for _, c := range created {
				cmd.Printf("registered /%s (%s)\n", c.Name, c.ID)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	runCmd.Flags().BoolVar(
		&registerCommands,
		"register-commands",
		false,
		"Register slash commands before connecting",
	)
	rootCmd.AddCommand(runCmd, registerCmd)
}
