package main

import (
	"fmt"

	rtm "github.com/rtmkit/rtm-go"
	"github.com/spf13/cobra"
)

var (
	pushInstallationID string
	pushUnsubscribe    bool
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Manage push registration",
}

var pushRegisterCmd = &cobra.Command{
	Use:   "register <client-id> <device-token>",
	Short: "Register this device for offline push",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cfg, err := getApp()
		if err != nil {
			return err
		}
		defer app.Close()

		inst := rtm.NewInstallation(args[1])
		if pushInstallationID != "" {
			inst.ID = pushInstallationID
		}
		client, err := newClient(app, cfg, args[0], rtm.WithInstallation(inst))
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(commandTimeout)
		defer cancel()

		saved, err := client.Push().SaveInstallation(ctx, !pushUnsubscribe)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Printf("Installation: %s\n", saved.InstallationID)
		fmt.Printf("Object ID:    %s\n", saved.ObjectID)
		fmt.Printf("Channels:     %v\n", saved.Channels)
		if pushInstallationID == "" {
			fmt.Printf("\nReuse this installation with --installation %s\n", inst.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)
	pushCmd.AddCommand(pushRegisterCmd)
	pushRegisterCmd.Flags().StringVar(&pushInstallationID, "installation", "", "Existing installation id")
	pushRegisterCmd.Flags().BoolVar(&pushUnsubscribe, "unsubscribe", false, "Remove the client id from the installation's channels")
}
