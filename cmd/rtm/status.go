package main

import (
	"fmt"

	rtm "github.com/rtmkit/rtm-go"
	"github.com/spf13/cobra"
)

var statusClientID string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusClientID, "client", "", "Open a session as this client id to check connectivity")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  App ID:      %s\n", valueOrDefault(cfg.Default.AppID, "(not set)"))
		if cfg.Default.AppKey != "" {
			fmt.Printf("  App Key:     %s\n", maskKey(cfg.Default.AppKey))
		} else {
			fmt.Println("  App Key:     (not set)")
		}
		fmt.Printf("  Server:      %s\n", valueOrDefault(cfg.Default.Server, rtm.DefaultServerURL))
		if cfg.Default.APIServer != "" {
			fmt.Printf("  API Server:  %s\n", cfg.Default.APIServer)
		}
		fmt.Printf("  Tag:         %s\n", valueOrDefault(cfg.Client.Tag, "(none)"))
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Client.Store, "(memory only)"))

		if statusClientID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		app, cfg, err := getApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := commandContext(commandTimeout)
		defer cancel()

		client, err := openClient(ctx, app, cfg, statusClientID)
		if err != nil {
			fmt.Printf("  Session:     %v\n", err)
			return nil
		}
		fmt.Printf("  Session:     %s\n", client.Status())

		online, err := client.QueryOnline(ctx, []string{client.ID()})
		if err != nil {
			fmt.Printf("  Presence:    %v\n", err)
			return nil
		}
		fmt.Printf("  Presence:    %d of 1 online\n", len(online))
		return client.Close(ctx)
	},
}
