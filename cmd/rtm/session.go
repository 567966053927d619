package main

import (
	"fmt"
	"strings"
	"time"

	rtm "github.com/rtmkit/rtm-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// open
	openWatch         bool
	openOfflineEvents bool
	openReopen        bool

	// token
	tokenRefresh bool

	// online
	onlineJSON bool
)

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <client-id>",
	Short: "Open a session and optionally watch its events",
	Long:  "Open a session for client-id. With --watch the session stays open and\nevery conversation and status event is printed until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cfg, err := getApp()
		if err != nil {
			return err
		}
		defer app.Close()

		client, store, err := newClientWithStore(app, cfg, args[0], rtm.WithOfflineEvents(openOfflineEvents))
		if err != nil {
			return err
		}
		if openWatch {
			watchEvents(client)
			if store != nil {
				// Other rtm processes sharing the store keep this one current.
				if err := store.StartWatching(); err != nil {
					return fmt.Errorf("failed to watch conversation store: %w", err)
				}
				defer store.StopWatching()
			}
		}

		mode := rtm.ForceOpen
		if openReopen {
			mode = rtm.Reopen
		}
		ctx, cancel := commandContext(commandTimeout)
		err = client.Open(ctx, mode)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open session: %w", err)
		}
		fmt.Printf("Session open: client=%s tag=%s mode=%s\n", client.ID(), valueOrDefault(client.Tag(), "(none)"), mode)

		if !openWatch {
			ctx, cancel := commandContext(commandTimeout)
			defer cancel()
			return client.Close(ctx)
		}

		fmt.Println("Watching events, press Ctrl-C to stop.")
		ctx, stop := commandContext(0)
		<-ctx.Done()
		stop()

		ctx, cancel = commandContext(commandTimeout)
		defer cancel()
		return client.Close(ctx)
	},
}

func watchEvents(client *rtm.Client) {
	stamp := func() string { return time.Now().Format("15:04:05") }

	client.OnInvited(func(conv *rtm.Conversation, by string) {
		fmt.Printf("[%s] invited to %s (%s) by %s\n", stamp(), conv.ID, valueOrDefault(conv.Name, "unnamed"), by)
	})
	client.OnKicked(func(conv *rtm.Conversation, by string) {
		fmt.Printf("[%s] removed from %s by %s\n", stamp(), conv.ID, by)
	})
	client.OnUpdated(func(conv *rtm.Conversation, at time.Time, by string, attrs map[string]any) {
		keys := make([]string, 0, len(attrs))
		for k, v := range attrs {
			keys = append(keys, fmt.Sprintf("%s=%v", k, v))
		}
		fmt.Printf("[%s] %s updated by %s at %s: %s\n", stamp(), conv.ID, by, at.Format(time.RFC3339), strings.Join(keys, " "))
	})
	client.OnForcedOffline(func(err *rtm.Error) {
		fmt.Printf("[%s] forced offline: %v\n", stamp(), err)
	})
	client.OnStatus(func(status rtm.Status, err *rtm.Error) {
		if err != nil {
			fmt.Printf("[%s] status %s: %v\n", stamp(), status, err)
			return
		}
		fmt.Printf("[%s] status %s\n", stamp(), status)
	})
}

// ============================================================================
// online
// ============================================================================

var onlineCmd = &cobra.Command{
	Use:   "online <client-id> <id>...",
	Short: "Report which of the given client ids are online",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cfg, err := getApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := commandContext(commandTimeout)
		defer cancel()

		client, err := openClient(ctx, app, cfg, args[0])
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		online, err := client.QueryOnline(ctx, args[1:])
		if err != nil {
			return fmt.Errorf("presence query failed: %w", err)
		}
		if onlineJSON {
			return printJSON(online)
		}

		set := make(map[string]bool, len(online))
		for _, id := range online {
			set[id] = true
		}
		for _, id := range args[1:] {
			state := "offline"
			if set[id] {
				state = "online"
			}
			fmt.Printf("%-24s %s\n", id, state)
		}
		return nil
	},
}

// ============================================================================
// token
// ============================================================================

var tokenCmd = &cobra.Command{
	Use:   "token <client-id>",
	Short: "Print a session token for REST calls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cfg, err := getApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := commandContext(commandTimeout)
		defer cancel()

		client, err := openClient(ctx, app, cfg, args[0])
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		token, err := client.SessionToken(ctx, tokenRefresh)
		if err != nil {
			return fmt.Errorf("failed to get session token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(onlineCmd)
	rootCmd.AddCommand(tokenCmd)

	openCmd.Flags().BoolVarP(&openWatch, "watch", "w", false, "Keep the session open and print events")
	openCmd.Flags().BoolVar(&openOfflineEvents, "offline-events", true, "Replay events missed while offline")
	openCmd.Flags().BoolVar(&openReopen, "reopen", false, "Reopen instead of forcing other devices offline")

	tokenCmd.Flags().BoolVar(&tokenRefresh, "refresh", false, "Ask the server for a new token")

	onlineCmd.Flags().BoolVar(&onlineJSON, "json", false, "Output JSON")
}
