package main

import (
	"fmt"
	"time"

	rtm "github.com/rtmkit/rtm-go"
	"github.com/spf13/cobra"
)

var (
	notificationsChannel string
	notificationsSince   time.Duration
	notificationsJSON    bool
)

var notificationsCmd = &cobra.Command{
	Use:   "notifications <client-id>",
	Short: "Fetch stored notifications, following every page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel := rtm.NotificationChannel(notificationsChannel)
		if notificationsChannel == "all" {
			channel = rtm.ChannelAll
		}

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

		var start time.Time
		if notificationsSince > 0 {
			start = time.Now().Add(-notificationsSince)
		}

		all := make(map[rtm.NotificationChannel][]rtm.Notification)
		invalid := false
		for _, ch := range channelsFor(channel) {
			since := start
			for {
				batches, err := client.FetchNotifications(ctx, since, ch)
				if err != nil {
					return fmt.Errorf("fetch %s failed: %w", ch, err)
				}
				b := batches[ch]
				all[ch] = append(all[ch], b.Notifications...)
				if b.InvalidLocalConversationCache != nil && *b.InvalidLocalConversationCache {
					invalid = true
				}
				next := b.NextSince(since)
				if !b.HasMore || !next.After(since) {
					break
				}
				since = next
			}
		}

		if notificationsJSON {
			return printJSON(all)
		}
		for _, ch := range channelsFor(channel) {
			fmt.Printf("%s (%d):\n", ch, len(all[ch]))
			for _, n := range all[ch] {
				fmt.Printf("  %s  %s.%s  %s by %s\n", n.Timestamp.Format(time.RFC3339), n.Cmd, n.Op, n.ConversationID, n.InitBy)
			}
		}
		if invalid {
			fmt.Println("\nSome droppable notifications were discarded; cached conversations were marked for refetch.")
		}
		return nil
	},
}

// channelsFor pages each channel separately so HasMore applies to one
// channel at a time.
func channelsFor(ch rtm.NotificationChannel) []rtm.NotificationChannel {
	if ch == rtm.ChannelAll {
		return []rtm.NotificationChannel{rtm.ChannelPermanent, rtm.ChannelDroppable}
	}
	return []rtm.NotificationChannel{ch}
}

func init() {
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.Flags().StringVar(&notificationsChannel, "channel", "all", "Channel: all, permanent or droppable")
	notificationsCmd.Flags().DurationVar(&notificationsSince, "since", 0, "Only notifications newer than this (e.g. 24h)")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output JSON")
}
