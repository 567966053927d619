package main

import (
	"encoding/json"
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
	convJSON bool

	// conv create
	convCreateName      string
	convCreateMembers   string
	convCreateUnique    bool
	convCreateTransient bool
	convCreateTTL       time.Duration
	convCreateAttrs     []string
)

var convCmd = &cobra.Command{
	Use:   "conv",
	Short: "Create, fetch and update conversations",
}

// ============================================================================
// conv create
// ============================================================================

var convCreateCmd = &cobra.Command{
	Use:   "create <client-id>",
	Short: "Create a conversation",
	Long:  "Create a conversation. The client is always a member unless --transient.\nExample: rtm conv create alice --members bob,carol --unique",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrs, err := parseAttributes(convCreateAttrs)
		if err != nil {
			return err
		}
		opts := rtm.CreateOptions{
			Name:       convCreateName,
			Members:    splitList(convCreateMembers),
			Attributes: attrs,
		}
		if convCreateUnique {
			opts.Options |= rtm.OptionUnique
		}
		if convCreateTransient {
			opts.Options |= rtm.OptionTransient
		}
		if convCreateTTL > 0 {
			opts.Options |= rtm.OptionTemporary
			opts.TemporaryTTL = convCreateTTL
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

		conv, err := client.Conversations().Create(ctx, opts)
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		if convJSON {
			return printJSON(conv)
		}
		printConversation(conv)
		return nil
	},
}

// ============================================================================
// conv get
// ============================================================================

var convGetCmd = &cobra.Command{
	Use:   "get <client-id> <conversation-id>...",
	Short: "Fetch conversations by id",
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

		results, err := client.Conversations().QueryByIDs(ctx, args[1:])
		if err != nil {
			return err
		}
		var convs []*rtm.Conversation
		for r := range results {
			if r.Err != nil {
				return fmt.Errorf("query failed: %w", r.Err)
			}
			convs = append(convs, r.Conversation)
		}
		if convJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for i, conv := range convs {
			if i > 0 {
				fmt.Println()
			}
			printConversation(conv)
		}
		return nil
	},
}

// ============================================================================
// conv update
// ============================================================================

var convUpdateCmd = &cobra.Command{
	Use:   "update <client-id> <conversation-id> <key=value>...",
	Short: "Update a conversation's name or attributes",
	Long:  "Update a conversation. The key \"name\" renames it; any other key sets an\nattribute. Values are parsed as JSON when possible.\nExample: rtm conv update alice 5f1c... name=Weekend attr.color='\"blue\"'",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		changes, err := parseAttributes(args[2:])
		if err != nil {
			return err
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

		conv, err := client.Conversations().Update(ctx, &rtm.Conversation{ID: args[1]}, changes)
		if err != nil {
			return fmt.Errorf("update failed: %w", err)
		}
		if convJSON {
			return printJSON(conv)
		}
		printConversation(conv)
		return nil
	},
}

// parseAttributes turns key=value pairs into a map. A value that is valid
// JSON is decoded; anything else is kept as a string. "name" is always a
// string.
func parseAttributes(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, expected key=value", pair)
		}
		if key == "name" {
			out[key] = value
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(convCmd)
	convCmd.AddCommand(convCreateCmd)
	convCmd.AddCommand(convGetCmd)
	convCmd.AddCommand(convUpdateCmd)

	convCmd.PersistentFlags().BoolVar(&convJSON, "json", false, "Output JSON")

	convCreateCmd.Flags().StringVar(&convCreateName, "name", "", "Conversation name")
	convCreateCmd.Flags().StringVar(&convCreateMembers, "members", "", "Comma-separated list of member client ids")
	convCreateCmd.Flags().BoolVar(&convCreateUnique, "unique", false, "Reuse the conversation with the same members")
	convCreateCmd.Flags().BoolVar(&convCreateTransient, "transient", false, "Create a chat room without persisted membership")
	convCreateCmd.Flags().DurationVar(&convCreateTTL, "ttl", 0, "Create a temporary conversation that expires after this long")
	convCreateCmd.Flags().StringArrayVar(&convCreateAttrs, "attr", nil, "Attribute key=value (repeatable)")
}
