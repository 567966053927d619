package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	rtm "github.com/rtmkit/rtm-go"
)

const commandTimeout = 15 * time.Second

var flagTag string

func init() {
	rootCmd.PersistentFlags().StringVar(&flagTag, "tag", "", "Device tag (overrides client.tag)")
}

// getApp creates an App from the effective configuration.
func getApp() (*rtm.App, *Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.AppID == "" || cfg.Default.AppKey == "" {
		return nil, nil, fmt.Errorf("no app credentials. Run 'rtm init <app-id> <app-key>' or set RTM_APP_ID and RTM_APP_KEY")
	}

	opts := []rtm.AppOption{rtm.WithLogger(slog.Default())}
	if cfg.Default.Server != "" {
		opts = append(opts, rtm.WithServerURL(cfg.Default.Server))
	}
	if cfg.Default.APIServer != "" {
		opts = append(opts, rtm.WithAPIServer(cfg.Default.APIServer))
	}
	return rtm.NewApp(cfg.Default.AppID, cfg.Default.AppKey, opts...), cfg, nil
}

// newClient creates a client for clientID using the configured tag and
// conversation store. extra options are applied last.
func newClient(app *rtm.App, cfg *Config, clientID string, extra ...rtm.ClientOption) (*rtm.Client, error) {
	client, _, err := newClientWithStore(app, cfg, clientID, extra...)
	return client, err
}

// newClientWithStore is newClient that also returns the file store, or nil
// when client.store is not configured.
func newClientWithStore(app *rtm.App, cfg *Config, clientID string, extra ...rtm.ClientOption) (*rtm.Client, *rtm.FileStore, error) {
	tag := cfg.Client.Tag
	if flagTag != "" {
		tag = flagTag
	}

	var opts []rtm.ClientOption
	if tag != "" {
		opts = append(opts, rtm.WithTag(tag))
	}
	var store *rtm.FileStore
	if cfg.Client.Store != "" {
		var err error
		store, err = rtm.OpenFileStore(cfg.Client.Store, rtm.WithStoreLogger(slog.Default()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open conversation store: %w", err)
		}
		opts = append(opts, rtm.WithConversationStore(store))
	}
	client, err := app.NewClient(clientID, append(opts, extra...)...)
	if err != nil {
		return nil, nil, err
	}
	return client, store, nil
}

// openClient creates a client and opens its session with ForceOpen.
func openClient(ctx context.Context, app *rtm.App, cfg *Config, clientID string, extra ...rtm.ClientOption) (*rtm.Client, error) {
	client, err := newClient(app, cfg, clientID, extra...)
	if err != nil {
		return nil, err
	}
	if err := client.Open(ctx, rtm.ForceOpen); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return client, nil
}

// commandContext is canceled on interrupt or after timeout; a zero timeout
// waits for the signal only.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func printConversation(conv *rtm.Conversation) {
	fmt.Printf("ID:         %s\n", conv.ID)
	fmt.Printf("Name:       %s\n", valueOrDefault(conv.Name, "(none)"))
	fmt.Printf("Creator:    %s\n", conv.Creator)
	fmt.Printf("Members:    %v\n", conv.Members)
	if conv.Unique {
		fmt.Printf("Unique ID:  %s\n", conv.UniqueID)
	}
	if conv.Transient {
		fmt.Println("Transient:  yes")
	}
	if conv.Temporary {
		fmt.Printf("Expires in: %s\n", conv.TemporaryTTL)
	}
	for k, v := range conv.Attributes {
		fmt.Printf("  %s = %v\n", k, v)
	}
}

// maskKey shows the first 4 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
