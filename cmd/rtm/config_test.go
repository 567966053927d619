package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
		check   func(*Config) bool
	}{
		{"default.app_id", false, func(c *Config) bool { return c.Default.AppID == "v" }},
		{"default.app_key", false, func(c *Config) bool { return c.Default.AppKey == "v" }},
		{"default.server", false, func(c *Config) bool { return c.Default.Server == "v" }},
		{"default.api_server", false, func(c *Config) bool { return c.Default.APIServer == "v" }},
		{"client.tag", false, func(c *Config) bool { return c.Client.Tag == "v" }},
		{"client.store", false, func(c *Config) bool { return c.Client.Store == "v" }},
		{"default.unknown", true, nil},
		{"nosection", true, nil},
		{"auth.token", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, "v")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(cfg) {
				t.Fatalf("field not set: %+v", cfg)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RTM_CONFIG_DIR", dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Default.AppID != "" {
		t.Fatal("expected empty config when no file exists")
	}

	cfg.Default.AppID = "app"
	cfg.Default.AppKey = "key"
	cfg.Client.Tag = "laptop"
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v", info.Mode().Perm())
	}

	loaded, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *loaded != *cfg {
		t.Fatalf("loaded %+v, want %+v", loaded, cfg)
	}

	t.Run("environment overrides the file", func(t *testing.T) {
		t.Setenv("RTM_APP_KEY", "from-env")
		t.Setenv("RTM_SERVER", "http://localhost:9000")
		eff, err := loadEffectiveConfig()
		if err != nil {
			t.Fatal(err)
		}
		if eff.Default.AppKey != "from-env" || eff.Default.Server != "http://localhost:9000" {
			t.Fatalf("effective = %+v", eff.Default)
		}
		if eff.Default.AppID != "app" {
			t.Fatal("unset variables must keep file values")
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[default\napp_id = "), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := loadConfig(); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestParseAttributes(t *testing.T) {
	got, err := parseAttributes([]string{"name=42", "count=3", "tags=[\"a\"]", "color=blue", "empty="})
	if err != nil {
		t.Fatal(err)
	}
	if got["name"] != "42" {
		t.Fatalf("name = %#v, want string", got["name"])
	}
	if got["count"] != 3.0 {
		t.Fatalf("count = %#v", got["count"])
	}
	if tags, ok := got["tags"].([]any); !ok || len(tags) != 1 {
		t.Fatalf("tags = %#v", got["tags"])
	}
	if got["color"] != "blue" || got["empty"] != "" {
		t.Fatalf("strings = %#v, %#v", got["color"], got["empty"])
	}

	if _, err := parseAttributes([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
	if _, err := parseAttributes([]string{"=x"}); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" bob, ,carol,")
	if len(got) != 2 || got[0] != "bob" || got[1] != "carol" {
		t.Fatalf("splitList = %q", got)
	}
	if splitList("") != nil {
		t.Fatal("empty input should give nil")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"error": slog.LevelError,
		"":      slog.LevelWarn,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMaskKey(t *testing.T) {
	if maskKey("short") != "****" {
		t.Fatal("short keys must be fully masked")
	}
	if got := maskKey("abcd1234efgh5678"); got != "abcd...5678" {
		t.Fatalf("maskKey = %q", got)
	}
}
