package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"homenode/internal/layout"
	"homenode/internal/node"
	"homenode/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("web.listen = %q", cfg.Web.Listen)
	}
	if cfg.Store.Path != "homenode.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Outputs.Driver != "memory" {
		t.Errorf("outputs.driver = %q", cfg.Outputs.Driver)
	}
	if d, err := cfg.holdThreshold(); err != nil || d != node.DefaultHoldThreshold {
		t.Errorf("hold threshold = %v, %v", d, err)
	}
	if d, err := cfg.tickInterval(); err != nil || d != 50*time.Millisecond {
		t.Errorf("tick interval = %v, %v", d, err)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate defaults: %v", err)
	}
}

func TestLoadConfigValues(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
node:
  name: hall
  tick_interval: 20ms
  hold_threshold: 3s
store:
  path: /var/lib/homenode/region.db
button:
  port: /dev/ttyUSB0
  line: DSR
  active_low: true
outputs:
  driver: lua
  script: outputs.lua
mqtt:
  topic_prefix: house
log:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Node.Name != "hall" || cfg.MQTT.TopicPrefix != "house" {
		t.Errorf("name/prefix = %q/%q", cfg.Node.Name, cfg.MQTT.TopicPrefix)
	}
	if d, _ := cfg.holdThreshold(); d != 3*time.Second {
		t.Errorf("hold threshold = %v", d)
	}
	if !cfg.Button.ActiveLow || cfg.Button.Line != "DSR" {
		t.Errorf("button = %+v", cfg.Button)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "node: [")); err == nil {
		t.Error("expected error for bad yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad tick", func(c *Config) { c.Node.TickInterval = "fast" }, "tick_interval"},
		{"zero hold", func(c *Config) { c.Node.HoldThreshold = "0s" }, "hold_threshold"},
		{"unknown driver", func(c *Config) { c.Outputs.Driver = "gpio" }, "outputs.driver"},
		{"lua without script", func(c *Config) { c.Outputs.Driver = "lua" }, "outputs.script"},
		{"bad line", func(c *Config) { c.Button.Port = "/dev/ttyS0"; c.Button.Line = "rts" }, "button.line"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, "{}\n"))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestNewLoggerLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "warn"
	logger := newLogger(cfg)
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !logger.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}
}

func TestRunNodeResetsFreshStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "region.db")
	cfg, err := loadConfig(writeConfig(t, "store:\n  path: "+dbPath+"\nweb:\n  listen: 127.0.0.1:0\nnode:\n  tick_interval: 5ms\n"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := runNode(ctx, cfg, logger); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("runNode = %v, want deadline exceeded", err)
	}

	db, err := store.NewBoltStore(dbPath, layout.RegionSize)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	b, err := db.Read(layout.StatusOffset)
	if err != nil {
		t.Fatal(err)
	}
	if b != 0 {
		t.Errorf("status cell = %#x, want 0 after reset", b)
	}
}
