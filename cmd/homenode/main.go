package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"homenode/internal/button"
	"homenode/internal/controls"
	"homenode/internal/layout"
	"homenode/internal/node"
	"homenode/internal/store"
	"homenode/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Node struct {
		Name          string `yaml:"name"`
		TickInterval  string `yaml:"tick_interval"`
		HoldThreshold string `yaml:"hold_threshold"`
	} `yaml:"node"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Button struct {
		Port      string `yaml:"port"`
		Line      string `yaml:"line"`
		ActiveLow bool   `yaml:"active_low"`
	} `yaml:"button"`
	Outputs struct {
		Driver string `yaml:"driver"` // "memory" or "lua"
		Script string `yaml:"script"`
	} `yaml:"outputs"`
	MQTT struct {
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if _, err := c.tickInterval(); err != nil {
		return err
	}
	if _, err := c.holdThreshold(); err != nil {
		return err
	}
	switch c.Outputs.Driver {
	case "memory":
	case "lua":
		if c.Outputs.Script == "" {
			return fmt.Errorf("outputs.script is required for the lua driver")
		}
	default:
		return fmt.Errorf("unknown outputs.driver: %q (supported: memory, lua)", c.Outputs.Driver)
	}
	if c.Button.Port != "" {
		if _, err := button.ParseLine(c.Button.Line); err != nil {
			return fmt.Errorf("button.line: %w", err)
		}
	}
	return nil
}

func (c *Config) tickInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Node.TickInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("node.tick_interval must be a positive duration, got %q", c.Node.TickInterval)
	}
	return d, nil
}

func (c *Config) holdThreshold() (time.Duration, error) {
	d, err := time.ParseDuration(c.Node.HoldThreshold)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("node.hold_threshold must be a positive duration, got %q", c.Node.HoldThreshold)
	}
	return d, nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("homenode starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		err := runNode(ctx, cfg, logger)
		if errors.Is(err, node.ErrRestart) {
			logger.Info("restarting")
			continue
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("node stopped", "err", err)
			os.Exit(1)
		}
		break
	}

	logger.Info("goodbye")
}

// runNode runs one boot of the node until ctx is done or a restart is
// requested. Everything it opens is closed before it returns, so the next
// run starts from the committed store alone.
func runNode(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	tick, _ := cfg.tickInterval()
	hold, _ := cfg.holdThreshold()

	db, err := store.NewBoltStore(cfg.Store.Path, layout.RegionSize)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	driver, closeDriver, err := newDriver(cfg, logger)
	if err != nil {
		return fmt.Errorf("create output driver: %w", err)
	}
	defer closeDriver()
	backend := controls.New(driver, logger)

	var btn node.Button
	if cfg.Button.Port != "" {
		line, _ := button.ParseLine(cfg.Button.Line)
		s, err := button.OpenSerial(cfg.Button.Port, line, cfg.Button.ActiveLow)
		if err != nil {
			return fmt.Errorf("open button: %w", err)
		}
		defer s.Close()
		btn = s
	} else {
		logger.Warn("no button configured; configuration mode is only reachable with an empty registry")
	}

	bus := initBus(cfg, logger)
	defer bus.Stop()

	// The service is started by the node on entering configuration mode,
	// which happens after srv is assigned below.
	var srv *web.Server
	svc := web.NewService(cfg.Web.Listen, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.ServeHTTP(w, r)
	}), logger)

	opts := []node.Option{
		node.WithConfigService(svc),
		node.WithBackend(backend),
		node.WithOutputs(driver),
		node.WithHoldThreshold(hold),
	}
	opts = append(opts, bus.options()...)
	n := node.New(db, logger, opts...)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	srv = web.NewServer(n, db.Size(), logger, webOpts...)
	defer srv.Stop()

	bus.bind(n, backend)

	if err := n.Boot(); err != nil {
		return err
	}
	runErr := n.Run(ctx, tick, btn)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	return runErr
}

func newMemoryDriver(logger *slog.Logger) (controls.Driver, func(), error) {
	return controls.NewMemoryDriver(logger), func() {}, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = "homenode"
	}
	if cfg.Node.TickInterval == "" {
		cfg.Node.TickInterval = "50ms"
	}
	if cfg.Node.HoldThreshold == "" {
		cfg.Node.HoldThreshold = node.DefaultHoldThreshold.String()
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "homenode.db"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Button.Line == "" {
		cfg.Button.Line = string(button.LineCTS)
	}
	if cfg.Outputs.Driver == "" {
		cfg.Outputs.Driver = "memory"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "homenode"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
