//go:build !no_scripting

package main

import (
	"log/slog"

	"homenode/internal/controls"
	"homenode/internal/script"
)

func newDriver(cfg *Config, logger *slog.Logger) (controls.Driver, func(), error) {
	if cfg.Outputs.Driver != "lua" {
		return newMemoryDriver(logger)
	}
	d, err := script.LoadFile(cfg.Outputs.Script, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using lua output driver", "script", cfg.Outputs.Script)
	return d, d.Close, nil
}
