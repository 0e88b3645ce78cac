//go:build no_scripting

package main

import (
	"fmt"
	"log/slog"

	"homenode/internal/controls"
)

func newDriver(cfg *Config, logger *slog.Logger) (controls.Driver, func(), error) {
	if cfg.Outputs.Driver == "lua" {
		return nil, nil, fmt.Errorf("lua driver not available: built with no_scripting")
	}
	return newMemoryDriver(logger)
}
