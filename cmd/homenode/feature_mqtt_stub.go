//go:build no_mqtt

package main

import (
	"log/slog"

	"homenode/internal/controls"
	"homenode/internal/node"
)

type busFeature struct{}

func initBus(_ *Config, _ *slog.Logger) *busFeature { return &busFeature{} }

func (f *busFeature) options() []node.Option { return nil }

func (f *busFeature) bind(_ *node.Node, _ *controls.Backend) {}

func (f *busFeature) Stop() {}
