// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/channel"
	"github.com/creachadair/synapse/sim"
	"gopkg.in/yaml.v3"
)

// defaultTimeoutMS is the command timeout used when a config sets none.
const defaultTimeoutMS = 1000

// deviceConfig describes a device: where to reach it, and the commands and
// updates it supports. It is loaded from a TOML or YAML file.
type deviceConfig struct {
	Address    string   `toml:"address" yaml:"address"`
	Terminator string   `toml:"terminator" yaml:"terminator"`
	TimeoutMS  int64    `toml:"timeout_ms" yaml:"timeout_ms"`
	Reserved   []string `toml:"reserved" yaml:"reserved"`

	Reconnect reconnectConfig `toml:"reconnect" yaml:"reconnect"`
	Commands  []commandConfig `toml:"commands" yaml:"commands"`
	Updates   []updateConfig  `toml:"updates" yaml:"updates"`
}

type reconnectConfig struct {
	InitialMS   int64   `toml:"initial_ms" yaml:"initial_ms"`
	MaxMS       int64   `toml:"max_ms" yaml:"max_ms"`
	Multiplier  float64 `toml:"multiplier" yaml:"multiplier"`
	MaxAttempts int     `toml:"max_attempts" yaml:"max_attempts"`
}

type commandConfig struct {
	Name      string   `toml:"name" yaml:"name"`
	ID        uint32   `toml:"id" yaml:"id"`
	Silent    bool     `toml:"silent" yaml:"silent"`
	TimeoutMS int64    `toml:"timeout_ms" yaml:"timeout_ms"` // 0 for the default, < 0 for none
	Returns   []string `toml:"returns" yaml:"returns"`

	// The simulator replies with these values, or echoes the arguments if
	// there are none.
	Reply []string `toml:"reply" yaml:"reply"`
}

type updateConfig struct {
	Name    string   `toml:"name" yaml:"name"`
	ID      uint32   `toml:"id" yaml:"id"`
	Returns []string `toml:"returns" yaml:"returns"`

	// The simulator pushes Values every EveryMS milliseconds, if > 0. A value
	// "$n" is replaced by the sequence number of the push.
	EveryMS int64    `toml:"every_ms" yaml:"every_ms"`
	Values  []string `toml:"values" yaml:"values"`
}

// loadConfig reads a device config from path. The format is chosen by the
// file extension: ".toml" for TOML, ".yaml" or ".yml" for YAML.
func loadConfig(path string) (*deviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	var cfg deviceConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	default:
		return nil, fmt.Errorf("load config: unknown format %q", ext)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *deviceConfig) applyDefaults() {
	if c.Terminator == "" {
		c.Terminator = ";"
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = defaultTimeoutMS
	}
	if c.Reconnect.InitialMS == 0 {
		c.Reconnect.InitialMS = 250
	}
	if c.Reconnect.MaxMS == 0 {
		c.Reconnect.MaxMS = 10_000
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = 2
	}
	for i := range c.Commands {
		c.Commands[i].Name = strings.TrimSpace(c.Commands[i].Name)
	}
	for i := range c.Updates {
		c.Updates[i].Name = strings.TrimSpace(c.Updates[i].Name)
	}
}

func (c *deviceConfig) validate() error {
	var errs []error
	names := make(map[string]bool)
	cmdIDs := make(map[uint32]bool)
	updIDs := make(map[uint32]bool)
	check := func(kind, name string, id uint32, ids map[uint32]bool) {
		if name == "" {
			errs = append(errs, fmt.Errorf("%s %d: missing name", kind, id))
		} else if names[name] {
			errs = append(errs, fmt.Errorf("%s %q: duplicate name", kind, name))
		}
		names[name] = true
		if id == 0 {
			errs = append(errs, fmt.Errorf("%s %q: missing id", kind, name))
		} else if ids[id] {
			errs = append(errs, fmt.Errorf("%s %q: duplicate id %d", kind, name, id))
		}
		ids[id] = true
	}
	for _, cmd := range c.Commands {
		check("command", cmd.Name, cmd.ID, cmdIDs)
	}
	for _, u := range c.Updates {
		check("update", u.Name, u.ID, updIDs)
		if u.EveryMS < 0 {
			errs = append(errs, fmt.Errorf("update %q: negative every_ms", u.Name))
		}
	}
	return errors.Join(errs...)
}

func (c *deviceConfig) backoff() channel.Backoff {
	return channel.Backoff{
		Initial:     time.Duration(c.Reconnect.InitialMS) * time.Millisecond,
		Max:         time.Duration(c.Reconnect.MaxMS) * time.Millisecond,
		Multiplier:  c.Reconnect.Multiplier,
		Jitter:      true,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

func (cc commandConfig) command(defaultMS int64) synapse.Command {
	ms := cc.TimeoutMS
	if ms == 0 {
		ms = defaultMS
	}
	return synapse.Command{
		Name:    cc.Name,
		ID:      cc.ID,
		Silent:  cc.Silent,
		Timeout: time.Duration(ms) * time.Millisecond,
		Returns: cc.Returns,
	}
}

// newDispatcher constructs an unstarted dispatcher with the commands of c
// registered. If handle != nil, it is used to construct a handler for each
// update.
func (c *deviceConfig) newDispatcher(handle func(u updateConfig) synapse.UpdateFunc) (*synapse.Dispatcher, error) {
	d := synapse.NewDispatcher(c.Reserved...).Terminator(c.Terminator)
	for _, cc := range c.Commands {
		if _, err := d.RegisterCommand(cc.command(c.TimeoutMS)); err != nil {
			return nil, err
		}
	}
	if handle != nil {
		for _, u := range c.Updates {
			if err := d.RegisterUpdate(synapse.Update{
				Name:    u.Name,
				ID:      u.ID,
				Returns: u.Returns,
				Handle:  handle(u),
			}); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

// newDevice constructs an unstarted simulated device answering the commands
// of c.
func (c *deviceConfig) newDevice() *sim.Device {
	dev := sim.NewDevice().Terminator(c.Terminator)
	for _, cc := range c.Commands {
		h := sim.HandlerFunc(sim.Echo)
		if len(cc.Reply) != 0 {
			h = sim.Reply(cc.Reply...)
		}
		dev.Handle(cc.ID, cc.Silent, h)
	}
	return dev
}
