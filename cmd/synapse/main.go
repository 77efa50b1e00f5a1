// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program synapse is a command-line utility for talking to devices that speak
// the synapse message protocol.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/channel"
	"github.com/creachadair/synapse/sim"
	"github.com/creachadair/synapse/stream"
	"github.com/creachadair/synapse/wire"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

var encodeFlags struct {
	Term  string `flag:"term,default=;,Message terminator"`
	Token string `flag:"token,Correlation token (omit for a silent command)"`
}

var decodeFlags struct {
	Returns string `flag:"returns,Comma-separated names for the message values"`
}

var deviceFlags struct {
	Config   string `flag:"config,Device config file (.toml, .yaml)"`
	Addr     string `flag:"addr,Device address (overrides the config)"`
	LogLevel string `flag:"log-level,Log level (default from $SYNAPSE_LOG_LEVEL or info)"`
}

var callFlags struct {
	Timeout time.Duration `flag:"timeout,default=5s,Time to wait for a reply"`
}

var listenFlags struct {
	Reconnect   bool   `flag:"reconnect,Reconnect when the device link drops"`
	MetricsAddr string `flag:"metrics-addr,Serve Prometheus metrics at this address"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for talking to synapse devices.",
		Commands: []*command.C{
			{
				Name:     "encode",
				Usage:    "<id> <arg>...",
				Help:     "Encode a call to a device command and print it.",
				SetFlags: command.Flags(flax.MustBind, &encodeFlags),
				Run:      runEncode,
			},
			{
				Name:  "decode",
				Usage: "<message>...",
				Help: `Decode messages received from a device.

Each message is split into its key and values. If --returns is set, the
values are assigned to the given names in order.`,
				SetFlags: command.Flags(flax.MustBind, &decodeFlags),
				Run:      runDecode,
			},
			{
				Name:  "call",
				Usage: "--config <path> <command> <arg>...",
				Help: `Call a command on a device and print its reply.

The device and its commands are described by the config file. The address
of the device is taken from --addr if set, otherwise from the config.`,
				SetFlags: command.Flags(flax.MustBind, &deviceFlags, &callFlags),
				Run:      runCall,
			},
			{
				Name:  "listen",
				Usage: "--config <path>",
				Help: `Connect to a device and log the updates it pushes.

With --reconnect, the link is re-established with backoff when it drops.
With --metrics-addr, dispatcher metrics are served at /metrics in Prometheus
format and at /debug/vars as JSON.`,
				SetFlags: command.Flags(flax.MustBind, &deviceFlags, &listenFlags),
				Run:      runListen,
			},
			{
				Name:  "sim",
				Usage: "--config <path>",
				Help: `Run a simulated device described by the config.

The simulator listens at --addr (or the config address) and serves each
connection as a separate device. Commands reply with their configured reply
values, or echo their arguments. Updates with every_ms set are pushed
periodically.`,
				SetFlags: command.Flags(flax.MustBind, &deviceFlags),
				Run:      runSim,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runEncode(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing command id")
	}
	id, err := strconv.ParseUint(env.Args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	args := make([]any, len(env.Args)-1)
	for i, s := range env.Args[1:] {
		args[i] = s
	}
	msg, err := wire.Encode(encodeFlags.Term, uint32(id), encodeFlags.Token, args...)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", msg)
	return nil
}

func runDecode(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing message")
	}
	var names []string
	if decodeFlags.Returns != "" {
		names = strings.Split(decodeFlags.Returns, ",")
	}
	for _, arg := range env.Args {
		in := wire.Parse(arg)
		fmt.Printf("key=%s values=%q\n", in.Key, in.Values)
		if names != nil {
			printFields(in.Assign(names), names)
		}
	}
	return nil
}

// printFields prints the fields named by names, in order.
func printFields(f wire.Fields, names []string) {
	for _, name := range names {
		if v, ok := f.Get(name); ok {
			fmt.Printf("  %s=%s\n", name, v)
		}
	}
}

// deviceSetup loads the config named by the flags and a logger.
func deviceSetup(env *command.Env) (*deviceConfig, zerolog.Logger, error) {
	log, err := newLogger(os.Stderr, deviceFlags.LogLevel)
	if err != nil {
		return nil, log, env.Usagef("invalid log level: %v", err)
	}
	if deviceFlags.Config == "" {
		return nil, log, env.Usagef("missing --config")
	}
	cfg, err := loadConfig(deviceFlags.Config)
	if err != nil {
		return nil, log, err
	}
	cfg.Address = cmp.Or(deviceFlags.Addr, cfg.Address)
	if cfg.Address == "" {
		return nil, log, errors.New("no device address (set --addr or address in the config)")
	}
	return cfg, log, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing command name")
	}
	cfg, log, err := deviceSetup(env)
	if err != nil {
		return err
	}
	d, err := cfg.newDispatcher(nil)
	if err != nil {
		return err
	}
	logDispatcher(d, log)

	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()
	t, err := channel.Dial(ctx, cfg.Address, cfg.Terminator)
	if err != nil {
		return err
	}
	d.Start(t)
	defer d.Stop()

	name := env.Args[0]
	args := make([]any, len(env.Args)-1)
	for i, s := range env.Args[1:] {
		args[i] = s
	}
	rsp, err := d.Call(ctx, name, args...)
	if err != nil {
		return err
	} else if rsp == nil {
		log.Info().Str("command", name).Msg("sent")
		return nil
	}
	cmd, _ := d.Registry().Command(name)
	fmt.Printf("%s (%v)\n", rsp.Raw, rsp.Elapsed.Round(time.Microsecond))
	printFields(rsp.Fields, cmd.Returns)
	return nil
}

func runListen(env *command.Env) error {
	cfg, log, err := deviceSetup(env)
	if err != nil {
		return err
	}
	d, err := cfg.newDispatcher(nil)
	if err != nil {
		return err
	}
	logDispatcher(d, log)

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	g := taskgroup.New(func(err error) {
		log.Error().Err(err).Msg("task failed")
		cancel()
	})
	var feeds []*stream.Feed
	for _, u := range cfg.Updates {
		feed, err := stream.Subscribe(d, u.Name, u.ID, 0, u.Returns...)
		if err != nil {
			return err
		}
		feeds = append(feeds, feed)
		g.Go(func() error {
			for p, err := range feed.Updates(ctx) {
				if err != nil {
					break
				}
				ev := log.Info().Str("update", u.Name)
				for _, name := range u.Returns {
					if v, ok := p.Fields.Get(name); ok {
						ev = ev.Str(name, v)
					}
				}
				ev.Msg("push")
			}
			if n := feed.Dropped(); n > 0 {
				log.Warn().Str("update", u.Name).Int64("dropped", n).Msg("updates lost")
			}
			return nil
		})
	}

	if listenFlags.MetricsAddr != "" {
		d.Detach()
		reg := newMetricsRegistry("synapse", d.Metrics())
		g.Go(func() error {
			log.Info().Str("addr", listenFlags.MetricsAddr).Msg("serving metrics")
			return serveMetrics(ctx, listenFlags.MetricsAddr, reg)
		})
	}

	dial := func(ctx context.Context) (synapse.Transport, error) {
		log.Debug().Str("addr", cfg.Address).Msg("dialing")
		return channel.Dial(ctx, cfg.Address, cfg.Terminator)
	}
	t, err := dial(ctx)
	if err != nil {
		return err
	}
	if listenFlags.Reconnect {
		d.Reconnect(channel.Redial(dial, cfg.backoff()))
	}
	d.Start(t)
	log.Info().Str("addr", cfg.Address).Msg("listening")

	// Stop when interrupted, or when the device goes away for good.
	exited := make(chan error, 1)
	go func() { exited <- d.Wait() }()
	select {
	case <-ctx.Done():
		d.Stop()
		err = <-exited
	case err = <-exited:
	}
	cancel()
	for _, f := range feeds {
		f.Close()
	}
	g.Wait()
	return err
}

func runSim(env *command.Env) error {
	cfg, log, err := deviceSetup(env)
	if err != nil {
		return err
	}
	network, addr := channel.SplitAddress(cfg.Address)
	lst, err := (&net.ListenConfig{}).Listen(env.Context(), network, addr)
	if err != nil {
		return err
	}
	defer lst.Close()

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	log.Info().Str("addr", lst.Addr().String()).Msg("simulating device")
	return sim.Loop(ctx, sim.NetAccepter(lst, cfg.Terminator), func(peer string) *sim.Device {
		log := log.With().Str("peer", peer).Logger()
		log.Info().Msg("client connected")
		dev := cfg.newDevice().
			LogMessages(func(m synapse.MessageInfo) {
				log.Debug().Bool("sent", m.Sent).Bytes("data", m.Data).Msg("message")
			}).
			OnError(func(err error) {
				log.Warn().Err(err).Msg("device error")
			})
		for _, u := range cfg.Updates {
			if u.EveryMS > 0 {
				dev.Every(time.Duration(u.EveryMS)*time.Millisecond, u.ID, u.values)
			}
		}
		return dev
	})
}

// values returns the values of the nth simulated push of u.
func (u updateConfig) values(n int) []any {
	out := make([]any, len(u.Values))
	for i, v := range u.Values {
		out[i] = v
		if v == "$n" {
			out[i] = n
		}
	}
	return slices.Clip(out)
}
