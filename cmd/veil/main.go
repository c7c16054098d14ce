// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/veil/pkg/config"
	"github.com/mbeema/veil/pkg/debugloop"
	"github.com/mbeema/veil/pkg/health"
	"github.com/mbeema/veil/pkg/hook"
	"github.com/mbeema/veil/pkg/memory"
	"github.com/mbeema/veil/pkg/module"
	"github.com/mbeema/veil/pkg/patcher"
	"github.com/mbeema/veil/pkg/stealth"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const usage = `usage: veil [flags] <command> [args]

commands:
  attach -pid N [-profile NAME]   attach to a process with concealment applied
  profiles                        list configured profiles
  exceptions                      list the known-exception catalogue
  version                         show version

flags:
`

func main() {
	var (
		configPath string
		logLevel   string
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file (default "+config.DefaultPath()+")")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if flag.Arg(0) == "version" {
		fmt.Printf("veil %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	store := config.NewStore(configPath)
	cfg, err := store.Snapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "profiles":
		renderProfiles(os.Stdout, cfg)
	case "exceptions":
		renderExceptions(os.Stdout, cfg)
	case "attach":
		if logLevel == "" {
			logLevel = cfg.LogLevel
		}
		if err := runAttach(store, logLevel, flag.Args()[1:]); err != nil {
			if errors.Is(err, memory.ErrUnsupported) {
				fmt.Fprintln(os.Stderr, "attach: debugging requires Windows")
			} else {
				fmt.Fprintf(os.Stderr, "attach: %v\n", err)
			}
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}
}

func runAttach(store *config.Store, logLevel string, args []string) error {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	pid := fs.Uint("pid", 0, "process id to attach to")
	profile := fs.String("profile", "", "profile to attach with (default: current_profile)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pid == 0 {
		return errors.New("-pid is required")
	}

	cfg, err := store.Snapshot()
	if err != nil {
		return err
	}
	if *profile != "" {
		if _, ok := cfg.Profile(*profile); !ok {
			return fmt.Errorf("profile %q is not defined in %s", *profile, cfg.DefaultConfigFile())
		}
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting veil",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config", cfg.DefaultConfigFile()),
	)

	resolver := module.System()
	hooks := hook.NewManager(memory.Local(), resolver, logger.Named("hook"))
	defer func() {
		if err := hooks.RemoveAll(); err != nil {
			logger.Error("failed to remove hooks", zap.Error(err))
		}
	}()

	loop := debugloop.New(logger.Named("debugloop"))
	engine := stealth.NewEngine(hooks,
		patcher.New(resolver, memory.Local(), memory.Processes(), logger.Named("patcher"),
			patcher.WithPristine(hooks)),
		store, loop, logger.Named("stealth"))
	repl, err := stealth.NewReplacements(engine, hooks)
	if err != nil {
		return fmt.Errorf("build hook replacements: %w", err)
	}
	engine.SetReplacements(repl)
	loop.SetDispatcher(engine)

	// local stealth for the attach profile is in place before the attach
	// call so the attach-entry hook sees it
	engine.Prepare(*profile)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var srv *health.Server
	if cfg.Health.Enabled {
		stats := health.NewStats(health.Sources{Engine: engine, Hooks: hooks, Loop: loop})
		srv = health.NewServer(cfg.Health.Addr, version, stats, logger.Named("health"))
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer srv.Stop()
	}

	watcher := config.NewWatcher(store, engine.Reload, logger.Named("config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, live edits disabled", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	// SIGHUP forces a reload like a file edit would
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-hupCh:
				logger.Info("received SIGHUP, reloading configuration")
				newCfg, err := store.Reload()
				if err != nil {
					logger.Error("failed to reload config", zap.Error(err))
					continue
				}
				engine.Reload(newCfg)
			case <-ctx.Done():
				return
			}
		}
	}()

	if srv != nil {
		srv.SetReady(true)
	}

	err = loop.Run(ctx, debugloop.Target{
		PID:        uint32(*pid),
		ConfigFile: store.Path(),
		Profile:    *profile,
	})
	if err != nil {
		return err
	}

	st := engine.Stats()
	logger.Info("veil stopped",
		zap.Uint64("debug_events", loop.Events()),
		zap.Uint64("exceptions", st.Exceptions),
		zap.Uint64("suppressed", st.Suppressed),
		zap.Uint64("debug_prints_hidden", st.DebugPrints),
		zap.Uint64("diagnostics", st.Diagnostics),
	)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}

func renderProfiles(w io.Writer, cfg *config.Config) {
	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleColoredBright)
	t.AppendHeader(table.Row{"Profile", "Current", "DbgPrintException", "KillAntiAttach", "PassExceptions"})
	for _, name := range names {
		p := cfg.Profiles[name]
		current := ""
		if name == cfg.CurrentProfile() {
			current = "*"
		}
		t.AppendRow(table.Row{name, current, onOff(p.DbgPrintException), onOff(p.KillAntiAttach), onOff(p.PassExceptions)})
	}
	t.Render()
}

func renderExceptions(w io.Writer, cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleColoredBright)
	t.AppendHeader(table.Row{"Code", "Description"})
	for _, exc := range cfg.KnownExceptions() {
		t.AppendRow(table.Row{fmt.Sprintf("0x%08X", exc.Code), exc.Description})
	}
	t.AppendFooter(table.Row{"Total", len(cfg.KnownExceptions())})
	t.Render()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
