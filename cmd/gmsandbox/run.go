package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/app"
	"github.com/GriffinCanCode/gmsandbox/internal/gm"
	"github.com/GriffinCanCode/gmsandbox/internal/host"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/server"
	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/manifest"
	"github.com/GriffinCanCode/gmsandbox/internal/metablock"
	"github.com/GriffinCanCode/gmsandbox/internal/permission"
	"github.com/GriffinCanCode/gmsandbox/internal/resource"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
	"github.com/GriffinCanCode/gmsandbox/internal/store"
	"github.com/GriffinCanCode/gmsandbox/internal/transport"
)

// errScriptsFailed makes the process exit non-zero after the report is printed
var errScriptsFailed = errors.New("one or more scripts failed")

type runOptions struct {
	manifest string
	output   string
	metrics  bool
	keep     bool
	logLevel string
	// config replaces the environment configuration in tests
	config *config.Config
}

func run(ctx context.Context, opts runOptions, out io.Writer) error {
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}

	cfg := opts.config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	m, err := manifest.Load(opts.manifest)
	if err != nil {
		return err
	}
	loaded, err := m.LoadScripts(metablock.NewParser())
	if err != nil {
		return err
	}

	tr, err := newTransport(ctx, cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	st := store.NewMemory(logger)
	res := resource.NewMemory()
	seeder := &manifest.Seeder{Store: st, Resources: res, Transport: tr, Logger: logger}
	if err := seeder.Seed(ctx, m, loaded); err != nil {
		return err
	}

	pageConfig, err := m.PageConfig()
	if err != nil {
		return err
	}
	page, err := host.New(pageConfig, logger)
	if err != nil {
		return err
	}

	metrics := monitoring.NewMetrics()
	rec := gm.NewRecorder()
	mgr := app.NewManager(app.Options{
		Page: page,
		Services: gm.Services{
			Store:      st,
			Transport:  tr,
			Verifier:   permission.NewConnectVerifier(logger),
			Resources:  res,
			Menus:      rec,
			Notifier:   rec,
			Tabs:       rec,
			Clipboard:  rec,
			Downloader: gm.DirDownloader{Dir: cfg.Downloads.Dir},
		},
		Environment: pageEnvironment(page.Config()),
		Config:      cfg.Sandbox,
		Logger:      logger,
		Metrics:     metrics,
	})
	defer mgr.Stop()

	if opts.metrics || cfg.Metrics.Enabled {
		srv := server.New(cfg.Metrics, metrics, statusSource(mgr), logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("debug server shutdown failed", zap.Error(err))
			}
		}()
	}

	drain := cfg.Sandbox.DrainTimeout
	if m.Drain != "" {
		if drain, err = m.DrainTimeout(); err != nil {
			return err
		}
	}

	if err := execute(ctx, mgr, m, loaded, drain, logger); err != nil {
		return err
	}

	rep := buildReport(mgr, page, st, rec)
	if err := rep.write(out, opts.output); err != nil {
		return err
	}

	if opts.keep {
		logger.Info("run finished, serving until interrupted")
		<-ctx.Done()
	}
	if rep.failed() {
		return errScriptsFailed
	}
	return nil
}

// execute drives one run: spawn, start, page ready, events, menu clicks
func execute(ctx context.Context, mgr *app.Manager, m *manifest.Manifest, loaded []manifest.Loaded, drain time.Duration, logger *logging.Logger) error {
	for _, l := range loaded {
		if _, err := mgr.Spawn(ctx, l.Script); err != nil {
			return err
		}
	}

	mgr.Start()
	if n := mgr.Ready(); n > 0 {
		logger.Debug("corrected early-start environments", zap.Int("count", n))
	}

	for _, e := range m.Events {
		if _, err := mgr.Dispatch(e.Type, e.Detail); err != nil {
			return fmt.Errorf("failed to dispatch %s: %w", e.Type, err)
		}
	}
	if err := drainLoop(ctx, mgr, drain, logger); err != nil {
		return err
	}

	for _, click := range m.Menu {
		if err := mgr.ClickMenu(click.Script, click.Command); err != nil {
			return err
		}
		if err := drainLoop(ctx, mgr, drain, logger); err != nil {
			return err
		}
	}
	return nil
}

// drainLoop runs the page loop for at most d. Work still pending after d,
// such as an interval, is reported and left behind.
func drainLoop(ctx context.Context, mgr *app.Manager, d time.Duration, logger *logging.Logger) error {
	drainCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := mgr.Drain(drainCtx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		logger.Info("drain timeout reached with work pending", zap.Duration("timeout", d))
		return nil
	default:
		return err
	}
}

func newTransport(ctx context.Context, cfg config.TransportConfig, logger *logging.Logger) (transport.Transport, error) {
	if cfg.BridgeURL != "" {
		bridge, err := transport.DialBridge(ctx, cfg.BridgeURL, logger)
		if err != nil {
			return nil, err
		}
		return bridge, nil
	}
	return transport.NewHTTP(transport.HTTPConfigFrom(cfg), logger), nil
}

func pageEnvironment(cfg host.Config) types.Environment {
	return types.Environment{
		SandboxMode: "proxy",
		UserAgentData: types.UserAgentData{
			Brands:   []types.Brand{{Brand: "gmsandbox", Version: gm.HandlerVersion}},
			Platform: cfg.Platform,
		},
		TabID: 1,
	}
}

func statusSource(mgr *app.Manager) server.StatusSource {
	return func() []server.ScriptStatus {
		status := mgr.Status()
		out := make([]server.ScriptStatus, len(status))
		for i, s := range status {
			out[i] = server.ScriptStatus{
				ID:      s.ID,
				Name:    s.Name,
				RunFlag: s.RunFlag,
				Mode:    s.Mode,
				State:   s.State.String(),
				Error:   s.Error,
			}
			for _, cmd := range s.Menus {
				out[i].Menus = append(out[i].Menus, cmd.Name)
			}
		}
		return out
	}
}

func parseScript(path string, out io.Writer) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	script, err := metablock.Parse(string(code))
	if err != nil {
		return err
	}
	return writeJSON(out, script)
}
