package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/mcphub/internal/config"
	"github.com/loykin/mcphub/internal/history"
	historyfactory "github.com/loykin/mcphub/internal/history/factory"
	"github.com/loykin/mcphub/internal/janitor"
	"github.com/loykin/mcphub/internal/metrics"
	"github.com/loykin/mcphub/internal/server"
	"github.com/loykin/mcphub/internal/store"
	storefactory "github.com/loykin/mcphub/internal/store/factory"
	"github.com/loykin/mcphub/internal/supervisor"
	tlsconf "github.com/loykin/mcphub/internal/tls"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the mcphub daemon",
		Long: `Start the mcphub daemon: the supervisor and its HTTP API.
Configuration is read from the TOML file (optional) and MCPHUB_* variables.

Examples:
  mcphub serve
  mcphub serve mcphub.toml
  mcphub serve --config=mcphub.toml --daemonize --pidfile=/run/mcphub.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(flags *ServeFlags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := startDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	<-ctx.Done()

	d.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.SupervisorConfig().GracePeriod+5*time.Second)
	defer cancel()
	return d.shutdown(sctx)
}

// daemon is a running supervisor with its HTTP API and background jobs.
type daemon struct {
	logger    *slog.Logger
	store     store.Store
	sinks     []history.Sink
	sup       *supervisor.Supervisor
	janitor   *janitor.Janitor
	resources *metrics.ResourceCollector
	http      *http.Server
}

func startDaemon(ctx context.Context, cfg *config.FileConfig) (*daemon, error) {
	logger := cfg.Log.NewSlogger()
	slog.SetDefault(logger)
	d := &daemon{logger: logger}

	st, err := storefactory.NewFromDSN(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st

	for _, dsn := range cfg.History.DSNs {
		sink, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			d.closeResources()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		d.sinks = append(d.sinks, sink)
	}

	globalEnv, err := cfg.BuildEnv()
	if err != nil {
		d.closeResources()
		return nil, fmt.Errorf("environment: %w", err)
	}

	sup, err := supervisor.New(supervisor.Options{
		Config:       cfg.SupervisorConfig(),
		Store:        st,
		Env:          globalEnv,
		HistorySinks: d.sinks,
		Logger:       logger,
	})
	if err != nil {
		d.closeResources()
		return nil, err
	}
	d.sup = sup

	if err := applyConfiguredServers(ctx, sup, cfg.Servers); err != nil {
		logger.Warn("failed to apply configured servers", "error", err)
	}
	if err := sup.Recover(ctx); err != nil {
		logger.Warn("recovery failed", "error", err)
	}

	if cfg.Retention.Enabled {
		j, err := janitor.New(cfg.Retention, st, logger)
		if err != nil {
			_ = d.shutdown(ctx)
			return nil, err
		}
		if err := j.Start(); err != nil {
			_ = d.shutdown(ctx)
			return nil, err
		}
		d.janitor = j
	}

	var opts []server.Option
	opts = append(opts, server.WithLogger(logger))
	tlsCfg, err := tlsconf.Setup(cfg.Server.TLS)
	if err != nil {
		_ = d.shutdown(ctx)
		return nil, fmt.Errorf("tls: %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, server.WithTLS(tlsCfg))
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			logger.Warn("failed to register metrics", "error", err)
		}
		rc := metrics.NewResourceCollector(cfg.Metrics.Resource)
		if err := rc.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			logger.Warn("failed to register resource metrics", "error", err)
		}
		rc.Start(context.Background(), sup.PIDs)
		d.resources = rc
		opts = append(opts, server.WithMetrics())
	}

	d.http = server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, sup, opts...)
	logger.Info("mcphub started", "listen", d.http.Addr, "base_path", cfg.Server.BasePath, "tls", tlsCfg != nil, "store", cfg.Store.DSN)
	return d, nil
}

// applyConfiguredServers creates servers listed in the config file and
// brings existing ones in line with it.
func applyConfiguredServers(ctx context.Context, sup *supervisor.Supervisor, entries []config.ServerEntry) error {
	var errs []error
	for _, e := range entries {
		spec := e.Spec()
		_, err := sup.GetServer(ctx, spec.ID)
		switch {
		case supervisor.IsNotFound(err):
			_, err = sup.CreateServer(ctx, spec)
		case err == nil:
			_, err = sup.UpdateServer(ctx, spec.ID, supervisor.ServerUpdate{
				Name:        &spec.Name,
				Description: &spec.Description,
				Type:        &spec.Type,
				Command:     &spec.Command,
				Environment: &spec.Environment,
				WorkDir:     &spec.WorkDir,
				Port:        &spec.Port,
				AutoStart:   &spec.AutoStart,
			})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", spec.ID, err))
		}
	}
	return errors.Join(errs...)
}

// httpShutdownTimeout bounds the HTTP drain; what is left of the shutdown
// budget goes to stopping servers.
const httpShutdownTimeout = 2 * time.Second

func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if d.http != nil {
		hctx, cancel := context.WithTimeout(ctx, httpShutdownTimeout)
		if err := d.http.Shutdown(hctx); err != nil {
			d.logger.Warn("http shutdown incomplete; closing connections", "error", err)
			_ = d.http.Close()
		}
		cancel()
	}
	if d.janitor != nil {
		d.janitor.Stop()
	}
	if d.resources != nil {
		d.resources.Stop()
	}
	if d.sup != nil {
		if err := d.sup.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *daemon) closeResources() error {
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	d.sinks = nil
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
		d.store = nil
	}
	return errors.Join(errs...)
}
