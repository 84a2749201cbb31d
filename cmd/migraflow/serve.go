package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/migraflow/internal/engine"
	"github.com/rendis/migraflow/internal/scheduler"
	"github.com/rendis/migraflow/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the MCP tools over SSE (or stdio) and run scheduled workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "HTTP listen address",
				Sources: cli.EnvVars("MIGRAFLOW_LISTEN_ADDR"),
			},
			&cli.BoolFlag{
				Name:  "stdio",
				Usage: "Serve MCP over stdin/stdout instead of HTTP",
			},
			&cli.BoolFlag{
				Name:  "no-scheduler",
				Usage: "Do not run scheduled workflows",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg := serveConfig(command)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := writePID(); err != nil {
				a.logger.Warn("write pid file", "error", err)
			}
			defer os.Remove(pidPath())

			srv := mcp.NewServer(mcp.ServerDeps{
				Engine: a.engine,
				Hub:    a.hub,
				Logger: a.logger.With("component", "mcp"),
			})

			if cfg.Scheduler {
				sched := scheduler.NewScheduler(a.engine, a.logger.With("component", "scheduler"), 0)
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer func() {
					if err := sched.Stop(); err != nil {
						a.logger.Warn("stop scheduler", "error", err)
					}
				}()
			}

			go watchReload(ctx, a, func() Config { return serveConfig(command) })

			if command.Bool("stdio") {
				a.logger.Info("serving mcp over stdio")
				return srv.Serve(ctx)
			}
			return serveHTTP(ctx, a, srv)
		},
	}
}

func serveConfig(command *cli.Command) Config {
	cfg := configFrom(command)
	cfg.LogJSON = true
	if command.IsSet("listen") {
		if cfg.BaseURL == "http://localhost"+cfg.ListenAddr {
			cfg.BaseURL = "http://localhost" + command.String("listen")
		}
		cfg.ListenAddr = command.String("listen")
	}
	if command.Bool("no-scheduler") {
		cfg.Scheduler = false
	}
	return cfg
}

func serveHTTP(ctx context.Context, a *app, srv *mcp.Server) error {
	mux := http.NewServeMux()
	mux.Handle("/", srv.SSEHandler(ctx, a.cfg.BaseURL))
	mux.Handle("/healthz", healthHandler(a.engine))
	swapper := newHandlerSwapper(mux)

	httpSrv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
		// SSE streams end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	a.logger.Info("migraflow listening", "addr", a.cfg.ListenAddr, "base_url", a.cfg.BaseURL)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	swapper.Swap(drainingHandler())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
		return httpSrv.Close()
	}
	return nil
}

type poolStats interface {
	PoolMetrics() engine.PoolMetrics
}

// healthHandler reports liveness with the run pool counters.
func healthHandler(pool poolStats) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status string             `json:"status"`
			Runs   engine.PoolMetrics `json:"runs"`
		}{Status: "ok", Runs: pool.PoolMetrics()})
	})
}

// watchReload re-reads the configuration on SIGHUP.
func watchReload(ctx context.Context, a *app, load func() Config) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.logger.Info("reloading config")
			a.reload(load())
		}
	}
}

func writePID() error {
	if err := os.MkdirAll(migraflowDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}
