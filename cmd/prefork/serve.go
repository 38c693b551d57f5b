package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/prefork"
)

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the worker pool",
		Long: `Run a pool of HTTP workers on a shared listening socket.

Configuration is resolved from the TOML file (if given), then PREFORK_*
environment variables, then flags. The bare PORT variable is also honored.

Signals:
  SIGHUP          rolling reload
  SIGTERM/SIGINT  graceful shutdown; repeat for immediate shutdown

Examples:
  prefork serve
  prefork serve config.toml
  prefork serve --port=9000 --workers=4 --upstream=http://127.0.0.1:5000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := serveFlags.ConfigPath
			if configPath == "" {
				configPath = globalFlags.ConfigPath
			}
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(configPath, serveFlags, cmd.Flags().Changed)
		},
	}

	cmd.Flags().StringVar(&serveFlags.Bind, "bind", "", "bind address")
	cmd.Flags().IntVar(&serveFlags.Port, "port", 0, "listen port")
	cmd.Flags().IntVar(&serveFlags.Workers, "workers", 0, "number of workers")
	cmd.Flags().StringVar(&serveFlags.Upstream, "upstream", "", "proxy requests to this base URL")

	return cmd
}

func runServe(configPath string, flags *ServeFlags, changed func(string) bool) error {
	cfg, err := prefork.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Flags win over file and environment, but only when set explicitly.
	if changed("bind") {
		cfg.BindAddress = flags.Bind
	}
	if changed("port") {
		cfg.Port = flags.Port
	}
	if changed("workers") {
		cfg.Workers = flags.Workers
	}
	if changed("upstream") {
		cfg.Upstream = flags.Upstream
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	app, err := buildHandler(cfg.Upstream)
	if err != nil {
		return err
	}

	sup := prefork.New(cfg, app)

	if cfg.StoreDSN != "" {
		if err := sup.UseStore(cfg.StoreDSN); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if cfg.History.ClickHouseAddr != "" {
		if err := sup.UseClickHouseHistory(cfg.History.ClickHouseAddr, cfg.History.ClickHouseTable); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}

	if err := prefork.RegisterMetricsDefault(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "warning: metrics registration: %v\n", err)
	}

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("listening on %s with %d workers\n", sup.Addr(), cfg.Workers)

	var ctl *http.Server
	if cfg.ControlListen != "" {
		ctl, err = prefork.NewControlServer(cfg.ControlListen, cfg.ControlBasePath, sup)
		if err != nil {
			_ = sup.Shutdown(ctx, false)
			return fmt.Errorf("control server: %w", err)
		}
		fmt.Printf("control API on http://%s%s\n", cfg.ControlListen, cfg.ControlBasePath)
	}

	err = waitSignals(ctx, sup, cfg.GracefulShutdownTimeout)

	if ctl != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = ctl.Shutdown(cctx)
		cancel()
	}
	return err
}

// waitSignals blocks until the pool exits, handling reload and shutdown
// signals along the way. A second termination signal forces immediate exit.
func waitSignals(ctx context.Context, sup *prefork.Supervisor, gracePeriod time.Duration) error {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	stopping := false
	for {
		select {
		case <-sup.Done():
			return sup.Err()
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if stopping {
					continue
				}
				go func() {
					rctx, cancel := context.WithTimeout(ctx, 2*gracePeriod)
					defer cancel()
					if err := sup.Reload(rctx); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "reload: %v\n", err)
					}
				}()
			case syscall.SIGTERM, syscall.SIGINT:
				if stopping {
					// Second signal: stop waiting for drains.
					go func() { _ = sup.Shutdown(ctx, false) }()
					continue
				}
				stopping = true
				fmt.Println("shutting down, draining workers...")
				go func() {
					sctx, cancel := context.WithTimeout(ctx, gracePeriod+5*time.Second)
					defer cancel()
					_ = sup.Shutdown(sctx, true)
				}()
			}
		}
	}
}
