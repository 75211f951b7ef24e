// Command ship runs the local half of the proxy: a plain HTTP/CONNECT
// listener that forwards every request over a single multiplexed link to a
// shore instance.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shiplink/linkproxy/internal/ship"
	"github.com/shiplink/linkproxy/internal/shipconf"
	"github.com/shiplink/linkproxy/pkg/obslog"
)

func main() {
	root := &cobra.Command{
		Use:   "ship",
		Short: "Run the ship-side forwarding proxy",
	}
	cfg := shipconf.Register(root.Flags())
	root.SilenceUsage = true
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runShip(cfg)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runShip(cfg *shipconf.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := obslog.New(obslog.Options{Level: cfg.LogLevel})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	defer ln.Close()
	log.Infow("ship listening", "addr", cfg.Listen, "server", cfg.Server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lm := ship.NewLinkManager(cfg.Server, cfg.MaxFrame, cfg.BackoffMin, cfg.BackoffMax, log)
	go lm.Run(ctx)

	sched := ship.NewScheduler(ln, lm, cfg, log)
	go sched.Run(ctx)

	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("shutting down", "signal", sig.String())
	cancel()
	return nil
}

func serveMetrics(addr string, log obslog.Logger) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	log.Infow("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
