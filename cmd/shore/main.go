// Command shore runs the offshore half of the proxy: it accepts a single
// link connection from a ship instance and dials real origins on its
// behalf.
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

	"github.com/shiplink/linkproxy/internal/shore"
	"github.com/shiplink/linkproxy/internal/shoreconf"
	"github.com/shiplink/linkproxy/pkg/obslog"
)

func main() {
	root := &cobra.Command{
		Use:   "shore",
		Short: "Run the shore-side dispatcher",
	}
	cfg := shoreconf.Register(root.Flags())
	root.SilenceUsage = true
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runShore(cfg)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runShore(cfg *shoreconf.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := obslog.New(obslog.Options{Level: cfg.LogLevel})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	defer ln.Close()
	log.Infow("shore listening", "addr", cfg.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := shore.NewDispatcher(ln, cfg, log)
	go d.Run(ctx)

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
