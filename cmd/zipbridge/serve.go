package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/zipbridge/internal/metrics"
	"github.com/shaunagostinho/zipbridge/internal/server"
	"github.com/shaunagostinho/zipbridge/internal/sim"
	"github.com/shaunagostinho/zipbridge/internal/transport"
	"github.com/shaunagostinho/zipbridge/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Println("[main] zipbridge starting")

	cfg := server.LoadConfig(configPath)
	if portName != "" {
		cfg.Serial.Port = portName
	}
	if baudRate > 0 {
		cfg.Serial.Baud = baudRate
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	var open transport.Opener
	if demo {
		log.Println("[main] demo mode: using simulated firmware")
		cfg.Serial.Port = "sim"
		open = sim.Opener(sim.DemoOptions())
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("[main] invalid config: %v", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Println("[main] shutting down")
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	engine := server.NewEngine(cfg, open, m)
	srv := server.New(cfg, engine, m, reg, web.FS)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	if err := g.Wait(); err != nil {
		log.Printf("[main] exited: %v", err)
		return err
	}
	log.Println("[main] bye")
	return nil
}
