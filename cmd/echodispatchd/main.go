// Command echodispatchd runs one replica of the delayed-dispatch engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/echodispatch/internal/config"
	"github.com/joeycumines/echodispatch/internal/dispatch"
	"github.com/joeycumines/echodispatch/internal/ingress"
	"github.com/joeycumines/echodispatch/internal/logging"
	"github.com/joeycumines/echodispatch/internal/metrics"
	"github.com/joeycumines/echodispatch/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	app := &cli.App{
		Name:  "echodispatchd",
		Usage: "run one replica of the delayed-message echo service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML configuration file",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve Prometheus metrics on",
				Value: ":9090",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("echodispatchd: %w", err)
	}

	logger := logging.New(logging.Config{})
	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	cmdClient := redis.NewClient(&redis.Options{Addr: cfg.Store.Addr})
	subClient := redis.NewClient(&redis.Options{Addr: cfg.Store.Addr})
	gateway := store.New(cmdClient, subClient)
	defer gateway.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := gateway.Subscribe(ctx, cfg.Store.Retry)
	defer sub.Close()

	engine := dispatch.New(dispatch.Config{
		Store:   gateway,
		Events:  sub.Events(),
		Logger:  logger,
		Metrics: recorder,
	})

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("echodispatchd: startup bootstrap: %w", err)
	}

	front := ingress.New(ingress.Config{
		Engine:       engine,
		Ready:        engine,
		Logger:       logger,
		MaxPerSecond: cfg.Ingress.MaxSubmissionsPerSecond,
	})
	ingressServer := &http.Server{Addr: cfg.Ingress.ListenAddr, Handler: front}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: c.String("metrics-addr"), Handler: metricsMux}

	errs := make(chan error, 2)
	go func() { errs <- ingressServer.ListenAndServe() }()
	go func() { errs <- metricsServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			logger.Err().Err(err).Log("echodispatchd: server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = ingressServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Err().Err(err).Log("echodispatchd: engine shutdown did not complete cleanly")
	}

	return nil
}
