package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/unitrade-orders/internal/app"
	"github.com/ariefcatur/unitrade-orders/internal/config"
	"github.com/ariefcatur/unitrade-orders/internal/httpx"
	kafkax "github.com/ariefcatur/unitrade-orders/internal/kafka"
	"github.com/ariefcatur/unitrade-orders/internal/listener"
	"github.com/ariefcatur/unitrade-orders/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.MustNewLogger(cfg.ServiceName+"-worker", cfg.Env)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("startup_failed", zap.Error(err))
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	l := listener.New(a.Orders, a.Carts)
	for dest, h := range l.Routes() {
		h := h
		topic := dest.Topic()
		c := kafkax.NewConsumer(kafkax.NewReader(cfg.KafkaBrokers, cfg.ConsumerGroup, topic), topic, cfg.ConsumerWorkers, logger)
		g.Go(func() error {
			logger.Info("consumer_started", zap.String("topic", topic), zap.String("group", cfg.ConsumerGroup))
			return c.Start(gctx, h)
		})
	}
	g.Go(func() error { return a.Delay.Run(gctx) })

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: httpx.NewRouter(logger, prometheus.DefaultGatherer), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics listener")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker_stopped", zap.Error(err))
	}
	logger.Info("shutting_down")
}
