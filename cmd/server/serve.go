package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/case-ledger/api"
	"github.com/warp/case-ledger/forwarder"
	"github.com/warp/case-ledger/forwarder/kafka"
	"github.com/warp/case-ledger/metrics"
	"github.com/warp/case-ledger/service"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, with KAFKA_BROKERS set, the event forwarder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, e)
		},
	}
}

func serve(ctx context.Context, e *env) error {
	stopTracing, err := e.startTracing(ctx)
	if err != nil {
		return err
	}
	defer stopTracing()

	reg := newRegistry()
	m := metrics.New(reg)

	db, err := openDatabase(ctx, e.cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := service.New(db, service.WithLogger(e.logger), service.WithMetrics(m))
	handler := api.NewHandler(svc, db.Ping, e.logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Logger:         e.logger,
		Metrics:        m,
		Gatherer:       reg,
		AllowedOrigins: e.cfg.AllowedOrigins,
	})
	server := newHTTPServer(e.cfg.HTTPAddr, router)

	var consumer *kafka.Consumer
	if e.cfg.KafkaEnabled() {
		fwd := newForwarder(e, forwarder.NewServiceSink(svc), m)
		consumer, err = kafka.NewConsumer(kafkaConfig(e), fwd, e.logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.logger.Info("http server starting", "addr", e.cfg.HTTPAddr, "driver", e.cfg.DatabaseDriver)
		return listen(server)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(server, e)
	})
	if consumer != nil {
		g.Go(func() error {
			e.logger.Info("forwarder starting", "topic", e.cfg.KafkaTopic, "group", e.cfg.KafkaGroup)
			return consumer.Run(gctx)
		})
	}

	err = g.Wait()
	e.logger.Info("server stopped")
	return err
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func listen(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func shutdown(server *http.Server, e *env) error {
	e.logger.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func newForwarder(e *env, sink forwarder.Sink, m *metrics.Metrics) *forwarder.Forwarder {
	return forwarder.New(sink,
		forwarder.WithLogger(e.logger),
		forwarder.WithMetrics(m),
		forwarder.WithTolerateNotFound(e.cfg.TolerateNotFound),
	)
}

func kafkaConfig(e *env) kafka.Config {
	return kafka.Config{
		Brokers:  e.cfg.KafkaBrokers,
		Topic:    e.cfg.KafkaTopic,
		Group:    e.cfg.KafkaGroup,
		ClientID: e.cfg.KafkaClientID,
	}
}
