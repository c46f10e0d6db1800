package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/case-ledger/api"
	"github.com/warp/case-ledger/forwarder/kafka"
	"github.com/warp/case-ledger/metrics"
)

func newForwardCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "forward",
		Short: "Consume case events from Kafka and deliver them to the API at LEDGER_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return forward(ctx, e)
		},
	}
}

// forward runs the consumer plus a probe and metrics listener on HTTP_ADDR.
func forward(ctx context.Context, e *env) error {
	stopTracing, err := e.startTracing(ctx)
	if err != nil {
		return err
	}
	defer stopTracing()

	reg := newRegistry()
	m := metrics.New(reg)

	fwd := newForwarder(e, api.NewClient(e.cfg.LedgerURL, nil), m)
	consumer, err := kafka.NewConsumer(kafkaConfig(e), fwd, e.logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	r := chi.NewRouter()
	r.Get("/isalive", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ALIVE"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := newHTTPServer(e.cfg.HTTPAddr, r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listen(server)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(server, e)
	})
	g.Go(func() error {
		e.logger.Info("forwarder starting",
			"topic", e.cfg.KafkaTopic,
			"group", e.cfg.KafkaGroup,
			"ledger_url", e.cfg.LedgerURL,
		)
		err := consumer.Run(gctx)
		if err == nil {
			// Stop the listener once the consumer is done.
			return context.Canceled
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	e.logger.Info("forwarder stopped")
	return err
}
