/*
main.go - Application entry point

PURPOSE:
  Starts the case ledger. One binary, three commands:

    serve     HTTP API, plus an in-process Kafka forwarder when brokers
              are configured
    forward   Kafka forwarder only, delivering to a remote API (LEDGER_URL)
    migrate   Apply the database schema and exit

STARTUP SEQUENCE (serve):
  1. Load configuration from the environment
  2. Open the store (SQLite or Postgres) and migrate
  3. Build the service, HTTP handler and router
  4. Start the HTTP server and, optionally, the Kafka consumer
  5. Wait for SIGINT/SIGTERM or the first component failure

GRACEFUL SHUTDOWN:
  On signal, or when any component fails:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Leave the consumer group
  4. Close the database

ENVIRONMENT:
  See config/config.go. The common ones:
    HTTP_ADDR         listen address (default :8080)
    DATABASE_DRIVER   sqlite | postgres (default sqlite)
    DATABASE_URL      file path or postgres DSN
    KAFKA_BROKERS     comma separated; empty disables the forwarder
    LEDGER_URL        API base URL for the forward command
    OTEL_EXPORTER_OTLP_ENDPOINT
                      OTLP/HTTP collector; empty disables tracing

EXAMPLES:
  # Local development with SQLite
  DATABASE_URL=./data/ledger.db ./server serve

  # In-memory database
  DATABASE_URL=":memory:" ./server serve

  # Forwarder against a running API
  KAFKA_BROKERS=localhost:9092 LEDGER_URL=http://localhost:8080 ./server forward

SEE ALSO:
  - api/server.go: Router configuration
  - forwarder/forwarder.go: Event handling and retries
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Storage
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/case-ledger/config"
	"github.com/warp/case-ledger/logging"
	"github.com/warp/case-ledger/tracing"
)

const serviceName = "case-ledger"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every command starts from.
type env struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	e := &env{}

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Case ledger: per-subject case history with revision tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.logger = logger
			return nil
		},
	}

	cmd.AddCommand(newServeCommand(e))
	cmd.AddCommand(newForwardCommand(e))
	cmd.AddCommand(newMigrateCommand(e))

	return cmd
}

// startTracing installs the tracer provider. The returned func flushes it.
func (e *env) startTracing(ctx context.Context) (func(), error) {
	shutdown, err := tracing.Setup(ctx, serviceName, e.cfg.OTelEndpoint)
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			e.logger.Warn("flushing traces failed", "error", err)
		}
	}, nil
}
