// sessionflow consumes session recording events for one lane and writes
// batched session blocks to the recordings topic.
//
// Configuration is read from an optional YAML file (--config) and
// SESSIONFLOW_* environment variables. Flags override both.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/drblury/sessionflow"
	_ "github.com/drblury/sessionflow/transport/transports"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		lane        string
		transport   string
		logLevel    string
		metricsPort int
	)

	flagSet := pflag.NewFlagSet("sessionflow", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	flagSet.StringVar(&lane, "lane", "", "lane to consume: main or overflow")
	flagSet.StringVar(&transport, "producer-transport", "", "producer transport name")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.IntVar(&metricsPort, "metrics-port", 0, "serve /metrics, /health and /status on this port")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := sessionflow.NewSlogServiceLogger(
		slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	)

	cfg, err := sessionflow.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("lane") {
		cfg.Lane = lane
	}
	if flagSet.Changed("producer-transport") {
		cfg.ProducerTransport = transport
	}
	if flagSet.Changed("metrics-port") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = metricsPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := sessionflow.NewService(&cfg, logger, ctx, sessionflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
}
