package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"nhbpeer/config"
	"nhbpeer/observability/logging"
	telemetry "nhbpeer/observability/otel"
)

const (
	serviceName   = "nhb-peer"
	defaultConfig = "./nhb-peer.toml"
)

// version is stamped at build time.
var version = "dev"

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int
}

var commands = map[string]command{
	"ping":   {"ping <host:port> [-timeout d] [-force]", runPing},
	"peers":  {"peers <host:port>", runPeers},
	"blocks": {"blocks <host:port> -from h [-limit n] [-headers] [-store]", runBlocks},
	"common": {"common <host:port> <id>...", runCommon},
	"ports":  {"ports <host:port>", runPorts},
	"watch":  {"watch [-listen addr]", runWatch},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	logLevel := fs.String("log-level", "info", "Minimum log level (debug, info, warn, error)")
	env := fs.String("env", strings.TrimSpace(os.Getenv("NHB_ENV")), "Deployment environment attached to logs and telemetry")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load config: %v\n", err)
		return 1
	}
	if err := config.ApplyEnvOverrides(cfg, os.LookupEnv); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logger, logCloser := logging.Setup(serviceName, *env,
		logging.WithWriter(stderr),
		logging.WithLevel(logging.ParseLevel(*logLevel)),
		logging.WithFile(cfg.LogFile, 100, 5))
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := initTelemetry(ctx, cfg, *env, logger)
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("Failed to start", slog.Any("error", err))
		return 1
	}
	defer a.Close()

	return cmd.run(ctx, a, rest[1:], stdout, stderr)
}

func initTelemetry(ctx context.Context, cfg *config.Config, env string, logger *slog.Logger) (telemetry.ShutdownFunc, error) {
	tc := cfg.Telemetry
	endpoint := tc.Endpoint
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); value != "" {
		endpoint = value
	}
	insecure := tc.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	headers := telemetry.MergeHeaders(tc.Headers, telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")))
	if tc.Metrics || tc.Traces {
		logger.Info("Telemetry exporters enabled",
			slog.String("endpoint", endpoint),
			slog.Bool("metrics", tc.Metrics),
			slog.Bool("traces", tc.Traces),
			logging.MaskHeaders("headers", headers))
	}
	return telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    env,
		Endpoint:       endpoint,
		Insecure:       insecure,
		Headers:        headers,
		Metrics:        tc.Metrics,
		Traces:         tc.Traces,
	})
}

func usage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Usage: nhb-peer [-config path] [-log-level level] [-env name] <command> [args]\n\nCommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s\n", commands[name].summary)
	}
	return strings.TrimRight(b.String(), "\n")
}
