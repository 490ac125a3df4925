package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/config"
	"github.com/mjasion/balena-home/lywsd03mmc/history"
	"github.com/mjasion/balena-home/lywsd03mmc/profiling"
	"github.com/mjasion/balena-home/lywsd03mmc/telemetry"
)

const programName = "lywsd03mmc"

// ErrInvalidUserInput marks bad arguments or unreadable input files
var ErrInvalidUserInput = errors.New("invalid user input")

type command struct {
	name        string
	description string
	// longRunning commands get the continuous profiler
	longRunning bool
	run         func(ctx context.Context, a *app, args []string) error
}

func commands() []command {
	return []command{
		{name: "info", description: "print device clock, history index and comfort levels", run: runInfo},
		{name: "readdata", description: "read current measurement", run: runReadData},
		{name: "readhistory", description: "read history", run: runReadHistory},
		{name: "printhistory", description: "print and plot a stored history file", run: runPrintHistory},
		{name: "convertmeasurements", description: "aggregate captured measurements into hourly history", run: runConvertMeasurements},
		{name: "listen", description: "listen for live measurements", longRunning: true, run: runListen},
		{name: "scan", description: "scan for nearby thermometers", run: runScan},
		{name: "watch", description: "sync history on a cron schedule", longRunning: true, run: runWatch},
	}
}

func findCommand(name string) (command, bool) {
	for _, cmd := range commands() {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

func commandNames() []string {
	var names []string
	for _, cmd := range commands() {
		names = append(names, cmd.name)
	}
	return names
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "usage: %s [flags] <command> [command flags]\n\n", programName)
	fmt.Fprintln(w, "access Xiaomi Mi Temperature and Humidity Monitor 2 (LYWSD03MMC) device")
	fmt.Fprintln(w, "\ncommands:")
	for _, cmd := range commands() {
		fmt.Fprintf(w, "  %-20s %s\n", cmd.name, cmd.description)
	}
	fmt.Fprintln(w, "\nflags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// run executes one invocation and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(programName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("c", "config.yaml", "Path to configuration file")
	logAll := fs.Bool("logall", false, "Log all messages")
	fs.BoolVar(logAll, "la", false, "Log all messages (shorthand)")
	noLog := fs.Bool("nolog", false, "Disable logging")
	listTools := fs.Bool("listtools", false, "List tools")
	fs.Usage = func() { usage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *listTools {
		fmt.Fprintln(stdout, strings.Join(commandNames(), ", "))
		return 0
	}

	if fs.NArg() == 0 {
		usage(fs, stderr)
		return 1
	}
	cmd, ok := findCommand(fs.Arg(0))
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", fs.Arg(0))
		usage(fs, stderr)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if *logAll {
		cfg.Logging.Level = "debug"
	}

	logger := zap.NewNop()
	if !*noLog {
		logger, err = config.NewLogger(&cfg.Logging)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
			return 1
		}
	}
	defer logger.Sync()
	cfg.PrintConfig(logger.With(zap.String("command", cmd.name)))

	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry providers", zap.Error(err))
		fmt.Fprintf(stderr, "Failed to initialize OpenTelemetry: %v\n", err)
		return 1
	}
	defer func() {
		if otelProviders != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := otelProviders.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
			}
		}
	}()

	if cmd.longRunning {
		profiler, err := profiling.Start(&cfg.Profiling, cmd.name, logger)
		if err != nil {
			logger.Error("failed to initialize profiler", zap.Error(err))
			return 1
		}
		defer func() {
			if err := profiler.Stop(); err != nil {
				logger.Error("failed to shutdown profiler", zap.Error(err))
			}
		}()
	}

	a, err := newApp(cfg, logger, stdout)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return 1
	}

	ctx, span := otel.Tracer("main").Start(ctx, "main."+cmd.name)
	err = cmd.run(ctx, a, fs.Args()[1:])
	span.End()

	return exitCode(err, logger, stderr)
}

func exitCode(err error, logger *zap.Logger, stderr io.Writer) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, history.ErrNoNewEntries):
		logger.Info("no new entries")
		return 0
	case errors.Is(err, context.Canceled):
		logger.Info("stopped")
		return 0
	case errors.Is(err, ErrInvalidUserInput):
		// the subcommand is aborted, only connection and device failures are fatal
		logger.Error("invalid input", zap.Error(err))
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 0
	}
	logger.Error("command failed", zap.Error(err))
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}
