// Package main provides the CLI entry point for benchtool, a load
// generator measuring the REST API of a Fedora Commons repository.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// Interrupting a run aborts it; open transactions are rolled back and
	// the failed run is still recorded.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := newRootCmd(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand shares once flags are resolved.
type app struct {
	v      *viper.Viper
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	logFile io.Closer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		v:      viper.New(),
		logger: slog.New(slog.DiscardHandler),
		stdout: stdout,
		stderr: stderr,
	}

	root := &cobra.Command{
		Use:   "benchtool",
		Short: "Benchmark a Fedora Commons repository",
		Long: `Benchtool drives a fixed number of identical actions (ingest, read,
update, delete, transactions or SPARQL metadata updates) against a Fedora
repository from a pool of concurrent workers and reports their timing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.String("config", "",
		"YAML file with flag values (keys match flag names)")
	flags.String("log-level", "info",
		"Log level: debug, info, warn, error")
	flags.String("log-format", "text",
		"Log format: text, json")
	flags.String("log-file", "",
		"Also write application logs to this file, rotated by size")

	root.AddCommand(newRunCmd(a), newProbeCmd(a), newHistoryCmd(a))

	return root
}

// setup binds the executing command's flags, reads the optional config file
// and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	a.v.SetEnvPrefix("BENCHTOOL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if path := strings.TrimSpace(a.v.GetString("config")); path != "" {
		a.v.SetConfigFile(path)

		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	logger, closer, err := newLogger(a.stderr, logSettings{
		Level:  a.v.GetString("log-level"),
		Format: a.v.GetString("log-format"),
		File:   a.v.GetString("log-file"),
	})
	if err != nil {
		return err
	}

	a.logger = logger
	a.logFile = closer

	return nil
}

func (a *app) close() error {
	if a.logFile == nil {
		return nil
	}

	return a.logFile.Close()
}

type logSettings struct {
	Level  string
	Format string
	File   string
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}

	return level, nil
}

// newLogger builds the application logger on stderr, teeing into a
// rotating file when one is configured.
func newLogger(stderr io.Writer, cfg logSettings) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	w := stderr

	var closer io.Closer
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		}
		w = io.MultiWriter(stderr, rotating)
		closer = rotating
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return slog.New(handler), closer, nil
}
