package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fcrepo4-archive/benchtool/fedora"
	"github.com/fcrepo4-archive/benchtool/harness"
	"github.com/fcrepo4-archive/benchtool/history"
	"github.com/fcrepo4-archive/benchtool/metrics"
	"github.com/fcrepo4-archive/benchtool/report"
	"github.com/fcrepo4-archive/benchtool/workload"
)

const defaultFedoraURL = "http://localhost:8080"

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a benchmark against a repository",
		Long: `Execute --num-actions actions of one kind on --num-threads workers and
print a report of the measured durations and throughput. Per-action
durations are written to the --log file, one millisecond value per line.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadRunOptions(a.v)
			if err != nil {
				return err
			}

			return runBenchmark(cmd.Context(), a, opts)
		},
	}

	flags := cmd.Flags()
	addConnectionFlags(flags)
	flags.StringP("action", "a", "create",
		"Action to benchmark: "+actionNames())
	flags.IntP("num-actions", "n", 1,
		"Number of actions to execute")
	flags.StringP("size", "s", "1024",
		"Datastream size in bytes (accepts values like 10MiB)")
	flags.IntP("num-threads", "t", 1,
		"Number of concurrent workers")
	flags.StringP("log", "l", "durations.log",
		"File receiving one duration per action")
	flags.String("dialect", "auto",
		"Repository API: auto, fcrepo3, fcrepo4")
	flags.String("transaction", "none",
		"Wrap all actions in one transaction: none, commit, rollback")
	flags.Bool("existing", false,
		"Read, update or delete objects already in the repository, picked at random")
	flags.String("id-prefix", "",
		"Use <prefix>-<start>-<n> resource ids instead of UUIDs")
	flags.Int64("seed", 0,
		"Seed for the random payload (0 = use current time)")
	flags.String("format", "markdown",
		"Report format: markdown, json, yaml")
	flags.String("metrics-listen", "",
		"Serve Prometheus metrics on this address during the run")
	flags.String("pushgateway", "",
		"Push metrics to this Pushgateway URL after the run")
	flags.String("history-db", "",
		"Record the run in this SQLite database")

	return cmd
}

// addConnectionFlags registers the flags locating and authenticating
// against the repository.
func addConnectionFlags(flags *pflag.FlagSet) {
	flags.StringP("fedora-url", "f", defaultFedoraURL,
		"Repository base URL")
	flags.StringP("user", "u", "",
		"User for basic authentication")
	flags.StringP("password", "p", "",
		"Password for basic authentication")
	flags.Duration("request-timeout", 0,
		"Timeout for each request (0 = none)")
}

func actionNames() string {
	names := make([]string, 0, len(harness.Actions()))
	for _, a := range harness.Actions() {
		names = append(names, a.String())
	}

	return strings.Join(names, ", ")
}

// runOptions is the validated configuration of the run command.
type runOptions struct {
	FedoraURL      string
	User           string
	Password       string
	Dialect        fedora.Dialect
	RequestTimeout time.Duration

	Bench harness.Config

	DurationLog string
	IDPrefix    string
	Seed        int64
	Format      report.Format

	MetricsListen string
	Pushgateway   string
	HistoryDB     string
}

// loadRunOptions resolves flags, environment and config file values. Every
// configuration error surfaces here, before any request is sent.
func loadRunOptions(v *viper.Viper) (runOptions, error) {
	opts := runOptions{
		FedoraURL:      strings.TrimRight(strings.TrimSpace(v.GetString("fedora-url")), "/"),
		User:           v.GetString("user"),
		Password:       v.GetString("password"),
		RequestTimeout: v.GetDuration("request-timeout"),
		DurationLog:    v.GetString("log"),
		IDPrefix:       v.GetString("id-prefix"),
		Seed:           v.GetInt64("seed"),
		MetricsListen:  v.GetString("metrics-listen"),
		Pushgateway:    v.GetString("pushgateway"),
		HistoryDB:      v.GetString("history-db"),
	}

	if opts.FedoraURL == "" {
		opts.FedoraURL = defaultFedoraURL
	}

	var err error

	if opts.Bench.Action, err = harness.ParseAction(v.GetString("action")); err != nil {
		return runOptions{}, err
	}

	size, err := humanize.ParseBytes(v.GetString("size"))
	if err != nil {
		return runOptions{}, fmt.Errorf("invalid size %q: %w", v.GetString("size"), err)
	}

	if size > math.MaxInt64 {
		return runOptions{}, fmt.Errorf("size %q exceeds the largest supported size of %s",
			v.GetString("size"), humanize.IBytes(math.MaxInt64))
	}

	opts.Bench.SizeBytes = int64(size)
	opts.Bench.Existing = v.GetBool("existing")
	opts.Bench.NumActions = v.GetInt("num-actions")
	opts.Bench.NumThreads = v.GetInt("num-threads")

	if opts.Bench.Transaction, err = harness.ParseTransactionMode(v.GetString("transaction")); err != nil {
		return runOptions{}, err
	}

	if opts.Dialect, err = fedora.ParseDialect(v.GetString("dialect")); err != nil {
		return runOptions{}, err
	}

	if opts.Format, err = report.ParseFormat(v.GetString("format")); err != nil {
		return runOptions{}, err
	}

	if opts.RequestTimeout < 0 {
		return runOptions{}, fmt.Errorf("request timeout cannot be negative, got %s", opts.RequestTimeout)
	}

	if err := opts.Bench.Validate(); err != nil {
		return runOptions{}, err
	}

	return opts, nil
}

func runBenchmark(ctx context.Context, a *app, opts runOptions) error {
	runID := history.NewRunID()
	logger := a.logger.With(slog.String("run_id", runID))

	gen := workload.NewGenerator(workload.Config{
		Seed:     opts.Seed,
		IDPrefix: opts.IDPrefix,
	})

	logger.InfoContext(ctx, "starting benchmark",
		slog.String("fedora_url", opts.FedoraURL),
		slog.String("action", opts.Bench.Action.String()),
		slog.Int("num_actions", opts.Bench.NumActions),
		slog.Int("num_threads", opts.Bench.NumThreads),
		slog.String("size", humanize.IBytes(uint64(opts.Bench.SizeBytes))),
		slog.Int64("seed", gen.Seed()),
	)

	transport := fedora.NewTransport(fedora.Options{
		BaseURL:  opts.FedoraURL,
		User:     opts.User,
		Password: opts.Password,
		Timeout:  opts.RequestTimeout,
	})

	client, dialect, err := fedora.NewClient(ctx, opts.Dialect, transport, gen)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.FedoraURL, err)
	}

	logger.InfoContext(ctx, "repository detected", slog.String("dialect", dialect.String()))

	recorder := metrics.NewRecorder()

	if opts.MetricsListen != "" {
		srv, err := recorder.Serve(opts.MetricsListen, logger)
		if err != nil {
			return err
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sink := harness.OpenDurationLog(opts.DurationLog, logger)
	defer func() {
		if err := sink.Close(); err != nil {
			logger.WarnContext(ctx, "closing duration log failed", slog.String("error", err.Error()))
		}
	}()

	runner, err := harness.NewRunner(opts.Bench, client,
		harness.WithLogger(logger),
		harness.WithDurationSink(sink),
		harness.WithObserver(recorder),
		harness.WithResourceIDs(gen.ResourceID),
	)
	if err != nil {
		return err
	}

	started := time.Now()
	summary, runErr := runner.Run(ctx)

	rec := history.Run{
		ID:          runID,
		StartedAt:   started,
		URL:         opts.FedoraURL,
		Dialect:     dialect.String(),
		Action:      opts.Bench.Action.String(),
		NumActions:  opts.Bench.NumActions,
		NumThreads:  opts.Bench.NumThreads,
		SizeBytes:   opts.Bench.SizeBytes,
		Transaction: opts.Bench.Transaction.String(),
	}

	if runErr != nil {
		rec.Error = runErr.Error()
	} else {
		recorder.RecordSummary(summary)

		doc := report.NewDocument(summary)
		doc.RunID = runID
		doc.URL = opts.FedoraURL
		doc.Dialect = dialect.String()

		if err := report.Write(a.stdout, opts.Format, doc); err != nil {
			runErr = fmt.Errorf("write report: %w", err)
		}

		fillHistory(&rec, doc)
	}

	if opts.Pushgateway != "" {
		if err := recorder.Push(ctx, opts.Pushgateway, "benchtool", runID); err != nil {
			logger.WarnContext(ctx, "pushing metrics failed", slog.String("error", err.Error()))
		}
	}

	if opts.HistoryDB != "" {
		if err := saveHistory(ctx, opts.HistoryDB, rec); err != nil {
			logger.WarnContext(ctx, "recording run history failed", slog.String("error", err.Error()))
		}
	}

	return runErr
}

func fillHistory(rec *history.Run, doc report.Document) {
	s := doc.Summary

	rec.Count = s.Count
	rec.TotalDurationMillis = s.TotalDurationMillis
	rec.WallMillis = s.WallMillis

	if s.HasThroughput() {
		rec.ThroughputMBps = s.ThroughputMBps
	}

	var buf bytes.Buffer
	if err := report.GenerateJSON(&buf, doc); err == nil {
		rec.Report = strings.TrimSpace(buf.String())
	}
}

func saveHistory(ctx context.Context, path string, rec history.Run) error {
	// A cancelled run is still recorded.
	ctx = context.WithoutCancel(ctx)

	store, err := history.Open(ctx, path)
	if err != nil {
		return err
	}

	_, saveErr := store.Save(ctx, rec)

	return errors.Join(saveErr, store.Close())
}
