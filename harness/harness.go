package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// TransactionMode controls whether a run's actions are grouped into one
// server-side transaction.
type TransactionMode int

// Transaction modes.
const (
	TransactionNone TransactionMode = iota
	TransactionCommit
	TransactionRollback
)

func (m TransactionMode) String() string {
	switch m {
	case TransactionCommit:
		return "commit"
	case TransactionRollback:
		return "rollback"
	default:
		return "none"
	}
}

// ParseTransactionMode resolves none, commit or rollback.
func ParseTransactionMode(s string) (TransactionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TransactionNone, nil
	case "commit":
		return TransactionCommit, nil
	case "rollback":
		return TransactionRollback, nil
	default:
		return TransactionNone, fmt.Errorf("unknown transaction mode %q", s)
	}
}

// Config holds the parameters of one benchmark run.
type Config struct {
	Action      Action
	NumActions  int
	SizeBytes   int64
	NumThreads  int
	Transaction TransactionMode

	// Existing runs read, update or delete against objects listed from the
	// repository instead of objects each action creates for itself.
	Existing bool
}

// Validate reports configuration errors before any work starts.
func (c Config) Validate() error {
	if !c.Action.Valid() {
		return fmt.Errorf("%w %d", ErrUnknownAction, int(c.Action))
	}

	if c.NumActions < 1 {
		return fmt.Errorf("number of actions must be at least 1, got %d", c.NumActions)
	}

	if c.NumThreads < 1 {
		return fmt.Errorf("number of threads must be at least 1, got %d", c.NumThreads)
	}

	if c.SizeBytes < 0 {
		return fmt.Errorf("binary size cannot be negative, got %d", c.SizeBytes)
	}

	if c.Transaction != TransactionNone && c.Action.IsTransaction() {
		return fmt.Errorf(
			"transaction mode %s cannot wrap the %s action", c.Transaction, c.Action,
		)
	}

	if c.Existing {
		if !c.Action.TargetsExisting() {
			return fmt.Errorf("the %s action cannot target existing objects", c.Action)
		}

		if c.Transaction != TransactionNone {
			return errors.New("existing objects cannot be benchmarked inside a transaction")
		}
	}

	return nil
}

// ActionError reports the action whose failure aborted a run.
type ActionError struct {
	Index  int // position in submission order, -1 for transaction phases
	Action Action

	// ResourceID names the resource acted on. For transaction actions it
	// is the transaction id, empty when the transaction was never created.
	ResourceID string
	Err        error
}

func (e *ActionError) Error() string {
	var b strings.Builder

	b.WriteString(e.Action.String())

	if e.Index >= 0 {
		fmt.Fprintf(&b, " action %d", e.Index+1)
	}

	if e.ResourceID != "" {
		if e.Action.IsTransaction() {
			b.WriteString(" on transaction ")
		} else {
			b.WriteString(" on resource ")
		}

		b.WriteString(e.ResourceID)
	}

	fmt.Fprintf(&b, " failed: %v", e.Err)

	return b.String()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithDurationSink sets where per-action durations are written.
func WithDurationSink(s DurationSink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithObserver registers hooks around every action.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithResourceIDs sets the resource identifier used by the i-th action.
// An empty identifier falls back to a fresh UUID. Transaction actions
// and runs on existing objects ignore it.
func WithResourceIDs(ids func(i int) string) Option {
	return func(r *Runner) { r.ids = ids }
}

// WithRand sets the source used to pick existing objects. The default is
// seeded from the clock.
func WithRand(rng *rand.Rand) Option {
	return func(r *Runner) { r.rng = rng }
}

// Runner fans a fixed number of actions out to a worker pool and fans the
// timed results back in.
type Runner struct {
	cfg      Config
	client   RepositoryClient
	logger   *slog.Logger
	sink     DurationSink
	observer Observer
	ids      func(i int) string
	rng      *rand.Rand
	now      func() time.Time
	newTx    func() *TransactionState
}

// NewRunner validates cfg against client and returns a Runner.
func NewRunner(cfg Config, client RepositoryClient, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if client == nil {
		return nil, errors.New("runner requires a repository client")
	}

	if s, ok := client.(ActionSupporter); ok {
		if !s.Supports(cfg.Action) {
			return nil, fmt.Errorf("server does not support the %s action", cfg.Action)
		}

		if cfg.Transaction != TransactionNone && !s.Supports(ActionCreateTx) {
			return nil, errors.New("server does not support transactions")
		}
	}

	if _, ok := client.(ObjectLister); cfg.Existing && !ok {
		return nil, errors.New("client cannot list existing objects")
	}

	r := &Runner{
		cfg:      cfg,
		client:   client,
		logger:   slog.New(slog.DiscardHandler),
		sink:     DiscardDurations,
		observer: nopObserver{},
		ids:      func(int) string { return "" },
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		newTx:    NewTransactionState,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Run executes the benchmark and returns its summary. The first failed
// action aborts the run; durations collected before it stay in the sink,
// queued actions are dropped and every transaction the run opened is
// rolled back.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	cfg := r.cfg

	r.logger.InfoContext(ctx, "running benchmark",
		slog.String("action", cfg.Action.String()),
		slog.Int("num_actions", cfg.NumActions),
		slog.Int64("size_bytes", cfg.SizeBytes),
		slog.Int("num_threads", cfg.NumThreads),
		slog.String("transaction", cfg.Transaction.String()),
	)

	var targets []string
	if cfg.Existing {
		var err error
		if targets, err = r.existingTargets(ctx); err != nil {
			return nil, err
		}
	}

	sizeBefore := r.clusterSize(ctx, "before")

	pool, err := NewPool(ctx, cfg.NumThreads)
	if err != nil {
		return nil, err
	}

	var (
		group     *TransactionState
		states    []*TransactionState
		collected bool
	)

	defer func() {
		if collected {
			pool.Shutdown()

			return
		}

		if n := pool.ShutdownNow(); n > 0 {
			r.logger.WarnContext(ctx, "discarded queued actions",
				slog.Int("discarded", n),
			)
		}

		r.rollbackOpen(context.WithoutCancel(ctx), append(states, group))
	}()

	start := r.now()

	if cfg.Transaction != TransactionNone {
		group = r.newTx()

		if err := r.runPhase(ctx, pool, ActionCreateTx, group); err != nil {
			return nil, err
		}
	}

	workers, states, err := r.buildWorkers(group, targets)
	if err != nil {
		return nil, err
	}

	futures := make([]*Future, len(workers))
	for i, w := range workers {
		f, err := pool.Submit(observedTask{Worker: w, obs: r.observer})
		if err != nil {
			for _, rest := range workers[i:] {
				rest.Discard()
			}

			return nil, fmt.Errorf("submit action %d: %w", i+1, err)
		}

		futures[i] = f
	}

	results := newResultSet(len(futures))

	for i, f := range futures {
		res, err := f.Wait(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf(
					"benchmark cancelled after %d of %d actions: %w",
					i, len(futures), ctxErr,
				)
			}

			return nil, &ActionError{
				Index:      i,
				Action:     cfg.Action,
				ResourceID: workers[i].ResourceID(),
				Err:        err,
			}
		}

		r.sink.Record(res.DurationMillis)
		results.Append(res)

		r.logger.DebugContext(ctx, "action finished",
			slog.Int("finished", i+1),
			slog.Int("total", len(futures)),
		)
	}

	if group != nil {
		closing := ActionCommitTx
		if cfg.Transaction == TransactionRollback {
			closing = ActionRollbackTx
		}

		if err := r.runPhase(ctx, pool, closing, group); err != nil {
			return nil, err
		}

		states = append(states, group)
	}

	wall := r.now().Sub(start)
	collected = true

	if cfg.Action == ActionCreateTx {
		r.rollbackOpen(ctx, states)
	}

	summary := Summarize(cfg, results.Snapshot())
	summary.WallMillis = wall.Milliseconds()

	if len(states) > 0 {
		stats := make([]TransactionStats, len(states))
		for i, st := range states {
			stats[i] = st.Stats()
		}

		totals := SumTransactions(stats)
		summary.Transactions = &totals
	}

	sizeAfter := r.clusterSize(ctx, "after")
	summary.ClusterSizeBefore = sizeBefore
	summary.ClusterSizeAfter = sizeAfter

	if sizeBefore > 0 && sizeAfter > 0 && sizeBefore != sizeAfter {
		r.logger.WarnContext(ctx, "cluster size changed during the benchmark",
			slog.Int("before", sizeBefore),
			slog.Int("after", sizeAfter),
		)
	}

	r.logSummary(ctx, &summary)

	return &summary, nil
}

// buildWorkers creates one worker per action. targets, when set, holds
// the existing object each action works on.
func (r *Runner) buildWorkers(
	group *TransactionState,
	targets []string,
) ([]*Worker, []*TransactionState, error) {
	cfg := r.cfg
	workers := make([]*Worker, 0, cfg.NumActions)

	var states []*TransactionState

	for i := 0; i < cfg.NumActions; i++ {
		tx := group
		if cfg.Action.IsTransaction() {
			tx = r.newTx()
			states = append(states, tx)
		}

		var id string

		switch {
		case targets != nil:
			id = targets[i]
		case !cfg.Action.IsTransaction():
			id = r.ids(i)
		}

		w, err := NewWorker(WorkerConfig{
			Action:      cfg.Action,
			Client:      r.client,
			ResourceID:  id,
			SizeBytes:   cfg.SizeBytes,
			Existing:    targets != nil,
			Transaction: tx,
		})
		if err != nil {
			for _, built := range workers {
				built.Discard()
			}

			return nil, nil, fmt.Errorf("build action %d: %w", i+1, err)
		}

		workers = append(workers, w)
	}

	return workers, states, nil
}

// existingTargets lists the repository's objects and picks one for each
// action.
func (r *Runner) existingTargets(ctx context.Context) ([]string, error) {
	ids, err := r.client.(ObjectLister).ListObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list existing objects: %w", err)
	}

	targets, err := pickExisting(r.rng, ids, r.cfg.NumActions, r.cfg.Action == ActionDelete)
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "benchmarking existing objects",
		slog.Int("available", len(ids)),
		slog.Int("picked", len(targets)),
	)

	return targets, nil
}

// pickExisting draws n ids at random from ids. Distinct ids are drawn when
// each can be used only once, as when the action deletes its object.
func pickExisting(rng *rand.Rand, ids []string, n int, distinct bool) ([]string, error) {
	if len(ids) == 0 {
		return nil, errors.New("the repository holds no objects to benchmark")
	}

	if distinct && len(ids) < n {
		return nil, fmt.Errorf(
			"%d actions need distinct objects but the repository holds %d", n, len(ids),
		)
	}

	pool := append([]string(nil), ids...)
	picked := make([]string, n)

	for i := range picked {
		k := rng.Intn(len(pool))
		picked[i] = pool[k]

		if distinct {
			pool[k] = pool[len(pool)-1]
			pool = pool[:len(pool)-1]
		}
	}

	return picked, nil
}

// runPhase runs a single transaction lifecycle action through the pool
// and waits for it.
func (r *Runner) runPhase(
	ctx context.Context,
	pool *Pool,
	action Action,
	tx *TransactionState,
) error {
	w, err := NewWorker(WorkerConfig{
		Action:      action,
		Client:      r.client,
		Transaction: tx,
	})
	if err != nil {
		return err
	}

	f, err := pool.Submit(observedTask{Worker: w, obs: r.observer})
	if err != nil {
		w.Discard()

		return fmt.Errorf("submit %s: %w", action, err)
	}

	res, err := f.Wait(ctx)
	if err != nil {
		txID, _ := tx.TransactionID()

		return &ActionError{Index: -1, Action: action, ResourceID: txID, Err: err}
	}

	txID, _ := tx.TransactionID()
	r.logger.InfoContext(ctx, "transaction phase finished",
		slog.String("action", action.String()),
		slog.String("transaction", txID),
		slog.Int64("duration_ms", res.DurationMillis),
	)

	return nil
}

// rollbackOpen rolls back, untimed, every transaction in states that was
// created and not yet committed or rolled back. Failures are logged.
func (r *Runner) rollbackOpen(ctx context.Context, states []*TransactionState) {
	for _, st := range states {
		if st == nil || !st.Open() {
			continue
		}

		txID, _ := st.TransactionID()

		if _, err := r.client.RollbackTransaction(ctx, txID); err != nil {
			r.logger.WarnContext(ctx, "unable to roll back benchmark transaction",
				slog.String("transaction", txID),
				slog.String("error", err.Error()),
			)

			continue
		}

		st.markEnded()
	}
}

// clusterSize returns the node count reported by the client, or 0 when the
// client cannot report it.
func (r *Runner) clusterSize(ctx context.Context, when string) int {
	cs, ok := r.client.(ClusterSizer)
	if !ok {
		return 0
	}

	n, err := cs.ClusterSize(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "unable to read cluster size",
			slog.String("when", when),
			slog.String("error", err.Error()),
		)

		return 0
	}

	r.logger.InfoContext(ctx, "repository cluster size",
		slog.String("when", when),
		slog.Int("nodes", n),
	)

	return n
}

func (r *Runner) logSummary(ctx context.Context, s *Summary) {
	r.logger.InfoContext(ctx, "benchmark completed",
		slog.Int("num_actions", s.NumActions),
		slog.String("action", s.Action.String()),
		slog.Int64("total_duration_ms", s.TotalDurationMillis),
		slog.Int64("wall_ms", s.WallMillis),
	)

	if !s.HasThroughput() {
		return
	}

	if s.NumThreads == 1 {
		r.logger.InfoContext(ctx, "throughput",
			slog.String("mb_per_sec", fmt.Sprintf("%.2f", s.ThroughputPerThreadMBps)),
		)

		return
	}

	r.logger.InfoContext(ctx, "throughput",
		slog.String("mb_per_sec", fmt.Sprintf("%.2f", s.ThroughputMBps)),
		slog.String("mb_per_sec_per_thread", fmt.Sprintf("%.2f", s.ThroughputPerThreadMBps)),
	)
}
