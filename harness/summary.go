package harness

import "sync"

const bytesPerMB = 1024 * 1024

// Totals is the order-independent aggregate of a set of results.
type Totals struct {
	Count               int   `json:"count" yaml:"count"`
	TotalDurationMillis int64 `json:"total_duration_ms" yaml:"total_duration_ms"`
	TotalBytes          int64 `json:"total_bytes" yaml:"total_bytes"`
}

// Add folds one result into the totals. NotApplicable sizes are skipped.
func (t *Totals) Add(r ActionResult) {
	t.Count++
	t.TotalDurationMillis += r.DurationMillis

	if r.SizeBytes > 0 {
		t.TotalBytes += r.SizeBytes
	}
}

// Aggregate sums durations and sizes over results.
func Aggregate(results []ActionResult) Totals {
	var t Totals
	for _, r := range results {
		t.Add(r)
	}

	return t
}

// ThroughputPerThread returns totalBytes*1000/(1024*1024*totalDurationMillis)
// in MB/sec. A zero duration counts as 1ms.
func ThroughputPerThread(totalBytes, totalDurationMillis int64) float64 {
	if totalBytes <= 0 {
		return 0
	}

	if totalDurationMillis < 1 {
		totalDurationMillis = 1
	}

	return float64(totalBytes) * 1000 / (bytesPerMB * float64(totalDurationMillis))
}

// OverallThroughput scales the per-thread figure by the thread count.
// This assumes an even load across threads; it approximates the aggregate
// rate rather than measuring it.
func OverallThroughput(perThread float64, numThreads int) float64 {
	if numThreads <= 1 {
		return perThread
	}

	return perThread * float64(numThreads)
}

// TransactionTotals sums the accumulators of every transaction a run touched.
type TransactionTotals struct {
	Count          int   `json:"count" yaml:"count"`
	CreateMillis   int64 `json:"create_ms" yaml:"create_ms"`
	CommitMillis   int64 `json:"commit_ms" yaml:"commit_ms"`
	RollbackMillis int64 `json:"rollback_ms" yaml:"rollback_ms"`
}

// CommitAndRollbackMillis merges the commit and rollback accumulators.
func (t TransactionTotals) CommitAndRollbackMillis() int64 {
	return t.CommitMillis + t.RollbackMillis
}

// SumTransactions folds transaction snapshots into totals.
func SumTransactions(stats []TransactionStats) TransactionTotals {
	var t TransactionTotals
	for _, s := range stats {
		t.Count++
		t.CreateMillis += s.CreateMillis
		t.CommitMillis += s.CommitMillis
		t.RollbackMillis += s.RollbackMillis
	}

	return t
}

// Summary is the report of one benchmark run.
type Summary struct {
	Action     Action `json:"action" yaml:"action"`
	NumActions int    `json:"num_actions" yaml:"num_actions"`
	NumThreads int    `json:"num_threads" yaml:"num_threads"`
	SizeBytes  int64  `json:"size_bytes" yaml:"size_bytes"`

	Totals     `yaml:",inline"`
	WallMillis int64 `json:"wall_ms" yaml:"wall_ms"`

	ThroughputPerThreadMBps float64 `json:"throughput_per_thread_mbps" yaml:"throughput_per_thread_mbps"`
	ThroughputMBps          float64 `json:"throughput_mbps" yaml:"throughput_mbps"`

	Transactions *TransactionTotals `json:"transactions,omitempty" yaml:"transactions,omitempty"`

	ClusterSizeBefore int `json:"cluster_size_before,omitempty" yaml:"cluster_size_before,omitempty"`
	ClusterSizeAfter  int `json:"cluster_size_after,omitempty" yaml:"cluster_size_after,omitempty"`

	// Durations holds every per-action duration in submission order.
	Durations []int64 `json:"-" yaml:"-"`
}

// HasThroughput reports whether byte throughput is meaningful for the run.
func (s *Summary) HasThroughput() bool {
	return s.Action.HasPayload()
}

// Summarize computes the aggregate report from completed results. It is a
// pure function of its inputs.
func Summarize(cfg Config, results []ActionResult) Summary {
	totals := Aggregate(results)
	perThread := ThroughputPerThread(totals.TotalBytes, totals.TotalDurationMillis)

	durations := make([]int64, len(results))
	for i, r := range results {
		durations[i] = r.DurationMillis
	}

	return Summary{
		Action:                  cfg.Action,
		NumActions:              cfg.NumActions,
		NumThreads:              cfg.NumThreads,
		SizeBytes:               cfg.SizeBytes,
		Totals:                  totals,
		ThroughputPerThreadMBps: perThread,
		ThroughputMBps:          OverallThroughput(perThread, cfg.NumThreads),
		Durations:               durations,
	}
}

// resultSet is an append-only, concurrency-safe collection of results.
type resultSet struct {
	mu      sync.Mutex
	results []ActionResult
}

func newResultSet(capacity int) *resultSet {
	return &resultSet{results: make([]ActionResult, 0, capacity)}
}

func (s *resultSet) Append(r ActionResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *resultSet) Snapshot() []ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ActionResult, len(s.results))
	copy(out, s.results)

	return out
}
