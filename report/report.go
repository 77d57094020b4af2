// Package report formats benchmark summaries as markdown tables, JSON or
// YAML.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/fcrepo4-archive/benchtool/harness"
)

// Format is an output format.
type Format string

// Output formats.
const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
)

// ParseFormat resolves markdown (also md), json or yaml (also yml).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// Latency is the distribution of per-action durations in milliseconds.
type Latency struct {
	Count int64   `json:"count" yaml:"count"`
	Min   int64   `json:"min_ms" yaml:"min_ms"`
	Mean  float64 `json:"mean_ms" yaml:"mean_ms"`
	P50   int64   `json:"p50_ms" yaml:"p50_ms"`
	P95   int64   `json:"p95_ms" yaml:"p95_ms"`
	P99   int64   `json:"p99_ms" yaml:"p99_ms"`
	Max   int64   `json:"max_ms" yaml:"max_ms"`
}

// Histogram range: one day at three significant figures.
const (
	maxTrackedMillis = 24 * 60 * 60 * 1000
	sigFigs          = 3
)

// LatencyOf computes the distribution of durations. Min, max and mean are
// exact; percentiles come from a histogram and are clamped to [min, max].
// Values beyond one day are clamped before recording.
func LatencyOf(durations []int64) Latency {
	if len(durations) == 0 {
		return Latency{}
	}

	h := hdrhistogram.New(1, maxTrackedMillis, sigFigs)

	lo, hi := durations[0], durations[0]
	var sum float64

	for _, d := range durations {
		lo, hi = min(lo, d), max(hi, d)
		sum += float64(d)

		_ = h.RecordValue(max(0, min(d, maxTrackedMillis)))
	}

	clamp := func(v int64) int64 {
		return max(lo, min(v, hi))
	}

	return Latency{
		Count: h.TotalCount(),
		Min:   lo,
		Mean:  sum / float64(len(durations)),
		P50:   clamp(h.ValueAtQuantile(50)),
		P95:   clamp(h.ValueAtQuantile(95)),
		P99:   clamp(h.ValueAtQuantile(99)),
		Max:   hi,
	}
}

// Document is everything reported about one run.
type Document struct {
	RunID   string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	URL     string `json:"fedora_url,omitempty" yaml:"fedora_url,omitempty"`
	Dialect string `json:"dialect,omitempty" yaml:"dialect,omitempty"`

	harness.Summary `yaml:",inline"`

	Latency Latency `json:"latency" yaml:"latency"`
}

// NewDocument wraps s and computes its latency distribution.
func NewDocument(s *harness.Summary) Document {
	return Document{
		Summary: *s,
		Latency: LatencyOf(s.Durations),
	}
}

// Write renders doc in format f.
func Write(w io.Writer, f Format, doc Document) error {
	switch f {
	case FormatMarkdown:
		return Generate(w, doc)
	case FormatJSON:
		return GenerateJSON(w, doc)
	case FormatYAML:
		return GenerateYAML(w, doc)
	default:
		return fmt.Errorf("unknown report format %q", f)
	}
}

// Generate writes markdown tables for doc.
func Generate(w io.Writer, doc Document) error {
	s := doc.Summary
	if s.Count == 0 {
		return fmt.Errorf("no results to report")
	}

	p := &printer{w: w}

	p.line("## Benchmark Results")
	p.line("")

	if doc.URL != "" {
		p.printf("Repository: %s (%s)\n\n", doc.URL, doc.Dialect)
	}

	p.line("| Action | Actions | Threads | Size | Total Time | Wall Time | Throughput | Per Thread |")
	p.line("|--------|---------|---------|------|------------|-----------|------------|------------|")

	throughput, perThread := "-", "-"
	if s.HasThroughput() {
		throughput = formatMBps(s.ThroughputMBps)
		perThread = formatMBps(s.ThroughputPerThreadMBps)
	}

	p.printf("| %s | %d | %d | %s | %s | %s | %s | %s |\n",
		s.Action,
		s.Count,
		s.NumThreads,
		formatBytes(s.SizeBytes),
		formatMs(s.TotalDurationMillis),
		formatMs(s.WallMillis),
		throughput,
		perThread,
	)

	p.line("")

	// Latency distribution.
	l := doc.Latency
	p.line("| Min | Mean | P50 | P95 | P99 | Max |")
	p.line("|-----|------|-----|-----|-----|-----|")
	p.printf("| %s | %.1fms | %s | %s | %s | %s |\n",
		formatMs(l.Min), l.Mean, formatMs(l.P50), formatMs(l.P95), formatMs(l.P99), formatMs(l.Max),
	)

	if tx := s.Transactions; tx != nil {
		p.line("")
		p.line("| Transactions | Create | Commit | Rollback | Commit+Rollback |")
		p.line("|--------------|--------|--------|----------|-----------------|")
		p.printf("| %d | %s | %s | %s | %s |\n",
			tx.Count,
			formatMs(tx.CreateMillis),
			formatMs(tx.CommitMillis),
			formatMs(tx.RollbackMillis),
			formatMs(tx.CommitAndRollbackMillis()),
		)
	}

	if s.ClusterSizeBefore > 0 || s.ClusterSizeAfter > 0 {
		p.line("")
		p.printf("Cluster size: %d before, %d after", s.ClusterSizeBefore, s.ClusterSizeAfter)

		if s.ClusterSizeBefore != s.ClusterSizeAfter {
			p.printf(" **CHANGED**")
		}

		p.line("")
	}

	return p.err
}

// GenerateJSON writes doc as indented JSON to w.
func GenerateJSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(doc)
}

// GenerateYAML writes doc as YAML to w.
func GenerateYAML(w io.Writer, doc Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode yaml report: %w", err)
	}

	return enc.Close()
}

// printer remembers the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}

	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) line(s string) {
	p.printf("%s\n", s)
}

func formatMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}

	return fmt.Sprintf("%.2fs", float64(ms)/1000)
}

func formatMBps(v float64) string {
	return fmt.Sprintf("%.2f MB/s", v)
}

func formatBytes(b int64) string {
	if b <= 0 {
		return "-"
	}

	return humanize.IBytes(uint64(b))
}
