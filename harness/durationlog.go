package harness

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// DurationSink receives the duration of every collected action, one
// decimal millisecond value per line.
type DurationSink interface {
	Record(durationMillis int64)
	Close() error
}

// DiscardDurations is a DurationSink that drops everything.
var DiscardDurations DurationSink = discardSink{}

type discardSink struct{}

func (discardSink) Record(int64) {}
func (discardSink) Close() error { return nil }

// DurationLog writes durations to an io.Writer. A write failure disables
// the log for the rest of the run; it never fails the benchmark.
type DurationLog struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	logger *slog.Logger
	failed bool
}

// NewDurationLog returns a DurationLog writing to w. If w is an io.Closer
// it is closed by Close.
func NewDurationLog(w io.Writer, logger *slog.Logger) *DurationLog {
	l := &DurationLog{w: w, logger: logger}
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}

	return l
}

// OpenDurationLog creates the file at path. When it cannot be opened a
// warning is logged and a sink discarding all durations is returned.
func OpenDurationLog(path string, logger *slog.Logger) DurationSink {
	if path == "" {
		return DiscardDurations
	}

	f, err := os.Create(path)
	if err != nil {
		logger.Warn("unable to open duration log, no log output will be generated",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return DiscardDurations
	}

	return NewDurationLog(f, logger.With(slog.String("path", path)))
}

// Record appends one duration line.
func (l *DurationLog) Record(durationMillis int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed {
		return
	}

	line := strconv.AppendInt(nil, durationMillis, 10)
	line = append(line, '\n')

	if _, err := l.w.Write(line); err != nil {
		l.failed = true
		l.logger.Warn("duration log write failed, disabling it",
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the underlying writer when it is closable.
func (l *DurationLog) Close() error {
	if l.closer == nil {
		return nil
	}

	return l.closer.Close()
}
