// Package harness drives a fixed pool of concurrent, timed actions against
// a content repository and aggregates their results into a throughput
// summary.
package harness

import "time"

// NotApplicable marks a throughput or size that has no meaning for an
// action, e.g. a delete or a transaction call.
const NotApplicable = -1

// ActionResult holds the timing of one completed action.
type ActionResult struct {
	ThroughputBytesPerSec float64 `json:"throughput_bytes_per_sec"`
	DurationMillis        int64   `json:"duration_ms"`
	SizeBytes             int64   `json:"size_bytes"`
}

// NewActionResult builds the result for an action that moved sizeBytes
// and took d. Actions without a payload report NotApplicable for both
// size and throughput.
func NewActionResult(action Action, sizeBytes int64, d time.Duration) ActionResult {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}

	if !action.HasPayload() {
		return ActionResult{
			ThroughputBytesPerSec: NotApplicable,
			DurationMillis:        ms,
			SizeBytes:             NotApplicable,
		}
	}

	return ActionResult{
		ThroughputBytesPerSec: Throughput(sizeBytes, ms),
		DurationMillis:        ms,
		SizeBytes:             sizeBytes,
	}
}

// Throughput returns sizeBytes*1000/durationMillis in bytes per second.
// A zero duration counts as 1ms. A non-positive size yields NotApplicable.
func Throughput(sizeBytes, durationMillis int64) float64 {
	if sizeBytes <= 0 {
		return NotApplicable
	}

	if durationMillis < 1 {
		durationMillis = 1
	}

	return float64(sizeBytes) * 1000 / float64(durationMillis)
}
