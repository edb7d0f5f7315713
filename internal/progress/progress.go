// Package progress tracks pipeline completion across workers. The reporter
// is passed explicitly to whoever increments it; there is no package-level
// counter.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lepinkainen/gutenzim/internal/fileutil"
)

// Stats is the serialized progress snapshot.
type Stats struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Reporter is a mutex-guarded progress counter. With a stats filename set
// it also persists a JSON snapshot, throttled to one write per interval.
type Reporter struct {
	mu        sync.Mutex
	total     int
	done      int
	statsFile string
	lastWrite time.Time
	interval  time.Duration
}

// NewReporter creates a Reporter. statsFile may be empty to disable the
// JSON snapshot.
func NewReporter(statsFile string) *Reporter {
	return &Reporter{
		statsFile: statsFile,
		interval:  10 * time.Second,
	}
}

// AddTotal grows the expected amount of work.
func (r *Reporter) AddTotal(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total += n
	r.maybeReportLocked()
}

// Increment records one finished unit of work.
func (r *Reporter) Increment() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
	r.maybeReportLocked()
}

// Snapshot returns the current counters.
func (r *Reporter) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Done: r.done, Total: r.total}
}

// Flush writes the final snapshot regardless of throttling.
func (r *Reporter) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reportLocked()
}

func (r *Reporter) maybeReportLocked() {
	if time.Since(r.lastWrite) < r.interval {
		return
	}
	r.reportLocked()
}

func (r *Reporter) reportLocked() {
	r.lastWrite = time.Now()

	percent := 0.0
	if r.total > 0 {
		percent = float64(r.done) * 100 / float64(r.total)
	}
	slog.Info("Progress", "done", r.done, "total", r.total, "percent", percent)

	if r.statsFile == "" {
		return
	}
	if _, err := fileutil.WriteJSONFile(Stats{Done: r.done, Total: r.total}, r.statsFile, true); err != nil {
		slog.Warn("Failed to write stats file", "file", r.statsFile, "error", err)
	}
}
