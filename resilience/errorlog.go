package resilience

import (
	"context"
	"maps"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jonwraymond/proxyops/observe"
)

const (
	defaultErrorLogSize   = 1000
	defaultLogThrottle    = time.Minute
	throttleKeyCapacity   = 512
	recentErrorsReported  = 10
	errorRateWindow       = 5 * time.Minute
	errorRateWindowMinute = 5.0
)

// ErrorContext describes one recorded failure.
type ErrorContext struct {
	Operation string
	Timestamp time.Time
	Attempt   int
	Err       error
	Context   map[string]any
}

// ErrorStats summarises the error log.
type ErrorStats struct {
	TotalErrors       int              `json:"totalErrors"`
	ErrorsByOperation map[string]int   `json:"errorsByOperation"`
	ErrorsByCategory  map[Category]int `json:"errorsByCategory"`
	RecentErrors      []ErrorRecord    `json:"recentErrors"`
	// ErrorRate is errors per minute over the trailing five minutes.
	ErrorRate    float64 `json:"errorRate"`
	OpenCircuits int     `json:"openCircuits"`
}

// ErrorRecord is the display form of an ErrorContext.
type ErrorRecord struct {
	Operation string         `json:"operation"`
	Timestamp time.Time      `json:"timestamp"`
	Attempt   int            `json:"attempt"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// errorLog is a fixed-capacity circular log; the oldest entry is overwritten
// once capacity is reached. The counters keep counting past capacity until
// the log is cleared.
type errorLog struct {
	mu      sync.Mutex
	entries []ErrorContext
	next    int
	full    bool

	total      int
	byOp       map[string]int
	byCategory map[Category]int
}

// errorCounts are cumulative since the last clear.
type errorCounts struct {
	total      int
	byOp       map[string]int
	byCategory map[Category]int
}

func newErrorLog(size int) *errorLog {
	if size <= 0 {
		size = defaultErrorLogSize
	}
	return &errorLog{
		entries:    make([]ErrorContext, size),
		byOp:       make(map[string]int),
		byCategory: make(map[Category]int),
	}
}

func (l *errorLog) append(ec ErrorContext) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	l.byOp[ec.Operation]++
	l.byCategory[Classify(ec.Err)]++

	l.entries[l.next] = ec
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns the retained entries oldest first, with the counters.
func (l *errorLog) snapshot() ([]ErrorContext, errorCounts) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := errorCounts{
		total:      l.total,
		byOp:       maps.Clone(l.byOp),
		byCategory: maps.Clone(l.byCategory),
	}

	if !l.full {
		out := make([]ErrorContext, l.next)
		copy(out, l.entries[:l.next])
		return out, counts
	}

	out := make([]ErrorContext, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out, counts
}

func (l *errorLog) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.entries)
	l.next = 0
	l.full = false
	l.total = 0
	clear(l.byOp)
	clear(l.byCategory)
}

// logThrottle suppresses repeated identical failure logs.
type logThrottle struct {
	interval time.Duration
	seen     *lru.Cache[string, time.Time]
}

func newLogThrottle(interval time.Duration) *logThrottle {
	if interval <= 0 {
		interval = defaultLogThrottle
	}
	// Only fails on a non-positive size.
	seen, _ := lru.New[string, time.Time](throttleKeyCapacity)
	return &logThrottle{interval: interval, seen: seen}
}

func (t *logThrottle) allow(operation, message string, now time.Time) bool {
	key := operation + "\x00" + message
	if last, ok := t.seen.Get(key); ok && now.Sub(last) < t.interval {
		return false
	}
	t.seen.Add(key, now)
	return true
}

// RecordError appends ec to the error log and emits a throttled log line.
func (e *Executor) RecordError(ctx context.Context, ec ErrorContext) {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = e.now()
	}
	e.errors.append(ec)

	msg := ""
	if ec.Err != nil {
		msg = ec.Err.Error()
	}
	if !e.throttle.allow(ec.Operation, msg, ec.Timestamp) {
		return
	}

	e.logger.Warn(ctx, "operation failed",
		observe.Field{Key: "operation", Value: ec.Operation},
		observe.Field{Key: "attempt", Value: ec.Attempt},
		observe.Field{Key: "category", Value: string(Classify(ec.Err))},
		observe.Field{Key: "error", Value: msg},
	)
}

// ErrorStats returns totals, per-operation and per-category counts, the ten
// most recent errors and the trailing five minute error rate. Totals count
// every error since the last ClearErrors; the rate and the recent list only
// see what the circular log still holds.
func (e *Executor) ErrorStats() ErrorStats {
	entries, counts := e.errors.snapshot()
	now := e.now()

	stats := ErrorStats{
		TotalErrors:       counts.total,
		ErrorsByOperation: counts.byOp,
		ErrorsByCategory:  counts.byCategory,
		RecentErrors:      make([]ErrorRecord, 0, recentErrorsReported),
		OpenCircuits:      e.openCircuits(),
	}

	inWindow := 0
	for _, ec := range entries {
		if now.Sub(ec.Timestamp) <= errorRateWindow {
			inWindow++
		}
	}
	stats.ErrorRate = float64(inWindow) / errorRateWindowMinute

	// Most recent first
	for i := len(entries) - 1; i >= 0 && len(stats.RecentErrors) < recentErrorsReported; i-- {
		stats.RecentErrors = append(stats.RecentErrors, toRecord(entries[i]))
	}

	return stats
}

// ClearErrors empties the error log and resets its counters.
func (e *Executor) ClearErrors() {
	e.errors.clear()
}

func toRecord(ec ErrorContext) ErrorRecord {
	r := ErrorRecord{
		Operation: ec.Operation,
		Timestamp: ec.Timestamp,
		Attempt:   ec.Attempt,
		Category:  Classify(ec.Err),
		Context:   ec.Context,
	}
	if ec.Err != nil {
		r.Message = ec.Err.Error()
	}
	return r
}
