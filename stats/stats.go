// Package stats tracks what a synchronization run did: messages scanned,
// fetched, repaired, and the errors encountered along the way.
package stats

import (
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageRemote Stage = "remote"
	StageCache  Stage = "cache"
)

type EventType string

const (
	EventTypeScanned  EventType = "scanned"
	EventTypeSkipped  EventType = "skipped"
	EventTypeFetched  EventType = "fetched"
	EventTypeRepaired EventType = "repaired"
	EventTypeFlushed  EventType = "flushed"
	EventTypeError    EventType = "error"
)

// Event describes one observation during a synchronization run.
type Event struct {
	Stage Stage
	Type  EventType
	List  string
	UID   uint32
	Err   error
}

// Sink receives events. The synchronizer calls sinks inline; handling must
// be cheap.
type Sink func(Event)

type Summary struct {
	Scanned   int
	Skipped   int
	Fetched   int
	Repaired  int
	Flushed   int
	Errors    int
	LastError error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"skipped", s.Skipped,
		"fetched", s.Fetched,
		"repaired", s.Repaired,
		"flushed", s.Flushed,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates events into a Summary.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

// Apply records one event. Usable directly as a Sink.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeRepaired:
		c.summary.Repaired++
	case EventTypeFlushed:
		c.summary.Flushed++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Reporter logs a run summary when asked.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
}

// Sink returns the event sink feeding this reporter.
func (r *Reporter) Sink() Sink {
	return r.collector.Apply
}

// Summary returns the totals collected so far.
func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Log emits the summary at info level.
func (r *Reporter) Log() {
	if r.logger == nil {
		return
	}
	attrs := append(r.collector.Snapshot().LogAttrs(), "duration", time.Since(r.started))
	r.logger.Info("sync summary", attrs...)
}
