package logging

import (
	"log/slog"
	"sync"
	"time"
)

// eventCounter accumulates occurrences of one event between flushes. The
// attrs of the most recent Record call are kept as context for the
// summary line.
type eventCounter struct {
	component string
	event     string
	count     int64
	attrs     []slog.Attr
}

// Aggregator coalesces high-frequency events into one summary line per
// flush window. Transcript files are appended on every agent turn, so
// the watcher and reindex paths can fire many times per second; logging
// each occurrence would drown everything else.
type Aggregator struct {
	logger *slog.Logger
	window time.Duration

	mu       sync.Mutex
	counters map[string]*eventCounter

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator creates an aggregator flushing every intervalSecs
// seconds. A nil logger drops recorded events.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		window:   time.Duration(intervalSecs) * time.Second,
		counters: make(map[string]*eventCounter),
		stop:     make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the flush loop and emits whatever is still pending.
func (a *Aggregator) Stop() {
	close(a.stop)
	a.wg.Wait()
	a.flush()
}

// Record counts one occurrence of an event.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := component + "/" + event
	c := a.counters[key]
	if c == nil {
		c = &eventCounter{component: component, event: event}
		a.counters[key] = c
	}
	c.count++
	if len(attrs) > 0 {
		c.attrs = attrs
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	counters := a.counters
	a.counters = make(map[string]*eventCounter, len(counters))
	a.mu.Unlock()

	if a.logger == nil {
		return
	}
	for _, c := range counters {
		args := make([]any, 0, 4+len(c.attrs))
		args = append(args,
			slog.String("component", c.component),
			slog.String("event", c.event),
			slog.Int64("count", c.count),
			slog.Duration("window", a.window),
		)
		for _, attr := range c.attrs {
			args = append(args, attr)
		}
		a.logger.Info("event_rollup", args...)
	}
}
