package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"medgate/core"
	"medgate/metrics"
	"medgate/util/goroutine"

	"go.uber.org/zap"
)

// Sink is where batches of records end up. Write is called from a single
// worker goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []Record) error
	Close() error
}

// Options tunes the asynchronous emitter
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	// WriteTimeout bounds a single sink write
	WriteTimeout time.Duration
}

// DefaultOptions mirror the configuration defaults
func DefaultOptions() Options {
	return Options{
		BufferSize:    4096,
		BatchSize:     128,
		FlushInterval: time.Second,
		MaxRetries:    5,
		RetryBackoff:  200 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
	}
}

// AsyncEmitter buffers records in a bounded channel and writes them in
// batches from one worker. Emit never blocks: when the buffer is full the
// record is dropped, counted and logged.
type AsyncEmitter struct {
	sink    Sink
	opts    Options
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger

	records chan Record
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	done    chan struct{}
	// abort is closed when Close gives up waiting; pending retries stop
	abort     chan struct{}
	abortOnce sync.Once
}

// NewAsyncEmitter starts the worker
func NewAsyncEmitter(sink Sink, opts Options, logger *zap.SugaredLogger) (*AsyncEmitter, error) {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}

	bcfg := core.DefaultBreakerConfig("audit-" + sink.Name())
	bcfg.OnStateChange = func(name string, from, to core.BreakerState) {
		logger.Warnw("Audit sink circuit breaker state changed",
			"breaker", name, "from", from, "to", to)
	}
	breaker, err := core.NewCircuitBreaker(bcfg)
	if err != nil {
		return nil, err
	}

	e := &AsyncEmitter{
		sink:    sink,
		opts:    opts,
		breaker: breaker,
		logger:  logger,
		records: make(chan Record, opts.BufferSize),
		done:    make(chan struct{}),
		abort:   make(chan struct{}),
	}
	goroutine.Go(&e.wg, "audit-emitter", logger, e.run)
	return e, nil
}

// Emit enqueues rec. It returns immediately in every case.
func (e *AsyncEmitter) Emit(rec Record) {
	rec = stamp(rec)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(rec, "emitter closed")
		return
	}
	select {
	case e.records <- rec:
		metrics.AuditEmitted.WithLabelValues(string(rec.EventType)).Inc()
		metrics.AuditQueueDepth.Set(float64(len(e.records)))
	default:
		e.drop(rec, "buffer full")
	}
}

// Close stops accepting records and waits for the buffer to drain or for
// ctx to end, whichever comes first
func (e *AsyncEmitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.records)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		e.abortOnce.Do(func() { close(e.abort) })
		e.wg.Wait()
		_ = e.sink.Close()
		return ctx.Err()
	}
	e.wg.Wait()
	return e.sink.Close()
}

// run is the single worker. done is closed even when a sink panics.
func (e *AsyncEmitter) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, e.opts.BatchSize)
	for {
		select {
		case rec, ok := <-e.records:
			if !ok {
				e.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= e.opts.BatchSize {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
		}
		metrics.AuditQueueDepth.Set(float64(len(e.records)))
	}
}

// flush writes one batch with exponential backoff. A batch that cannot be
// written is logged record by record so the decision trail survives in the
// process log.
func (e *AsyncEmitter) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	backoff := e.opts.RetryBackoff
	var err error
retry:
	for attempt := 0; ; attempt++ {
		err = e.breaker.Execute(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.WriteTimeout)
			defer cancel()
			return e.sink.Write(ctx, batch)
		})
		if err == nil {
			return
		}
		if !errors.Is(err, core.ErrBreakerOpen) {
			metrics.AuditSinkErrors.WithLabelValues(e.sink.Name()).Inc()
		}
		if attempt == e.opts.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-e.abort:
			break retry
		}
	}

	e.logger.Errorw("Audit sink write failed, records written to process log only",
		"sink", e.sink.Name(),
		"records", len(batch),
		"error", err)
	for _, rec := range batch {
		e.drop(rec, "sink unavailable")
	}
}

func (e *AsyncEmitter) drop(rec Record, why string) {
	metrics.AuditDropped.Inc()
	e.logger.Warnw("AUDIT: record not delivered to sink",
		"why", why,
		"id", rec.ID,
		"event_type", rec.EventType,
		"actor", rec.Actor,
		"outcome", rec.Outcome,
		"stage", rec.Stage,
		"reason", rec.Reason)
}
