package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"medgate/config"

	"go.uber.org/zap"
)

// LogSink writes records to the process log in the "AUDIT:" format
// operators already grep for
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a log-backed sink
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Write implements Sink
func (s *LogSink) Write(_ context.Context, batch []Record) error {
	for _, rec := range batch {
		fields := []interface{}{
			"id", rec.ID,
			"timestamp", rec.Timestamp,
			"actor", rec.Actor,
			"outcome", rec.Outcome,
		}
		if rec.Resource != "" {
			fields = append(fields, "resource", rec.Resource)
		}
		if rec.Stage != "" {
			fields = append(fields, "stage", rec.Stage, "reason", rec.Reason)
		}
		if rec.IP != "" {
			fields = append(fields, "ip", rec.IP)
		}
		if rec.RequestID != "" {
			fields = append(fields, "request_id", rec.RequestID)
		}
		for k, v := range rec.Detail {
			fields = append(fields, "detail."+k, v)
		}
		if rec.ReviewRequired {
			fields = append(fields, "review_required", true)
			s.logger.Warnw("AUDIT: "+string(rec.EventType), fields...)
			continue
		}
		s.logger.Infow("AUDIT: "+string(rec.EventType), fields...)
	}
	return nil
}

// Close implements Sink
func (s *LogSink) Close() error { return nil }

// ErrSinkUnavailable is returned by MemorySink while failing
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// MemorySink keeps records in memory. It can be told to fail, which makes
// it useful for exercising the emitter's retry path.
type MemorySink struct {
	mu       sync.Mutex
	records  []Record
	failures int
	writes   int
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Name implements Sink
func (s *MemorySink) Name() string { return "memory" }

// FailNext makes the next n writes return ErrSinkUnavailable
func (s *MemorySink) FailNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

// Write implements Sink
func (s *MemorySink) Write(_ context.Context, batch []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failures > 0 {
		s.failures--
		return ErrSinkUnavailable
	}
	s.records = append(s.records, batch...)
	return nil
}

// Close implements Sink
func (s *MemorySink) Close() error { return nil }

// Records returns a copy of everything written so far
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// ByType returns the written records of one event type
func (s *MemorySink) ByType(t EventType) []Record {
	var out []Record
	for _, rec := range s.Records() {
		if rec.EventType == t {
			out = append(out, rec)
		}
	}
	return out
}

// Writes reports how many Write calls were made, failed ones included
func (s *MemorySink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Recorder is a synchronous Emitter that stamps records and keeps them.
// Tests use it where the asynchronous path would only add waiting.
type Recorder struct {
	sink *MemorySink
}

// NewRecorder creates a synchronous recorder
func NewRecorder() *Recorder {
	return &Recorder{sink: NewMemorySink()}
}

// Emit implements Emitter
func (r *Recorder) Emit(rec Record) {
	_ = r.sink.Write(context.Background(), []Record{stamp(rec)})
}

// Records returns everything emitted so far
func (r *Recorder) Records() []Record { return r.sink.Records() }

// ByType returns the emitted records of one event type
func (r *Recorder) ByType(t EventType) []Record { return r.sink.ByType(t) }

// OpenSink builds the sink named by cfg.Sink
func OpenSink(cfg config.AuditConfig, logger *zap.SugaredLogger) (Sink, error) {
	switch cfg.Sink {
	case "", "sqlite":
		return NewSQLiteSink(cfg.SQLitePath, logger)
	case "clickhouse":
		return NewClickHouseSink(cfg.ClickHouse, cfg.RetentionDays, logger)
	case "mongodb":
		return NewMongoDBSink(cfg.MongoDB, logger)
	case "log":
		return NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}
