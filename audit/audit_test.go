package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"medgate/util"
	"medgate/util/goroutine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func fastOptions() Options {
	return Options{
		BufferSize:    64,
		BatchSize:     8,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    3,
		RetryBackoff:  time.Millisecond,
	}
}

func TestAsyncEmitter_DeliversAndStamps(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	sink := NewMemorySink()
	em, err := NewAsyncEmitter(sink, fastOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		em.Emit(Record{EventType: EventRateLimited, Outcome: OutcomeDenied, IP: "203.0.113.5"})
	}
	require.NoError(t, em.Close(context.Background()))

	recs := sink.Records()
	require.Len(t, recs, 20)
	seen := make(map[string]bool)
	for _, r := range recs {
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.Timestamp.IsZero())
		assert.Equal(t, "anonymous", r.Actor)
		assert.False(t, seen[r.ID], "ids are unique")
		seen[r.ID] = true
	}
}

func TestAsyncEmitter_FlushesOnInterval(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	sink := NewMemorySink()
	em, err := NewAsyncEmitter(sink, fastOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer em.Close(context.Background())

	em.Emit(Record{EventType: EventLoginSuccess, Actor: "jdoe", Outcome: OutcomeSuccess})
	assert.Eventually(t, func() bool { return len(sink.Records()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAsyncEmitter_RetriesFailedWrites(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	sink := NewMemorySink()
	sink.FailNext(2)
	em, err := NewAsyncEmitter(sink, fastOptions(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	em.Emit(Record{EventType: EventPermissionDenied, Actor: "jdoe", Outcome: OutcomeDenied})
	require.NoError(t, em.Close(context.Background()))

	assert.Len(t, sink.Records(), 1)
	assert.Equal(t, 3, sink.Writes())
}

func TestAsyncEmitter_GivesUpWithoutBlockingCallers(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	sink := NewMemorySink()
	sink.FailNext(1000)
	em, err := NewAsyncEmitter(sink, fastOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 500; i++ {
		em.Emit(Record{EventType: EventInjectionBlocked, Outcome: OutcomeBlocked})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "Emit must not wait on the sink")

	require.NoError(t, em.Close(context.Background()))
	assert.Empty(t, sink.Records())
}

func TestAsyncEmitter_ConcurrentEmitAndClose(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	sink := NewMemorySink()
	em, err := NewAsyncEmitter(sink, fastOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				em.Emit(Record{EventType: EventAccessGranted, Outcome: OutcomeSuccess})
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, em.Close(context.Background()))
	wg.Wait()

	// emits after close are dropped, never panic
	em.Emit(Record{EventType: EventAccessGranted})
	assert.LessOrEqual(t, len(sink.Records()), 400)
}

type panickingSink struct{ closed bool }

func (p *panickingSink) Name() string { return "panicking" }
func (p *panickingSink) Write(context.Context, []Record) error {
	panic("disk on fire")
}
func (p *panickingSink) Close() error {
	p.closed = true
	return nil
}

func TestAsyncEmitter_WorkerPanicIsRecovered(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	obs, logs := observer.New(zap.ErrorLevel)
	sink := &panickingSink{}
	em, err := NewAsyncEmitter(sink, fastOptions(), zap.New(obs).Sugar())
	require.NoError(t, err)

	em.Emit(Record{EventType: EventLoginFailed})
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Goroutine panic recovered").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "audit-emitter", logs.All()[0].ContextMap()["goroutine"])

	// the dead worker no longer drains; Emit stays non-blocking and Close returns
	em.Emit(Record{EventType: EventLoginFailed})
	require.NoError(t, em.Close(context.Background()))
	assert.True(t, sink.closed)
}

func TestAsyncEmitter_CloseHonoursDeadline(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	sink := NewMemorySink()
	sink.FailNext(1000)
	opts := fastOptions()
	opts.MaxRetries = 50
	opts.RetryBackoff = 50 * time.Millisecond
	em, err := NewAsyncEmitter(sink, opts, zap.NewNop().Sugar())
	require.NoError(t, err)

	em.Emit(Record{EventType: EventLoginFailed})
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = em.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStamp_BreakGlassAlwaysRequiresReview(t *testing.T) {
	rec := stamp(Record{EventType: EventBreakGlass, ReviewRequired: false})
	assert.True(t, rec.ReviewRequired)

	detail := map[string]string{"k": "v"}
	rec = stamp(Record{EventType: EventPHIAccess, Detail: detail})
	detail["k"] = "changed"
	assert.Equal(t, "v", rec.Detail["k"], "records do not share caller maps")
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Emit(Record{EventType: EventBreakGlass, Actor: "dr.house"})
	r.Emit(Record{EventType: EventPHIAccess, Actor: "dr.house"})

	require.Len(t, r.ByType(EventBreakGlass), 1)
	assert.True(t, r.ByType(EventBreakGlass)[0].ReviewRequired)
	assert.Len(t, r.Records(), 2)
}

func newSQLiteSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSink_WriteAndQuery(t *testing.T) {
	s := newSQLiteSink(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	batch := []Record{
		stamp(Record{Timestamp: base, EventType: EventLoginFailed, Actor: "jdoe", Outcome: OutcomeFailure, IP: "203.0.113.1"}),
		stamp(Record{Timestamp: base.Add(time.Minute), EventType: EventBreakGlass, Actor: "dr.grey", Outcome: OutcomeSuccess,
			Resource: "patient:p-100", Detail: map[string]string{"reason_code": "CARDIAC_ARREST"}}),
		stamp(Record{Timestamp: base.Add(2 * time.Minute), EventType: EventLoginFailed, Actor: "jdoe", Outcome: OutcomeFailure}),
	}
	require.NoError(t, s.Write(ctx, batch))
	// replaying a batch after a partial failure does not duplicate rows
	require.NoError(t, s.Write(ctx, batch))

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, base.Add(2*time.Minute).Equal(all[0].Timestamp), "newest first")

	failed, err := s.Query(ctx, Filter{EventType: EventLoginFailed, Actor: "jdoe"})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	review, err := s.Query(ctx, Filter{ReviewOnly: true})
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, "CARDIAC_ARREST", review[0].Detail["reason_code"])
	assert.Equal(t, "patient:p-100", review[0].Resource)

	recent, err := s.Query(ctx, Filter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestSQLiteSink_IsAppendOnly(t *testing.T) {
	s := newSQLiteSink(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, []Record{stamp(Record{EventType: EventLoginSuccess, Outcome: OutcomeSuccess})}))

	_, err := s.db.ExecContext(ctx, "UPDATE audit_log SET actor = 'someone-else'")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestNewSQLiteSink_RejectsUnsafePaths(t *testing.T) {
	dir := t.TempDir()
	_, err := NewSQLiteSink(dir+"/../audit.db", zap.NewNop().Sugar())
	assert.ErrorIs(t, err, util.ErrPathTraversal)
	_, err = NewSQLiteSink("data/../../audit.db", zap.NewNop().Sugar())
	assert.ErrorIs(t, err, util.ErrPathTraversal)

	target := filepath.Join(dir, "real.db")
	require.NoError(t, os.WriteFile(target, nil, 0o600))
	link := filepath.Join(dir, "audit.db")
	if err := os.Symlink(target, link); err == nil {
		_, err = NewSQLiteSink(link, zap.NewNop().Sugar())
		assert.ErrorIs(t, err, util.ErrSymlinkNotAllowed)
	}
}

func TestRetention_PurgesOldRecords(t *testing.T) {
	s := newSQLiteSink(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(ctx, []Record{
		stamp(Record{Timestamp: now.Add(-40 * 24 * time.Hour), EventType: EventLoginFailed}),
		stamp(Record{Timestamp: now.Add(-10 * 24 * time.Hour), EventType: EventLoginFailed}),
	}))

	r, err := NewRetention(s, 30, "0 3 * * *", zap.NewNop().Sugar())
	require.NoError(t, err)
	r.now = func() time.Time { return now }
	r.RunOnce()

	left, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestRetention_RejectsBadSchedule(t *testing.T) {
	_, err := NewRetention(newMemoryPurger(), 30, "every day", zap.NewNop().Sugar())
	require.Error(t, err)
	_, err = NewRetention(newMemoryPurger(), 0, "0 3 * * *", zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestRetention_StartStop(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	r, err := NewRetention(newMemoryPurger(), 30, "@every 1h", zap.NewNop().Sugar())
	require.NoError(t, err)
	r.Start()
	r.Stop()
}

func TestClickHouseDDL(t *testing.T) {
	ddl := tableDDL("medgate_audit", 2190)
	assert.Contains(t, ddl, "`medgate_audit`.audit_log")
	assert.Contains(t, ddl, "INTERVAL 2190 DAY")
	assert.True(t, validDatabaseName.MatchString("medgate_audit"))
	assert.False(t, validDatabaseName.MatchString("audit; DROP DATABASE x"))
}

type memoryPurger struct{ calls int }

func newMemoryPurger() *memoryPurger { return &memoryPurger{} }

func (m *memoryPurger) Purge(context.Context, time.Time) (int64, error) {
	m.calls++
	return 0, nil
}

func TestTee_StampsOnceForEveryEmitter(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	Tee(a, b).Emit(Record{EventType: EventBreakGlass, Actor: "dr.house"})

	require.Len(t, a.Records(), 1)
	require.Len(t, b.Records(), 1)
	assert.Equal(t, a.Records()[0].ID, b.Records()[0].ID)
	assert.True(t, b.Records()[0].ReviewRequired)
}
