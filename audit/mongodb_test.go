package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// fakeCollection keeps documents by _id and remembers the last query
type fakeCollection struct {
	mu        sync.Mutex
	docs      map[string]mongoRecord
	insertErr error
	lastQuery bson.D
	lastLimit int64
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]mongoRecord)}
}

func (c *fakeCollection) InsertMany(_ context.Context, documents []interface{}, _ ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	var bwe mongo.BulkWriteException
	res := &mongo.InsertManyResult{}
	for i, d := range documents {
		doc := d.(mongoRecord)
		if _, dup := c.docs[doc.ID]; dup {
			bwe.WriteErrors = append(bwe.WriteErrors, mongo.BulkWriteError{
				WriteError: mongo.WriteError{Index: i, Code: duplicateKeyCode, Message: "E11000 duplicate key"},
			})
			continue
		}
		c.docs[doc.ID] = doc
		res.InsertedIDs = append(res.InsertedIDs, doc.ID)
	}
	if len(bwe.WriteErrors) > 0 {
		return res, bwe
	}
	return res, nil
}

func (c *fakeCollection) FindRecords(_ context.Context, filter bson.D, opts *options.FindOptions) ([]mongoRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastQuery = filter
	if opts.Limit != nil {
		c.lastLimit = *opts.Limit
	}
	out := make([]mongoRecord, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter interface{}, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cond := filter.(bson.D)[0].Value.(bson.D)[0]
	before := cond.Value.(time.Time)
	var n int64
	for id, d := range c.docs {
		if d.Timestamp.Before(before) {
			delete(c.docs, id)
			n++
		}
	}
	return &mongo.DeleteResult{DeletedCount: n}, nil
}

func TestMongoDBSink_WriteIsIdempotent(t *testing.T) {
	coll := newFakeCollection()
	sink := newMongoDBSink(nil, coll, 0, zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Now().UTC()
	batch := []Record{
		{ID: "r1", Timestamp: now, EventType: EventPHIAccess, Actor: "dr.grey", Resource: "patient:p-1", Outcome: OutcomeSuccess,
			Detail: map[string]string{"route": "GET /patients/{id}"}},
		{ID: "r2", Timestamp: now.Add(time.Second), EventType: EventBreakGlass, Actor: "dr.grey", Outcome: OutcomeSuccess, ReviewRequired: true},
	}
	require.NoError(t, sink.Write(ctx, batch))
	require.NoError(t, sink.Write(ctx, batch), "a replayed batch is not an error")
	assert.Len(t, coll.docs, 2)

	recs, err := sink.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r2", recs[0].ID)
	assert.True(t, recs[0].ReviewRequired)
	assert.Equal(t, EventPHIAccess, recs[1].EventType)
	assert.Equal(t, "GET /patients/{id}", recs[1].Detail["route"])
	assert.EqualValues(t, 100, coll.lastLimit)
}

func TestMongoDBSink_WriteFailures(t *testing.T) {
	coll := newFakeCollection()
	sink := newMongoDBSink(nil, coll, time.Second, zap.NewNop().Sugar())
	rec := []Record{{ID: "r1", Timestamp: time.Now(), EventType: EventLoginSuccess, Outcome: OutcomeSuccess}}

	coll.insertErr = errors.New("connection reset")
	assert.Error(t, sink.Write(context.Background(), rec))

	coll.insertErr = mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Code: duplicateKeyCode}},
		{WriteError: mongo.WriteError{Code: 121, Message: "document failed validation"}},
	}}
	assert.Error(t, sink.Write(context.Background(), rec), "only duplicate keys are tolerated")

	coll.insertErr = mongo.BulkWriteException{
		WriteErrors:       []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: duplicateKeyCode}}},
		WriteConcernError: &mongo.WriteConcernError{Code: 64, Message: "waiting for replication timed out"},
	}
	assert.Error(t, sink.Write(context.Background(), rec))

	assert.NoError(t, sink.Write(context.Background(), nil))
}

func TestMongoDBSink_QueryFilter(t *testing.T) {
	coll := newFakeCollection()
	sink := newMongoDBSink(nil, coll, 0, zap.NewNop().Sugar())
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := sink.Query(context.Background(), Filter{
		EventType:  EventBreakGlass,
		Actor:      "dr.grey",
		Since:      since,
		ReviewOnly: true,
		Limit:      50000,
	})
	require.NoError(t, err)

	assert.Equal(t, bson.D{
		{Key: "event_type", Value: "BREAK_GLASS"},
		{Key: "actor", Value: "dr.grey"},
		{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: since}}},
		{Key: "review_required", Value: true},
	}, coll.lastQuery)
	assert.EqualValues(t, 10000, coll.lastLimit)
}

func TestMongoDBSink_Purge(t *testing.T) {
	coll := newFakeCollection()
	sink := newMongoDBSink(nil, coll, 0, zap.NewNop().Sugar())
	now := time.Now().UTC()
	require.NoError(t, sink.Write(context.Background(), []Record{
		{ID: "old", Timestamp: now.Add(-72 * time.Hour), EventType: EventLoginSuccess, Outcome: OutcomeSuccess},
		{ID: "new", Timestamp: now, EventType: EventLoginSuccess, Outcome: OutcomeSuccess},
	}))

	n, err := sink.Purge(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Contains(t, coll.docs, "new")
	assert.NoError(t, sink.Close())
}
