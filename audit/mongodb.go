package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medgate/config"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// duplicateKeyCode is the server error for an _id that already exists
const duplicateKeyCode = 11000

// mongoRecord is the stored document shape. The record ID is the _id, so
// a batch replayed after a partial write cannot duplicate entries.
type mongoRecord struct {
	ID             string            `bson:"_id"`
	Timestamp      time.Time         `bson:"timestamp"`
	EventType      string            `bson:"event_type"`
	Actor          string            `bson:"actor"`
	Resource       string            `bson:"resource,omitempty"`
	Outcome        string            `bson:"outcome"`
	Stage          string            `bson:"stage,omitempty"`
	Reason         string            `bson:"reason,omitempty"`
	Detail         map[string]string `bson:"detail,omitempty"`
	IP             string            `bson:"ip,omitempty"`
	UserAgent      string            `bson:"user_agent,omitempty"`
	SessionID      string            `bson:"session_id,omitempty"`
	RequestID      string            `bson:"request_id,omitempty"`
	ReviewRequired bool              `bson:"review_required"`
}

func toMongoRecord(rec Record) mongoRecord {
	return mongoRecord{
		ID:             rec.ID,
		Timestamp:      rec.Timestamp.UTC(),
		EventType:      string(rec.EventType),
		Actor:          rec.Actor,
		Resource:       rec.Resource,
		Outcome:        string(rec.Outcome),
		Stage:          rec.Stage,
		Reason:         rec.Reason,
		Detail:         rec.Detail,
		IP:             rec.IP,
		UserAgent:      rec.UserAgent,
		SessionID:      rec.SessionID,
		RequestID:      rec.RequestID,
		ReviewRequired: rec.ReviewRequired,
	}
}

func (m mongoRecord) record() Record {
	return Record{
		ID:             m.ID,
		Timestamp:      m.Timestamp.UTC(),
		EventType:      EventType(m.EventType),
		Actor:          m.Actor,
		Resource:       m.Resource,
		Outcome:        Outcome(m.Outcome),
		Stage:          m.Stage,
		Reason:         m.Reason,
		Detail:         m.Detail,
		IP:             m.IP,
		UserAgent:      m.UserAgent,
		SessionID:      m.SessionID,
		RequestID:      m.RequestID,
		ReviewRequired: m.ReviewRequired,
	}
}

// recordCollection is the part of *mongo.Collection the sink uses, so
// tests can substitute it
type recordCollection interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	FindRecords(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]mongoRecord, error)
	DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

// mongoCollection adapts *mongo.Collection to recordCollection
type mongoCollection struct {
	*mongo.Collection
}

func (c mongoCollection) FindRecords(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]mongoRecord, error) {
	cursor, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []mongoRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MongoDBSink stores records in a MongoDB collection
type MongoDBSink struct {
	client        *mongo.Client
	coll          recordCollection
	insertTimeout time.Duration
	logger        *zap.SugaredLogger
}

// NewMongoDBSink connects, ensures the query indexes exist and returns the
// sink
func NewMongoDBSink(cfg config.MongoDBConfig, logger *zap.SugaredLogger) (*MongoDBSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolSize := cfg.MaxPoolSize
	if poolSize == 0 {
		poolSize = 10
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(poolSize))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	if _, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "actor", Value: 1}, {Key: "timestamp", Value: -1}}},
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create audit indexes: %w", err)
	}

	logger.Infow("Audit MongoDB sink ready", "database", cfg.Database, "collection", cfg.Collection)
	return newMongoDBSink(client, mongoCollection{coll}, cfg.BatchInsertTimeout, logger), nil
}

func newMongoDBSink(client *mongo.Client, coll recordCollection, insertTimeout time.Duration, logger *zap.SugaredLogger) *MongoDBSink {
	if insertTimeout <= 0 {
		insertTimeout = 5 * time.Second
	}
	return &MongoDBSink{client: client, coll: coll, insertTimeout: insertTimeout, logger: logger}
}

// Name implements Sink
func (s *MongoDBSink) Name() string { return "mongodb" }

// Write inserts the batch unordered. Records already stored by an earlier
// attempt are skipped.
func (s *MongoDBSink) Write(ctx context.Context, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}
	docs := make([]interface{}, len(batch))
	for i, rec := range batch {
		docs[i] = toMongoRecord(rec)
	}

	ctx, cancel := context.WithTimeout(ctx, s.insertTimeout)
	defer cancel()
	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil || onlyDuplicates(err) {
		return nil
	}
	return fmt.Errorf("failed to insert audit batch: %w", err)
}

func onlyDuplicates(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return false
		}
	}
	return true
}

// Query returns matching records, newest first
func (s *MongoDBSink) Query(ctx context.Context, f Filter) ([]Record, error) {
	filter := bson.D{}
	if f.EventType != "" {
		filter = append(filter, bson.E{Key: "event_type", Value: string(f.EventType)})
	}
	if f.Actor != "" {
		filter = append(filter, bson.E{Key: "actor", Value: f.Actor})
	}
	if !f.Since.IsZero() {
		filter = append(filter, bson.E{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: f.Since.UTC()}}})
	}
	if f.ReviewOnly {
		filter = append(filter, bson.E{Key: "review_required", Value: true})
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(f.limit()))
	docs, err := s.coll.FindRecords(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	out := make([]Record, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

// Purge deletes records older than before and reports how many went
func (s *MongoDBSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: "timestamp", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}})
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}
	return res.DeletedCount, nil
}

// Close disconnects the client
func (s *MongoDBSink) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
