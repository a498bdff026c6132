package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"time"

	"medgate/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

var validDatabaseName = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)

// ClickHouseSink ships records to a MergeTree table whose TTL enforces
// retention on the server
type ClickHouseSink struct {
	conn          driver.Conn
	database      string
	retentionDays int
	logger        *zap.SugaredLogger
}

// NewClickHouseSink connects, ensures the database and table exist and
// returns the sink
func NewClickHouseSink(cfg config.ClickHouseConfig, retentionDays int, logger *zap.SugaredLogger) (*ClickHouseSink, error) {
	if !validDatabaseName.MatchString(cfg.Database) {
		return nil, fmt.Errorf("invalid ClickHouse database name %q", cfg.Database)
	}
	poolSize := cfg.MaxPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 30,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     poolSize,
		MaxIdleConns:     poolSize / 2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	if cfg.TLS {
		options.TLS = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &ClickHouseSink{conn: conn, database: cfg.Database, retentionDays: retentionDays, logger: logger}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Infow("Audit ClickHouse sink ready", "addr", cfg.Addr, "database", cfg.Database)
	return s, nil
}

// tableDDL builds the audit table statement. The database name is
// validated before it reaches here.
func tableDDL(database string, retentionDays int) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS `+"`%s`"+`.audit_log (
		id String,
		timestamp DateTime64(6, 'UTC'),
		event_type LowCardinality(String),
		actor String,
		resource String,
		outcome LowCardinality(String),
		stage LowCardinality(String),
		reason String,
		detail String,
		ip String,
		user_agent String,
		session_id String,
		request_id String,
		review_required UInt8
	) ENGINE = MergeTree()
	ORDER BY (timestamp, event_type)
	PARTITION BY toYYYYMM(timestamp)
	TTL toDateTime(timestamp) + INTERVAL %d DAY
	SETTINGS index_granularity = 8192`, database, retentionDays)
}

func (s *ClickHouseSink) ensureTable(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", s.database)); err != nil {
		return fmt.Errorf("failed to create ClickHouse database: %w", err)
	}
	if err := s.conn.Exec(ctx, tableDDL(s.database, s.retentionDays)); err != nil {
		return fmt.Errorf("failed to create ClickHouse audit table: %w", err)
	}
	return nil
}

// Name implements Sink
func (s *ClickHouseSink) Name() string { return "clickhouse" }

// Write sends the batch as one native insert
func (s *ClickHouseSink) Write(ctx context.Context, batch []Record) error {
	b, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO `%s`.audit_log", s.database))
	if err != nil {
		return fmt.Errorf("failed to prepare ClickHouse batch: %w", err)
	}
	for _, rec := range batch {
		detail, err := json.Marshal(rec.Detail)
		if err != nil {
			_ = b.Abort()
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		var review uint8
		if rec.ReviewRequired {
			review = 1
		}
		if err := b.Append(
			rec.ID, rec.Timestamp.UTC(), string(rec.EventType), rec.Actor, rec.Resource,
			string(rec.Outcome), rec.Stage, rec.Reason, string(detail), rec.IP,
			rec.UserAgent, rec.SessionID, rec.RequestID, review,
		); err != nil {
			_ = b.Abort()
			return fmt.Errorf("failed to append audit record: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("failed to send ClickHouse batch: %w", err)
	}
	return nil
}

// Close implements Sink
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
