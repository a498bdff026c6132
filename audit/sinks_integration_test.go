//go:build integration

package audit

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"medgate/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

const containerStartTimeout = 120 * time.Second

// startContainer starts req and returns host:port for the given port.
// The container is terminated when the test ends.
func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start %s container", req.Image)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate %s container: %v", req.Image, err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func integrationBatch(now time.Time) []Record {
	return []Record{
		{ID: "it-1", Timestamp: now.Add(-48 * time.Hour), EventType: EventLoginFailed, Actor: "dr.grey", Outcome: OutcomeFailure, Reason: "invalid_credentials"},
		{ID: "it-2", Timestamp: now, EventType: EventPHIAccess, Actor: "dr.grey", Resource: "patient:p-1", Outcome: OutcomeSuccess},
		{ID: "it-3", Timestamp: now, EventType: EventBreakGlass, Actor: "dr.grey", Resource: "patient:p-2", Outcome: OutcomeSuccess, ReviewRequired: true,
			Detail: map[string]string{"grant_id": "g-1"}},
	}
}

func TestClickHouseSinkIntegration(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:latest",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		Env: map[string]string{
			"CLICKHOUSE_USER":                      "default",
			"CLICKHOUSE_PASSWORD":                  "testpassword",
			"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT": "1",
		},
		WaitingFor: wait.ForHTTP("/").
			WithPort("8123/tcp").
			WithStartupTimeout(containerStartTimeout).
			WithResponseMatcher(func(body io.Reader) bool {
				buf, _ := io.ReadAll(body)
				return len(buf) > 0
			}),
	}, "9000")

	sink, err := NewClickHouseSink(config.ClickHouseConfig{
		Addr:     addr,
		Database: "medgate_integration",
		Username: "default",
		Password: "testpassword",
	}, 30, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, integrationBatch(time.Now().UTC())))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx,
		"SELECT count() FROM `medgate_integration`.audit_log WHERE review_required = 1").Scan(&count))
	assert.EqualValues(t, 1, count)
}

func TestMongoDBSinkIntegration(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(containerStartTimeout),
	}, "27017")

	sink, err := NewMongoDBSink(config.MongoDBConfig{
		URI:        "mongodb://" + addr,
		Database:   "medgate_integration",
		Collection: "audit_log",
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	batch := integrationBatch(now)
	require.NoError(t, sink.Write(ctx, batch))
	require.NoError(t, sink.Write(ctx, batch), "replayed batch")

	recs, err := sink.Query(ctx, Filter{Actor: "dr.grey"})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	review, err := sink.Query(ctx, Filter{ReviewOnly: true})
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, "g-1", review[0].Detail["grant_id"])

	n, err := sink.Purge(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
