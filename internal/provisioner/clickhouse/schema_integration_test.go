package clickhouse_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/internal/factory"
	"github.com/skyfleet/droneprov/internal/provisioner/clickhouse"
	"github.com/skyfleet/droneprov/pkg/provision"
)

// Helper

func startClickHouse(t *testing.T) testcontainers.Container {
	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.8",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"CLICKHOUSE_SKIP_USER_SETUP": "1",
		},
		WaitingFor: wait.ForLog("Ready for connections"),
	}
	ret, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})

	testcontainers.CleanupContainer(t, ret)

	require.NoError(t, err, "failed to start clickhouse instance")

	return ret
}

func integrationConfig(t *testing.T, container testcontainers.Container) (config.ClickHouse, config.Kafka) {
	endpoint, err := container.Endpoint(context.Background(), "")
	require.NoError(t, err, "failed to get clickhouse endpoint")

	ch, kafka := testConfig()
	ch.Addr = endpoint

	return ch, kafka
}

// Test suite definition

type SchemaIntegrationTestSuite struct {
	suite.Suite

	ch    config.ClickHouse
	kafka config.Kafka
	p     clickhouse.SchemaProvisioner
}

func (s *SchemaIntegrationTestSuite) SetupSuite() {
	t := s.T()

	container := startClickHouse(t)
	s.ch, s.kafka = integrationConfig(t, container)

	connFactory := func(ctx context.Context) (clickhouse.Conn, error) {
		conn, _, err := factory.CreateClickHouseConn(ctx, s.ch)

		return conn, err
	}

	s.p = clickhouse.NewSchemaProvisioner(connFactory, s.ch, s.kafka)
}

// Run test

func TestSchemaIntegrationTestSuite(t *testing.T) {
	t.Parallel()

	suite.Run(t, new(SchemaIntegrationTestSuite))
}

// Test

func (s *SchemaIntegrationTestSuite) TestEnsureTwice() {
	ctx := context.Background()
	t := s.T()

	results, err := s.p.Ensure(ctx)
	require.NoError(t, err, "failed to ensure schema (1)")

	require.Len(t, results, 3, "unexpected number of results: %d", len(results))
	for _, result := range results {
		assert.Equal(t, provision.OutcomeCreated, result.Outcome, "resource %s", result.Resource)
	}

	// Re-run against the populated server
	results, err = s.p.Ensure(ctx)
	require.NoError(t, err, "failed to ensure schema (2)")

	require.Len(t, results, 3, "unexpected number of results: %d", len(results))
	for _, result := range results {
		assert.Equal(t, provision.OutcomeAlreadyPresent, result.Outcome, "resource %s", result.Resource)
	}

	// The view must target the persisted table
	conn, closeConn, err := factory.CreateClickHouseConn(ctx, s.ch)
	require.NoError(t, err, "failed to connect to clickhouse")

	defer func() { _ = closeConn(ctx) }()

	row := conn.QueryRow(ctx,
		"SELECT engine FROM system.tables WHERE database = ? AND name = ?",
		s.ch.Database, s.ch.View,
	)

	var engine string

	require.NoError(t, row.Scan(&engine), "failed to read view engine")
	assert.Equal(t, "MaterializedView", engine, "unexpected view engine")
}

func TestUnreachableServer(t *testing.T) {
	t.Parallel()

	ch, kafka := testConfig()
	ch.Addr = "localhost:1"

	connFactory := func(ctx context.Context) (clickhouse.Conn, error) {
		conn, _, err := factory.CreateClickHouseConn(ctx, ch)

		return conn, err
	}

	p := clickhouse.NewSchemaProvisioner(connFactory, ch, kafka)

	_, err := p.Ensure(context.Background())
	require.Error(t, err, "ensure should fail")

	require.ErrorIs(t, err, provision.ErrRetryable, "error should be retryable")
}
