package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/pkg/provision"
)

const (
	ingestDDL = `
CREATE TABLE IF NOT EXISTS %s.%s (
    ts Int64,
    drone_id String,
    latitude Float64,
    longitude Float64,
    battery Float64,
    altitude Float64,
    speed Float64,
    raw_payload String
) ENGINE = Kafka
SETTINGS kafka_broker_list = '%s',
         kafka_topic_list = '%s',
         kafka_group_name = '%s',
         kafka_format = 'JSONEachRow',
         kafka_num_consumers = 1`

	targetDDL = `
CREATE TABLE IF NOT EXISTS %s.%s (
    ts DateTime64(3, 'UTC'),
    drone_id LowCardinality(String),
    latitude Float64,
    longitude Float64,
    battery Float64,
    altitude Float64,
    speed Float64,
    raw_payload String,
    received_at DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = MergeTree()
ORDER BY (drone_id, ts)`

	viewDDL = `
CREATE MATERIALIZED VIEW IF NOT EXISTS %s.%s TO %s.%s AS
SELECT
    fromUnixTimestamp64Milli(ts, 'UTC') AS ts,
    drone_id,
    latitude,
    longitude,
    battery,
    altitude,
    speed,
    raw_payload
FROM %s.%s`
)

// Conn is the subset of driver.Conn the provisioner needs.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	Close() error
}

// ConnFactory connects to the columnar store. Called inside Ensure so the
// retry decorator can poll a server that is still starting up.
type ConnFactory func(ctx context.Context) (Conn, error)

// SchemaProvisioner ensures the broker-backed ingestion table, the persisted
// target table and the materialized view between them exist. Ordering
// matters: the view references the ingestion table, so it is created last.
//
// The producer delivers each record to both the telemetry platform and the
// broker topic; redelivered duplicates in the target table are accepted, no
// deduplication happens here.
type SchemaProvisioner struct {
	connFactory ConnFactory
	conf        config.ClickHouse
	kafka       config.Kafka
}

func NewSchemaProvisioner(connFactory ConnFactory, conf config.ClickHouse, kafka config.Kafka) SchemaProvisioner {
	return SchemaProvisioner{
		connFactory: connFactory,
		conf:        conf,
		kafka:       kafka,
	}
}

func (p SchemaProvisioner) Name() string {
	return "columnar-schema"
}

func (p SchemaProvisioner) Ensure(ctx context.Context) ([]provision.Result, error) {
	conn, err := p.connFactory(ctx)
	if err != nil {
		return nil, common.NewRetryableProvisionError(err, provision.CategoryUnreachable, p.conf.Database, "failed to connect to columnar store")
	}
	defer conn.Close()

	err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", p.conf.Database))
	if err != nil {
		return nil, common.NewRetryableProvisionError(err, provision.CategoryUnreachable, p.conf.Database, "failed to create database %s", p.conf.Database)
	}

	statements := []struct {
		object string
		ddl    string
	}{
		{
			object: p.conf.IngestTable,
			ddl: fmt.Sprintf(ingestDDL,
				p.conf.Database, p.conf.IngestTable,
				escapeSetting(p.kafka.Broker.URLs), escapeSetting(p.kafka.Topic.Name), escapeSetting(p.kafka.Topic.ConsumerGroup),
			),
		},
		{
			object: p.conf.TargetTable,
			ddl:    fmt.Sprintf(targetDDL, p.conf.Database, p.conf.TargetTable),
		},
		{
			object: p.conf.View,
			ddl: fmt.Sprintf(viewDDL,
				p.conf.Database, p.conf.View,
				p.conf.Database, p.conf.TargetTable,
				p.conf.Database, p.conf.IngestTable,
			),
		},
	}

	ret := make([]provision.Result, 0, len(statements))

	for _, statement := range statements {
		// IF NOT EXISTS makes the DDL a no-op on re-runs: the pre-check only
		// decides the reported outcome.
		present, err := p.tableExists(ctx, conn, statement.object)
		if err != nil {
			return ret, common.NewProvisionError(err, provision.CategoryInternal, statement.object, "failed to check existence of %s", statement.object)
		}

		err = conn.Exec(ctx, statement.ddl)
		if err != nil {
			return ret, common.NewProvisionError(err, provision.CategoryInternal, statement.object, "failed to create %s", statement.object)
		}

		if present {
			ret = append(ret, provision.AlreadyPresent(statement.object))
		} else {
			ret = append(ret, provision.Created(statement.object))
		}
	}

	return ret, nil
}

func (p SchemaProvisioner) tableExists(ctx context.Context, conn Conn, name string) (bool, error) {
	row := conn.QueryRow(ctx,
		"SELECT count() FROM system.tables WHERE database = ? AND name = ?",
		p.conf.Database, name,
	)

	var count uint64

	err := row.Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query system.tables: %w", err)
	}

	return count > 0, nil
}

func escapeSetting(value string) string {
	return strings.ReplaceAll(value, "'", "\\'")
}
