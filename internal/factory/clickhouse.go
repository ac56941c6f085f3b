package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/config"
)

// CreateClickHouseConn connects against the default database: the target
// database may not exist before the schema provisioner runs, every statement
// qualifies objects explicitly.
func CreateClickHouseConn(ctx context.Context, conf config.ClickHouse) (driver.Conn, common.CloseFunc, error) {
	ret, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{conf.Addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: conf.Creds.Username,
			Password: conf.Creds.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create clickhouse connection: %w", err)
	}

	err = ret.Ping(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	shutdown := func(context.Context) error {
		return ret.Close()
	}

	return ret, shutdown, nil
}
