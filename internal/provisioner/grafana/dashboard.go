package grafana

import (
	"context"
	"strings"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/pkg/provision"
)

const datasourceType = "grafana-clickhouse-datasource"

// DashboardProvisioner ensures exactly one datasource pointing at the
// columnar store and one dashboard referencing it exist. Both are matched by
// a stable identifier (datasource name, dashboard uid) and updated in place
// on re-runs: the tool auto-increments names on naive re-creation.
type DashboardProvisioner struct {
	client     *Client
	conf       config.Grafana
	clickhouse config.ClickHouse
	wait       provision.RetryConfig
}

func NewDashboardProvisioner(client *Client, conf config.Grafana, clickhouse config.ClickHouse, wait provision.RetryConfig) DashboardProvisioner {
	return DashboardProvisioner{
		client:     client,
		conf:       conf,
		clickhouse: clickhouse,
		wait:       wait,
	}
}

func (p DashboardProvisioner) Name() string {
	return "dashboard"
}

func (p DashboardProvisioner) Ensure(ctx context.Context) ([]provision.Result, error) {
	err := p.client.WaitReady(ctx, p.wait)
	if err != nil {
		return nil, common.NewProvisionError(err, provision.CategoryUnreachable, p.conf.DatasourceName, "failed to reach visualization tool")
	}

	ret := make([]provision.Result, 0, 2)

	result, err := p.ensureDatasource(ctx)
	if err != nil {
		return ret, err
	}

	ret = append(ret, result)

	result, err = p.ensureDashboard(ctx)
	if err != nil {
		return ret, err
	}

	ret = append(ret, result)

	return ret, nil
}

func (p DashboardProvisioner) ensureDatasource(ctx context.Context) (provision.Result, error) {
	desired := p.datasource()

	existing, err := p.client.GetDatasourceByName(ctx, p.conf.DatasourceName)

	switch {
	case IsNotFound(err):
		err = p.client.CreateDatasource(ctx, desired)
		if err != nil {
			return provision.Result{}, common.NewProvisionError(err, provision.CategoryInternal, p.conf.DatasourceName, "failed to create datasource")
		}

		return provision.Created(p.conf.DatasourceName), nil

	case err != nil:
		return provision.Result{}, common.NewProvisionError(err, provision.CategoryUnreachable, p.conf.DatasourceName, "failed to look up datasource")
	}

	desired.ID = existing.ID
	desired.UID = existing.UID

	err = p.client.UpdateDatasource(ctx, desired)
	if err != nil {
		return provision.Result{}, common.NewProvisionError(err, provision.CategoryInternal, p.conf.DatasourceName, "failed to update datasource")
	}

	return provision.Updated(p.conf.DatasourceName, "updated in place"), nil
}

func (p DashboardProvisioner) ensureDashboard(ctx context.Context) (provision.Result, error) {
	dashboard := p.dashboard()

	existing, err := p.client.GetDashboardByUID(ctx, p.conf.DashboardUID)

	switch {
	case IsNotFound(err):
		err = p.client.UpsertDashboard(ctx, dashboard)
		if err != nil {
			return provision.Result{}, common.NewProvisionError(err, provision.CategoryInternal, p.conf.DashboardUID, "failed to create dashboard")
		}

		return provision.Created(p.conf.DashboardUID), nil

	case err != nil:
		return provision.Result{}, common.NewProvisionError(err, provision.CategoryUnreachable, p.conf.DashboardUID, "failed to look up dashboard")
	}

	// Carry over the stored identity so the save is an in-place update.
	dashboard["id"] = existing["id"]
	dashboard["version"] = existing["version"]

	err = p.client.UpsertDashboard(ctx, dashboard)
	if err != nil {
		return provision.Result{}, common.NewProvisionError(err, provision.CategoryInternal, p.conf.DashboardUID, "failed to update dashboard")
	}

	return provision.Updated(p.conf.DashboardUID, "updated in place"), nil
}

func (p DashboardProvisioner) datasource() Datasource {
	host, port := splitAddr(p.clickhouse.Addr)

	return Datasource{
		Name:   p.conf.DatasourceName,
		Type:   datasourceType,
		URL:    p.clickhouse.Addr,
		Access: "proxy",
		JSONData: map[string]interface{}{
			"host":            host,
			"port":            port,
			"protocol":        "native",
			"defaultDatabase": p.clickhouse.Database,
			"username":        p.clickhouse.Creds.Username,
		},
	}
}

func (p DashboardProvisioner) dashboard() map[string]interface{} {
	table := p.clickhouse.Database + "." + p.clickhouse.TargetTable

	return map[string]interface{}{
		"uid":           p.conf.DashboardUID,
		"title":         p.conf.DashboardTitle,
		"timezone":      "utc",
		"schemaVersion": 39,
		"refresh":       "30s",
		"time": map[string]interface{}{
			"from": "now-1h",
			"to":   "now",
		},
		"panels": []interface{}{
			p.geomapPanel(1, "Fleet positions", table),
			p.timeseriesPanel(2, "Battery", "battery", table, p.batteryAlert()),
			p.timeseriesPanel(3, "Altitude", "altitude", table, nil),
			p.timeseriesPanel(4, "Speed", "speed", table, nil),
		},
	}
}

func (p DashboardProvisioner) geomapPanel(id int, title, table string) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"type":       "geomap",
		"title":      title,
		"datasource": map[string]interface{}{"type": datasourceType, "uid": nil, "name": p.conf.DatasourceName},
		"gridPos":    map[string]interface{}{"h": 12, "w": 12, "x": 0, "y": 0},
		"targets": []interface{}{
			map[string]interface{}{
				"refId":     "A",
				"rawSql":    "SELECT ts, drone_id, latitude, longitude FROM " + table + " WHERE ts >= now() - INTERVAL 1 HOUR ORDER BY ts",
				"format":    "table",
				"queryType": "table",
			},
		},
	}
}

func (p DashboardProvisioner) timeseriesPanel(id int, title, metric, table string, alert map[string]interface{}) map[string]interface{} {
	ret := map[string]interface{}{
		"id":         id,
		"type":       "timeseries",
		"title":      title,
		"datasource": map[string]interface{}{"type": datasourceType, "uid": nil, "name": p.conf.DatasourceName},
		"gridPos":    map[string]interface{}{"h": 6, "w": 12, "x": 12, "y": (id - 2) * 6},
		"targets": []interface{}{
			map[string]interface{}{
				"refId":     "A",
				"rawSql":    "SELECT ts, drone_id, " + metric + " FROM " + table + " ORDER BY ts",
				"format":    "time_series",
				"queryType": "timeseries",
			},
		},
	}

	if alert != nil {
		ret["alert"] = alert
	}

	return ret
}

// batteryAlert fires when the battery level stays below 20 over a 5 minute
// window.
func (p DashboardProvisioner) batteryAlert() map[string]interface{} {
	return map[string]interface{}{
		"name":                "Low battery",
		"frequency":           "1m",
		"for":                 "5m",
		"executionErrorState": "alerting",
		"noDataState":         "no_data",
		"conditions": []interface{}{
			map[string]interface{}{
				"type":      "query",
				"query":     map[string]interface{}{"params": []interface{}{"A", "5m", "now"}},
				"reducer":   map[string]interface{}{"type": "min"},
				"evaluator": map[string]interface{}{"type": "lt", "params": []interface{}{20}},
				"operator":  map[string]interface{}{"type": "and"},
			},
		},
	}
}

func splitAddr(addr string) (string, string) {
	host, port, found := strings.Cut(addr, ":")
	if !found {
		return addr, ""
	}

	return host, port
}
