package grafana_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/internal/provisioner/grafana"
	"github.com/skyfleet/droneprov/pkg/provision"
)

var testWait = provision.RetryConfig{MaxAttempt: 2, Delay: time.Millisecond}

// fakeGrafana emulates the datasource and dashboard endpoints, matching by
// name and uid the way the real API does.
type fakeGrafana struct {
	datasources map[string]grafana.Datasource
	dashboards  map[string]map[string]interface{}

	nextID          int64
	datasourcePosts int
	datasourcePuts  int
	dashboardPosts  int
	healthFailures  int
}

func newFakeGrafana() *fakeGrafana {
	return &fakeGrafana{
		datasources: make(map[string]grafana.Datasource),
		dashboards:  make(map[string]map[string]interface{}),
	}
}

func (f *fakeGrafana) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		if f.healthFailures > 0 {
			f.healthFailures--
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]string{"database": "ok"})
	})

	mux.HandleFunc("GET /api/datasources/name/{name}", func(w http.ResponseWriter, r *http.Request) {
		datasource, ok := f.datasources[r.PathValue("name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		_ = json.NewEncoder(w).Encode(datasource)
	})

	mux.HandleFunc("POST /api/datasources", func(w http.ResponseWriter, r *http.Request) {
		f.datasourcePosts++

		in := grafana.Datasource{}
		_ = json.NewDecoder(r.Body).Decode(&in)

		f.nextID++
		in.ID = f.nextID
		in.UID = "uid-for-testing"
		f.datasources[in.Name] = in

		_ = json.NewEncoder(w).Encode(in)
	})

	mux.HandleFunc("PUT /api/datasources/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.datasourcePuts++

		in := grafana.Datasource{}
		_ = json.NewDecoder(r.Body).Decode(&in)

		f.datasources[in.Name] = in

		_ = json.NewEncoder(w).Encode(in)
	})

	mux.HandleFunc("GET /api/dashboards/uid/{uid}", func(w http.ResponseWriter, r *http.Request) {
		dashboard, ok := f.dashboards[r.PathValue("uid")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{"dashboard": dashboard})
	})

	mux.HandleFunc("POST /api/dashboards/db", func(w http.ResponseWriter, r *http.Request) {
		f.dashboardPosts++

		in := struct {
			Dashboard map[string]interface{} `json:"dashboard"`
			Overwrite bool                   `json:"overwrite"`
		}{}
		_ = json.NewDecoder(r.Body).Decode(&in)

		if !in.Overwrite {
			w.WriteHeader(http.StatusPreconditionFailed)

			return
		}

		uid, _ := in.Dashboard["uid"].(string)

		existing, present := f.dashboards[uid]
		if present {
			// The real API rejects stale versions on overwrite-less saves;
			// with overwrite it bumps the version itself.
			version, _ := existing["version"].(float64)
			in.Dashboard["version"] = version + 1
		} else {
			f.nextID++
			in.Dashboard["id"] = float64(f.nextID)
			in.Dashboard["version"] = float64(1)
		}

		f.dashboards[uid] = in.Dashboard

		_ = json.NewEncoder(w).Encode(map[string]interface{}{"uid": uid})
	})

	return mux
}

func newDashboardProvisioner(serverURL string) grafana.DashboardProvisioner {
	conf := config.Grafana{
		URL:            serverURL,
		DatasourceName: "ClickHouse",
		DashboardUID:   "drone-fleet",
		DashboardTitle: "Drone Fleet",
		Creds:          config.GrafanaCreds{Username: "admin", Password: "admin"},
	}

	clickhouse := config.ClickHouse{
		Addr:        "localhost:9000",
		Database:    "drone",
		TargetTable: "telemetry",
	}

	client := grafana.NewClient(conf, 5*time.Second)

	return grafana.NewDashboardProvisioner(client, conf, clickhouse, testWait)
}

func TestDashboardCreatedWhenAbsent(t *testing.T) {
	fake := newFakeGrafana()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	p := newDashboardProvisioner(server.URL)

	results, err := p.Ensure(context.Background())
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, provision.Created("ClickHouse"), results[0])
	assert.Equal(t, provision.Created("drone-fleet"), results[1])

	datasource := fake.datasources["ClickHouse"]
	assert.Equal(t, "grafana-clickhouse-datasource", datasource.Type)
	assert.Equal(t, "proxy", datasource.Access)
	assert.Equal(t, "localhost", datasource.JSONData["host"])
	assert.Equal(t, "9000", datasource.JSONData["port"])
	assert.Equal(t, "drone", datasource.JSONData["defaultDatabase"])

	dashboard := fake.dashboards["drone-fleet"]
	require.NotNil(t, dashboard)
	assert.Equal(t, "Drone Fleet", dashboard["title"])

	panels, ok := dashboard["panels"].([]interface{})
	require.True(t, ok)
	assert.Len(t, panels, 4)
}

func TestDashboardUpdatedInPlace(t *testing.T) {
	fake := newFakeGrafana()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	first := newDashboardProvisioner(server.URL)

	_, err := first.Ensure(context.Background())
	require.NoError(t, err)

	storedID := fake.dashboards["drone-fleet"]["id"]
	datasourceID := fake.datasources["ClickHouse"].ID

	second := newDashboardProvisioner(server.URL)

	results, err := second.Ensure(context.Background())
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, provision.OutcomeUpdated, results[0].Outcome)
	assert.Equal(t, provision.OutcomeUpdated, results[1].Outcome)

	// Matched by name and uid, updated in place, never duplicated
	assert.Len(t, fake.datasources, 1)
	assert.Len(t, fake.dashboards, 1)
	assert.Equal(t, 1, fake.datasourcePosts)
	assert.Equal(t, 1, fake.datasourcePuts)
	assert.Equal(t, 2, fake.dashboardPosts)

	assert.Equal(t, storedID, fake.dashboards["drone-fleet"]["id"])
	assert.Equal(t, datasourceID, fake.datasources["ClickHouse"].ID)
}

func TestDashboardBatteryAlert(t *testing.T) {
	fake := newFakeGrafana()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	p := newDashboardProvisioner(server.URL)

	_, err := p.Ensure(context.Background())
	require.NoError(t, err)

	panels := fake.dashboards["drone-fleet"]["panels"].([]interface{})

	var battery map[string]interface{}

	for _, raw := range panels {
		panel, ok := raw.(map[string]interface{})
		if ok && panel["title"] == "Battery" {
			battery = panel
		}
	}

	require.NotNil(t, battery)

	alert, ok := battery["alert"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Low battery", alert["name"])
	assert.Equal(t, "5m", alert["for"])
}

func TestDashboardWaitsForHealth(t *testing.T) {
	fake := newFakeGrafana()
	fake.healthFailures = 1

	server := httptest.NewServer(fake.handler())
	defer server.Close()

	p := newDashboardProvisioner(server.URL)

	results, err := p.Ensure(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestDashboardUnreachable(t *testing.T) {
	fake := newFakeGrafana()
	fake.healthFailures = 10

	server := httptest.NewServer(fake.handler())
	defer server.Close()

	p := newDashboardProvisioner(server.URL)

	_, err := p.Ensure(context.Background())
	require.Error(t, err)

	provErr := provision.AsError(err)
	assert.Equal(t, provision.CategoryUnreachable, provErr.Category)
}
