package simulator_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/internal/domain/entity"
	"github.com/skyfleet/droneprov/internal/simulator"
)

// fakeIngress records telemetry posts per token. Bursts are concurrent, so
// access is guarded.
type fakeIngress struct {
	mutex    sync.Mutex
	payloads map[string][]entity.Telemetry
}

func newFakeIngress() *fakeIngress {
	return &fakeIngress{payloads: make(map[string][]entity.Telemetry)}
}

func (f *fakeIngress) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/{token}/telemetry", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)

		payload := entity.Telemetry{}

		err := json.Unmarshal(data, &payload)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		f.mutex.Lock()
		defer f.mutex.Unlock()

		token := r.PathValue("token")
		f.payloads[token] = append(f.payloads[token], payload)
	})

	return mux
}

func (f *fakeIngress) received(token string) []entity.Telemetry {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.payloads[token]
}

type fakeProducer struct {
	mutex    sync.Mutex
	messages []*sarama.ProducerMessage
	err      error
}

func (f *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.err != nil {
		return 0, 0, f.err
	}

	f.messages = append(f.messages, msg)

	return 0, int64(len(f.messages)), nil
}

func (f *fakeProducer) sent() []*sarama.ProducerMessage {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.messages
}

func testDevices() []entity.Device {
	return []entity.Device{
		{Name: "drone-1", AccessToken: "drone-1-token"},
		{Name: "drone-2", AccessToken: "drone-2-token"},
		{Name: "drone-3", AccessToken: "drone-3-token"},
	}
}

func TestSingleBurstReachesEveryDevice(t *testing.T) {
	ingress := newFakeIngress()
	server := httptest.NewServer(ingress.handler())
	defer server.Close()

	sim := simulator.New(
		config.Simulator{Interval: time.Second},
		server.URL,
		testDevices(),
		"tb-telemetry",
		nil,
	).Once(true)

	err := sim.Run(context.Background())
	require.NoError(t, err)

	for _, device := range testDevices() {
		payloads := ingress.received(device.AccessToken)
		require.Len(t, payloads, 1, "device %s", device.Name)

		payload := payloads[0]
		assert.Equal(t, device.Name, payload.DroneID)
		assert.NotZero(t, payload.TS)
		assert.InDelta(t, 40.4168, payload.Latitude, 0.06)
		assert.InDelta(t, -3.7038, payload.Longitude, 0.06)
		assert.GreaterOrEqual(t, payload.Battery, 10.0)
		assert.LessOrEqual(t, payload.Battery, 100.0)
	}
}

func TestBrokerPublishKeyedByDrone(t *testing.T) {
	ingress := newFakeIngress()
	server := httptest.NewServer(ingress.handler())
	defer server.Close()

	producer := &fakeProducer{}

	sim := simulator.New(
		config.Simulator{Interval: time.Second, PublishBroker: true},
		server.URL,
		testDevices(),
		"tb-telemetry",
		producer,
	).Once(true)

	err := sim.Run(context.Background())
	require.NoError(t, err)

	messages := producer.sent()
	require.Len(t, messages, 3)

	keys := make([]string, 0, len(messages))

	for _, msg := range messages {
		assert.Equal(t, "tb-telemetry", msg.Topic)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		keys = append(keys, string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)

		payload := entity.Telemetry{}
		require.NoError(t, json.Unmarshal(value, &payload))
		assert.Equal(t, string(key), payload.DroneID)
	}

	assert.ElementsMatch(t, []string{"drone-1", "drone-2", "drone-3"}, keys)
}

func TestIngressFailureStopsBurst(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	sim := simulator.New(
		config.Simulator{Interval: time.Second},
		server.URL,
		testDevices(),
		"tb-telemetry",
		nil,
	).Once(true)

	err := sim.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestPeriodicBursts(t *testing.T) {
	ingress := newFakeIngress()
	server := httptest.NewServer(ingress.handler())
	defer server.Close()

	clock := clockwork.NewFakeClock()

	sim := simulator.New(
		config.Simulator{Interval: time.Minute},
		server.URL,
		testDevices()[:1],
		"tb-telemetry",
		nil,
	).WithClock(clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- sim.Run(ctx)
	}()

	// First burst happens immediately, then the loop waits on the clock
	require.Eventually(t, func() bool {
		return len(ingress.received("drone-1-token")) == 1
	}, time.Second, 5*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return len(ingress.received("drone-1-token")) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSentMetric(t *testing.T) {
	ingress := newFakeIngress()
	server := httptest.NewServer(ingress.handler())
	defer server.Close()

	registry := prometheus.NewRegistry()

	sim, err := simulator.New(
		config.Simulator{Interval: time.Second, PublishBroker: true},
		server.URL,
		testDevices(),
		"tb-telemetry",
		&fakeProducer{},
	).Once(true).WithMetrics(registry)
	require.NoError(t, err)

	require.NoError(t, sim.Run(context.Background()))

	families, err := registry.Gather()
	require.NoError(t, err)

	total := 0.0

	for _, family := range families {
		if family.GetName() != "droneprov_telemetry_sent_total" {
			continue
		}

		for _, metric := range family.Metric {
			total += metric.Counter.GetValue()
		}
	}

	// 3 devices, platform and broker targets
	assert.Equal(t, 6.0, total)
}
