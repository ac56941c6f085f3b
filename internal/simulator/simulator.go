package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/internal/domain/entity"
)

// Reference point for generated positions: Madrid.
const (
	baseLatitude  = 40.4168
	baseLongitude = -3.7038
)

// Producer is the subset of sarama.SyncProducer the simulator needs.
type Producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

// Simulator sends fixed-shape telemetry records on a fixed interval to the
// telemetry platform ingress, authenticated by each device's pre-shared
// token, and optionally to the broker topic. The double delivery mirrors the
// platform's own rule-chain forwarding and is a known duplication source
// downstream.
type Simulator struct {
	conf       config.Simulator
	ingressURL string
	devices    []entity.Device
	topic      string

	producer   Producer
	httpClient *http.Client

	clock clockwork.Clock
	rand  *rand.Rand

	once   bool
	logger *logr.Logger
	sent   *prometheus.CounterVec
}

func New(conf config.Simulator, ingressURL string, devices []entity.Device, topic string, producer Producer) *Simulator {
	return &Simulator{
		conf:       conf,
		ingressURL: ingressURL,
		devices:    devices,
		topic:      topic,
		producer:   producer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		clock:      clockwork.NewRealClock(),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulator) WithLogger(logger logr.Logger) *Simulator {
	s.logger = &logger

	return s
}

func (s *Simulator) WithClock(clock clockwork.Clock) *Simulator {
	s.clock = clock

	return s
}

func (s *Simulator) WithHTTPClient(client *http.Client) *Simulator {
	s.httpClient = client

	return s
}

func (s *Simulator) Once(once bool) *Simulator {
	s.once = once

	return s
}

func (s *Simulator) WithMetrics(registry prometheus.Registerer) (*Simulator, error) {
	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "droneprov",
		Name:      "telemetry_sent_total",
		Help:      "Telemetry records sent by target.",
	}, []string{"target"})

	err := registry.Register(sent)
	if err != nil {
		return nil, fmt.Errorf("failed to register sent metric: %w", err)
	}

	s.sent = sent

	return s, nil
}

// Run sends bursts until the context is cancelled, or exactly one burst in
// once mode.
func (s *Simulator) Run(ctx context.Context) error {
	for {
		err := s.burst(ctx)
		if err != nil {
			return err
		}

		if s.once {
			return nil
		}

		select {
		case <-ctx.Done():
			s.logInfo(1, "Simulation stopped")

			return ctx.Err()
		case <-s.clock.After(s.conf.Interval):
		}
	}
}

func (s *Simulator) burst(ctx context.Context) error {
	// Payload generation is sequential: the rand source is not safe for
	// concurrent use.
	payloads := make([]entity.Telemetry, 0, len(s.devices))
	for _, device := range s.devices {
		payloads = append(payloads, s.buildTelemetry(device.Name))
	}

	group, ctx := errgroup.WithContext(ctx)

	for i, device := range s.devices {
		payload := payloads[i]
		token := device.AccessToken

		group.Go(func() error {
			return s.send(ctx, token, payload)
		})
	}

	return group.Wait()
}

func (s *Simulator) send(ctx context.Context, token string, payload entity.Telemetry) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	err = s.postIngress(ctx, token, data)
	if err != nil {
		return err
	}

	s.countSent("platform")

	if s.producer == nil {
		return nil
	}

	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(payload.DroneID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("failed to publish telemetry for %s: %w", payload.DroneID, err)
	}

	s.countSent("broker")
	s.logInfo(3, "Telemetry sent", "droneID", payload.DroneID)

	return nil
}

func (s *Simulator) postIngress(ctx context.Context, token string, data []byte) error {
	url := fmt.Sprintf("%s/api/v1/%s/telemetry", s.ingressURL, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post telemetry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("telemetry ingress answered %d", resp.StatusCode)
	}

	return nil
}

func (s *Simulator) buildTelemetry(droneID string) entity.Telemetry {
	return entity.Telemetry{
		TS:        s.clock.Now().UnixMilli(),
		DroneID:   droneID,
		Latitude:  baseLatitude + s.rand.Float64()*0.1 - 0.05,
		Longitude: baseLongitude + s.rand.Float64()*0.1 - 0.05,
		Battery:   math.Max(10, 40+s.rand.Float64()*60),
		Altitude:  50 + s.rand.Float64()*150,
		Speed:     5 + s.rand.Float64()*20,
	}
}

func (s *Simulator) countSent(target string) {
	if s.sent == nil {
		return
	}

	s.sent.WithLabelValues(target).Inc()
}

func (s *Simulator) logInfo(level int, msg string, keysAndValues ...any) {
	if s.logger == nil {
		return
	}

	s.logger.V(level).Info(msg, keysAndValues...)
}
