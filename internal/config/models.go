package config

import "time"

type Config struct {
	DefaultTimeout time.Duration
	Logs           Logs
	Metrics        Metrics
	Docker         Docker
	Kafka          Kafka
	ClickHouse     ClickHouse
	ThingsBoard    ThingsBoard
	Grafana        Grafana
	Devices        []Device
	Simulator      Simulator
	Retry          Retry
}

type Metrics struct {
	Port int
}

type Logs struct {
	Level   int
	Encoder EncoderType
}

type EncoderType string

const (
	EncoderTypeJson    EncoderType = "json"
	EncoderTypeConsole EncoderType = "console"
)

// Retry is the shared policy for readiness polls and retryable steps:
// a fixed number of attempts with a fixed delay, fatal after exhaustion.
type Retry struct {
	Attempts uint
	Delay    time.Duration
}

type Docker struct {
	Binary     string
	Containers []string
}

type Kafka struct {
	Broker KafkaBroker
	Topic  KafkaTopic
}

type KafkaBroker struct {
	URLs    string
	Version string
	Creds   KafkaCreds
}

// KafkaCreds enables SASL/SCRAM-SHA-256 when both fields are set.
type KafkaCreds struct {
	Username string
	Password string
}

func (c KafkaCreds) String() string {
	if c.Username != "" && c.Password != "" {
		return "scram creds set"
	}

	return "no creds"
}

type KafkaTopic struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	ConsumerGroup     string
}

type ClickHouse struct {
	Addr        string
	Database    string
	IngestTable string
	TargetTable string
	View        string
	Creds       ClickHouseCreds
}

type ClickHouseCreds struct {
	Username string
	Password string
}

func (c ClickHouseCreds) String() string {
	if c.Password != "" {
		return "password set"
	}

	return "no password"
}

type ThingsBoard struct {
	URL        string
	DeviceType string
	Creds      ThingsBoardCreds
}

type ThingsBoardCreds struct {
	Username string
	Password string
}

func (c ThingsBoardCreds) String() string {
	if c.Username != "" && c.Password != "" {
		return "tenant creds set"
	}

	return "no creds"
}

type Grafana struct {
	URL            string
	DatasourceName string
	DashboardUID   string
	DashboardTitle string
	Creds          GrafanaCreds
}

type GrafanaCreds struct {
	Username string
	Password string
}

func (c GrafanaCreds) String() string {
	if c.Username != "" && c.Password != "" {
		return "basic auth set"
	}

	return "no creds"
}

// Device binds a name to the pre-shared access token the producer uses.
type Device struct {
	Name  string
	Token string
}

func (d Device) String() string {
	return d.Name + " (token set)"
}

type Simulator struct {
	Interval      time.Duration
	PublishBroker bool
}
