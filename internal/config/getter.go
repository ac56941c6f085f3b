package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const prefix = "DRONEPROV"

var conf Config

// Parse reads the configuration file given as parameter.
func Parse(confFile string) (*Config, error) {
	setDefault()

	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	if len(confFile) > 0 {
		viper.SetConfigFile(confFile)

		err := viper.ReadInConfig()
		if err != nil {
			return &conf, fmt.Errorf("failed to read config file %v: %w", confFile, err)
		}
	}

	err := viper.Unmarshal(&conf)
	if err != nil {
		return &conf, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &conf, nil
}

// Get returns the configuration parsed by Parse.
// Passwords and sensitive information are hidden by implementing Stringer.
func Get() *Config {
	return &conf
}

func setDefault() {
	viper.SetDefault("defaultTimeout", "30s")
	viper.SetDefault("logs.level", 4)
	viper.SetDefault("logs.encoder", EncoderTypeConsole)
	viper.SetDefault("metrics.port", 7777)

	viper.SetDefault("retry.attempts", 30)
	viper.SetDefault("retry.delay", "5s")

	viper.SetDefault("docker.binary", "docker")
	viper.SetDefault("docker.containers", []string{"kafka", "clickhouse", "thingsboard", "grafana"})

	viper.SetDefault("kafka.broker.urls", "localhost:9092")
	viper.SetDefault("kafka.broker.version", "3.6.0")
	viper.SetDefault("kafka.topic.name", "tb-telemetry")
	viper.SetDefault("kafka.topic.partitions", 1)
	viper.SetDefault("kafka.topic.replicationFactor", 1)
	viper.SetDefault("kafka.topic.consumerGroup", "clickhouse-telemetry")

	viper.SetDefault("clickhouse.addr", "localhost:9000")
	viper.SetDefault("clickhouse.database", "drone")
	viper.SetDefault("clickhouse.ingestTable", "telemetry_queue")
	viper.SetDefault("clickhouse.targetTable", "telemetry")
	viper.SetDefault("clickhouse.view", "telemetry_mv")
	viper.SetDefault("clickhouse.creds.username", "default")

	viper.SetDefault("thingsboard.url", "http://localhost:8080")
	viper.SetDefault("thingsboard.deviceType", "drone")
	viper.SetDefault("thingsboard.creds.username", "tenant@thingsboard.org")
	viper.SetDefault("thingsboard.creds.password", "tenant")

	viper.SetDefault("grafana.url", "http://localhost:3000")
	viper.SetDefault("grafana.datasourceName", "drone-clickhouse")
	viper.SetDefault("grafana.dashboardUID", "drone-fleet")
	viper.SetDefault("grafana.dashboardTitle", "Drone Fleet Telemetry")
	viper.SetDefault("grafana.creds.username", "admin")
	viper.SetDefault("grafana.creds.password", "admin")

	viper.SetDefault("devices", []map[string]interface{}{
		{"name": "drone-1", "token": "drone-1-token"},
		{"name": "drone-2", "token": "drone-2-token"},
		{"name": "drone-3", "token": "drone-3-token"},
	})

	viper.SetDefault("simulator.interval", "15s")
	viper.SetDefault("simulator.publishBroker", true)
}
