package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/internal/domain/entity"
	"github.com/skyfleet/droneprov/internal/factory"
	"github.com/skyfleet/droneprov/internal/log"
	"github.com/skyfleet/droneprov/internal/provisioner/clickhouse"
	"github.com/skyfleet/droneprov/internal/provisioner/docker"
	"github.com/skyfleet/droneprov/internal/provisioner/grafana"
	"github.com/skyfleet/droneprov/internal/provisioner/kafka"
	"github.com/skyfleet/droneprov/internal/provisioner/thingsboard"
	"github.com/skyfleet/droneprov/pkg/provision"
)

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Ensure the telemetry stack is provisioned",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		err := initRun()
		if err != nil {
			return err
		}

		logger := log.Logger()

		// Dump generic information
		logger.Info("Starting droneprov",
			"version", version.Info(),
			"buildContext", version.BuildContext(),
		)
		logger.Info("Using config", "config", fmt.Sprintf("%+v", config.Get()))

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.Logger()

		// Set max procs based on cpu limits
		err := common.SetMaxProcs()
		if err != nil {
			logger.Error(err, "failed to set max procs")

			return err
		}

		// Set max memory. Not fatal: the workflow commonly runs on a host
		// without cgroup limits.
		err = common.SetMemLimit()
		if err != nil {
			logger.V(1).Info("Go memlimit not configured", "reason", err.Error())
		}

		// Listen to sigterm and interrupt signals
		ctx := common.SetupSignalHandler(context.Background())

		conf := config.Get()

		registry := prometheus.NewRegistry()

		metrics, err := provision.NewMetrics(registry, provision.MetricsConfig{Namespace: "droneprov"})
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}

		// Expose step metrics for the duration of the run
		server := factory.CreatePrometheusServer(conf.Metrics, registry)

		go func() {
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "metrics server failed")
			}
		}()
		defer func() { _ = server.Shutdown(context.Background()) }()

		runner := provision.NewRunner(createSteps(conf, metrics)...).WithLogger(logger)

		report, runErr := runner.Run(ctx)

		err = report.Write(os.Stdout)
		if err != nil {
			logger.Error(err, "failed to write report")
		}

		if runErr != nil {
			return fmt.Errorf("provisioning failed: %w", runErr)
		}

		logger.Info("Provisioning complete")

		return nil
	},
}

func createSteps(conf *config.Config, metrics *provision.Metrics) []provision.Provisioner {
	wait := provision.RetryConfig{
		MaxAttempt: conf.Retry.Attempts,
		Delay:      conf.Retry.Delay,
	}

	topic := entity.Topic{
		Name:              conf.Kafka.Topic.Name,
		Partitions:        conf.Kafka.Topic.Partitions,
		ReplicationFactor: conf.Kafka.Topic.ReplicationFactor,
	}

	// Broker and store clients are created lazily inside each step: the
	// services may still be booting when the workflow starts.
	adminFactory := func() (kafka.Admin, error) {
		return factory.CreateKafkaAdmin(conf.Kafka)
	}

	connFactory := func(ctx context.Context) (clickhouse.Conn, error) {
		conn, _, err := factory.CreateClickHouseConn(ctx, conf.ClickHouse)

		return conn, err
	}

	tbClient := thingsboard.NewClient(conf.ThingsBoard, conf.DefaultTimeout)
	grafanaClient := grafana.NewClient(conf.Grafana, conf.DefaultTimeout)

	steps := []provision.Provisioner{
		docker.NewProvisioner(docker.GexeRuntime{}, conf.Docker, wait),
		kafka.NewTopicProvisioner(adminFactory, topic),
		clickhouse.NewSchemaProvisioner(connFactory, conf.ClickHouse, conf.Kafka),
		thingsboard.NewDeviceProvisioner(tbClient, createDevices(conf), wait),
		thingsboard.NewRuleChainProvisioner(tbClient, conf.Kafka, wait),
		grafana.NewDashboardProvisioner(grafanaClient, conf.Grafana, conf.ClickHouse, wait),
	}

	ret := make([]provision.Provisioner, 0, len(steps))

	for _, step := range steps {
		ret = append(ret, factory.DecorateProvisioner(step, metrics, conf.Retry))
	}

	return ret
}

func createDevices(conf *config.Config) []entity.Device {
	ret := make([]entity.Device, 0, len(conf.Devices))

	for _, device := range conf.Devices {
		ret = append(ret, entity.Device{
			Name:        device.Name,
			Type:        conf.ThingsBoard.DeviceType,
			AccessToken: device.Token,
		})
	}

	return ret
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
