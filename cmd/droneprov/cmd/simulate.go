package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/internal/factory"
	"github.com/skyfleet/droneprov/internal/log"
	"github.com/skyfleet/droneprov/internal/simulator"
)

var once bool

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send drone telemetry to the provisioned stack",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		err := initRun()
		if err != nil {
			return err
		}

		logger := log.Logger()

		logger.Info("Starting telemetry simulation",
			"version", version.Info(),
			"buildContext", version.BuildContext(),
		)
		logger.Info("Using config", "config", fmt.Sprintf("%+v", config.Get()))

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.Logger()

		err := common.SetMaxProcs()
		if err != nil {
			logger.Error(err, "failed to set max procs")

			return err
		}

		err = common.SetMemLimit()
		if err != nil {
			logger.V(1).Info("Go memlimit not configured", "reason", err.Error())
		}

		ctx := common.SetupSignalHandler(context.Background())

		conf := config.Get()

		// Kafka producer, only when broker publishing is enabled
		var producer sarama.SyncProducer

		if conf.Simulator.PublishBroker {
			client, closeClient, err := factory.CreateKafkaClient(conf.Kafka)
			if err != nil {
				return fmt.Errorf("failed to create kafka client: %w", err)
			}
			defer func() { _ = closeClient(context.Background()) }()

			producer, err = factory.CreateKafkaProducer(client)
			if err != nil {
				return fmt.Errorf("failed to create kafka producer: %w", err)
			}
		}

		registry := prometheus.NewRegistry()

		sim, err := simulator.New(
			conf.Simulator,
			conf.ThingsBoard.URL,
			createDevices(conf),
			conf.Kafka.Topic.Name,
			producer,
		).WithLogger(logger).Once(once).WithMetrics(registry)
		if err != nil {
			return fmt.Errorf("failed to create simulator: %w", err)
		}

		// Expose metrics while the simulation runs
		if !once {
			server := factory.CreatePrometheusServer(conf.Metrics, registry)

			go func() {
				err := server.ListenAndServe()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error(err, "metrics server failed")
				}
			}()
			defer func() { _ = server.Shutdown(context.Background()) }()
		}

		err = sim.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("simulation failed: %w", err)
		}

		logger.V(2).Info("Simulation stopped")

		return nil
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&once, "once", false, "send a single burst and exit")

	rootCmd.AddCommand(simulateCmd)
}
