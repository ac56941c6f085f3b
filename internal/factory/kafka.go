package factory

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/IBM/sarama"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/config"
)

func CreateKafkaClient(kafkaConfig config.Kafka) (sarama.Client, common.CloseFunc, error) {
	conf := sarama.NewConfig()

	// producer settings, used by the simulator
	conf.Producer.Return.Errors = true
	conf.Producer.Return.Successes = true
	conf.Producer.RequiredAcks = sarama.WaitForAll

	// clientID
	conf.ClientID = computeClientID("droneprov")

	// kafka version
	version, err := sarama.ParseKafkaVersion(kafkaConfig.Broker.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse kafka version: %w", err)
	}

	conf.Version = version

	// SASL/SCRAM, only when credentials are configured
	creds := kafkaConfig.Broker.Creds
	if creds.Username != "" && creds.Password != "" {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = creds.Username
		conf.Net.SASL.Password = creds.Password
		conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
		}
	}

	// Kafka URLs
	urls := strings.Split(kafkaConfig.Broker.URLs, ",")

	ret, err := sarama.NewClient(urls, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	shutdown := func(context.Context) error {
		return ret.Close()
	}

	return ret, shutdown, nil
}

// CreateKafkaAdmin dials the broker and returns an admin client. Closing the
// admin closes the underlying client.
func CreateKafkaAdmin(kafkaConfig config.Kafka) (sarama.ClusterAdmin, error) {
	client, _, err := CreateKafkaClient(kafkaConfig)
	if err != nil {
		return nil, err
	}

	ret, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to create kafka cluster admin: %w", err)
	}

	return ret, nil
}

func CreateKafkaProducer(client sarama.Client) (sarama.SyncProducer, error) {
	ret, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return ret, nil
}

func computeClientID(name string) string {
	prefix, err := os.Hostname()
	if err != nil {
		prefix = fmt.Sprintf("clientid-%v", name)
	}

	return fmt.Sprintf("%s-%x", prefix, rand.Int31())
}
