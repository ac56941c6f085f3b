package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/domain/entity"
	"github.com/skyfleet/droneprov/pkg/provision"
)

// Admin is the subset of sarama.ClusterAdmin the provisioner needs.
type Admin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// AdminFactory connects to the broker. Called inside Ensure so the retry
// decorator can poll a broker that is still starting up.
type AdminFactory func() (Admin, error)

// TopicProvisioner ensures the telemetry topic exists with the desired
// partition count. An existing topic with a different partition count is a
// conflict, reported to the operator and never auto-reconciled.
type TopicProvisioner struct {
	adminFactory AdminFactory
	topic        entity.Topic
}

func NewTopicProvisioner(adminFactory AdminFactory, topic entity.Topic) TopicProvisioner {
	return TopicProvisioner{
		adminFactory: adminFactory,
		topic:        topic,
	}
}

func (p TopicProvisioner) Name() string {
	return "broker-topic"
}

func (p TopicProvisioner) Ensure(ctx context.Context) ([]provision.Result, error) {
	admin, err := p.adminFactory()
	if err != nil {
		return nil, common.NewRetryableProvisionError(err, provision.CategoryUnreachable, p.topic.Name, "failed to connect to broker")
	}
	defer admin.Close()

	topics, err := admin.ListTopics()
	if err != nil {
		return nil, common.NewRetryableProvisionError(err, provision.CategoryUnreachable, p.topic.Name, "failed to list topics")
	}

	detail, present := topics[p.topic.Name]
	if present {
		if detail.NumPartitions != p.topic.Partitions {
			err := fmt.Errorf("topic has %d partitions, want %d", detail.NumPartitions, p.topic.Partitions)

			return nil, common.NewProvisionError(err, provision.CategoryConflict, p.topic.Name, "incompatible existing topic %s", p.topic.Name)
		}

		return []provision.Result{provision.AlreadyPresent(p.topic.Name)}, nil
	}

	err = admin.CreateTopic(p.topic.Name, &sarama.TopicDetail{
		NumPartitions:     p.topic.Partitions,
		ReplicationFactor: p.topic.ReplicationFactor,
	}, false)
	if err != nil {
		// Lost a creation race: the topic is there, partition compatibility
		// is checked on the next run.
		if errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return []provision.Result{provision.AlreadyPresent(p.topic.Name)}, nil
		}

		return nil, common.NewRetryableProvisionError(err, provision.CategoryUnreachable, p.topic.Name, "failed to create topic %s", p.topic.Name)
	}

	return []provision.Result{provision.Created(p.topic.Name)}, nil
}
