package thingsboard

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/pkg/provision"
)

const (
	rootRuleChainName = "Root Rule Chain"

	kafkaNodeType     = "org.thingsboard.rule.engine.kafka.TbKafkaNode"
	msgSwitchNodeType = "TbMsgTypeSwitchNode"

	postTelemetryRelation = "Post telemetry"

	resourceRootChain = "root-rule-chain"
)

var (
	errRootChainNotFound = errors.New("root rule chain not found")
	errSwitchNotFound    = errors.New("message type switch node not found in root rule chain")
)

// RuleChainProvisioner ensures the platform's root rule chain forwards every
// Post-telemetry message to the broker topic, by appending a Kafka sink node
// and linking it to the message type switch. Both the node and the link are
// checked before being added, so re-runs leave the chain untouched.
type RuleChainProvisioner struct {
	client *Client
	kafka  config.Kafka
	wait   provision.RetryConfig
}

func NewRuleChainProvisioner(client *Client, kafka config.Kafka, wait provision.RetryConfig) RuleChainProvisioner {
	return RuleChainProvisioner{
		client: client,
		kafka:  kafka,
		wait:   wait,
	}
}

func (p RuleChainProvisioner) Name() string {
	return "rule-chain"
}

func (p RuleChainProvisioner) Ensure(ctx context.Context) ([]provision.Result, error) {
	err := p.client.EnsureSession(ctx, p.wait)
	if err != nil {
		return nil, common.NewProvisionError(err, provision.CategoryUnreachable, "platform", "failed to open tenant session")
	}

	chain, err := p.client.FindRuleChain(ctx, rootRuleChainName)
	if err != nil {
		return nil, common.NewProvisionError(err, provision.CategoryUnreachable, resourceRootChain, "failed to look up root rule chain")
	}

	if chain == nil || chain.ID == nil {
		return nil, common.NewProvisionError(errRootChainNotFound, provision.CategoryConflict, resourceRootChain, "platform is missing its root rule chain")
	}

	metadata, err := p.client.GetRuleChainMetadata(ctx, chain.ID.ID)
	if err != nil {
		return nil, common.NewProvisionError(err, provision.CategoryUnreachable, resourceRootChain, "failed to read rule chain metadata")
	}

	nodes := asSlice(metadata["nodes"])
	connections := asSlice(metadata["connections"])

	switchIndex := indexOfNodeType(nodes, msgSwitchNodeType)
	if switchIndex < 0 {
		return nil, common.NewProvisionError(errSwitchNotFound, provision.CategoryConflict, resourceRootChain, "unexpected root rule chain layout")
	}

	changed := false

	kafkaIndex := indexOfNodeType(nodes, kafkaNodeType)
	if kafkaIndex < 0 {
		nodes = append(nodes, p.kafkaSinkNode(chain.ID.ID))
		kafkaIndex = len(nodes) - 1
		changed = true
	}

	if !hasConnection(connections, switchIndex, kafkaIndex, postTelemetryRelation) {
		connections = append(connections, map[string]interface{}{
			"fromIndex": switchIndex,
			"toIndex":   kafkaIndex,
			"type":      postTelemetryRelation,
		})
		changed = true
	}

	if !changed {
		return []provision.Result{provision.AlreadyPresent(resourceRootChain)}, nil
	}

	metadata["nodes"] = nodes
	metadata["connections"] = connections

	err = p.client.SaveRuleChainMetadata(ctx, chain.ID.ID, metadata)
	if err != nil {
		return nil, common.NewProvisionError(err, provision.CategoryInternal, resourceRootChain, "failed to save rule chain metadata")
	}

	return []provision.Result{provision.Updated(resourceRootChain, "kafka forwarding wired")}, nil
}

func (p RuleChainProvisioner) kafkaSinkNode(chainID string) map[string]interface{} {
	return map[string]interface{}{
		"id": map[string]interface{}{
			"entityType": "RULE_NODE",
			"id":         uuid.NewString(),
		},
		"createdTime": time.Now().UnixMilli(),
		"ruleChainId": map[string]interface{}{
			"entityType": "RULE_CHAIN",
			"id":         chainID,
		},
		"type":                 kafkaNodeType,
		"name":                 "Kafka sink",
		"singletonMode":        false,
		"configurationVersion": 0,
		"configuration": map[string]interface{}{
			"topic":            p.kafka.Topic.Name,
			"bootstrapServers": p.kafka.Broker.URLs,
			"sync":             false,
			"timeout":          3000,
			"retries":          1,
			"acks":             "1",
			"batchSize":        16384,
			"linger":           1,
			"maxRequestSize":   1048576,
			"key":              "${deviceName}",
			"addMetadata":      false,
		},
		"additionalInfo": map[string]interface{}{
			"layoutX": 1000,
			"layoutY": 320,
		},
	}
}

// Untyped metadata helpers. The platform returns numbers as float64 through
// encoding/json, connection indexes are compared accordingly.

func asSlice(value interface{}) []interface{} {
	ret, ok := value.([]interface{})
	if !ok {
		return nil
	}

	return ret
}

func indexOfNodeType(nodes []interface{}, nodeType string) int {
	for i, raw := range nodes {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		value, _ := node["type"].(string)
		if strings.Contains(value, nodeType) {
			return i
		}
	}

	return -1
}

func hasConnection(connections []interface{}, fromIndex, toIndex int, relation string) bool {
	for _, raw := range connections {
		connection, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		if asInt(connection["fromIndex"]) != fromIndex || asInt(connection["toIndex"]) != toIndex {
			continue
		}

		value, _ := connection["type"].(string)
		if value == relation {
			return true
		}
	}

	return false
}

func asInt(value interface{}) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return -1
	}
}
