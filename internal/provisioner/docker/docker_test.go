package docker_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/internal/provisioner/docker"
	"github.com/skyfleet/droneprov/pkg/provision"
)

var testWait = provision.RetryConfig{MaxAttempt: 3, Delay: time.Millisecond}

// fakeRuntime answers engine CLI commands from an in-memory container state.
type fakeRuntime struct {
	engineErr error
	// container name to running state; absent means the container does not
	// exist
	containers map[string]bool
	// containers that stay stopped even after a start command
	stuck map[string]bool

	commands []string
}

func (f *fakeRuntime) Output(ctx context.Context, command string) (string, error) {
	err := ctx.Err()
	if err != nil {
		return "", err
	}

	f.commands = append(f.commands, command)

	fields := strings.Fields(command)

	switch fields[1] {
	case "info":
		if f.engineErr != nil {
			return "", f.engineErr
		}

		return "27.1.1", nil

	case "inspect":
		name := fields[len(fields)-1]

		running, ok := f.containers[name]
		if !ok {
			return "", fmt.Errorf("no such container: %s", name)
		}

		return fmt.Sprintf("%t", running), nil

	case "start":
		name := fields[len(fields)-1]

		_, ok := f.containers[name]
		if !ok {
			return "", fmt.Errorf("no such container: %s", name)
		}

		if !f.stuck[name] {
			f.containers[name] = true
		}

		return name, nil
	}

	return "", fmt.Errorf("unexpected command: %s", command)
}

func testConf(containers ...string) config.Docker {
	return config.Docker{
		Binary:     "docker",
		Containers: containers,
	}
}

func TestContainersAlreadyRunning(t *testing.T) {
	runtime := &fakeRuntime{containers: map[string]bool{
		"kafka":      true,
		"clickhouse": true,
	}}

	p := docker.NewProvisioner(runtime, testConf("kafka", "clickhouse"), testWait)

	results, err := p.Ensure(context.Background())
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, "engine", results[0].Resource)
	assert.Equal(t, provision.OutcomeAlreadyPresent, results[0].Outcome)
	assert.Equal(t, "27.1.1", results[0].Detail)
	assert.Equal(t, provision.AlreadyPresent("kafka"), results[1])
	assert.Equal(t, provision.AlreadyPresent("clickhouse"), results[2])
}

func TestStoppedContainerStarted(t *testing.T) {
	runtime := &fakeRuntime{containers: map[string]bool{
		"kafka": false,
	}}

	p := docker.NewProvisioner(runtime, testConf("kafka"), testWait)

	results, err := p.Ensure(context.Background())
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, provision.Updated("kafka", "started"), results[1])

	assert.Contains(t, runtime.commands, "docker start kafka")
}

func TestEngineUnreachable(t *testing.T) {
	runtime := &fakeRuntime{engineErr: errors.New("cannot connect to the docker daemon")}

	p := docker.NewProvisioner(runtime, testConf("kafka"), testWait)

	_, err := p.Ensure(context.Background())
	require.Error(t, err)

	provErr := provision.AsError(err)
	assert.Equal(t, provision.CategoryUnreachable, provErr.Category)
	assert.True(t, errors.Is(err, provision.ErrRetryable))
}

func TestMissingContainerIsConflict(t *testing.T) {
	runtime := &fakeRuntime{containers: map[string]bool{}}

	p := docker.NewProvisioner(runtime, testConf("kafka"), testWait)

	results, err := p.Ensure(context.Background())
	require.Error(t, err)

	provErr := provision.AsError(err)
	assert.Equal(t, provision.CategoryConflict, provErr.Category)
	assert.Equal(t, "kafka", provErr.Resource)

	// Creating containers is out of scope, so retrying cannot help.
	assert.False(t, errors.Is(err, provision.ErrRetryable))

	// The engine check already succeeded
	require.Len(t, results, 1)
	assert.Equal(t, "engine", results[0].Resource)
}

func TestContainerNeverBecomesRunning(t *testing.T) {
	runtime := &fakeRuntime{
		containers: map[string]bool{"kafka": false},
		stuck:      map[string]bool{"kafka": true},
	}

	p := docker.NewProvisioner(runtime, testConf("kafka"), testWait)

	_, err := p.Ensure(context.Background())
	require.Error(t, err)

	provErr := provision.AsError(err)
	assert.Equal(t, provision.CategoryUnreachable, provErr.Category)
	assert.Equal(t, "kafka", provErr.Resource)
}

func TestCancelledContextStopsCommands(t *testing.T) {
	runtime := &fakeRuntime{containers: map[string]bool{"kafka": true}}

	p := docker.NewProvisioner(runtime, testConf("kafka"), testWait)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Ensure(ctx)
	require.Error(t, err)

	// The context reaches every engine invocation
	assert.Empty(t, runtime.commands)
}

func TestFirstFailureStopsRemainingContainers(t *testing.T) {
	runtime := &fakeRuntime{containers: map[string]bool{
		"clickhouse": true,
	}}

	p := docker.NewProvisioner(runtime, testConf("kafka", "clickhouse"), testWait)

	results, err := p.Ensure(context.Background())
	require.Error(t, err)

	// kafka is missing, clickhouse must not have been touched
	require.Len(t, results, 1)

	for _, command := range runtime.commands {
		assert.NotContains(t, command, "clickhouse")
	}
}
