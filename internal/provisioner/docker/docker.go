package docker

import (
	"context"
	"fmt"

	"github.com/avast/retry-go/v4"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/pkg/provision"
)

// Provisioner ensures the container engine is reachable and every named
// service container is running. Containers are expected to exist already
// (image selection and creation are out of scope): a missing container is a
// conflict for the operator, a stopped one is started and polled until
// running.
type Provisioner struct {
	runtime Runtime
	conf    config.Docker
	wait    provision.RetryConfig
}

func NewProvisioner(runtime Runtime, conf config.Docker, wait provision.RetryConfig) Provisioner {
	return Provisioner{
		runtime: runtime,
		conf:    conf,
		wait:    wait,
	}
}

func (p Provisioner) Name() string {
	return "container-runtime"
}

func (p Provisioner) Ensure(ctx context.Context) ([]provision.Result, error) {
	version, err := p.runtime.Output(ctx, fmt.Sprintf("%s info --format {{.ServerVersion}}", p.conf.Binary))
	if err != nil {
		return nil, common.NewRetryableProvisionError(err, provision.CategoryUnreachable, "engine", "container engine is not reachable")
	}

	ret := make([]provision.Result, 0, len(p.conf.Containers)+1)
	ret = append(ret, provision.Result{Resource: "engine", Outcome: provision.OutcomeAlreadyPresent, Detail: version})

	for _, name := range p.conf.Containers {
		err := ctx.Err()
		if err != nil {
			return ret, err
		}

		result, err := p.ensureContainer(ctx, name)
		if err != nil {
			return ret, err
		}

		ret = append(ret, result)
	}

	return ret, nil
}

func (p Provisioner) ensureContainer(ctx context.Context, name string) (provision.Result, error) {
	running, err := p.isRunning(ctx, name)
	if err != nil {
		wErr := fmt.Errorf("container %s does not exist: %w", name, err)

		return provision.Result{}, common.NewProvisionError(wErr, provision.CategoryConflict, name, "cannot ensure container %s", name)
	}

	if running {
		return provision.AlreadyPresent(name), nil
	}

	_, err = p.runtime.Output(ctx, fmt.Sprintf("%s start %s", p.conf.Binary, name))
	if err != nil {
		return provision.Result{}, common.NewProvisionError(err, provision.CategoryUnreachable, name, "failed to start container %s", name)
	}

	// Bounded poll: the engine acks start before the process settles.
	err = retry.Do(
		func() error {
			running, err := p.isRunning(ctx, name)
			if err != nil {
				return err
			}

			if !running {
				return fmt.Errorf("container %s is not running yet", name)
			}

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.wait.MaxAttempt),
		retry.Delay(p.wait.Delay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return provision.Result{}, common.NewProvisionError(err, provision.CategoryUnreachable, name, "container %s did not become running", name)
	}

	return provision.Updated(name, "started"), nil
}

func (p Provisioner) isRunning(ctx context.Context, name string) (bool, error) {
	state, err := p.runtime.Output(ctx, fmt.Sprintf("%s inspect -f {{.State.Running}} %s", p.conf.Binary, name))
	if err != nil {
		return false, err
	}

	return state == "true", nil
}
