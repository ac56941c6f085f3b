package factory

import (
	"github.com/jonboulle/clockwork"

	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/pkg/provision"
)

/*
 * DecorateProvisioner decorates a workflow step as follow:
 *
 * panic --> metrics --> retry --> step
 */
func DecorateProvisioner(step provision.Provisioner, metrics *provision.Metrics, retryConf config.Retry) provision.Provisioner {
	ret := step

	ret = provision.NewRetryProvisioner(ret, provision.RetryConfig{
		MaxAttempt: retryConf.Attempts,
		Delay:      retryConf.Delay,
	})

	if metrics != nil {
		ret = provision.NewMetricsProvisioner(ret, metrics, clockwork.NewRealClock())
	}

	ret = provision.NewPanicHandlerProvisioner(ret)

	return ret
}
