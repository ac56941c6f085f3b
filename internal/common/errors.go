package common

import (
	"fmt"

	"github.com/skyfleet/droneprov/pkg/provision"
)

func NewProvisionError(err error, category string, resource string, reason string, args ...interface{}) provision.Error {
	cause := fmt.Sprintf(reason, args...)
	dErr := fmt.Errorf("%s: %w", cause, err)

	return provision.NewError(dErr, category, resource)
}

func NewRetryableProvisionError(err error, category string, resource string, reason string, args ...interface{}) provision.Error {
	return NewProvisionError(provision.NewRetryableError(err), category, resource, reason, args...)
}
