package thingsboard

import (
	"context"
	"errors"

	"github.com/skyfleet/droneprov/internal/common"
	"github.com/skyfleet/droneprov/internal/domain/entity"
	"github.com/skyfleet/droneprov/pkg/provision"
)

var errMissingDeviceID = errors.New("missing device id")

// DeviceProvisioner ensures every configured device exists and is bound to
// its pre-shared access token. Creation alone is not enough: the platform
// assigns a random token to new devices, so the credential is always pinned
// explicitly afterwards. A device that got created but could not get its
// token pinned is a partial failure needing manual cleanup, reported loudly.
type DeviceProvisioner struct {
	client  *Client
	devices []entity.Device
	wait    provision.RetryConfig
}

func NewDeviceProvisioner(client *Client, devices []entity.Device, wait provision.RetryConfig) DeviceProvisioner {
	return DeviceProvisioner{
		client:  client,
		devices: devices,
		wait:    wait,
	}
}

func (p DeviceProvisioner) Name() string {
	return "telemetry-devices"
}

func (p DeviceProvisioner) Ensure(ctx context.Context) ([]provision.Result, error) {
	err := p.client.EnsureSession(ctx, p.wait)
	if err != nil {
		return nil, common.NewProvisionError(err, provision.CategoryUnreachable, "platform", "failed to open tenant session")
	}

	ret := make([]provision.Result, 0, len(p.devices))

	for _, device := range p.devices {
		result, err := p.ensureDevice(ctx, device)
		if err != nil {
			return ret, err
		}

		ret = append(ret, result)
	}

	return ret, nil
}

func (p DeviceProvisioner) ensureDevice(ctx context.Context, device entity.Device) (provision.Result, error) {
	found, err := p.client.FindDevice(ctx, device.Name)
	if err != nil {
		return provision.Result{}, common.NewProvisionError(err, provision.CategoryUnreachable, device.Name, "failed to look up device %s", device.Name)
	}

	created := false

	if found == nil {
		found, err = p.client.CreateDevice(ctx, device.Name, device.Type)
		if err != nil {
			return provision.Result{}, common.NewProvisionError(err, provision.CategoryInternal, device.Name, "failed to create device %s", device.Name)
		}

		created = true
	}

	if found.ID == nil {
		return provision.Result{}, common.NewProvisionError(errMissingDeviceID, categoryFor(created), device.Name, "device %s has no id", device.Name)
	}

	creds, err := p.client.GetDeviceCredentials(ctx, found.ID.ID)
	if err != nil {
		return provision.Result{}, common.NewProvisionError(err, categoryFor(created), device.Name, "failed to read credentials of %s", device.Name)
	}

	if !created && creds.CredentialsType == credentialsTypeAccessToken && creds.CredentialsID == device.AccessToken {
		return provision.AlreadyPresent(device.Name), nil
	}

	desired := DeviceCredentials{
		ID:              creds.ID,
		DeviceID:        EntityID{EntityType: "DEVICE", ID: found.ID.ID},
		CredentialsType: credentialsTypeAccessToken,
		CredentialsID:   device.AccessToken,
	}

	err = p.client.SaveDeviceCredentials(ctx, desired)
	if err != nil {
		// The device exists with an unknown token now: the producer cannot
		// authenticate against it until an operator intervenes.
		return provision.Result{}, common.NewProvisionError(err, provision.CategoryPartial, device.Name, "failed to pin token of %s", device.Name)
	}

	if created {
		return provision.Created(device.Name), nil
	}

	return provision.Updated(device.Name, "token pinned"), nil
}

// categoryFor classifies a credentials read failure: on a device we just
// created it leaves an unknown token behind (partial), on a pre-existing one
// nothing changed yet.
func categoryFor(created bool) string {
	if created {
		return provision.CategoryPartial
	}

	return provision.CategoryUnreachable
}
