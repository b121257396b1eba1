package platform

import (
	"context"

	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
)

// Platform is implemented by device integrations that store, verify and boot
// firmware images.
type Platform interface {
	// Status reports the underlying platform's health.
	Status() (Status, error)
	// CreateFile opens the destination for fc's blocks. Blocks are written
	// through the returned sink at their byte offsets.
	CreateFile(ctx context.Context, fc *file.Context) (file.Sink, error)
	// CloseFile completes a received file and verifies its signature using
	// the certificate named by fc. A file failing verification must not be
	// activated.
	CloseFile(ctx context.Context, fc *file.Context) error
	// Abort discards a partially received file. It is safe to call for a
	// file never created.
	Abort(ctx context.Context, fc *file.Context) error
	// ActivateNewImage arranges to boot the verified image, typically by
	// resetting the device.
	ActivateNewImage(ctx context.Context) error
	// ResetDevice reboots the device.
	ResetDevice(ctx context.Context) error
	// SetImageState persists the image lifecycle state.
	SetImageState(ctx context.Context, s imagestate.State) error
	// ImageState reads the persisted state.
	ImageState(ctx context.Context) (imagestate.PlatformState, error)
	// SignatureKey names the job document attribute holding a file's
	// signature, for example "sig-sha256-ecdsa".
	SignatureKey() string
}

// Status reports the readiness of the underlying platform.
type Status interface {
	// OK will return true when the platform is able to assert its status
	// response is accurately reporting from the underlying components.
	OK() bool
}

// Ping the platform to verify its general usability based on its status.
// Platform consumers should utilize this method to consistently validate
// the platform before use.
func Ping(p Platform) error {
	status, err := p.Status()
	if err != nil {
		return errors.WithMessage(err, "could not retrieve platform status")
	}
	if !status.OK() {
		return errors.New("platform did not report OK status")
	}
	return nil
}
