// Package host implements the platform on a Linux host: images are staged in
// memory mapped files, verified against an ECDSA signer certificate and
// booted by rebooting through systemd.
package host

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/platform"
)

// Assert Platform as a platform implementor.
var _ platform.Platform = (*Platform)(nil)

type Platform struct {
	log    logging.Logger
	paths  Paths
	reboot rebooter

	mu      sync.Mutex
	staging *stagingFile
	// received is the verified image path, set by CloseFile.
	received string
}

func New(log logging.Logger, paths Paths) *Platform {
	if paths.SystemdSocket == "" {
		paths.SystemdSocket = defaultSocket
	}
	return &Platform{
		log:    log,
		paths:  paths,
		reboot: &systemdRebooter{log: log, socket: paths.SystemdSocket},
	}
}

type status struct {
	ok bool
}

func (s *status) OK() bool {
	return s.ok
}

// Status is OK when the image and state directories are usable.
func (p *Platform) Status() (platform.Status, error) {
	for _, dir := range []string{p.paths.ImageDir, p.paths.StateDir} {
		stat, err := os.Stat(dir)
		if err != nil {
			return &status{}, errors.Wrap(err, "platform directory")
		}
		if !stat.IsDir() {
			return &status{}, errors.Errorf("%s is not a directory", dir)
		}
	}
	return &status{ok: true}, nil
}

func (p *Platform) SignatureKey() string {
	return SignatureKey
}

func (p *Platform) CreateFile(ctx context.Context, fc *file.Context) (file.Sink, error) {
	if fc.FilePath.Empty() {
		return nil, errcode.Errorf(errcode.RxFileCreateFailed, "no file path")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.staging != nil {
		p.log.Warn("discarding previous partial image")
		_ = p.staging.Discard()
		p.staging = nil
	}
	path := p.paths.image(fc.FilePath.String()) + stagingSuffix
	s, err := createStaging(path, int64(fc.Size))
	if err != nil {
		return nil, errcode.Wrap(err, errcode.RxFileCreateFailed, "create file")
	}
	p.log.WithField("path", path).Debug("created staging file")
	p.staging = s
	return s, nil
}

func (p *Platform) CloseFile(ctx context.Context, fc *file.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.staging
	if s == nil {
		return errcode.Errorf(errcode.NullFilePtr, "no file open")
	}
	p.staging = nil

	if err := verifySignature(s.Bytes(), fc.Signature, p.paths.cert(fc.CertPath.String())); err != nil {
		p.log.WithError(err).Error("image failed verification")
		_ = s.Discard()
		return err
	}
	if err := s.Close(); err != nil {
		_ = s.Discard()
		return errcode.Wrap(err, errcode.FileClose, "close file")
	}
	final := p.paths.image(fc.FilePath.String())
	st, err := loadState(p.paths.stateFile())
	if err != nil {
		_ = s.Discard()
		return errcode.Wrap(err, errcode.FileClose, "load image state")
	}
	if final == st.Committed || final == st.Boot {
		// never replace the image the device runs or boots
		final += alternateSuffix
	}
	if err := os.Rename(s.path, final); err != nil {
		_ = s.Discard()
		return errcode.Wrap(err, errcode.FileClose, "install image")
	}
	p.received = final
	p.log.WithField("path", final).Info("image verified")
	return nil
}

func (p *Platform) Abort(ctx context.Context, fc *file.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.staging == nil {
		return nil
	}
	err := p.staging.Discard()
	p.staging = nil
	if err != nil {
		return errcode.Wrap(err, errcode.FileAbort, "abort file")
	}
	return nil
}

// ActivateNewImage selects the verified image for the next boot and resets
// the device.
func (p *Platform) ActivateNewImage(ctx context.Context) error {
	p.mu.Lock()
	st, err := loadState(p.paths.stateFile())
	if err == nil {
		if st.Image == "" {
			st.Image = p.received
		}
		if st.Image == "" {
			p.mu.Unlock()
			return errcode.Errorf(errcode.ActivateFailed, "no verified image")
		}
		st.Boot = st.Image
		err = saveState(p.paths.stateFile(), st)
	}
	p.mu.Unlock()
	if err != nil {
		return errcode.Wrap(err, errcode.ActivateFailed, "select boot image")
	}
	p.log.WithField("image", st.Boot).Info("activating image")
	return p.ResetDevice(ctx)
}

func (p *Platform) ResetDevice(ctx context.Context) error {
	return p.reboot.Reboot(ctx)
}

// SetImageState persists s. Testing marks the received image pending
// commit and Accepted commits it. Rejected and Aborted discard an image that
// was not committed and select the committed image for the next boot.
func (p *Platform) SetImageState(ctx context.Context, s imagestate.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := p.paths.stateFile()
	st, err := loadState(path)
	if err != nil {
		return errcode.Wrap(err, errcode.BadImageState, "load image state")
	}
	st.State = s.String()
	switch s {
	case imagestate.Testing:
		st.PendingCommit = true
		if p.received != "" {
			st.Image = p.received
		}
	case imagestate.Accepted:
		st.PendingCommit = false
		if st.Image != "" {
			st.Committed = st.Image
			st.Boot = st.Image
			st.Image = ""
		}
		p.received = ""
	case imagestate.Rejected, imagestate.Aborted:
		st.PendingCommit = false
		if p.staging != nil {
			_ = p.staging.Discard()
			p.staging = nil
		}
		for _, img := range []string{st.Image, p.received} {
			if img == "" || img == st.Committed {
				continue
			}
			if err := os.Remove(img); err != nil && !os.IsNotExist(err) {
				p.log.WithError(err).WithField("image", img).Warn("unable to remove rejected image")
			}
		}
		st.Image = ""
		st.Boot = st.Committed
		p.received = ""
	default:
		return errcode.Errorf(errcode.BadImageState, "cannot persist %s", s)
	}
	if err := saveState(path, st); err != nil {
		return errcode.Wrap(err, errcode.BadImageState, "save image state")
	}
	return nil
}

func (p *Platform) ImageState(ctx context.Context) (imagestate.PlatformState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := loadState(p.paths.stateFile())
	if err != nil {
		return imagestate.PlatformUnknown, errcode.Wrap(err, errcode.BadImageState, "load image state")
	}
	return st.platformState(), nil
}
