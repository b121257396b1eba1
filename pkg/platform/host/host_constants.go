package host

import "path/filepath"

const (
	// SignatureKey is the file attribute holding an ECDSA P-256 SHA-256
	// signature.
	SignatureKey = "sig-sha256-ecdsa"

	stateFileName   = "image-state.json"
	stagingSuffix   = ".partial"
	alternateSuffix = ".next"
	rebootUnit      = "reboot.target"
	rebootUnitMode  = "replace-irreversibly"
	defaultSocket   = "/run/systemd/private"
	stateDirPerm    = 0750
	stagingFilePerm = 0600
)

// Paths locates the platform's files on the host.
type Paths struct {
	// ImageDir receives downloaded images.
	ImageDir string
	// StateDir holds the persisted image state.
	StateDir string
	// CertDir resolves relative certificate names.
	CertDir string
	// SystemdSocket is the systemd private socket used for reboots.
	SystemdSocket string
}

func (p Paths) stateFile() string {
	return filepath.Join(p.StateDir, stateFileName)
}

func (p Paths) image(name string) string {
	return filepath.Join(p.ImageDir, filepath.Base(name))
}

func (p Paths) cert(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(p.CertDir, name)
}
