package imagestate

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// Version is a packed firmware version: major in the top byte, minor in the
// next and build in the low 16 bits.
type Version uint32

func NewVersion(major, minor uint8, build uint16) Version {
	return Version(uint32(major)<<24 | uint32(minor)<<16 | uint32(build))
}

// ParseVersion reads "major.minor.build".
func ParseVersion(s string) (Version, error) {
	var major, minor uint8
	var build uint16
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &major, &minor, &build); err != nil {
		return 0, errors.Wrapf(err, "version %q", s)
	}
	return NewVersion(major, minor, build), nil
}

func (v Version) Major() uint8  { return uint8(v >> 24) }
func (v Version) Minor() uint8  { return uint8(v >> 16) }
func (v Version) Build() uint16 { return uint16(v) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Build())
}

// CheckVersion compares the running image with the version that started the
// job. Only a newer running image passes.
func CheckVersion(running, updatedBy Version) error {
	switch {
	case running > updatedBy:
		return nil
	case running == updatedBy:
		return errcode.Errorf(errcode.SameFirmwareVersion, "running %s", running)
	}
	return errcode.Errorf(errcode.DowngradeNotAllowed, "running %s, job from %s", running, updatedBy)
}
