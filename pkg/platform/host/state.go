package host

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
)

// persisted is the on-disk image state.
type persisted struct {
	State         string `json:"state"`
	PendingCommit bool   `json:"pending_commit"`
	// Image is the verified image awaiting or running its self-test.
	Image string `json:"image,omitempty"`
	// Boot is the image selected for the next boot.
	Boot string `json:"boot,omitempty"`
	// Committed is the last accepted image, the one rolled back to.
	Committed string `json:"committed,omitempty"`
}

func (p persisted) platformState() imagestate.PlatformState {
	switch {
	case p.PendingCommit:
		return imagestate.PlatformPendingCommit
	case p.State == imagestate.Accepted.String():
		return imagestate.PlatformValid
	case p.State == imagestate.Rejected.String(), p.State == imagestate.Aborted.String():
		return imagestate.PlatformInvalid
	}
	return imagestate.PlatformUnknown
}

func loadState(path string) (persisted, error) {
	var p persisted
	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return p, errors.Wrap(err, "read image state")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Wrap(err, "decode image state")
	}
	return p, nil
}

// saveState replaces the state file atomically.
func saveState(path string, p persisted) error {
	raw, err := json.Marshal(&p)
	if err != nil {
		return errors.Wrap(err, "encode image state")
	}
	tmp, err := ioutil.TempFile(filepath.Dir(path), ".state")
	if err != nil {
		return errors.Wrap(err, "create image state")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write image state")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "sync image state")
	}
	tmp.Close()
	return errors.Wrap(os.Rename(tmp.Name(), path), "commit image state")
}
