package host

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
)

// check prepares a piece of the host, if needed, for the agent.
type check interface {
	Name() string
	Check(logging.Logger) (bool, error)
	Apply(logging.Logger) (bool, error)
}

type dirCheck struct {
	name string
	path string
}

func (d *dirCheck) Name() string {
	return d.name
}

// Check reports whether the directory needs creating. An existing path must
// be a writable directory.
func (d *dirCheck) Check(log logging.Logger) (bool, error) {
	stat, err := os.Stat(d.path)
	if os.IsNotExist(err) {
		log.WithField("path", d.path).Debug("directory missing")
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "unable to stat")
	}
	if !stat.IsDir() {
		return false, errors.Errorf("%s is not a directory", d.path)
	}
	probe, err := ioutil.TempFile(d.path, ".probe")
	if err != nil {
		return false, errors.Wrap(err, "directory not writable")
	}
	probe.Close()
	os.Remove(probe.Name())
	return false, nil
}

func (d *dirCheck) Apply(log logging.Logger) (bool, error) {
	if err := os.MkdirAll(d.path, stateDirPerm); err != nil {
		return false, errors.Wrap(err, "unable to create directory")
	}
	return true, nil
}

// staleStaging removes partial images left by an interrupted transfer.
type staleStaging struct {
	dir string
}

func (*staleStaging) Name() string {
	return "stale-staging"
}

func (s *staleStaging) matches() []string {
	m, _ := filepath.Glob(filepath.Join(s.dir, "*"+stagingSuffix))
	return m
}

func (s *staleStaging) Check(log logging.Logger) (bool, error) {
	return len(s.matches()) != 0, nil
}

func (s *staleStaging) Apply(log logging.Logger) (bool, error) {
	for _, m := range s.matches() {
		log.WithField("path", m).Info("removing stale partial image")
		if err := os.Remove(m); err != nil {
			return false, errors.Wrap(err, "unable to remove")
		}
	}
	return true, nil
}

func (p *Platform) checks() []check {
	return []check{
		&dirCheck{name: "image-dir", path: p.paths.ImageDir},
		&dirCheck{name: "state-dir", path: p.paths.StateDir},
		&staleStaging{dir: p.paths.ImageDir},
	}
}

// Preflight readies the host, creating directories and clearing leftovers.
func (p *Platform) Preflight() error {
	log := logging.SubLogger(p.log, "preflight")
	errored := false
	applied := false

	for _, c := range p.checks() {
		clog := log.WithField("check", c.Name())
		needed, err := c.Check(clog)
		if err != nil {
			errored = true
			clog.WithError(err).Error("unable to determine need")
			continue
		}
		if !needed {
			clog.Debug("not needed")
			continue
		}
		ok, err := c.Apply(clog)
		if err != nil || !ok {
			errored = true
			clog.WithError(err).Error("unable to apply")
			continue
		}
		applied = true
		clog.Info("applied")
	}

	if errored {
		return errors.New("errors occurred during preflight, see log")
	}
	if applied {
		log.Debug("host prepared")
	}
	return nil
}
