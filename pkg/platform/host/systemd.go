package host

import (
	"context"
	"os"
	"strconv"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// rebooter restarts the host.
type rebooter interface {
	Reboot(ctx context.Context) error
}

type systemdRebooter struct {
	log    logging.Logger
	socket string
}

// Reboot queues reboot.target, irreversibly, through the systemd private
// socket.
func (s *systemdRebooter) Reboot(ctx context.Context) error {
	if !isSocket(s.socket) {
		return errcode.Errorf(errcode.ResetNotSupported, "no systemd socket at %s", s.socket)
	}
	conn, err := s.connect()
	if err != nil {
		return errcode.Wrap(err, errcode.ResetNotSupported, "connect to systemd")
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, rebootUnit, rebootUnitMode, done); err != nil {
		return errcode.Wrap(err, errcode.ResetNotSupported, "start "+rebootUnit)
	}
	s.log.WithField("unit", rebootUnit).Info("reboot queued")
	select {
	case result := <-done:
		if result != "done" {
			return errcode.Errorf(errcode.ResetNotSupported, "%s job %s", rebootUnit, result)
		}
	case <-ctx.Done():
	}
	return nil
}

func (s *systemdRebooter) connect() (*systemd.Conn, error) {
	dialer := func() (*dbus.Conn, error) {
		conn, err := dbus.Dial("unix:path=" + s.socket)
		if err != nil {
			return nil, errors.Wrap(err, "unable to connect to systemd socket")
		}
		// Authenticate with the user's authority.
		methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
		if err := conn.Auth(methods); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "unable to authenticate with systemd")
		}
		return conn, nil
	}
	return systemd.NewConnection(dialer)
}

func isSocket(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeSocket == os.ModeSocket
}
