package logfields

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
)

func Job(id string) logrus.Fields {
	return logrus.Fields{
		"job": id,
	}
}

func File(f *file.Context) logrus.Fields {
	if f == nil {
		return logrus.Fields{"file": "<nil>"}
	}
	return logrus.Fields{
		"file-id":  f.FileID,
		"size":     f.Size,
		"blocks":   f.Blocks,
		"received": f.Received,
		"protocol": f.Protocol.String(),
	}
}

func Transition(from, to fmt.Stringer, event fmt.Stringer) logrus.Fields {
	return logrus.Fields{
		"from":  from.String(),
		"to":    to.String(),
		"event": event.String(),
	}
}
