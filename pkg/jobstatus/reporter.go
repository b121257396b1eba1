// Package jobstatus reports job execution status to the service.
package jobstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport"
)

// Update is the status document published to a job's update topic.
type Update struct {
	Status        string            `json:"status"`
	StatusDetails map[string]string `json:"statusDetails,omitempty"`
	ClientToken   string            `json:"clientToken,omitempty"`
}

// Reporter publishes status updates, dropping exact repeats of the last
// update for a job.
type Reporter struct {
	log       logging.Logger
	messaging transport.Messaging
	thing     string
	version   imagestate.Version
	last      LastCache
}

var _ imagestate.Reporter = (*Reporter)(nil)

func New(log logging.Logger, messaging transport.Messaging, thing string, version imagestate.Version) *Reporter {
	return &Reporter{
		log:       log,
		messaging: messaging,
		thing:     thing,
		version:   version,
		last:      NewLastCache(),
	}
}

// Report publishes status with details for jobID.
func (r *Reporter) Report(ctx context.Context, jobID, status string, details map[string]string) error {
	if jobID == "" {
		return errcode.Errorf(errcode.NoActiveJob, "status %s", status)
	}
	topic := marker.JobsUpdate(r.thing, jobID)
	if len(topic) > marker.MaxTopicLen {
		return errcode.Errorf(errcode.TopicTooLarge, "%d byte topic", len(topic))
	}
	doc, err := json.Marshal(&Update{Status: status, StatusDetails: details})
	if err != nil {
		return errors.Wrap(err, "encode status")
	}
	log := r.log.WithField("job", jobID).WithField("status", status)
	if last := r.last.Last(jobID); last != nil && bytes.Equal(last, doc) {
		log.Debug("status unchanged, not publishing")
		return nil
	}
	if err := r.messaging.Publish(ctx, topic, doc); err != nil {
		log.WithError(err).Warn("unable to publish status")
		return err
	}
	r.last.Record(jobID, doc)
	log.Debug("published status")
	return nil
}

// Progress reports blocks received so far.
func (r *Reporter) Progress(ctx context.Context, jobID string, received, total uint32) error {
	return r.Report(ctx, jobID, marker.JobStatusInProgress, map[string]string{
		marker.DetailReason:    marker.ReasonReceiving,
		marker.DetailProgress:  fmt.Sprintf("%d/%d", received, total),
		marker.DetailUpdatedBy: fmt.Sprintf("0x%x", uint32(r.version)),
	})
}

// Failed reports the job failed because of cause.
func (r *Reporter) Failed(ctx context.Context, jobID string, cause error) error {
	return r.Report(ctx, jobID, marker.JobStatusFailed, map[string]string{
		marker.DetailReason: reason(cause),
	})
}

// ReportImageState reports an image lifecycle change.
func (r *Reporter) ReportImageState(ctx context.Context, jobID string, s imagestate.State, cause error) error {
	switch s {
	case imagestate.Testing:
		return r.Report(ctx, jobID, marker.JobStatusInProgress, map[string]string{
			marker.DetailReason:    marker.ReasonSelfTest,
			marker.DetailSelfTest:  marker.SelfTestReady,
			marker.DetailUpdatedBy: fmt.Sprintf("0x%x", uint32(r.version)),
		})
	case imagestate.Accepted:
		defer r.last.Forget(jobID)
		return r.Report(ctx, jobID, marker.JobStatusSucceeded, map[string]string{
			marker.DetailReason: marker.ReasonAccepted,
		})
	case imagestate.Rejected:
		defer r.last.Forget(jobID)
		return r.Report(ctx, jobID, marker.JobStatusFailed, map[string]string{
			marker.DetailReason: reasonOr(cause, marker.ReasonRejected),
		})
	case imagestate.Aborted:
		defer r.last.Forget(jobID)
		return r.Report(ctx, jobID, marker.JobStatusFailed, map[string]string{
			marker.DetailReason: reasonOr(cause, marker.ReasonAborted),
		})
	}
	return errcode.Errorf(errcode.BadImageState, "no status for %s", s)
}

func reasonOr(cause error, fallback string) string {
	if cause == nil {
		return fallback
	}
	return reason(cause)
}

// reason renders the agent code of cause, e.g. "0x21000000: momentum abort".
func reason(cause error) string {
	if cause == nil {
		return ""
	}
	if c, ok := errcode.AsCode(cause); ok {
		return fmt.Sprintf("0x%08x: %s", uint32(c), c.Kind())
	}
	return cause.Error()
}
