// Package momentum detects a backend that has stopped answering requests.
package momentum

import (
	"sync/atomic"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// Controller counts consecutive requests sent without a response.
type Controller struct {
	max   uint32
	count uint32
}

// New returns a controller aborting after max unanswered requests. A max of
// zero never aborts.
func New(max uint32) *Controller {
	return &Controller{max: max}
}

// Check fails with MomentumAbort once the unanswered count has reached the
// maximum. It is called before each request is sent.
func (c *Controller) Check() error {
	if c.Exceeded() {
		return errcode.Errorf(errcode.MomentumAbort, "%d requests unanswered", c.Count())
	}
	return nil
}

// Exceeded reports whether the maximum has been reached.
func (c *Controller) Exceeded() bool {
	return c.max != 0 && c.Count() >= c.max
}

// Record notes a request sent.
func (c *Controller) Record() uint32 {
	return atomic.AddUint32(&c.count, 1)
}

// Reset is called on any accepted response.
func (c *Controller) Reset() {
	atomic.StoreUint32(&c.count, 0)
}

func (c *Controller) Count() uint32 {
	return atomic.LoadUint32(&c.count)
}

func (c *Controller) Max() uint32 {
	return c.max
}
