package jobstatus

import (
	"time"

	"github.com/karlseguin/ccache"
)

const (
	cacheTimeout = time.Second * 15
)

// LastCache remembers the last status document published for each job.
type LastCache interface {
	Last(jobID string) []byte
	Record(jobID string, doc []byte)
	Forget(jobID string)
}

type lastCache struct {
	cache *ccache.Cache
}

// NewLastCache creates a cache suitable for storing and retrieving the last
// published status of a job.
func NewLastCache() LastCache {
	return &lastCache{
		cache: ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
	}
}

// Last returns the last status published for jobID, nil once expired.
func (c *lastCache) Last(jobID string) []byte {
	val := c.cache.Get(jobID)
	if val == nil || val.Expired() {
		return nil
	}
	doc, ok := val.Value().([]byte)
	if !ok {
		return nil
	}
	return doc
}

func (c *lastCache) Record(jobID string, doc []byte) {
	// Copy to protect against reuse of the caller's buffer.
	c.cache.Set(jobID, append([]byte(nil), doc...), cacheTimeout)
}

func (c *lastCache) Forget(jobID string) {
	c.cache.Delete(jobID)
}
