package marker

import "fmt"

type Topic = string

const (
	// Prefix is the common base of a device's job and stream topics.
	Prefix = "$aws/things/"

	jobsNotifyNext  = Prefix + "%s/jobs/notify-next"
	jobsGetNext     = Prefix + "%s/jobs/$next/get"
	jobsGetAccepted = Prefix + "%s/jobs/$next/get/accepted"
	jobsUpdate      = Prefix + "%s/jobs/%s/update"
	streamData      = Prefix + "%s/streams/%s/data/msgpack"
	streamGet       = Prefix + "%s/streams/%s/get/msgpack"

	// MaxTopicLen bounds any generated topic.
	MaxTopicLen = 256
)

// JobsNotifyNext carries the next pending job whenever it changes.
func JobsNotifyNext(thing string) Topic {
	return fmt.Sprintf(jobsNotifyNext, thing)
}

// JobsGetNext requests the next pending job.
func JobsGetNext(thing string) Topic {
	return fmt.Sprintf(jobsGetNext, thing)
}

// JobsGetAccepted carries responses to JobsGetNext.
func JobsGetAccepted(thing string) Topic {
	return fmt.Sprintf(jobsGetAccepted, thing)
}

// JobsUpdate receives execution status updates for a job.
func JobsUpdate(thing, jobID string) Topic {
	return fmt.Sprintf(jobsUpdate, thing, jobID)
}

// StreamData carries the blocks of a stream.
func StreamData(thing, stream string) Topic {
	return fmt.Sprintf(streamData, thing, stream)
}

// StreamGet requests blocks of a stream.
func StreamGet(thing, stream string) Topic {
	return fmt.Sprintf(streamGet, thing, stream)
}
