package marker

// JobStatus is a job execution status as reported to the service.
type JobStatus = string

const (
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusRejected   JobStatus = "REJECTED"
)

// SelfTest values carried in a job's status details.
type SelfTest = string

const (
	SelfTestReady  SelfTest = "ready"
	SelfTestActive SelfTest = "active"
)

// Status detail keys.
const (
	DetailReason    = "reason"
	DetailSelfTest  = "self_test"
	DetailProgress  = "progress"
	DetailUpdatedBy = "updatedBy"
)

// Reasons given with a status.
const (
	ReasonReceiving = "receiving"
	ReasonAccepted  = "accepted"
	ReasonRejected  = "rejected"
	ReasonAborted   = "aborted"
	ReasonSelfTest  = "self-test"
)

// AgentVersion is the version of the agent at compile time.
var AgentVersion = "0.1.0-dev"
