package jobdoc

import (
	"fmt"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// ParseErr is the outcome class of parsing one job document.
type ParseErr int8

const (
	Unknown ParseErr = iota - 1
	None
	BusyWithExistingJob
	NullJob
	UpdateCurrentJob
	ZeroFileSize
	NonConformingJobDoc
	BadModelInitParams
	NoContextAvailable
	NoActiveJobs
)

func (p ParseErr) String() string {
	switch p {
	case None:
		return "none"
	case BusyWithExistingJob:
		return "busy with existing job"
	case NullJob:
		return "null job"
	case UpdateCurrentJob:
		return "update current job"
	case ZeroFileSize:
		return "zero file size"
	case NonConformingJobDoc:
		return "non-conforming job document"
	case BadModelInitParams:
		return "bad model init params"
	case NoContextAvailable:
		return "no context available"
	case NoActiveJobs:
		return "no active jobs"
	}
	return "unknown"
}

// Error is a failed parse. Err, when set, is the underlying cause.
type Error struct {
	Code ParseErr
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "job document: " + e.Code.String()
	}
	return fmt.Sprintf("job document: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AgentCode packs the parse outcome as a JobParserError.
func (e *Error) AgentCode() errcode.Code {
	return errcode.New(errcode.JobParserError, uint32(uint8(e.Code)))
}

func parseErr(code ParseErr, cause error) *Error {
	return &Error{Code: code, Err: cause}
}

// CodeOf reports the ParseErr carried by err, None for nil.
func CodeOf(err error) ParseErr {
	if err == nil {
		return None
	}
	if pe, ok := err.(*Error); ok {
		return pe.Code
	}
	return Unknown
}
