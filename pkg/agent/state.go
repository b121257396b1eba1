package agent

import "fmt"

// State is the agent's position in the update process.
type State uint8

const (
	StateInit State = iota
	StateReady
	StateRequestingJob
	StateWaitingForJob
	StateCreatingFile
	StateRequestingFileBlock
	StateWaitingForFileBlock
	StateClosingFile
	StateSuspended
	StateShuttingDown
	StateStopped

	// StateNoTransition leaves the state unchanged.
	StateNoTransition
	// StateAll matches any state in the transition table.
	StateAll
)

var stateNames = map[State]string{
	StateInit:                "Init",
	StateReady:               "Ready",
	StateRequestingJob:       "RequestingJob",
	StateWaitingForJob:       "WaitingForJob",
	StateCreatingFile:        "CreatingFile",
	StateRequestingFileBlock: "RequestingFileBlock",
	StateWaitingForFileBlock: "WaitingForFileBlock",
	StateClosingFile:         "ClosingFile",
	StateSuspended:           "Suspended",
	StateShuttingDown:        "ShuttingDown",
	StateStopped:             "Stopped",
	StateNoTransition:        "NoTransition",
	StateAll:                 "All",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// awaitingReply states have a request timer running.
func (s State) awaitingReply() bool {
	switch s {
	case StateRequestingJob, StateWaitingForJob, StateRequestingFileBlock, StateWaitingForFileBlock:
		return true
	}
	return false
}
