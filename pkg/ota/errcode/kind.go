package errcode

import "fmt"

// Kind is the agent-level error taxonomy carried in a Code's upper byte.
type Kind uint8

const (
	None                   Kind = 0x00
	SignatureCheckFailed   Kind = 0x01
	BadSignerCert          Kind = 0x02
	OutOfMemory            Kind = 0x03
	ActivateFailed         Kind = 0x04
	CommitFailed           Kind = 0x05
	RejectFailed           Kind = 0x06
	AbortFailed            Kind = 0x07
	PublishFailed          Kind = 0x08
	BadImageState          Kind = 0x09
	NoActiveJob            Kind = 0x0a
	NoFreeContext          Kind = 0x0b
	HTTPInitFailed         Kind = 0x0c
	HTTPRequestFailed      Kind = 0x0d
	FileAbort              Kind = 0x10
	FileClose              Kind = 0x11
	RxFileCreateFailed     Kind = 0x12
	BootInfoCreateFailed   Kind = 0x13
	RxFileTooLarge         Kind = 0x14
	NullFilePtr            Kind = 0x20
	MomentumAbort          Kind = 0x21
	DowngradeNotAllowed    Kind = 0x22
	SameFirmwareVersion    Kind = 0x23
	JobParserError         Kind = 0x24
	FailedToEncodeCBOR     Kind = 0x25
	ImageStateMismatch     Kind = 0x26
	GenericIngestError     Kind = 0x27
	UserAbort              Kind = 0x28
	ResetNotSupported      Kind = 0x29
	TopicTooLarge          Kind = 0x2a
	SelfTestTimerFailed    Kind = 0x2b
	EventQSendFailed       Kind = 0x2c
	InvalidDataProtocol    Kind = 0x2d
	AgentStopped           Kind = 0x2e
	EventQCreateFailed     Kind = 0x2f
	EventQReceiveFailed    Kind = 0x30
	EventQDeleteFailed     Kind = 0x31
	EventTimerCreateFailed Kind = 0x32
	EventTimerStartFailed  Kind = 0x33
	EventTimerStopFailed   Kind = 0x34
	EventTimerDeleteFailed Kind = 0x35
	SubscribeFailed        Kind = 0x40
	UnsubscribeFailed      Kind = 0x41
	FailedToDecodeCBOR     Kind = 0x42
	// Panic marks a condition the agent cannot recover from. It is never
	// handled internally; the application should log and reboot.
	Panic         Kind = 0xfe
	Uninitialized Kind = 0xff
)

var kindNames = map[Kind]string{
	None:                   "none",
	SignatureCheckFailed:   "signature check failed",
	BadSignerCert:          "bad signer certificate",
	OutOfMemory:            "out of memory",
	ActivateFailed:         "activate failed",
	CommitFailed:           "commit failed",
	RejectFailed:           "reject failed",
	AbortFailed:            "abort failed",
	PublishFailed:          "publish failed",
	BadImageState:          "bad image state",
	NoActiveJob:            "no active job",
	NoFreeContext:          "no free context",
	HTTPInitFailed:         "http init failed",
	HTTPRequestFailed:      "http request failed",
	FileAbort:              "file abort",
	FileClose:              "file close",
	RxFileCreateFailed:     "rx file create failed",
	BootInfoCreateFailed:   "boot info create failed",
	RxFileTooLarge:         "rx file too large",
	NullFilePtr:            "null file pointer",
	MomentumAbort:          "momentum abort",
	DowngradeNotAllowed:    "downgrade not allowed",
	SameFirmwareVersion:    "same firmware version",
	JobParserError:         "job parser error",
	FailedToEncodeCBOR:     "failed to encode block request",
	ImageStateMismatch:     "image state mismatch",
	GenericIngestError:     "generic ingest error",
	UserAbort:              "user abort",
	ResetNotSupported:      "reset not supported",
	TopicTooLarge:          "topic too large",
	SelfTestTimerFailed:    "self test timer failed",
	EventQSendFailed:       "event queue send failed",
	InvalidDataProtocol:    "invalid data protocol",
	AgentStopped:           "agent stopped",
	EventQCreateFailed:     "event queue create failed",
	EventQReceiveFailed:    "event queue receive failed",
	EventQDeleteFailed:     "event queue delete failed",
	EventTimerCreateFailed: "event timer create failed",
	EventTimerStartFailed:  "event timer start failed",
	EventTimerStopFailed:   "event timer stop failed",
	EventTimerDeleteFailed: "event timer delete failed",
	SubscribeFailed:        "subscribe failed",
	UnsubscribeFailed:      "unsubscribe failed",
	FailedToDecodeCBOR:     "failed to decode block",
	Panic:                  "panic",
	Uninitialized:          "uninitialized",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

// Known reports whether k is part of the taxonomy.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}
