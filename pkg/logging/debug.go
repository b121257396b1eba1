package logging

// DebugEnable is set at link time to include per-block trace logging, for
// example:
//
//	go build -ldflags "-X .../pkg/logging.DebugEnable=1"
var DebugEnable string

// Debuggable reports whether per-block trace logging was built in.
var Debuggable = DebugEnable != ""
