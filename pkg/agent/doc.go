// Agent drives firmware updates on a device. It requests job documents from
// the service, receives the job's file in blocks over one of the configured
// transports, hands the verified image to the platform and then shepherds
// the image through its self-test until it is committed or rolled back.
//
// The Agent is an event driven state machine. Network callbacks, timers and
// the public API only ever enqueue events; a single task consumes them and
// runs each handler to completion before taking the next event. Events that
// do not apply to the current state are logged and discarded.
package agent
