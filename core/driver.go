package core

import (
	"context"
	"sync"
	"time"
)

// RawMessageHandler callback used to forward raw wire payloads to the next
// pipeline stage
type RawMessageHandler func(ctxt context.Context, topic string, payload []byte) error

// AlertOnErrorCB callback used to expose internal transport errors to an outer
// context for handling
type AlertOnErrorCB func(err error)

// HeartbeatHandler callback invoked each time the transport observes a
// successful heartbeat round trip
type HeartbeatHandler func(at time.Time)

// Channel the transport level connection backing one or more subscriptions
// sharing a topic. Exclusively owned by the subscription registry; consumers
// never touch it directly.
type Channel interface {
	// Topic the topic this channel is attached to
	Topic() string
	// Publish send a fire-and-forget broadcast payload on the channel
	Publish(ctxt context.Context, payload []byte) error
	// Announce send a presence status payload on the channel
	Announce(ctxt context.Context, payload []byte) error
	// Close detach from the topic
	Close() error
}

// Driver a realtime pub/sub transport. The rest of the system treats the
// transport as an opaque collaborator behind this interface.
//
// Drivers do not retry failed connections on their own. Reconnection policy is
// owned by the registry's health monitor, which calls Reconnect.
type Driver interface {
	// Listen attach to a topic. Incoming payloads are passed to forwardCB,
	// async transport failures to errorCB.
	Listen(
		ctxt context.Context, topic string, forwardCB RawMessageHandler, errorCB AlertOnErrorCB,
	) (Channel, error)
	// StartHeartbeat begin the periodic transport heartbeat
	StartHeartbeat(interval time.Duration, beatCB HeartbeatHandler, wg *sync.WaitGroup) error
	// Reconnect drop the current transport session and establish a new one,
	// restoring all attached topics
	Reconnect(ctxt context.Context) error
	// Close tear down the transport
	Close(ctxt context.Context)
}
