package registry

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/alwitt/livesync/events"
)

// ConnectionState the observed health of the realtime session. One instance
// per registry, shared by all bound consumers.
type ConnectionState string

const (
	// Connected the data path is live
	Connected ConnectionState = "connected"
	// Reconnecting the data path went silent and reconnect attempts are running
	Reconnecting ConnectionState = "reconnecting"
	// Disconnected the data path is down. Terminal once the reconnect attempt
	// ceiling is reached, until ForceReconnect is called.
	Disconnected ConnectionState = "disconnected"
)

// EventHandler per consumer callback for normalized row change events
type EventHandler func(event events.RealtimeEvent)

// PresenceHandler per consumer callback for presence diffs
type PresenceHandler func(diff events.PresenceDiff)

// BroadcastHandler per consumer callback for broadcast messages
type BroadcastHandler func(message events.BroadcastMessage)

// ErrorHandler per consumer callback for transport failures
type ErrorHandler func(err error)

// StateWatcher callback for connection state transitions
type StateWatcher func(state ConnectionState)

// SubscribeRequest parameters of one consumer subscription
type SubscribeRequest struct {
	// Resource the resource to subscribe to
	Resource string `validate:"required"`
	// Changes restricts delivery to these change types. Empty means all.
	Changes []events.ChangeType
	// Filter restricts the feed to rows matching these field values. Part of
	// the channel identity: subscriptions sharing (resource, filter) share one
	// transport channel.
	Filter map[string]string
	// OnEvent invoked per row change event
	OnEvent EventHandler
	// OnPresence invoked per presence diff
	OnPresence PresenceHandler
	// OnBroadcast invoked per broadcast message
	OnBroadcast BroadcastHandler
	// OnError invoked on transport failures affecting this subscription
	OnError ErrorHandler
}

// SubscriptionInfo describes one active subscription
type SubscriptionInfo struct {
	// ID the subscription ID
	ID string `json:"id"`
	// Resource the subscribed resource
	Resource string `json:"resource"`
	// Topic the transport topic backing the subscription
	Topic string `json:"topic"`
	// EstablishedAt when the subscription was created
	EstablishedAt time.Time `json:"established_at"`
}

// Stats a point-in-time view of the registry
type Stats struct {
	// State the connection state
	State ConnectionState `json:"state"`
	// ReconnectAttempts consecutive failed reconnect attempts
	ReconnectAttempts int `json:"reconnect_attempts"`
	// ActiveChannels number of open transport channels
	ActiveChannels int `json:"active_channels"`
	// ActiveSubscriptions number of attached consumer subscriptions
	ActiveSubscriptions int `json:"active_subscriptions"`
	// DroppedMessages count of malformed wire payloads dropped
	DroppedMessages int64 `json:"dropped_messages"`
	// LastHeartbeat when the transport last confirmed a heartbeat
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ResourceKey compute the channel identity for a (resource, filter) pair.
// Filter terms are sorted so equal filters always map to the same key.
func ResourceKey(resource string, filter map[string]string) string {
	if len(filter) == 0 {
		return resource
	}
	terms := make([]string, 0, len(filter))
	for field, value := range filter {
		terms = append(terms, field+"="+value)
	}
	sort.Strings(terms)
	return resource + "." + strings.Join(terms, ".")
}

// Registry tracks active channel subscriptions by logical key, multiplexing
// multiple consumers onto one underlying transport channel, and monitors
// connection health.
//
// A registry is explicitly constructed and passed by reference to consumers;
// there is no package level singleton.
type Registry interface {
	// Start begin operation
	Start() error
	// Subscribe attach a consumer. Returns the subscription ID.
	Subscribe(ctxt context.Context, request SubscribeRequest) (string, error)
	// Unsubscribe detach a consumer. No callbacks fire for this subscription
	// afterward. The transport channel closes when its last consumer detaches.
	Unsubscribe(ctxt context.Context, subscriptionID string) error
	// Broadcast send a fire-and-forget message on the channel of (resource, filter)
	Broadcast(
		ctxt context.Context,
		resource string,
		filter map[string]string,
		eventName string,
		payload []byte,
	) error
	// AnnouncePresence publish a participant's status on the channel of
	// (resource, filter). Last write per participant wins.
	AnnouncePresence(
		ctxt context.Context,
		resource string,
		filter map[string]string,
		participant string,
		status events.Row,
	) error
	// PresenceSnapshot the merged presence state of the channel of (resource, filter)
	PresenceSnapshot(
		ctxt context.Context, resource string, filter map[string]string,
	) (events.PresenceState, error)
	// ActiveSubscriptions list attached consumer subscriptions
	ActiveSubscriptions(ctxt context.Context) ([]SubscriptionInfo, error)
	// GetStats a point-in-time view of the registry
	GetStats(ctxt context.Context) (Stats, error)
	// State the current connection state
	State() ConnectionState
	// WatchState register a callback for connection state transitions
	WatchState(ctxt context.Context, watcher StateWatcher) error
	// ForceReconnect tear down the transport session, reset the attempt
	// counter, and re-establish all channels after a short fixed delay. The
	// only way out of the terminal disconnected state.
	ForceReconnect(ctxt context.Context) error
	// Stop cease operation and close the transport
	Stop(ctxt context.Context)
}
