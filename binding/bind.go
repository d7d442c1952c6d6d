package binding

import (
	"context"

	"github.com/alwitt/livesync/events"
	"github.com/alwitt/livesync/registry"
	"github.com/apex/log"
)

// BindParams parameters tying a collection to a remote resource
type BindParams struct {
	// Resource name of the remote resource to mirror
	Resource string
	// Filter optional row filter terms
	Filter map[string]string
	// Changes optional change type allow list. Empty means all
	Changes []events.ChangeType
	// OnError optional consumer error handler
	OnError registry.ErrorHandler
}

// Bind subscribe a collection to a remote resource so change events flow into
// it. Returns the subscription ID for a later registry Unsubscribe call.
func Bind[T any](
	ctxt context.Context,
	reg registry.Registry,
	params BindParams,
	collection Collection[T],
) (string, error) {
	logTags := log.Fields{
		"module": "binding", "component": "bind", "resource": params.Resource,
	}
	return reg.Subscribe(ctxt, registry.SubscribeRequest{
		Resource: params.Resource,
		Filter:   params.Filter,
		Changes:  params.Changes,
		OnEvent: func(event events.RealtimeEvent) {
			if err := collection.Apply(event); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Unable to apply %s event", event.Type,
				)
			}
		},
		OnError: params.OnError,
	})
}
