package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/livesync/common"
	"github.com/alwitt/livesync/events"
	"github.com/alwitt/livesync/registry"
	"github.com/apex/log"
	"github.com/urfave/cli/v2"
)

// WatchCLIArgs arguments for the watch command
type WatchCLIArgs struct {
	Resource string `validate:"required"`
	Filters  cli.StringSlice
}

// GetWatchCLIFlags retreive the set of CMD flags for the watch command
func GetWatchCLIFlags(args *WatchCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "resource",
			Usage:       "Resource to watch",
			Aliases:     []string{"r"},
			EnvVars:     []string{"WATCH_RESOURCE"},
			Destination: &args.Resource,
			Required:    true,
		},
		&cli.StringSliceFlag{
			Name:        "filter",
			Usage:       "Row filter term as 'field=value'. Repeatable",
			Aliases:     []string{"f"},
			EnvVars:     []string{"WATCH_FILTERS"},
			Destination: &args.Filters,
			Required:    false,
		},
	}
}

// parseFilterTerms convert 'field=value' CLI terms into a filter map
func parseFilterTerms(terms []string) (map[string]string, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	filter := make(map[string]string, len(terms))
	for _, term := range terms {
		parts := strings.SplitN(term, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid filter term '%s'", term)
		}
		filter[parts[0]] = parts[1]
	}
	return filter, nil
}

// RunResourceWatch subscribe to one resource and log its events until shutdown
func RunResourceWatch(
	runtimeContext context.Context,
	config *common.SystemConfig,
	params WatchCLIArgs,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	filter, err := parseFilterTerms(params.Filters.Value())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid filter terms")
		return err
	}

	driver, err := BuildTransportDriver(config.Transport, runtimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define transport driver")
		return err
	}

	syncRegistry, err := registry.GetRegistryInstance(
		driver, config.Health, runtimeContext, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}
	if err := syncRegistry.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start subscription registry")
		return err
	}

	subscriptionID, err := syncRegistry.Subscribe(runtimeContext, registry.SubscribeRequest{
		Resource: params.Resource,
		Filter:   filter,
		OnEvent: func(event events.RealtimeEvent) {
			log.WithFields(logTags).Infof(
				"[%s] %s %v", event.Resource, event.Type, event.New,
			)
		},
		OnPresence: func(diff events.PresenceDiff) {
			log.WithFields(logTags).Infof(
				"Presence change: %d joined, %d left", len(diff.Joins), len(diff.Leaves),
			)
		},
		OnBroadcast: func(message events.BroadcastMessage) {
			log.WithFields(logTags).Infof(
				"Broadcast '%s': %s", message.Event, message.Payload,
			)
		},
		OnError: func(err error) {
			log.WithError(err).WithFields(logTags).Error("Feed error")
		},
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to watch resource %s", params.Resource,
		)
		return err
	}
	log.WithFields(logTags).Infof("Watching resource %s", params.Resource)

	<-runtimeContext.Done()

	if err := syncRegistry.Unsubscribe(context.Background(), subscriptionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to detach watch subscription")
	}
	syncRegistry.Stop(context.Background())
	return nil
}
