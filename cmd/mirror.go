package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/livesync/apis"
	"github.com/alwitt/livesync/cache"
	"github.com/alwitt/livesync/common"
	"github.com/alwitt/livesync/core"
	"github.com/alwitt/livesync/mirror"
	"github.com/alwitt/livesync/registry"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// BuildTransportDriver define the realtime transport driver selected by config
func BuildTransportDriver(
	config common.TransportConfig, rootCtxt context.Context, wg *sync.WaitGroup,
) (core.Driver, error) {
	switch config.Driver {
	case "nats":
		return core.GetNATSDriver(core.NATSConnectParams{
			ServerURI:      config.NATS.ServerURI,
			ConnectTimeout: time.Second * time.Duration(config.NATS.ConnectTimeout),
		}, rootCtxt)
	case "websocket":
		return core.GetWebsocketDriver(core.WebsocketConnectParams{
			EndpointURL:      config.Websocket.EndpointURL,
			HandshakeTimeout: time.Second * time.Duration(config.Websocket.HandshakeTimeout),
		}, rootCtxt, wg)
	default:
		return nil, fmt.Errorf("unknown transport driver '%s'", config.Driver)
	}
}

// RunMirrorServer run the resource mirror server
func RunMirrorServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "mirror",
		"instance":  instance,
	}
	if config.Mirror == nil {
		return fmt.Errorf("mirror server can't start without its configurations")
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

	store, err := cache.GetInMemoryStore(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define snapshot cache")
		return err
	}

	resourceMirror, err := mirror.GetMirrorInstance(
		syncRegistry, store, config.Mirror.Resources, config.Cache, runtimeContext, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define resource mirror")
		return err
	}
	if err := resourceMirror.Start(runtimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start resource mirror")
		return err
	}

	httpHandler, err := apis.GetAPIRestMirrorHandler(
		resourceMirror, syncRegistry, &config.Mirror.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		router, config.Mirror.Endpoints.PathPrefix, nil,
	)

	// Mirror routes
	mirrorAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/mirror", map[string]http.HandlerFunc{
			"get": httpHandler.ListResourcesHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mirrorAPIRouter, "/{resourceName}", map[string]http.HandlerFunc{
			"get": httpHandler.GetSnapshotHandler(),
		},
	)

	// Session routes
	sessionAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/session", map[string]http.HandlerFunc{
			"get": httpHandler.GetSessionHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		sessionAPIRouter, "/reconnect", map[string]http.HandlerFunc{
			"post": httpHandler.ForceReconnectHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/subscription", map[string]http.HandlerFunc{
			"get": httpHandler.GetSubscriptionsHandler(),
		},
	)

	// Presence and broadcast routes
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/presence/{resourceName}", map[string]http.HandlerFunc{
			"get": httpHandler.GetPresenceHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/broadcast/{resourceName}", map[string]http.HandlerFunc{
			"post": httpHandler.BroadcastHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := config.Mirror.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started mirror server on http://%s", serverListen)

	// -------------------------------------------------------------------

	<-runtimeContext.Done()

	resourceMirror.Stop(context.Background())
	syncRegistry.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during HTTP server shutdown")
		return err
	}

	return nil
}
