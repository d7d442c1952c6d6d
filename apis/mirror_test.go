package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livesync/cache"
	"github.com/alwitt/livesync/common"
	"github.com/alwitt/livesync/core"
	"github.com/alwitt/livesync/events"
	"github.com/alwitt/livesync/mirror"
	"github.com/alwitt/livesync/registry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

// loopbackChannel test core.Channel which feeds published payloads back to the
// topic listener
type loopbackChannel struct {
	driver *loopbackDriver
	topic  string
}

func (c *loopbackChannel) Topic() string { return c.topic }

func (c *loopbackChannel) Publish(ctxt context.Context, payload []byte) error {
	return c.driver.deliver(ctxt, c.topic, payload)
}

func (c *loopbackChannel) Announce(ctxt context.Context, payload []byte) error {
	return c.driver.deliver(ctxt, c.topic, payload)
}

func (c *loopbackChannel) Close() error {
	c.driver.lock.Lock()
	defer c.driver.lock.Unlock()
	delete(c.driver.listeners, c.topic)
	return nil
}

// loopbackDriver test core.Driver where every channel echos its own publishes
type loopbackDriver struct {
	lock      sync.Mutex
	listeners map[string]core.RawMessageHandler
}

func newLoopbackDriver() *loopbackDriver {
	return &loopbackDriver{listeners: make(map[string]core.RawMessageHandler)}
}

func (d *loopbackDriver) Listen(
	ctxt context.Context,
	topic string,
	forwardCB core.RawMessageHandler,
	errorCB core.AlertOnErrorCB,
) (core.Channel, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.listeners[topic] = forwardCB
	return &loopbackChannel{driver: d, topic: topic}, nil
}

func (d *loopbackDriver) StartHeartbeat(
	interval time.Duration, beatCB core.HeartbeatHandler, wg *sync.WaitGroup,
) error {
	return nil
}

func (d *loopbackDriver) Reconnect(ctxt context.Context) error { return nil }

func (d *loopbackDriver) Close(ctxt context.Context) {}

func (d *loopbackDriver) deliver(ctxt context.Context, topic string, payload []byte) error {
	d.lock.Lock()
	forwardCB, ok := d.listeners[topic]
	d.lock.Unlock()
	if !ok {
		return fmt.Errorf("no listener on %s", topic)
	}
	return forwardCB(ctxt, topic, payload)
}

func defineTestMirrorHandler(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) (APIRestMirrorHandler, *loopbackDriver) {
	assert := assert.New(t)

	driver := newLoopbackDriver()
	healthCfg := common.HealthConfig{
		HeartbeatInterval:    15,
		HeartbeatWindow:      30,
		CheckInterval:        15,
		ReconnectInterval:    5,
		MaxReconnectAttempts: 12,
	}
	syncRegistry, err := registry.GetRegistryInstance(driver, healthCfg, ctxt, wg)
	assert.Nil(err)
	assert.Nil(syncRegistry.Start())

	store, err := cache.GetInMemoryStore("testing")
	assert.Nil(err)

	resourceMirror, err := mirror.GetMirrorInstance(
		syncRegistry,
		store,
		[]common.MirroredResource{{Name: "claims", SortKey: "id"}},
		common.CacheConfig{DefaultTTL: 60, SweepInterval: 300},
		ctxt,
		wg,
	)
	assert.Nil(err)
	assert.Nil(resourceMirror.Start(ctxt))

	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Livesync-Request-ID"},
	}
	uut, err := GetAPIRestMirrorHandler(resourceMirror, syncRegistry, &httpConfig)
	assert.Nil(err)
	return uut, driver
}

func TestMirrorAPILiveness(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _ := defineTestMirrorHandler(t, utCtxt, &wg)

	// Case 0: alive
	{
		req, err := http.NewRequest("GET", "/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.Alive(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 1: ready while connected
	{
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.Ready(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
}

func TestMirrorAPISnapshotQueries(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, driver := defineTestMirrorHandler(t, utCtxt, &wg)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/mirror", map[string]http.HandlerFunc{
		"get": uut.ListResourcesHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/mirror/{resourceName}", map[string]http.HandlerFunc{
		"get": uut.GetSnapshotHandler(),
	})

	// Case 0: list the mirrored resources
	{
		req, err := http.NewRequest("GET", "/v1/mirror", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespMirroredResources
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal([]string{"claims"}, resp.Resources)
	}

	// Case 1: snapshot of an unknown resource is a 404
	{
		req, err := http.NewRequest("GET", "/v1/mirror/unknown", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusNotFound, respRecorder.Code)
	}

	// Case 2: snapshot reflects delivered change events
	{
		payload, err := events.FormatChange(events.RealtimeEvent{
			Type: events.ChangeInsert,
			New:  events.Row{"id": "claim-01", "status": "draft"},
		})
		assert.Nil(err)
		assert.Nil(driver.deliver(utCtxt, "claims", payload))

		assert.Eventually(func() bool {
			req, err := http.NewRequest("GET", "/v1/mirror/claims", nil)
			assert.Nil(err)
			respRecorder := httptest.NewRecorder()
			router.ServeHTTP(respRecorder, req)
			if respRecorder.Code != http.StatusOK {
				return false
			}
			var resp APIRestRespResourceSnapshot
			assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
			return len(resp.Rows) == 1
		}, time.Second, time.Millisecond*10)
	}
}

func TestMirrorAPISessionAndBroadcast(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _ := defineTestMirrorHandler(t, utCtxt, &wg)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/session", map[string]http.HandlerFunc{
		"get": uut.GetSessionHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/subscription", map[string]http.HandlerFunc{
		"get": uut.GetSubscriptionsHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/broadcast/{resourceName}", map[string]http.HandlerFunc{
		"post": uut.BroadcastHandler(),
	})

	// Case 0: session stats show the mirror subscription
	{
		req, err := http.NewRequest("GET", "/v1/session", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespSessionStats
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal(string(registry.Connected), resp.State)
		assert.Equal(1, resp.ActiveSubscriptions)
	}

	// Case 1: subscription listing names the mirrored resource
	{
		req, err := http.NewRequest("GET", "/v1/subscription", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespSubscriptions
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Len(resp.Subscriptions, 1)
		assert.Equal("claims", resp.Subscriptions[0].Resource)
	}

	// Case 2: broadcast on the mirrored channel succeeds
	{
		body, err := json.Marshal(APIRestReqBroadcast{
			Event: "claim-note", Payload: json.RawMessage(`{"text":"hi"}`),
		})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/broadcast/claims", bytes.NewBuffer(body))
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 3: broadcast without an event name is rejected
	{
		req, err := http.NewRequest(
			"POST", "/v1/broadcast/claims", bytes.NewBufferString(`{"payload":{}}`),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 4: broadcast on an unknown channel is a 404
	{
		body, err := json.Marshal(APIRestReqBroadcast{Event: "claim-note"})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/broadcast/unknown", bytes.NewBuffer(body))
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusNotFound, respRecorder.Code)
	}
}
