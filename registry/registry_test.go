package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livesync/common"
	"github.com/alwitt/livesync/core"
	"github.com/alwitt/livesync/events"
	"github.com/stretchr/testify/assert"
)

// fakeChannel in-memory core.Channel capturing published payloads
type fakeChannel struct {
	driver    *fakeDriver
	topic     string
	published [][]byte
	announced [][]byte
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) Publish(ctxt context.Context, payload []byte) error {
	c.driver.lock.Lock()
	defer c.driver.lock.Unlock()
	c.published = append(c.published, payload)
	return nil
}

func (c *fakeChannel) Announce(ctxt context.Context, payload []byte) error {
	c.driver.lock.Lock()
	defer c.driver.lock.Unlock()
	c.announced = append(c.announced, payload)
	return nil
}

func (c *fakeChannel) Close() error {
	c.driver.lock.Lock()
	defer c.driver.lock.Unlock()
	delete(c.driver.listeners, c.topic)
	c.driver.closeCalls++
	return nil
}

// fakeDriver in-memory core.Driver for exercising the registry without a broker
type fakeDriver struct {
	lock           sync.Mutex
	listeners      map[string]core.RawMessageHandler
	channels       map[string]*fakeChannel
	beatCB         core.HeartbeatHandler
	listenCalls    int
	closeCalls     int
	reconnectCalls int
	reconnectErr   error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		listeners: make(map[string]core.RawMessageHandler),
		channels:  make(map[string]*fakeChannel),
	}
}

func (d *fakeDriver) Listen(
	ctxt context.Context,
	topic string,
	forwardCB core.RawMessageHandler,
	errorCB core.AlertOnErrorCB,
) (core.Channel, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.listeners[topic]; ok {
		return nil, fmt.Errorf("already listening on %s", topic)
	}
	d.listenCalls++
	d.listeners[topic] = forwardCB
	channel := &fakeChannel{driver: d, topic: topic}
	d.channels[topic] = channel
	return channel, nil
}

func (d *fakeDriver) StartHeartbeat(
	interval time.Duration, beatCB core.HeartbeatHandler, wg *sync.WaitGroup,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.beatCB = beatCB
	return nil
}

func (d *fakeDriver) Reconnect(ctxt context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.reconnectCalls++
	return d.reconnectErr
}

func (d *fakeDriver) Close(ctxt context.Context) {}

// deliver push one wire payload at the registry as if it arrived on topic
func (d *fakeDriver) deliver(ctxt context.Context, topic string, payload []byte) error {
	d.lock.Lock()
	forwardCB, ok := d.listeners[topic]
	d.lock.Unlock()
	if !ok {
		return fmt.Errorf("no listener on %s", topic)
	}
	return forwardCB(ctxt, topic, payload)
}

func (d *fakeDriver) setReconnectResult(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.reconnectErr = err
}

func testHealthConfig() common.HealthConfig {
	return common.HealthConfig{
		HeartbeatInterval:    15,
		HeartbeatWindow:      30,
		CheckInterval:        15,
		ReconnectInterval:    5,
		MaxReconnectAttempts: 2,
		ForceReconnectDelay:  0,
	}
}

func TestResourceKey(t *testing.T) {
	assert := assert.New(t)

	// Filter terms appear sorted by field name, so the key is order independent
	assert.Equal("claims", ResourceKey("claims", nil))
	assert.Equal(
		"claims.status=submitted", ResourceKey("claims", map[string]string{"status": "submitted"}),
	)
	assert.Equal(
		ResourceKey("claims", map[string]string{"status": "draft", "owner": "user-01"}),
		ResourceKey("claims", map[string]string{"owner": "user-01", "status": "draft"}),
	)
}

func TestRegistryChannelSharing(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := newFakeDriver()
	uut, err := GetRegistryInstance(driver, testHealthConfig(), ctxt, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())

	received1 := make(chan events.RealtimeEvent, 4)
	received2 := make(chan events.RealtimeEvent, 4)

	// Case 0: first subscription opens a channel
	id1, err := uut.Subscribe(ctxt, SubscribeRequest{
		Resource: "claims",
		Filter:   map[string]string{"status": "submitted"},
		OnEvent:  func(event events.RealtimeEvent) { received1 <- event },
	})
	assert.Nil(err)
	assert.Equal(1, driver.listenCalls)

	// Case 1: same resource and filter shares the channel
	id2, err := uut.Subscribe(ctxt, SubscribeRequest{
		Resource: "claims",
		Filter:   map[string]string{"status": "submitted"},
		OnEvent:  func(event events.RealtimeEvent) { received2 <- event },
	})
	assert.Nil(err)
	assert.Equal(1, driver.listenCalls)
	assert.NotEqual(id1, id2)

	// Case 2: a different filter opens its own channel
	id3, err := uut.Subscribe(ctxt, SubscribeRequest{
		Resource: "claims",
		Filter:   map[string]string{"status": "draft"},
	})
	assert.Nil(err)
	assert.Equal(2, driver.listenCalls)

	stats, err := uut.GetStats(ctxt)
	assert.Nil(err)
	assert.Equal(2, stats.ActiveChannels)
	assert.Equal(3, stats.ActiveSubscriptions)

	// Case 3: one event fans out to both sharing subscriptions
	payload, err := events.FormatChange(events.RealtimeEvent{
		Type:      events.ChangeInsert,
		New:       events.Row{"id": "claim-01", "status": "submitted"},
		Timestamp: time.Now().UTC(),
	})
	assert.Nil(err)
	assert.Nil(driver.deliver(ctxt, "claims.status=submitted", payload))
	for _, sink := range []chan events.RealtimeEvent{received1, received2} {
		select {
		case event := <-sink:
			assert.Equal(events.ChangeInsert, event.Type)
			assert.Equal("claims", event.Resource)
		case <-time.After(time.Second):
			assert.FailNow("event was not fanned out")
		}
	}

	// Case 4: detaching one sharer keeps the channel open
	assert.Nil(uut.Unsubscribe(ctxt, id1))
	assert.Equal(0, driver.closeCalls)

	// Case 5: detaching the last sharer closes the channel
	assert.Nil(uut.Unsubscribe(ctxt, id2))
	assert.Equal(1, driver.closeCalls)

	// Case 6: unknown subscription ID is an error
	assert.NotNil(uut.Unsubscribe(ctxt, "not-a-subscription"))

	assert.Nil(uut.Unsubscribe(ctxt, id3))
	assert.Equal(2, driver.closeCalls)
}

func TestRegistryEventDelivery(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := newFakeDriver()
	uut, err := GetRegistryInstance(driver, testHealthConfig(), ctxt, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())

	received := make(chan events.RealtimeEvent, 8)
	_, err = uut.Subscribe(ctxt, SubscribeRequest{
		Resource: "claims",
		Changes:  []events.ChangeType{events.ChangeDelete},
		OnEvent:  func(event events.RealtimeEvent) { received <- event },
	})
	assert.Nil(err)

	// Case 0: change types outside the allow list are not delivered
	insertPayload, err := events.FormatChange(events.RealtimeEvent{
		Type: events.ChangeInsert, New: events.Row{"id": "claim-01"},
	})
	assert.Nil(err)
	assert.Nil(driver.deliver(ctxt, "claims", insertPayload))

	deletePayload, err := events.FormatChange(events.RealtimeEvent{
		Type: events.ChangeDelete, Old: events.Row{"id": "claim-01"},
	})
	assert.Nil(err)
	assert.Nil(driver.deliver(ctxt, "claims", deletePayload))

	select {
	case event := <-received:
		assert.Equal(events.ChangeDelete, event.Type)
	case <-time.After(time.Second):
		assert.FailNow("event was not delivered")
	}
	assert.Empty(received)

	// Case 1: malformed payloads are dropped and counted
	assert.Nil(driver.deliver(ctxt, "claims", []byte("garbage")))
	assert.Eventually(func() bool {
		stats, err := uut.GetStats(ctxt)
		return err == nil && stats.DroppedMessages == 1
	}, time.Second, time.Millisecond*10)
}

func TestRegistryTimestampClamping(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := newFakeDriver()
	uut, err := GetRegistryInstance(driver, testHealthConfig(), ctxt, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())

	received := make(chan events.RealtimeEvent, 8)
	_, err = uut.Subscribe(ctxt, SubscribeRequest{
		Resource: "claims",
		OnEvent:  func(event events.RealtimeEvent) { received <- event },
	})
	assert.Nil(err)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{base, base.Add(-time.Minute), base.Add(time.Minute)} {
		payload, err := events.FormatChange(events.RealtimeEvent{
			Type:      events.ChangeUpdate,
			New:       events.Row{"id": "claim-01"},
			Timestamp: ts,
		})
		assert.Nil(err)
		assert.Nil(driver.deliver(ctxt, "claims", payload))
	}

	// Delivered timestamps never regress
	var seen []time.Time
	for i := 0; i < 3; i++ {
		select {
		case event := <-received:
			seen = append(seen, event.Timestamp)
		case <-time.After(time.Second):
			assert.FailNow("event was not delivered")
		}
	}
	assert.True(seen[0].Equal(base))
	assert.True(seen[1].Equal(base))
	assert.True(seen[2].Equal(base.Add(time.Minute)))
}

func TestRegistryUnsubscribeStopsDelivery(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := newFakeDriver()
	uut, err := GetRegistryInstance(driver, testHealthConfig(), ctxt, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())

	received := make(chan events.RealtimeEvent, 8)
	id, err := uut.Subscribe(ctxt, SubscribeRequest{
		Resource: "claims",
		OnEvent:  func(event events.RealtimeEvent) { received <- event },
	})
	assert.Nil(err)

	// Unsubscribe completes before these queued events are processed, so none
	// may reach the handler
	assert.Nil(uut.Unsubscribe(ctxt, id))

	payload, err := events.FormatChange(events.RealtimeEvent{
		Type: events.ChangeInsert, New: events.Row{"id": "claim-01"},
	})
	assert.Nil(err)
	// The channel is gone with the last subscription
	assert.NotNil(driver.deliver(ctxt, "claims", payload))
	assert.Empty(received)
}

func TestRegistryPresenceTracking(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := newFakeDriver()
	uut, err := GetRegistryInstance(driver, testHealthConfig(), ctxt, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())

	presenceSeen := make(chan events.PresenceDiff, 4)
	_, err = uut.Subscribe(ctxt, SubscribeRequest{
		Resource:   "claims",
		OnPresence: func(diff events.PresenceDiff) { presenceSeen <- diff },
	})
	assert.Nil(err)

	// Case 0: presence snapshot of an unknown channel fails
	_, err = uut.PresenceSnapshot(ctxt, "unknown", nil)
	assert.NotNil(err)

	// Case 1: presence diffs merge into the channel state
	joinPayload, err := events.FormatPresence(events.PresenceDiff{
		Joins: events.PresenceState{"user-01": events.Row{"viewing": "claim-01"}},
	})
	assert.Nil(err)
	assert.Nil(driver.deliver(ctxt, "claims", joinPayload))
	select {
	case diff := <-presenceSeen:
		assert.Contains(diff.Joins, "user-01")
	case <-time.After(time.Second):
		assert.FailNow("presence diff was not delivered")
	}

	snapshot, err := uut.PresenceSnapshot(ctxt, "claims", nil)
	assert.Nil(err)
	assert.Contains(snapshot, "user-01")

	// Case 2: leave removes the participant
	leavePayload, err := events.FormatPresence(events.PresenceDiff{
		Leaves: events.PresenceState{"user-01": {}},
	})
	assert.Nil(err)
	assert.Nil(driver.deliver(ctxt, "claims", leavePayload))
	<-presenceSeen

	snapshot, err = uut.PresenceSnapshot(ctxt, "claims", nil)
	assert.Nil(err)
	assert.Empty(snapshot)

	// Case 3: announcing presence publishes on the channel
	assert.Nil(uut.AnnouncePresence(
		ctxt, "claims", nil, "user-02", events.Row{"viewing": "claim-02"},
	))
	assert.Len(driver.channels["claims"].announced, 1)

	// Case 4: broadcasting publishes on the channel
	assert.Nil(uut.Broadcast(ctxt, "claims", nil, "claim-note", []byte(`{"text":"hi"}`)))
	assert.Len(driver.channels["claims"].published, 1)

	// Case 5: broadcasting without an open channel fails
	assert.NotNil(uut.Broadcast(ctxt, "unknown", nil, "claim-note", nil))
}

func TestRegistryReconnectStateMachine(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := newFakeDriver()
	instance, err := GetRegistryInstance(driver, testHealthConfig(), ctxt, &wg)
	assert.Nil(err)
	uut, ok := instance.(*registryImpl)
	assert.True(ok)
	// The event loop stays off so the handlers run synchronously here
	defer func() {
		assert.Nil(uut.checkTimer.Stop())
		assert.Nil(uut.reconnectTimer.Stop())
		assert.Nil(uut.delayTimer.Stop())
	}()

	var observedStates []ConnectionState
	uut.watchers = append(uut.watchers, func(state ConnectionState) {
		observedStates = append(observedStates, state)
	})

	// Case 0: starts connected
	assert.Equal(Connected, uut.State())

	// Case 1: transport error leaves connected without reconnecting yet
	assert.Nil(uut.processTransportError(regTransportError{err: fmt.Errorf("broken pipe")}))
	assert.Equal(Disconnected, uut.State())

	// Case 2: heartbeat silence starts reconnecting
	uut.lastHeartbeat = time.Now().Add(-time.Minute)
	assert.Nil(uut.processHeartbeatCheck(regHeartbeatCheck{at: time.Now()}))
	assert.Equal(Reconnecting, uut.State())

	// Case 3: failed attempts below the budget stay reconnecting
	driver.setReconnectResult(fmt.Errorf("still down"))
	assert.Nil(uut.processReconnectAttempt(regReconnectAttempt{}))
	assert.Equal(Reconnecting, uut.State())
	assert.Equal(1, uut.reconnectAttempts)

	// Case 4: exhausting the budget latches disconnected
	assert.Nil(uut.processReconnectAttempt(regReconnectAttempt{}))
	assert.Equal(Disconnected, uut.State())
	assert.True(uut.terminal)

	// Case 5: further attempts are ignored while latched
	assert.Nil(uut.processReconnectAttempt(regReconnectAttempt{}))
	assert.Equal(2, uut.reconnectAttempts)

	// Case 6: heartbeat checks are ignored while latched
	assert.Nil(uut.processHeartbeatCheck(regHeartbeatCheck{at: time.Now()}))
	assert.Equal(Disconnected, uut.State())

	// Case 7: forced reconnect clears the latch
	forced := make(chan error, 1)
	assert.Nil(uut.processForceReconnectRequest(regForceReconnectReq{
		resultCB: func(err error) { forced <- err },
	}))
	assert.Nil(<-forced)
	assert.False(uut.terminal)
	assert.Equal(0, uut.reconnectAttempts)
	assert.Equal(Reconnecting, uut.State())

	// Case 8: a successful attempt restores connected and resets the counter
	driver.setReconnectResult(nil)
	assert.Nil(uut.processReconnectAttempt(regReconnectAttempt{}))
	assert.Equal(Connected, uut.State())
	assert.Equal(0, uut.reconnectAttempts)

	assert.Equal([]ConnectionState{
		Disconnected, Reconnecting, Disconnected, Reconnecting, Connected,
	}, observedStates)

	// Case 9: heartbeats within the window do not trigger reconnection
	assert.Nil(uut.processHeartbeat(regHeartbeat{at: time.Now()}))
	assert.Nil(uut.processHeartbeatCheck(regHeartbeatCheck{at: time.Now()}))
	assert.Equal(Connected, uut.State())
}
