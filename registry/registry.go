package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/livesync/common"
	"github.com/alwitt/livesync/core"
	"github.com/alwitt/livesync/events"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// subscriptionListener one consumer attached to a channel entry
type subscriptionListener struct {
	id            string
	request       SubscribeRequest
	allowed       map[events.ChangeType]bool
	live          bool
	establishedAt time.Time
}

// wants whether this listener accepts a change type
func (l *subscriptionListener) wants(changeType events.ChangeType) bool {
	if l.allowed == nil {
		return true
	}
	return l.allowed[changeType]
}

// channelEntry one transport channel and the listeners multiplexed onto it
type channelEntry struct {
	key         string
	resource    string
	channel     core.Channel
	listeners   map[string]*subscriptionListener
	presence    events.PresenceState
	lastEventTS time.Time
}

// registryImpl implements Registry.
//
// All bookkeeping state is owned by a single task processor event loop, so the
// mutation path needs no locks; everything an external caller does is a task
// param submitted into that loop.
type registryImpl struct {
	common.Component
	driver     core.Driver
	normalizer events.Normalizer
	tp         common.TaskProcessor
	healthCfg  common.HealthConfig
	validate   *validator.Validate
	wg         *sync.WaitGroup
	rootCtxt   context.Context

	channels      map[string]*channelEntry
	subscriptions map[string]*channelEntry
	watchers      []StateWatcher

	state             ConnectionState
	stateView         atomic.Value
	terminal          bool
	lastHeartbeat     time.Time
	reconnectAttempts int
	droppedMessages   int64

	checkTimer     common.IntervalTimer
	reconnectTimer common.IntervalTimer
	delayTimer     common.IntervalTimer
}

// GetRegistryInstance define a new subscription registry around a transport driver
func GetRegistryInstance(
	driver core.Driver,
	healthCfg common.HealthConfig,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Registry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "subscription-registry",
	}
	tp, err := common.GetNewTaskProcessorInstance("registry", 128, rootCtxt)
	if err != nil {
		return nil, err
	}
	normalizer, err := events.GetNormalizerInstance("registry")
	if err != nil {
		return nil, err
	}
	checkTimer, err := common.GetIntervalTimerInstance("heartbeat-check", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	reconnectTimer, err := common.GetIntervalTimerInstance("reconnect", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	delayTimer, err := common.GetIntervalTimerInstance("reconnect-delay", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	instance := registryImpl{
		Component:      common.Component{LogTags: logTags},
		driver:         driver,
		normalizer:     normalizer,
		tp:             tp,
		healthCfg:      healthCfg,
		validate:       validator.New(),
		wg:             wg,
		rootCtxt:       rootCtxt,
		channels:       make(map[string]*channelEntry),
		subscriptions:  make(map[string]*channelEntry),
		watchers:       []StateWatcher{},
		state:          Connected,
		lastHeartbeat:  time.Now(),
		checkTimer:     checkTimer,
		reconnectTimer: reconnectTimer,
		delayTimer:     delayTimer,
	}
	instance.stateView.Store(Connected)

	// Add handlers
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(regSubscribeReq{}):       instance.processSubscribeRequest,
		reflect.TypeOf(regUnsubscribeReq{}):     instance.processUnsubscribeRequest,
		reflect.TypeOf(regInboundMsg{}):         instance.processInboundMsg,
		reflect.TypeOf(regTransportError{}):     instance.processTransportError,
		reflect.TypeOf(regChannelQuery{}):       instance.processChannelQuery,
		reflect.TypeOf(regPresenceQuery{}):      instance.processPresenceQuery,
		reflect.TypeOf(regSubscriptionsQuery{}): instance.processSubscriptionsQuery,
		reflect.TypeOf(regStatsQuery{}):         instance.processStatsQuery,
		reflect.TypeOf(regWatchStateReq{}):      instance.processWatchStateRequest,
		reflect.TypeOf(regHeartbeat{}):          instance.processHeartbeat,
		reflect.TypeOf(regHeartbeatCheck{}):     instance.processHeartbeatCheck,
		reflect.TypeOf(regReconnectAttempt{}):   instance.processReconnectAttempt,
		reflect.TypeOf(regForceReconnectReq{}):  instance.processForceReconnectRequest,
	}
	if err := tp.SetTaskExecutionMap(handlers); err != nil {
		return nil, err
	}
	return &instance, nil
}

// Start begin operation
func (r *registryImpl) Start() error {
	if err := r.tp.StartEventLoop(r.wg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to start event loop")
		return err
	}
	heartbeatInterval := time.Second * time.Duration(r.healthCfg.HeartbeatInterval)
	if err := r.driver.StartHeartbeat(heartbeatInterval, func(at time.Time) {
		_ = r.tp.Submit(regHeartbeat{at: at}, r.rootCtxt)
	}, r.wg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to start transport heartbeat")
		return err
	}
	checkInterval := time.Second * time.Duration(r.healthCfg.CheckInterval)
	return r.checkTimer.Start(checkInterval, func() error {
		return r.tp.Submit(regHeartbeatCheck{at: time.Now()}, r.rootCtxt)
	}, false)
}

// Stop cease operation and close the transport
func (r *registryImpl) Stop(ctxt context.Context) {
	_ = r.checkTimer.Stop()
	_ = r.reconnectTimer.Stop()
	_ = r.delayTimer.Stop()
	r.driver.Close(ctxt)
	log.WithFields(r.LogTags).Info("Registry stopped")
}

// setState record a connection state transition and notify watchers
func (r *registryImpl) setState(newState ConnectionState) {
	if r.state == newState {
		return
	}
	log.WithFields(r.LogTags).Infof("Connection state %s ==> %s", r.state, newState)
	r.state = newState
	r.stateView.Store(newState)
	for _, watcher := range r.watchers {
		watcher(newState)
	}
}

// State the current connection state
func (r *registryImpl) State() ConnectionState {
	return r.stateView.Load().(ConnectionState)
}

// ----------------------------------------------------------------------------------------

type regWatchStateReq struct {
	watcher  StateWatcher
	resultCB func()
}

// WatchState register a callback for connection state transitions
func (r *registryImpl) WatchState(ctxt context.Context, watcher StateWatcher) error {
	complete := make(chan bool, 1)
	request := regWatchStateReq{
		watcher:  watcher,
		resultCB: func() { complete <- true },
	}
	if err := r.tp.Submit(request, ctxt); err != nil {
		return err
	}
	select {
	case <-complete:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (r *registryImpl) processWatchStateRequest(param interface{}) error {
	request, ok := param.(regWatchStateReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for watch state", reflect.TypeOf(param),
		)
	}
	r.watchers = append(r.watchers, request.watcher)
	request.resultCB()
	return nil
}

// ----------------------------------------------------------------------------------------

type regSubscribeReq struct {
	request  SubscribeRequest
	resultCB func(id string, err error)
}

// Subscribe attach a consumer
func (r *registryImpl) Subscribe(
	ctxt context.Context, request SubscribeRequest,
) (string, error) {
	if err := r.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Invalid subscribe request")
		return "", err
	}
	complete := make(chan bool, 1)
	var subscriptionID string
	var processError error
	task := regSubscribeReq{
		request: request,
		resultCB: func(id string, err error) {
			subscriptionID = id
			processError = err
			complete <- true
		},
	}
	if err := r.tp.Submit(task, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit subscribe request")
		return "", err
	}
	select {
	case <-complete:
		return subscriptionID, processError
	case <-ctxt.Done():
		return "", ctxt.Err()
	}
}

func (r *registryImpl) processSubscribeRequest(param interface{}) error {
	request, ok := param.(regSubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscribe", reflect.TypeOf(param),
		)
	}
	id, err := r.handleSubscribe(request.request)
	request.resultCB(id, err)
	return err
}

// handleSubscribe core subscribe processing. Opens a new transport channel for
// the resource key, or multiplexes onto the existing one.
func (r *registryImpl) handleSubscribe(request SubscribeRequest) (string, error) {
	key := ResourceKey(request.Resource, request.Filter)

	entry, ok := r.channels[key]
	if !ok {
		channel, err := r.driver.Listen(
			r.rootCtxt,
			key,
			func(ctxt context.Context, topic string, payload []byte) error {
				return r.tp.Submit(regInboundMsg{topic: topic, payload: payload}, ctxt)
			},
			func(err error) {
				_ = r.tp.Submit(regTransportError{err: err}, r.rootCtxt)
			},
		)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to open channel for %s", key)
			return "", common.NewSubscriptionError(key, "listen", err)
		}
		entry = &channelEntry{
			key:       key,
			resource:  request.Resource,
			channel:   channel,
			listeners: make(map[string]*subscriptionListener),
			presence:  events.PresenceState{},
		}
		r.channels[key] = entry
		log.WithFields(r.LogTags).Infof("Opened channel %s", key)
	}

	var allowed map[events.ChangeType]bool
	if len(request.Changes) > 0 {
		allowed = make(map[events.ChangeType]bool, len(request.Changes))
		for _, changeType := range request.Changes {
			allowed[changeType] = true
		}
	}
	listener := &subscriptionListener{
		id:            uuid.New().String(),
		request:       request,
		allowed:       allowed,
		live:          true,
		establishedAt: time.Now(),
	}
	entry.listeners[listener.id] = listener
	r.subscriptions[listener.id] = entry
	log.WithFields(r.LogTags).Infof(
		"Subscription %s attached to %s (%d consumers)", listener.id, key, len(entry.listeners),
	)
	return listener.id, nil
}

// ----------------------------------------------------------------------------------------

type regUnsubscribeReq struct {
	subscriptionID string
	resultCB       func(err error)
}

// Unsubscribe detach a consumer
func (r *registryImpl) Unsubscribe(ctxt context.Context, subscriptionID string) error {
	complete := make(chan bool, 1)
	var processError error
	task := regUnsubscribeReq{
		subscriptionID: subscriptionID,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := r.tp.Submit(task, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit unsubscribe request")
		return err
	}
	select {
	case <-complete:
		return processError
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (r *registryImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(regUnsubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unsubscribe", reflect.TypeOf(param),
		)
	}
	err := r.handleUnsubscribe(request.subscriptionID)
	request.resultCB(err)
	return err
}

// handleUnsubscribe core unsubscribe processing. The listener is dead as soon
// as this runs; inbound messages already queued behind this task no longer
// reach it. The channel closes when its last consumer detaches.
func (r *registryImpl) handleUnsubscribe(subscriptionID string) error {
	entry, ok := r.subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("unknown subscription %s", subscriptionID)
	}
	listener := entry.listeners[subscriptionID]
	if listener != nil {
		listener.live = false
	}
	delete(entry.listeners, subscriptionID)
	delete(r.subscriptions, subscriptionID)
	log.WithFields(r.LogTags).Infof(
		"Subscription %s detached from %s (%d consumers left)",
		subscriptionID,
		entry.key,
		len(entry.listeners),
	)
	if len(entry.listeners) == 0 {
		delete(r.channels, entry.key)
		if err := entry.channel.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to close channel %s", entry.key)
			return common.NewSubscriptionError(entry.key, "close", err)
		}
		log.WithFields(r.LogTags).Infof("Closed channel %s", entry.key)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type regInboundMsg struct {
	topic   string
	payload []byte
}

func (r *registryImpl) processInboundMsg(param interface{}) error {
	message, ok := param.(regInboundMsg)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for inbound message", reflect.TypeOf(param),
		)
	}
	r.handleInboundMsg(message.topic, message.payload)
	return nil
}

// handleInboundMsg normalize one wire payload and fan it out to the live
// listeners of its channel. Malformed payloads are dropped with a logged
// warning, never surfaced to consumer code.
func (r *registryImpl) handleInboundMsg(topic string, payload []byte) {
	entry, ok := r.channels[topic]
	if !ok {
		log.WithFields(r.LogTags).Debugf("Dropping message for unknown channel %s", topic)
		return
	}
	normalized, err := r.normalizer.Normalize(payload)
	if err != nil {
		r.droppedMessages++
		log.WithError(err).WithFields(r.LogTags).Warnf("Dropping malformed message on %s", topic)
		return
	}
	switch message := normalized.(type) {
	case events.RealtimeEvent:
		message.Resource = entry.resource
		// Delivered timestamps never regress within one channel
		if message.Timestamp.Before(entry.lastEventTS) {
			message.Timestamp = entry.lastEventTS
		} else {
			entry.lastEventTS = message.Timestamp
		}
		for _, listener := range entry.listeners {
			if listener.live && listener.wants(message.Type) && listener.request.OnEvent != nil {
				listener.request.OnEvent(message)
			}
		}
	case events.PresenceDiff:
		entry.presence.Merge(message)
		for _, listener := range entry.listeners {
			if listener.live && listener.request.OnPresence != nil {
				listener.request.OnPresence(message)
			}
		}
	case events.BroadcastMessage:
		message.Topic = topic
		for _, listener := range entry.listeners {
			if listener.live && listener.request.OnBroadcast != nil {
				listener.request.OnBroadcast(message)
			}
		}
	default:
		r.droppedMessages++
		log.WithFields(r.LogTags).Warnf(
			"Dropping message of unexpected type %s on %s", reflect.TypeOf(normalized), topic,
		)
	}
}

// ----------------------------------------------------------------------------------------

type regChannelQuery struct {
	key      string
	resultCB func(channel core.Channel, err error)
}

// lookupChannel blocking fetch of the transport channel behind a resource key.
// The actual publish happens on the caller's goroutine to keep network waits
// out of the event loop.
func (r *registryImpl) lookupChannel(
	ctxt context.Context, resource string, filter map[string]string,
) (core.Channel, error) {
	key := ResourceKey(resource, filter)
	complete := make(chan bool, 1)
	var channel core.Channel
	var processError error
	task := regChannelQuery{
		key: key,
		resultCB: func(result core.Channel, err error) {
			channel = result
			processError = err
			complete <- true
		},
	}
	if err := r.tp.Submit(task, ctxt); err != nil {
		return nil, err
	}
	select {
	case <-complete:
		return channel, processError
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (r *registryImpl) processChannelQuery(param interface{}) error {
	request, ok := param.(regChannelQuery)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for channel query", reflect.TypeOf(param),
		)
	}
	entry, found := r.channels[request.key]
	if !found {
		err := fmt.Errorf("no active channel for %s", request.key)
		request.resultCB(nil, err)
		return err
	}
	request.resultCB(entry.channel, nil)
	return nil
}

// Broadcast send a fire-and-forget message on the channel of (resource, filter)
func (r *registryImpl) Broadcast(
	ctxt context.Context,
	resource string,
	filter map[string]string,
	eventName string,
	payload []byte,
) error {
	channel, err := r.lookupChannel(ctxt, resource, filter)
	if err != nil {
		return err
	}
	wire, err := events.FormatBroadcast(events.BroadcastMessage{
		Event:     eventName,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return channel.Publish(ctxt, wire)
}

// AnnouncePresence publish a participant's status on the channel of (resource, filter)
func (r *registryImpl) AnnouncePresence(
	ctxt context.Context,
	resource string,
	filter map[string]string,
	participant string,
	status events.Row,
) error {
	channel, err := r.lookupChannel(ctxt, resource, filter)
	if err != nil {
		return err
	}
	wire, err := events.FormatPresence(events.PresenceDiff{
		Joins: events.PresenceState{participant: status},
	})
	if err != nil {
		return err
	}
	return channel.Announce(ctxt, wire)
}

// ----------------------------------------------------------------------------------------

type regPresenceQuery struct {
	key      string
	resultCB func(state events.PresenceState, err error)
}

// PresenceSnapshot the merged presence state of the channel of (resource, filter)
func (r *registryImpl) PresenceSnapshot(
	ctxt context.Context, resource string, filter map[string]string,
) (events.PresenceState, error) {
	key := ResourceKey(resource, filter)
	complete := make(chan bool, 1)
	var snapshot events.PresenceState
	var processError error
	task := regPresenceQuery{
		key: key,
		resultCB: func(state events.PresenceState, err error) {
			snapshot = state
			processError = err
			complete <- true
		},
	}
	if err := r.tp.Submit(task, ctxt); err != nil {
		return nil, err
	}
	select {
	case <-complete:
		return snapshot, processError
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (r *registryImpl) processPresenceQuery(param interface{}) error {
	request, ok := param.(regPresenceQuery)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for presence query", reflect.TypeOf(param),
		)
	}
	entry, found := r.channels[request.key]
	if !found {
		err := fmt.Errorf("no active channel for %s", request.key)
		request.resultCB(nil, err)
		return err
	}
	request.resultCB(entry.presence.Clone(), nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type regSubscriptionsQuery struct {
	resultCB func(subscriptions []SubscriptionInfo)
}

// ActiveSubscriptions list attached consumer subscriptions
func (r *registryImpl) ActiveSubscriptions(ctxt context.Context) ([]SubscriptionInfo, error) {
	complete := make(chan bool, 1)
	var subscriptions []SubscriptionInfo
	task := regSubscriptionsQuery{
		resultCB: func(result []SubscriptionInfo) {
			subscriptions = result
			complete <- true
		},
	}
	if err := r.tp.Submit(task, ctxt); err != nil {
		return nil, err
	}
	select {
	case <-complete:
		return subscriptions, nil
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (r *registryImpl) processSubscriptionsQuery(param interface{}) error {
	request, ok := param.(regSubscriptionsQuery)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscriptions query", reflect.TypeOf(param),
		)
	}
	result := []SubscriptionInfo{}
	for _, entry := range r.channels {
		for _, listener := range entry.listeners {
			result = append(result, SubscriptionInfo{
				ID:            listener.id,
				Resource:      entry.resource,
				Topic:         entry.key,
				EstablishedAt: listener.establishedAt,
			})
		}
	}
	request.resultCB(result)
	return nil
}

// ----------------------------------------------------------------------------------------

type regStatsQuery struct {
	resultCB func(stats Stats)
}

// GetStats a point-in-time view of the registry
func (r *registryImpl) GetStats(ctxt context.Context) (Stats, error) {
	complete := make(chan bool, 1)
	var stats Stats
	task := regStatsQuery{
		resultCB: func(result Stats) {
			stats = result
			complete <- true
		},
	}
	if err := r.tp.Submit(task, ctxt); err != nil {
		return Stats{}, err
	}
	select {
	case <-complete:
		return stats, nil
	case <-ctxt.Done():
		return Stats{}, ctxt.Err()
	}
}

func (r *registryImpl) processStatsQuery(param interface{}) error {
	request, ok := param.(regStatsQuery)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for stats query", reflect.TypeOf(param),
		)
	}
	request.resultCB(Stats{
		State:               r.state,
		ReconnectAttempts:   r.reconnectAttempts,
		ActiveChannels:      len(r.channels),
		ActiveSubscriptions: len(r.subscriptions),
		DroppedMessages:     r.droppedMessages,
		LastHeartbeat:       r.lastHeartbeat,
	})
	return nil
}
