package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livesync/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// wsControlAckTimeout max wait for the server to acknowledge a control frame.
// Control operations resolve to an error after this instead of blocking.
const wsControlAckTimeout = time.Second * 5

// WebsocketConnectParams websocket connection parameters
type WebsocketConnectParams struct {
	// EndpointURL the websocket endpoint to dial
	EndpointURL string `validate:"required,url"`
	// HandshakeTimeout max duration of the websocket handshake
	HandshakeTimeout time.Duration
}

// wsFrame one frame of the websocket channel protocol
type wsFrame struct {
	// Topic the channel topic the frame belongs to. Control frames use "system".
	Topic string `json:"topic"`
	// Event the frame type: join, leave, data, broadcast, presence, heartbeat, reply
	Event string `json:"event"`
	// Ref correlates a control frame with its reply
	Ref *uint64 `json:"ref,omitempty"`
	// Payload the frame body
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsReplyBody body of a reply frame
type wsReplyBody struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// wsListener bookkeeping for one joined topic
type wsListener struct {
	topic     string
	forwardCB RawMessageHandler
	errorCB   AlertOnErrorCB
}

// wsDriver implements Driver over a websocket channel protocol: clients join
// named topics, data frames carry wire envelopes, heartbeats keep the session
// alive.
type wsDriver struct {
	common.Component
	lock           *sync.Mutex
	params         WebsocketConnectParams
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	sendQueue      chan wsFrame
	listeners      map[string]*wsListener
	pendingAcks    map[uint64]chan error
	nextRef        uint64
	beatCB         HeartbeatHandler
	heartbeatTimer common.IntervalTimer
	rootContext    context.Context
	wg             *sync.WaitGroup
}

// GetWebsocketDriver define a new websocket transport driver
func GetWebsocketDriver(
	params WebsocketConnectParams, rootCtxt context.Context, wg *sync.WaitGroup,
) (Driver, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "websocket-driver",
		"instance":  params.EndpointURL,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid websocket connect params")
		return nil, err
	}
	driver := &wsDriver{
		Component:   common.Component{LogTags: logTags},
		lock:        &sync.Mutex{},
		params:      params,
		sendQueue:   make(chan wsFrame, 64),
		listeners:   make(map[string]*wsListener),
		pendingAcks: make(map[uint64]chan error),
		rootContext: rootCtxt,
		wg:          wg,
	}
	if err := driver.dial(rootCtxt); err != nil {
		return nil, err
	}
	return driver, nil
}

// dial establish the websocket session and start its read / write loops
func (d *wsDriver) dial(ctxt context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: d.params.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctxt, d.params.EndpointURL, nil)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Websocket dial failed")
		return err
	}
	connCtxt, cancel := context.WithCancel(d.rootContext)
	d.conn = conn
	d.connCancel = cancel
	d.startWriteLoop(connCtxt, conn)
	d.startReadLoop(connCtxt, conn)
	log.WithFields(d.LogTags).Info("Websocket session established")
	return nil
}

// startWriteLoop the websocket connection allows only one concurrent writer,
// so all outbound frames funnel through this loop
func (d *wsDriver) startWriteLoop(ctxt context.Context, conn *websocket.Conn) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer log.WithFields(d.LogTags).Info("Write loop exiting")
		for {
			select {
			case <-ctxt.Done():
				return
			case frame := <-d.sendQueue:
				if err := conn.WriteJSON(&frame); err != nil {
					log.WithError(err).WithFields(d.LogTags).Error("Frame write failed")
					d.fanoutError(err)
					return
				}
			}
		}
	}()
}

// startReadLoop parse inbound frames and route them by topic
func (d *wsDriver) startReadLoop(ctxt context.Context, conn *websocket.Conn) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer log.WithFields(d.LogTags).Info("Read loop exiting")
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				if ctxt.Err() == nil {
					log.WithError(err).WithFields(d.LogTags).Error("Frame read failed")
					d.fanoutError(err)
				}
				return
			}
			d.routeFrame(ctxt, frame)
		}
	}()
}

// routeFrame dispatch one inbound frame
func (d *wsDriver) routeFrame(ctxt context.Context, frame wsFrame) {
	switch frame.Event {
	case "reply":
		d.resolveAck(frame)
	case "heartbeat":
		d.lock.Lock()
		beatCB := d.beatCB
		d.lock.Unlock()
		if beatCB != nil {
			beatCB(time.Now())
		}
	case "data", "broadcast", "presence":
		d.lock.Lock()
		listener, ok := d.listeners[frame.Topic]
		d.lock.Unlock()
		if !ok {
			log.WithFields(d.LogTags).Debugf("Dropping frame for unknown topic %s", frame.Topic)
			return
		}
		if err := listener.forwardCB(ctxt, frame.Topic, frame.Payload); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Unable to forward message on %s", frame.Topic,
			)
		}
	default:
		log.WithFields(d.LogTags).Debugf("Ignoring frame event '%s'", frame.Event)
	}
}

// resolveAck complete the pending control operation matching a reply frame
func (d *wsDriver) resolveAck(frame wsFrame) {
	if frame.Ref == nil {
		return
	}
	d.lock.Lock()
	waiter, ok := d.pendingAcks[*frame.Ref]
	delete(d.pendingAcks, *frame.Ref)
	d.lock.Unlock()
	if !ok {
		return
	}
	var body wsReplyBody
	if err := json.Unmarshal(frame.Payload, &body); err == nil && body.Status != "ok" {
		waiter <- fmt.Errorf("server rejected request: %s", body.Reason)
		return
	}
	waiter <- nil
}

// fanoutError surface a session failure to every attached listener
func (d *wsDriver) fanoutError(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, listener := range d.listeners {
		if listener.errorCB != nil {
			listener.errorCB(err)
		}
	}
}

// sendWithAck enqueue a control frame and wait for the server's reply
func (d *wsDriver) sendWithAck(ctxt context.Context, frame wsFrame) error {
	waiter := make(chan error, 1)
	d.lock.Lock()
	d.nextRef++
	ref := d.nextRef
	d.pendingAcks[ref] = waiter
	d.lock.Unlock()
	frame.Ref = &ref

	select {
	case d.sendQueue <- frame:
	case <-ctxt.Done():
		return ctxt.Err()
	}

	select {
	case err := <-waiter:
		return err
	case <-time.After(wsControlAckTimeout):
		d.lock.Lock()
		delete(d.pendingAcks, ref)
		d.lock.Unlock()
		return fmt.Errorf("no reply for %s on %s within %s", frame.Event, frame.Topic, wsControlAckTimeout)
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// Listen join a topic
func (d *wsDriver) Listen(
	ctxt context.Context, topic string, forwardCB RawMessageHandler, errorCB AlertOnErrorCB,
) (Channel, error) {
	if err := common.ValidateTopicName(topic); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to listen")
		return nil, err
	}
	d.lock.Lock()
	if _, ok := d.listeners[topic]; ok {
		d.lock.Unlock()
		return nil, fmt.Errorf("already listening on topic %s", topic)
	}
	d.lock.Unlock()
	if err := d.sendWithAck(ctxt, wsFrame{Topic: topic, Event: "join"}); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to join %s", topic)
		return nil, err
	}
	d.lock.Lock()
	d.listeners[topic] = &wsListener{topic: topic, forwardCB: forwardCB, errorCB: errorCB}
	d.lock.Unlock()
	log.WithFields(d.LogTags).Infof("Listening on %s", topic)
	return &wsChannel{driver: d, topic: topic}, nil
}

// send enqueue a fire-and-forget frame
func (d *wsDriver) send(ctxt context.Context, frame wsFrame) error {
	select {
	case d.sendQueue <- frame:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// closeListener leave one topic
func (d *wsDriver) closeListener(topic string) error {
	d.lock.Lock()
	_, ok := d.listeners[topic]
	delete(d.listeners, topic)
	d.lock.Unlock()
	if !ok {
		return fmt.Errorf("not listening on topic %s", topic)
	}
	log.WithFields(d.LogTags).Infof("Stopped listening on %s", topic)
	return d.send(d.rootContext, wsFrame{Topic: topic, Event: "leave"})
}

// StartHeartbeat begin the periodic session heartbeat. The server echoes
// heartbeat frames, and each echo counts as a successful round trip.
func (d *wsDriver) StartHeartbeat(
	interval time.Duration, beatCB HeartbeatHandler, wg *sync.WaitGroup,
) error {
	d.lock.Lock()
	d.beatCB = beatCB
	d.lock.Unlock()
	timer, err := common.GetIntervalTimerInstance("websocket-heartbeat", d.rootContext, wg)
	if err != nil {
		return err
	}
	d.heartbeatTimer = timer
	return timer.Start(interval, func() error {
		return d.send(d.rootContext, wsFrame{Topic: "system", Event: "heartbeat"})
	}, false)
}

// Reconnect drop the current session and establish a new one, rejoining all
// attached topics
func (d *wsDriver) Reconnect(ctxt context.Context) error {
	d.lock.Lock()
	if d.connCancel != nil {
		d.connCancel()
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	topics := make([]string, 0, len(d.listeners))
	for topic := range d.listeners {
		topics = append(topics, topic)
	}
	d.lock.Unlock()

	if err := d.dial(ctxt); err != nil {
		return err
	}
	for _, topic := range topics {
		if err := d.sendWithAck(ctxt, wsFrame{Topic: topic, Event: "join"}); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Unable to rejoin %s", topic)
			return err
		}
	}
	log.WithFields(d.LogTags).Infof("Rejoined %d topics", len(topics))
	return nil
}

// Close tear down the transport
func (d *wsDriver) Close(ctxt context.Context) {
	if d.heartbeatTimer != nil {
		_ = d.heartbeatTimer.Stop()
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.connCancel != nil {
		d.connCancel()
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.listeners = make(map[string]*wsListener)
	log.WithFields(d.LogTags).Info("Closed websocket transport")
}

// wsChannel implements Channel for the websocket driver
type wsChannel struct {
	driver *wsDriver
	topic  string
}

// Topic the topic this channel is attached to
func (c *wsChannel) Topic() string { return c.topic }

// Publish send a fire-and-forget broadcast payload on the channel
func (c *wsChannel) Publish(ctxt context.Context, payload []byte) error {
	return c.driver.send(ctxt, wsFrame{Topic: c.topic, Event: "broadcast", Payload: payload})
}

// Announce send a presence status payload on the channel
func (c *wsChannel) Announce(ctxt context.Context, payload []byte) error {
	return c.driver.send(ctxt, wsFrame{Topic: c.topic, Event: "presence", Payload: payload})
}

// Close leave the topic
func (c *wsChannel) Close() error {
	return c.driver.closeListener(c.topic)
}
