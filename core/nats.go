package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livesync/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameters
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
}

// natsListener bookkeeping for one attached topic
type natsListener struct {
	topic     string
	forwardCB RawMessageHandler
	errorCB   AlertOnErrorCB
	sub       *nats.Subscription
}

// natsDriver implements Driver on plain NATS subjects.
//
// The client library's own reconnect machinery is disabled so the registry's
// health monitor owns the retry policy.
type natsDriver struct {
	common.Component
	lock           *sync.Mutex
	params         NATSConnectParams
	nc             *nats.Conn
	listeners      map[string]*natsListener
	heartbeatTimer common.IntervalTimer
	rootContext    context.Context
}

// GetNATSDriver define a new NATS transport driver
func GetNATSDriver(params NATSConnectParams, rootCtxt context.Context) (Driver, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-driver",
		"instance":  params.ServerURI,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid NATS connect params")
		return nil, err
	}
	driver := &natsDriver{
		Component:   common.Component{LogTags: logTags},
		lock:        &sync.Mutex{},
		params:      params,
		listeners:   make(map[string]*natsListener),
		rootContext: rootCtxt,
	}
	if err := driver.connect(); err != nil {
		return nil, err
	}
	return driver, nil
}

// connect establish the NATS transport. Caller must hold no state expectations;
// existing subscription objects are invalid afterward.
func (d *natsDriver) connect() error {
	nc, err := nats.Connect(
		d.params.ServerURI,
		nats.Timeout(d.params.ConnectTimeout),
		nats.NoReconnect(),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			d.fanoutError(err)
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("NATS client connect failed")
		return err
	}
	d.nc = nc
	log.WithFields(d.LogTags).Info("Connected to NATS")
	return nil
}

// fanoutError surface an async transport error to every attached listener
func (d *natsDriver) fanoutError(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	log.WithError(err).WithFields(d.LogTags).Error("Async transport failure")
	for _, listener := range d.listeners {
		if listener.errorCB != nil {
			listener.errorCB(err)
		}
	}
}

// subscribe attach one listener to its subject. Caller must hold d.lock.
func (d *natsDriver) subscribe(listener *natsListener) error {
	sub, err := d.nc.Subscribe(listener.topic, func(msg *nats.Msg) {
		if err := listener.forwardCB(d.rootContext, listener.topic, msg.Data); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Unable to forward message on %s", listener.topic,
			)
		}
	})
	if err != nil {
		return err
	}
	listener.sub = sub
	return nil
}

// Listen attach to a topic
func (d *natsDriver) Listen(
	ctxt context.Context, topic string, forwardCB RawMessageHandler, errorCB AlertOnErrorCB,
) (Channel, error) {
	if err := common.ValidateTopicName(topic); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to listen")
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.listeners[topic]; ok {
		return nil, fmt.Errorf("already listening on topic %s", topic)
	}
	listener := &natsListener{topic: topic, forwardCB: forwardCB, errorCB: errorCB}
	if err := d.subscribe(listener); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to subscribe to %s", topic)
		return nil, err
	}
	d.listeners[topic] = listener
	log.WithFields(d.LogTags).Infof("Listening on %s", topic)
	return &natsChannel{driver: d, topic: topic}, nil
}

// publish send a payload on a subject and flush within the caller's deadline
func (d *natsDriver) publish(ctxt context.Context, topic string, payload []byte) error {
	d.lock.Lock()
	nc := d.nc
	d.lock.Unlock()
	if err := nc.Publish(topic, payload); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to publish to %s", topic)
		return err
	}
	return nc.FlushWithContext(ctxt)
}

// closeListener detach one topic
func (d *natsDriver) closeListener(topic string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	listener, ok := d.listeners[topic]
	if !ok {
		return fmt.Errorf("not listening on topic %s", topic)
	}
	delete(d.listeners, topic)
	if listener.sub != nil {
		if err := listener.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Unsubscribe from %s failed", topic)
			return err
		}
	}
	log.WithFields(d.LogTags).Infof("Stopped listening on %s", topic)
	return nil
}

// StartHeartbeat begin the periodic transport heartbeat. A heartbeat is one
// successful flush round trip against the server.
func (d *natsDriver) StartHeartbeat(
	interval time.Duration, beatCB HeartbeatHandler, wg *sync.WaitGroup,
) error {
	timer, err := common.GetIntervalTimerInstance("nats-heartbeat", d.rootContext, wg)
	if err != nil {
		return err
	}
	d.heartbeatTimer = timer
	return timer.Start(interval, func() error {
		d.lock.Lock()
		nc := d.nc
		d.lock.Unlock()
		if !nc.IsConnected() {
			return fmt.Errorf("NATS transport not connected")
		}
		if err := nc.FlushTimeout(interval); err != nil {
			log.WithError(err).WithFields(d.LogTags).Debug("Heartbeat flush failed")
			return err
		}
		beatCB(time.Now())
		return nil
	}, false)
}

// Reconnect drop the current NATS session and establish a new one, restoring
// all attached subjects
func (d *natsDriver) Reconnect(ctxt context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.nc != nil && !d.nc.IsClosed() {
		d.nc.Close()
	}
	if err := d.connect(); err != nil {
		return err
	}
	for _, listener := range d.listeners {
		if err := d.subscribe(listener); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Unable to restore subscription on %s", listener.topic,
			)
			return err
		}
	}
	log.WithFields(d.LogTags).Infof("Restored %d subscriptions", len(d.listeners))
	return nil
}

// Close tear down the transport
func (d *natsDriver) Close(ctxt context.Context) {
	if d.heartbeatTimer != nil {
		_ = d.heartbeatTimer.Stop()
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	for topic, listener := range d.listeners {
		if listener.sub != nil {
			_ = listener.sub.Unsubscribe()
		}
		delete(d.listeners, topic)
	}
	if err := d.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("NATS flush failed")
	}
	d.nc.Close()
	log.WithFields(d.LogTags).Info("Closed NATS transport")
}

// natsChannel implements Channel for the NATS driver
type natsChannel struct {
	driver *natsDriver
	topic  string
}

// Topic the topic this channel is attached to
func (c *natsChannel) Topic() string { return c.topic }

// Publish send a fire-and-forget broadcast payload on the channel
func (c *natsChannel) Publish(ctxt context.Context, payload []byte) error {
	return c.driver.publish(ctxt, c.topic, payload)
}

// Announce send a presence status payload on the channel
func (c *natsChannel) Announce(ctxt context.Context, payload []byte) error {
	return c.driver.publish(ctxt, c.topic, payload)
}

// Close detach from the topic
func (c *natsChannel) Close() error {
	return c.driver.closeListener(c.topic)
}
