package registry

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/livesync/common"
	"github.com/apex/log"
)

// ========================================================================================
// Connection health monitoring and reconnect handling. These handlers run on
// the same event loop as the subscription bookkeeping, so they observe and
// mutate the channel map without racing against subscribe / unsubscribe.

type regHeartbeat struct {
	at time.Time
}

func (r *registryImpl) processHeartbeat(param interface{}) error {
	beat, ok := param.(regHeartbeat)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for heartbeat", reflect.TypeOf(param),
		)
	}
	r.lastHeartbeat = beat.at
	return nil
}

// ----------------------------------------------------------------------------------------

type regHeartbeatCheck struct {
	at time.Time
}

func (r *registryImpl) processHeartbeatCheck(param interface{}) error {
	check, ok := param.(regHeartbeatCheck)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for heartbeat check", reflect.TypeOf(param),
		)
	}
	if r.terminal || r.state == Reconnecting {
		return nil
	}
	window := time.Second * time.Duration(r.healthCfg.HeartbeatWindow)
	silence := check.at.Sub(r.lastHeartbeat)
	if silence > window {
		log.WithFields(r.LogTags).Warnf(
			"No heartbeat for %s (window %s). Starting reconnect", silence, window,
		)
		r.beginReconnect()
	}
	return nil
}

// beginReconnect enter Reconnecting and arm the fixed-interval retry timer
func (r *registryImpl) beginReconnect() {
	r.setState(Reconnecting)
	interval := time.Second * time.Duration(r.healthCfg.ReconnectInterval)
	if err := r.reconnectTimer.Start(interval, func() error {
		return r.tp.Submit(regReconnectAttempt{}, r.rootCtxt)
	}, false); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reconnect timer")
	}
}

// ----------------------------------------------------------------------------------------

type regTransportError struct {
	err error
}

func (r *registryImpl) processTransportError(param interface{}) error {
	report, ok := param.(regTransportError)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for transport error", reflect.TypeOf(param),
		)
	}
	log.WithError(report.err).WithFields(r.LogTags).Error("Transport reported error")
	r.fanoutError(report.err)
	if r.state == Connected {
		r.setState(Disconnected)
	}
	return nil
}

// fanoutError deliver an error to every live listener carrying an error handler
func (r *registryImpl) fanoutError(err error) {
	for _, entry := range r.channels {
		wrapped := common.NewSubscriptionError(entry.key, "transport", err)
		for _, listener := range entry.listeners {
			if listener.live && listener.request.OnError != nil {
				listener.request.OnError(wrapped)
			}
		}
	}
}

// ----------------------------------------------------------------------------------------

type regReconnectAttempt struct{}

func (r *registryImpl) processReconnectAttempt(param interface{}) error {
	if _, ok := param.(regReconnectAttempt); !ok {
		return fmt.Errorf(
			"can not process unknown type %s for reconnect attempt", reflect.TypeOf(param),
		)
	}
	if r.terminal || r.state == Connected {
		_ = r.reconnectTimer.Stop()
		return nil
	}
	r.reconnectAttempts++
	log.WithFields(r.LogTags).Infof(
		"Reconnect attempt %d / %d", r.reconnectAttempts, r.healthCfg.MaxReconnectAttempts,
	)
	if err := r.driver.Reconnect(r.rootCtxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Reconnect attempt %d failed", r.reconnectAttempts,
		)
		if r.reconnectAttempts >= r.healthCfg.MaxReconnectAttempts {
			_ = r.reconnectTimer.Stop()
			r.terminal = true
			r.fanoutError(fmt.Errorf(
				"gave up reconnecting after %d attempts: %w", r.reconnectAttempts, err,
			))
			r.setState(Disconnected)
			log.WithFields(r.LogTags).Error(
				"Reconnect budget exhausted. Holding in disconnected until forced",
			)
		}
		return nil
	}
	_ = r.reconnectTimer.Stop()
	r.reconnectAttempts = 0
	r.lastHeartbeat = time.Now()
	r.setState(Connected)
	log.WithFields(r.LogTags).Info("Transport reconnected")
	return nil
}

// ----------------------------------------------------------------------------------------

type regForceReconnectReq struct {
	resultCB func(err error)
}

// ForceReconnect clear the terminal disconnect latch and restart reconnection
func (r *registryImpl) ForceReconnect(ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	task := regForceReconnectReq{
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := r.tp.Submit(task, ctxt); err != nil {
		return err
	}
	select {
	case <-complete:
		return processError
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (r *registryImpl) processForceReconnectRequest(param interface{}) error {
	request, ok := param.(regForceReconnectReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for force reconnect", reflect.TypeOf(param),
		)
	}
	if r.state == Connected {
		request.resultCB(nil)
		return nil
	}
	r.terminal = false
	r.reconnectAttempts = 0
	r.setState(Reconnecting)
	delay := time.Second * time.Duration(r.healthCfg.ForceReconnectDelay)
	err := r.delayTimer.Start(delay, func() error {
		if submitErr := r.tp.Submit(regReconnectAttempt{}, r.rootCtxt); submitErr != nil {
			return submitErr
		}
		interval := time.Second * time.Duration(r.healthCfg.ReconnectInterval)
		return r.reconnectTimer.Start(interval, func() error {
			return r.tp.Submit(regReconnectAttempt{}, r.rootCtxt)
		}, false)
	}, true)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to arm forced reconnect")
	}
	request.resultCB(err)
	return err
}
