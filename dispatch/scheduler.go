// Copyright 2022 The telegate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/telegate/common"
	"github.com/alwitt/telegate/protocol"
	"github.com/alwitt/telegate/registry"
	"github.com/alwitt/telegate/telemetry"
	"github.com/apex/log"
)

// Scheduler drives periodic telemetry pushes to subscribed clients. All push
// work runs on one event loop, so reads against a single client are never
// concurrent with each other.
type Scheduler interface {
	// Start begin the dispatch loop
	Start(wg *sync.WaitGroup) error
	// Stop end the dispatch loop
	Stop() error
	// TriggerImmediatePush push current data to a client now, ignoring its
	// push interval
	TriggerImmediatePush(ctxt context.Context, clientID string) error
}

// schedulerTick event loop signal to evaluate every client's push schedule
type schedulerTick struct {
	timestamp time.Time
}

// immediatePushRequest event loop signal to push one client out of band
type immediatePushRequest struct {
	clientID  string
	timestamp time.Time
}

// pushSchedulerImpl implements Scheduler
type pushSchedulerImpl struct {
	common.Component
	rootContext context.Context
	clients     registry.ConnectionRegistry
	data        telemetry.Reader
	worker      common.TaskProcessor
	ticker      common.IntervalTimer
	activeTick  time.Duration
	idleTick    time.Duration
	currentTick time.Duration
}

// GetPushScheduler define a new Scheduler
func GetPushScheduler(
	rootCtxt context.Context,
	clients registry.ConnectionRegistry,
	data telemetry.Reader,
	config common.DispatchConfig,
	instance string,
	wg *sync.WaitGroup,
) (Scheduler, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "push-scheduler", "instance": instance,
	}
	worker, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("push-scheduler/%s", instance), 64,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define worker")
		return nil, err
	}
	ticker, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("push-scheduler/%s", instance), rootCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ticker")
		return nil, err
	}
	scheduler := &pushSchedulerImpl{
		Component:   common.Component{LogTags: logTags},
		rootContext: rootCtxt,
		clients:     clients,
		data:        data,
		worker:      worker,
		ticker:      ticker,
		activeTick:  time.Duration(config.ActiveTick) * time.Millisecond,
		idleTick:    time.Duration(config.IdleTick) * time.Millisecond,
		currentTick: time.Duration(config.IdleTick) * time.Millisecond,
	}
	if err := worker.AddToTaskExecutionMap(
		reflect.TypeOf(schedulerTick{}), scheduler.processSchedulerTick,
	); err != nil {
		return nil, err
	}
	if err := worker.AddToTaskExecutionMap(
		reflect.TypeOf(immediatePushRequest{}), scheduler.processImmediatePush,
	); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// Start begin the dispatch loop
func (s *pushSchedulerImpl) Start(wg *sync.WaitGroup) error {
	if err := s.worker.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start worker event loop")
		return err
	}
	return s.ticker.Start(s.currentTick, func() error {
		return s.worker.Submit(schedulerTick{timestamp: time.Now()})
	}, false)
}

// Stop end the dispatch loop
func (s *pushSchedulerImpl) Stop() error {
	if err := s.ticker.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to stop ticker")
	}
	return s.worker.StopEventLoop()
}

// TriggerImmediatePush push current data to a client now
func (s *pushSchedulerImpl) TriggerImmediatePush(ctxt context.Context, clientID string) error {
	return s.worker.Submit(immediatePushRequest{clientID: clientID, timestamp: time.Now()})
}

// processSchedulerTick handler for schedulerTick
func (s *pushSchedulerImpl) processSchedulerTick(param interface{}) error {
	tick, ok := param.(schedulerTick)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %v", param)
	}

	snapshot := s.clients.Snapshot()
	for clientID, client := range snapshot {
		sub := client.Subscription
		if len(sub.Channels) == 0 {
			continue
		}
		interval := time.Duration(sub.IntervalMS) * time.Millisecond
		if tick.timestamp.Sub(sub.LastPushAt) < interval {
			continue
		}
		s.pushToClient(clientID, sub, tick.timestamp)
	}

	s.adjustTickRate(len(snapshot))
	return nil
}

// processImmediatePush handler for immediatePushRequest
func (s *pushSchedulerImpl) processImmediatePush(param interface{}) error {
	request, ok := param.(immediatePushRequest)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %v", param)
	}
	snapshot := s.clients.Snapshot()
	client, ok := snapshot[request.clientID]
	if !ok {
		// client left before the push could run
		return nil
	}
	s.pushToClient(request.clientID, client.Subscription, request.timestamp)
	return nil
}

// pushToClient read and deliver current data for every channel the client
// subscribed to. Channels with no data are silently skipped.
func (s *pushSchedulerImpl) pushToClient(
	clientID string, sub registry.Subscription, timestamp time.Time,
) {
	for _, channelID := range sub.Channels {
		updates := []protocol.ChannelUpdate{}
		for _, dataType := range sub.DataTypes {
			values := s.data.Get(s.rootContext, sub.Source, channelID, dataType)
			if len(values) == 0 {
				continue
			}
			updates = append(updates, protocol.ChannelUpdate{
				Source:    sub.Source,
				ChannelID: channelID,
				DataType:  dataType,
				Values:    values,
			})
		}
		if len(updates) == 0 {
			continue
		}
		s.clients.Send(s.rootContext, clientID, protocol.NewDataBatchMsg(channelID, updates))
	}
	s.clients.MarkPushed(clientID, timestamp)
}

// adjustTickRate restart the ticker when the connection population changes
// between empty and non-empty
func (s *pushSchedulerImpl) adjustTickRate(connections int) {
	desired := s.idleTick
	if connections > 0 {
		desired = s.activeTick
	}
	if desired == s.currentTick {
		return
	}
	log.WithFields(s.LogTags).Infof(
		"Changing tick rate from %s to %s", s.currentTick, desired,
	)
	if err := s.ticker.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to stop ticker for rate change")
		return
	}
	if err := s.ticker.Start(desired, func() error {
		return s.worker.Submit(schedulerTick{timestamp: time.Now()})
	}, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to restart ticker")
		return
	}
	s.currentTick = desired
}
