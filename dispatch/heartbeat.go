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
	"sync"
	"time"

	"github.com/alwitt/telegate/common"
	"github.com/alwitt/telegate/protocol"
	"github.com/alwitt/telegate/registry"
	"github.com/apex/log"
)

// HeartbeatMonitor periodically announces gateway liveness to every client
// and evicts connections which stopped showing inbound activity
type HeartbeatMonitor interface {
	// Start begin the heartbeat loop
	Start() error
	// Stop end the heartbeat loop
	Stop() error
}

// heartbeatMonitorImpl implements HeartbeatMonitor
type heartbeatMonitorImpl struct {
	common.Component
	rootContext context.Context
	clients     registry.ConnectionRegistry
	interval    time.Duration
	maxIdle     time.Duration
	ticker      common.IntervalTimer
}

// GetHeartbeatMonitor define a new HeartbeatMonitor
func GetHeartbeatMonitor(
	rootCtxt context.Context,
	clients registry.ConnectionRegistry,
	config common.WebsocketConfig,
	instance string,
	wg *sync.WaitGroup,
) (HeartbeatMonitor, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "heartbeat-monitor", "instance": instance,
	}
	ticker, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("heartbeat-monitor/%s", instance), rootCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ticker")
		return nil, err
	}
	return &heartbeatMonitorImpl{
		Component:   common.Component{LogTags: logTags},
		rootContext: rootCtxt,
		clients:     clients,
		interval:    time.Duration(config.HeartbeatInterval) * time.Second,
		maxIdle:     time.Duration(config.MaxIdle) * time.Second,
		ticker:      ticker,
	}, nil
}

// Start begin the heartbeat loop
func (m *heartbeatMonitorImpl) Start() error {
	return m.ticker.Start(m.interval, m.runOnePass, false)
}

// Stop end the heartbeat loop
func (m *heartbeatMonitorImpl) Stop() error {
	return m.ticker.Stop()
}

// runOnePass broadcast one heartbeat and sweep out idle connections. A
// failure against one client never aborts the pass.
func (m *heartbeatMonitorImpl) runOnePass() error {
	now := time.Now()

	reached := m.clients.Broadcast(
		m.rootContext, protocol.NewHeartbeatMsg(), protocol.TopicTagGeneral,
	)
	log.WithFields(m.LogTags).Debugf("Heartbeat reached %d clients", len(reached))

	for clientID, client := range m.clients.Snapshot() {
		idleFor := now.Sub(client.Info.LastActivity)
		if idleFor < m.maxIdle {
			continue
		}
		log.WithFields(m.LogTags).Warnf(
			"Evicting %s after %s without activity", clientID, idleFor,
		)
		m.clients.Unregister(m.rootContext, clientID)
	}
	return nil
}
