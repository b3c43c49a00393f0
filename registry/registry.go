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

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/telegate/common"
	"github.com/alwitt/telegate/protocol"
	"github.com/apex/log"
)

// ClientTransport the transport side of one client connection. The registry
// owns the transport after Register and closes it on eviction.
type ClientTransport interface {
	// SendText write one text frame to the client
	SendText(ctxt context.Context, payload []byte) error
	// Close tear down the transport
	Close() error
	// RemoteAddr the client's remote address for logging
	RemoteAddr() string
}

// Subscription one client's declared interest in telemetry channels
type Subscription struct {
	// Source the data source namespace to poll
	Source string `json:"source"`
	// Channels the channel IDs to poll
	Channels []int `json:"channels"`
	// DataTypes the data type tags to poll per channel. Open string tags,
	// not a closed enumeration.
	DataTypes []string `json:"data_types"`
	// IntervalMS client requested minimum gap between pushes
	IntervalMS int `json:"interval_ms"`
	// LastPushAt when a push to this client was last attempted
	LastPushAt time.Time `json:"-"`
}

// ConnectionInfo metadata of one live client connection
type ConnectionInfo struct {
	// ClientID unique ID among live connections
	ClientID string `json:"client_id"`
	// TopicTag coarse broadcast filter tag supplied at connect time
	TopicTag string `json:"topic"`
	// ConnectedAt when the connection registered
	ConnectedAt time.Time `json:"connected_at"`
	// LastActivity when the client last showed inbound activity
	LastActivity time.Time `json:"last_activity"`
}

// ClientSnapshot read-only copy of one client's registry state
type ClientSnapshot struct {
	Info         ConnectionInfo `json:"info"`
	Subscription Subscription   `json:"subscription"`
}

// ConnectionRegistry tracks live client connections with their subscription
// state. All mutation is serialized behind one lock; send and broadcast act
// on a snapshot of the target list and treat a connection disappearing
// mid-iteration as a no-op.
type ConnectionRegistry interface {
	// Register accept a new client connection. A duplicate client ID closes
	// and replaces the previous transport. Sends the welcome frame.
	Register(ctxt context.Context, transport ClientTransport, clientID, topicTag string) error
	// Unregister remove a client connection with its subscription. Idempotent.
	Unregister(ctxt context.Context, clientID string)
	// Evict remove a client connection only while it still owns the given
	// transport. A session displaced by a reconnect must not tear down its
	// replacement.
	Evict(ctxt context.Context, clientID string, transport ClientTransport)
	// SetSubscription replace a client's subscription wholesale. Values are
	// not validated; the backend enumerates its own types dynamically.
	SetSubscription(
		clientID, source string, channels []int, dataTypes []string, intervalMS int,
	) error
	// NarrowSubscription remove channels from a client's subscription,
	// returning the subset actually removed
	NarrowSubscription(clientID string, channels []int) ([]int, error)
	// Send deliver one frame to one client, best effort. A transport failure
	// evicts the client and is not reported to the caller.
	Send(ctxt context.Context, clientID string, msg protocol.Message)
	// Broadcast deliver one frame to every connection whose topic tag matches
	// the filter ("general" matches all). Returns the client IDs reached.
	Broadcast(ctxt context.Context, msg protocol.Message, topicTagFilter string) []string
	// BroadcastRaw deliver a pre-encoded frame to every matching connection
	BroadcastRaw(ctxt context.Context, payload []byte, topicTagFilter string) []string
	// Snapshot read-only copy of all connection metadata and subscriptions
	Snapshot() map[string]ClientSnapshot
	// MarkPushed record when a push to a client was last attempted
	MarkPushed(clientID string, at time.Time)
	// TouchActivity record inbound activity from a client
	TouchActivity(clientID string, at time.Time)
	// ConnectionCount number of live connections
	ConnectionCount() int
	// CloseAll tear down every live connection
	CloseAll(ctxt context.Context)
}

// liveConnection registry-internal state of one client
type liveConnection struct {
	info      ConnectionInfo
	sub       Subscription
	transport ClientTransport
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock    *sync.Mutex
	clients map[string]*liveConnection
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.Mutex{},
		clients:   make(map[string]*liveConnection),
	}, nil
}

// Register accept a new client connection
func (r *connectionRegistryImpl) Register(
	ctxt context.Context, transport ClientTransport, clientID, topicTag string,
) error {
	now := time.Now()

	r.lock.Lock()
	if prior, ok := r.clients[clientID]; ok {
		// A reconnect with a known ID forcibly replaces the old transport
		log.WithFields(r.LogTags).Warnf(
			"Client %s reconnected. Replacing previous connection from %s",
			clientID, prior.transport.RemoteAddr(),
		)
		if err := prior.transport.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Debugf(
				"Failed to close replaced transport of %s", clientID,
			)
		}
	}
	r.clients[clientID] = &liveConnection{
		info: ConnectionInfo{
			ClientID:     clientID,
			TopicTag:     topicTag,
			ConnectedAt:  now,
			LastActivity: now,
		},
		sub: Subscription{
			Source:     protocol.DefaultSource,
			Channels:   []int{},
			DataTypes:  []string{},
			IntervalMS: protocol.DefaultIntervalMS,
		},
		transport: transport,
	}
	r.lock.Unlock()

	log.WithFields(r.LogTags).Infof("Client %s connected from %s", clientID, transport.RemoteAddr())
	r.Send(ctxt, clientID, protocol.NewConnectionEstablishedMsg(clientID, topicTag))
	return nil
}

// Unregister remove a client connection with its subscription
func (r *connectionRegistryImpl) Unregister(ctxt context.Context, clientID string) {
	r.lock.Lock()
	entry, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.lock.Unlock()
	if !ok {
		return
	}
	if err := entry.transport.Close(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf(
			"Failed to close transport of %s", clientID,
		)
	}
	log.WithFields(r.LogTags).Infof("Client %s disconnected", clientID)
}

// Evict remove a client connection only while it still owns the given transport
func (r *connectionRegistryImpl) Evict(
	ctxt context.Context, clientID string, transport ClientTransport,
) {
	r.lock.Lock()
	entry, ok := r.clients[clientID]
	if ok && entry.transport == transport {
		delete(r.clients, clientID)
	} else {
		ok = false
	}
	r.lock.Unlock()
	if !ok {
		return
	}
	if err := entry.transport.Close(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf(
			"Failed to close transport of %s", clientID,
		)
	}
	log.WithFields(r.LogTags).Infof("Client %s disconnected", clientID)
}

// SetSubscription replace a client's subscription wholesale
func (r *connectionRegistryImpl) SetSubscription(
	clientID, source string, channels []int, dataTypes []string, intervalMS int,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("client %s is not connected", clientID)
	}
	entry.sub = Subscription{
		Source:     source,
		Channels:   append([]int{}, channels...),
		DataTypes:  append([]string{}, dataTypes...),
		IntervalMS: intervalMS,
		LastPushAt: entry.sub.LastPushAt,
	}
	return nil
}

// NarrowSubscription remove channels from a client's subscription
func (r *connectionRegistryImpl) NarrowSubscription(
	clientID string, channels []int,
) ([]int, error) {
	dropSet := make(map[int]bool, len(channels))
	for _, channel := range channels {
		dropSet[channel] = true
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s is not connected", clientID)
	}
	kept := make([]int, 0, len(entry.sub.Channels))
	removed := []int{}
	for _, channel := range entry.sub.Channels {
		if dropSet[channel] {
			removed = append(removed, channel)
		} else {
			kept = append(kept, channel)
		}
	}
	entry.sub.Channels = kept
	return removed, nil
}

// Send deliver one frame to one client, best effort
func (r *connectionRegistryImpl) Send(
	ctxt context.Context, clientID string, msg protocol.Message,
) {
	payload, err := json.Marshal(&msg)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to serialize %s frame for %s", msg.Type, clientID,
		)
		return
	}
	r.sendRaw(ctxt, clientID, payload)
}

// sendRaw deliver a pre-encoded frame to one client, evicting on failure
func (r *connectionRegistryImpl) sendRaw(ctxt context.Context, clientID string, payload []byte) {
	r.lock.Lock()
	entry, ok := r.clients[clientID]
	r.lock.Unlock()
	if !ok {
		// client disappeared between snapshot and send
		return
	}
	if err := entry.transport.SendText(ctxt, payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Send to %s failed. Evicting", clientID)
		r.Unregister(ctxt, clientID)
	}
}

// Broadcast deliver one frame to every matching connection
func (r *connectionRegistryImpl) Broadcast(
	ctxt context.Context, msg protocol.Message, topicTagFilter string,
) []string {
	payload, err := json.Marshal(&msg)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to serialize %s broadcast frame", msg.Type,
		)
		return []string{}
	}
	return r.BroadcastRaw(ctxt, payload, topicTagFilter)
}

// BroadcastRaw deliver a pre-encoded frame to every matching connection
func (r *connectionRegistryImpl) BroadcastRaw(
	ctxt context.Context, payload []byte, topicTagFilter string,
) []string {
	// Snapshot the target list first; connections may come or go while the
	// frames are written out
	r.lock.Lock()
	targets := make([]string, 0, len(r.clients))
	for clientID, entry := range r.clients {
		if topicTagFilter == protocol.TopicTagGeneral || entry.info.TopicTag == topicTagFilter {
			targets = append(targets, clientID)
		}
	}
	r.lock.Unlock()

	reached := make([]string, 0, len(targets))
	for _, clientID := range targets {
		r.lock.Lock()
		entry, ok := r.clients[clientID]
		r.lock.Unlock()
		if !ok {
			continue
		}
		if err := entry.transport.SendText(ctxt, payload); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Broadcast to %s failed. Evicting", clientID,
			)
			r.Unregister(ctxt, clientID)
			continue
		}
		reached = append(reached, clientID)
	}
	return reached
}

// Snapshot read-only copy of all connection metadata and subscriptions
func (r *connectionRegistryImpl) Snapshot() map[string]ClientSnapshot {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make(map[string]ClientSnapshot, len(r.clients))
	for clientID, entry := range r.clients {
		result[clientID] = ClientSnapshot{
			Info: entry.info,
			Subscription: Subscription{
				Source:     entry.sub.Source,
				Channels:   append([]int{}, entry.sub.Channels...),
				DataTypes:  append([]string{}, entry.sub.DataTypes...),
				IntervalMS: entry.sub.IntervalMS,
				LastPushAt: entry.sub.LastPushAt,
			},
		}
	}
	return result
}

// MarkPushed record when a push to a client was last attempted
func (r *connectionRegistryImpl) MarkPushed(clientID string, at time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if entry, ok := r.clients[clientID]; ok {
		entry.sub.LastPushAt = at
	}
}

// TouchActivity record inbound activity from a client
func (r *connectionRegistryImpl) TouchActivity(clientID string, at time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if entry, ok := r.clients[clientID]; ok {
		entry.info.LastActivity = at
	}
}

// ConnectionCount number of live connections
func (r *connectionRegistryImpl) ConnectionCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.clients)
}

// CloseAll tear down every live connection
func (r *connectionRegistryImpl) CloseAll(ctxt context.Context) {
	r.lock.Lock()
	targets := make([]string, 0, len(r.clients))
	for clientID := range r.clients {
		targets = append(targets, clientID)
	}
	r.lock.Unlock()
	for _, clientID := range targets {
		r.Unregister(ctxt, clientID)
	}
	log.WithFields(r.LogTags).Info("Closed all client connections")
}
