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

package apis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/telegate/common"
	"github.com/alwitt/telegate/protocol"
	"github.com/alwitt/telegate/registry"
	"github.com/alwitt/telegate/telemetry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// DataStoreMonitor probes the backing data store for readiness
type DataStoreMonitor interface {
	// Ping verify the backing data store is reachable
	Ping(ctxt context.Context) error
}

// APIRestGatewayManagementHandler REST handler for gateway management
type APIRestGatewayManagementHandler struct {
	goutils.RestAPIHandler
	clients registry.ConnectionRegistry
	data    telemetry.Reader
	store   DataStoreMonitor
}

// GetAPIRestGatewayManagementHandler define APIRestGatewayManagementHandler
func GetAPIRestGatewayManagementHandler(
	clients registry.ConnectionRegistry,
	data telemetry.Reader,
	store DataStoreMonitor,
	httpConfig *common.HTTPConfig,
) (APIRestGatewayManagementHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway-management",
	}
	return APIRestGatewayManagementHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		clients:        clients,
		data:           data,
		store:          store,
	}, nil
}

// Write logging support
func (h APIRestGatewayManagementHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// APIRestRespBroadcastResult response for broadcasting a message
type APIRestRespBroadcastResult struct {
	goutils.RestAPIBaseResponse
	// ClientCount the number of clients the message reached
	ClientCount int `json:"client_count"`
	// Clients the IDs of the clients the message reached
	Clients []string `json:"clients"`
}

// Broadcast godoc
// @Summary Broadcast a message to connected clients
// @Description Deliver the request body verbatim to every connected client
// whose topic tag matches the topic query parameter
// @tags Management
// @Accept json
// @Produce json
// @Param Telegate-Request-ID header string false "User provided request ID to match against logs"
// @Param topic query string false "Only deliver to sessions with this topic tag"
// @Success 200 {object} APIRestRespBroadcastResult "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broadcast [post]
func (h APIRestGatewayManagementHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if !json.Valid(payload) {
		msg := "Request body is not valid JSON"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	topicTag := r.URL.Query().Get("topic")
	if topicTag == "" {
		topicTag = protocol.TopicTagGeneral
	}

	// Zero connections is still a successful broadcast of count zero
	reached := h.clients.BroadcastRaw(r.Context(), payload, topicTag)
	respCode = http.StatusOK
	respBody = APIRestRespBroadcastResult{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, ClientCount: len(reached), Clients: reached,
	}
}

// BroadcastHandler Wrapper around Broadcast
func (h APIRestGatewayManagementHandler) BroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Broadcast(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespClientSession details of one connected client session
type APIRestRespClientSession struct {
	// ClientID unique ID of the session
	ClientID string `json:"client_id"`
	// TopicTag broadcast topic tag of the session
	TopicTag string `json:"topic"`
	// ConnectedAt when the session connected
	ConnectedAt time.Time `json:"connected_at"`
	// LastActivity when the session last showed inbound activity
	LastActivity time.Time `json:"last_activity"`
	// Subscription the session's current telemetry subscription
	Subscription registry.Subscription `json:"subscription"`
}

// APIRestRespConnectionStatus response for listing connected client sessions
type APIRestRespConnectionStatus struct {
	goutils.RestAPIBaseResponse
	// ConnectionCount the number of live sessions
	ConnectionCount int `json:"connection_count"`
	// SubscribedCount the number of sessions with at least one channel subscribed
	SubscribedCount int `json:"subscribed_count"`
	// Connections the live sessions mapped against their client IDs
	Connections map[string]APIRestRespClientSession `json:"connections"`
	// AvailableChannels the channel IDs currently present in the data store
	AvailableChannels []int `json:"available_channels"`
}

// GetConnectionStatus godoc
// @Summary Query for info on all connected clients
// @Description Query for the session and subscription details of all
// connected websocket clients
// @tags Management
// @Produce json
// @Param Telegate-Request-ID header string false "User provided request ID to match against logs"
// @Param source query string false "Data source namespace to enumerate channels under"
// @Success 200 {object} APIRestRespConnectionStatus "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broadcast/status [get]
func (h APIRestGatewayManagementHandler) GetConnectionStatus(
	w http.ResponseWriter, r *http.Request,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	snapshot := h.clients.Snapshot()
	connections := make(map[string]APIRestRespClientSession, len(snapshot))
	subscribed := 0
	for clientID, client := range snapshot {
		if len(client.Subscription.Channels) > 0 {
			subscribed++
		}
		connections[clientID] = APIRestRespClientSession{
			ClientID:     client.Info.ClientID,
			TopicTag:     client.Info.TopicTag,
			ConnectedAt:  client.Info.ConnectedAt,
			LastActivity: client.Info.LastActivity,
			Subscription: client.Subscription,
		}
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		source = protocol.DefaultSource
	}
	resp := APIRestRespConnectionStatus{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		ConnectionCount:   len(connections),
		SubscribedCount:   subscribed,
		Connections:       connections,
		AvailableChannels: h.data.EnumerateChannels(r.Context(), source, ""),
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetConnectionStatusHandler Wrapper around GetConnectionStatus
func (h APIRestGatewayManagementHandler) GetConnectionStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConnectionStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespDrainedCommands response for draining a channel's command queue
type APIRestRespDrainedCommands struct {
	goutils.RestAPIBaseResponse
	// CommandCount the number of commands drained
	CommandCount int `json:"command_count"`
	// Commands the drained commands in queue order
	Commands []telemetry.Command `json:"commands"`
}

// DrainCommands godoc
// @Summary Drain a channel's pending command queue
// @Description Remove and return all control commands queued against one
// channel. Diagnostics aid when the edge side stops consuming commands.
// @tags Management
// @Produce json
// @Param Telegate-Request-ID header string false "User provided request ID to match against logs"
// @Param channelID path string true "Channel ID to drain"
// @Param source query string false "Data source namespace of the channel"
// @Success 200 {object} APIRestRespDrainedCommands "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/channel/{channelID}/commands [delete]
func (h APIRestGatewayManagementHandler) DrainCommands(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	channelRaw, ok := vars["channelID"]
	if !ok {
		msg := "No channel ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	channelID, err := strconv.Atoi(channelRaw)
	if err != nil {
		msg := "Channel ID is not an integer"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		source = protocol.DefaultSource
	}

	drained := h.data.DrainCommandQueue(
		r.Context(), source, channelID, protocol.CommandDataType,
	)
	respCode = http.StatusOK
	respBody = APIRestRespDrainedCommands{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, CommandCount: len(drained), Commands: drained,
	}
}

// DrainCommandsHandler Wrapper around DrainCommands
func (h APIRestGatewayManagementHandler) DrainCommandsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DrainCommands(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For gateway liveness check
// @Description Will return success to indicate gateway is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestGatewayManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayManagementHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway readiness check
// @Description Will return success if the backing data store is reachable
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestGatewayManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.store.Ping(r.Context()); err != nil {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayManagementHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
