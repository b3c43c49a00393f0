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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/telegate/common"
	"github.com/alwitt/telegate/protocol"
	"github.com/alwitt/telegate/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsTransport registry.ClientTransport over one gorilla websocket connection.
// Writes are serialized; the heartbeat loop and the push scheduler both write
// against the same connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeLock    sync.Mutex
	writeTimeout time.Duration
}

// SendText write one text frame to the client
func (t *wsTransport) SendText(ctxt context.Context, payload []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close tear down the transport
func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// RemoteAddr the client's remote address for logging
func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// APIRestGatewaySessionHandler REST handler for websocket client sessions
type APIRestGatewaySessionHandler struct {
	goutils.RestAPIHandler
	clients      registry.ConnectionRegistry
	requests     protocol.RequestHandler
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// GetAPIRestGatewaySessionHandler define APIRestGatewaySessionHandler
func GetAPIRestGatewaySessionHandler(
	clients registry.ConnectionRegistry,
	requests protocol.RequestHandler,
	httpConfig *common.HTTPConfig,
	wsConfig common.WebsocketConfig,
) (APIRestGatewaySessionHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway-session",
	}
	return APIRestGatewaySessionHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		clients:        clients,
		requests:       requests,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: time.Duration(wsConfig.WriteTimeout) * time.Second,
	}, nil
}

// OpenSession godoc
// @Summary Open a websocket client session
// @Description Upgrade the connection and begin the client message exchange
// @tags Gateway
// @Param client_id query string false "Client session ID. Generated when absent"
// @Param topic query string false "Broadcast topic tag for this session"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/ws [get]
func (h APIRestGatewaySessionHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	topicTag := r.URL.Query().Get("topic")
	if topicTag == "" {
		topicTag = protocol.TopicTagGeneral
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Websocket upgrade failed for %s", clientID,
		)
		return
	}

	transport := &wsTransport{conn: conn, writeTimeout: h.writeTimeout}
	if err := h.clients.Register(r.Context(), transport, clientID, topicTag); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to register client %s", clientID,
		)
		_ = conn.Close()
		return
	}
	defer h.clients.Evict(r.Context(), clientID, transport)

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(localLogTags).Debugf(
					"Read loop of %s ended", clientID,
				)
			}
			return
		}
		h.clients.TouchActivity(clientID, time.Now())
		if msgType != websocket.TextMessage {
			continue
		}
		h.requests.HandleFrame(r.Context(), clientID, raw)
	}
}

// OpenSessionHandler Wrapper around OpenSession
func (h APIRestGatewaySessionHandler) OpenSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.OpenSession(w, r)
	}
}
