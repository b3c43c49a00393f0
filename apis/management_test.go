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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alwitt/telegate/common"
	"github.com/alwitt/telegate/registry"
	"github.com/alwitt/telegate/telemetry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

// fakeDataReader telemetry.Reader serving canned channels and commands
type fakeDataReader struct {
	channels []int
	queued   []telemetry.Command
}

func (r *fakeDataReader) Get(
	ctxt context.Context, source string, channelID int, dataType string,
) map[string]interface{} {
	return map[string]interface{}{}
}

func (r *fakeDataReader) EnumerateChannels(
	ctxt context.Context, source string, typeHint string,
) []int {
	return r.channels
}

func (r *fakeDataReader) EnqueueCommand(
	ctxt context.Context, source string, channelID int, dataType string, cmd telemetry.Command,
) bool {
	r.queued = append(r.queued, cmd)
	return true
}

func (r *fakeDataReader) DrainCommandQueue(
	ctxt context.Context, source string, channelID int, dataType string,
) []telemetry.Command {
	drained := r.queued
	r.queued = nil
	return drained
}

// fakeStoreMonitor DataStoreMonitor with a switchable outcome
type fakeStoreMonitor struct {
	offline bool
}

func (m *fakeStoreMonitor) Ping(ctxt context.Context) error {
	if m.offline {
		return fmt.Errorf("store offline")
	}
	return nil
}

// fakeTransport in-memory transport recording delivered frames
type fakeTransport struct {
	delivered [][]byte
	failSend  bool
}

func (t *fakeTransport) SendText(ctxt context.Context, payload []byte) error {
	if t.failSend {
		return fmt.Errorf("transport broken")
	}
	t.delivered = append(t.delivered, payload)
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) RemoteAddr() string { return "127.0.0.1:9999" }

func utHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			StartOfRequestMessage: "UT Request Start",
			EndOfRequestMessage:   "UT Request Complete",
		},
	}
}

func TestGatewayManagementBroadcast(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	clients, err := registry.GetConnectionRegistry("ut-api-mgmt")
	assert.Nil(err)

	uut, err := GetAPIRestGatewayManagementHandler(
		clients, &fakeDataReader{}, &fakeStoreMonitor{}, utHTTPConfig(),
	)
	assert.Nil(err)

	// Case 0: broadcast with no connections still succeeds with count zero
	{
		payload := []byte(`{"type":"notice","message":"maintenance at midnight"}`)
		req, err := http.NewRequest("POST", "/v1/broadcast", bytes.NewReader(payload))
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		uut.BroadcastHandler().ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespBroadcastResult
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.Equal(0, resp.ClientCount)
	}

	transportA := &fakeTransport{}
	assert.Nil(clients.Register(utCtxt, transportA, "client-a", "ops"))
	transportB := &fakeTransport{}
	assert.Nil(clients.Register(utCtxt, transportB, "client-b", "general"))

	// Case 1: the body is delivered verbatim to matching connections
	{
		payload := []byte(`{"type":"notice","message":"ops only"}`)
		req, err := http.NewRequest(
			"POST", "/v1/broadcast?topic=ops", bytes.NewReader(payload),
		)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		uut.BroadcastHandler().ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespBroadcastResult
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal(1, resp.ClientCount)
		assert.Equal([]string{"client-a"}, resp.Clients)
		assert.Equal(payload, transportA.delivered[len(transportA.delivered)-1])
	}

	// Case 2: a body that is not JSON is rejected
	{
		req, err := http.NewRequest(
			"POST", "/v1/broadcast", bytes.NewReader([]byte("plain text")),
		)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		uut.BroadcastHandler().ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}
}

func TestGatewayManagementConnectionStatus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	clients, err := registry.GetConnectionRegistry("ut-api-mgmt")
	assert.Nil(err)

	uut, err := GetAPIRestGatewayManagementHandler(
		clients, &fakeDataReader{channels: []int{1, 2, 5}}, &fakeStoreMonitor{}, utHTTPConfig(),
	)
	assert.Nil(err)

	assert.Nil(clients.Register(utCtxt, &fakeTransport{}, "client-0", "general"))
	assert.Nil(clients.SetSubscription("client-0", "inst", []int{1, 2}, []string{"T"}, 500))

	req, err := http.NewRequest("GET", "/v1/broadcast/status", nil)
	assert.Nil(err)

	respRecorder := httptest.NewRecorder()
	uut.GetConnectionStatusHandler().ServeHTTP(respRecorder, req)

	assert.Equal(http.StatusOK, respRecorder.Code)
	var resp APIRestRespConnectionStatus
	assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
	assert.True(resp.Success)
	assert.Equal(1, resp.ConnectionCount)
	assert.Equal(1, resp.SubscribedCount)
	session, ok := resp.Connections["client-0"]
	assert.True(ok)
	assert.Equal("general", session.TopicTag)
	assert.Equal([]int{1, 2}, session.Subscription.Channels)
	assert.Equal(500, session.Subscription.IntervalMS)
	assert.Equal([]int{1, 2, 5}, resp.AvailableChannels)
}

func TestGatewayManagementDrainCommands(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clients, err := registry.GetConnectionRegistry("ut-api-mgmt")
	assert.Nil(err)

	data := &fakeDataReader{queued: []telemetry.Command{
		{PointID: 3, Value: 1.5, IssuingClient: "client-0", CommandID: "cmd_1"},
		{PointID: 4, Value: 0, IssuingClient: "client-1", CommandID: "cmd_2"},
	}}
	uut, err := GetAPIRestGatewayManagementHandler(
		clients, data, &fakeStoreMonitor{}, utHTTPConfig(),
	)
	assert.Nil(err)

	router := mux.NewRouter()
	router.HandleFunc("/v1/channel/{channelID}/commands", uut.DrainCommandsHandler())

	// Case 0: a non-numeric channel ID is rejected
	{
		req, err := http.NewRequest("DELETE", "/v1/channel/abc/commands", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 1: draining returns the queued commands in order and empties the queue
	{
		req, err := http.NewRequest("DELETE", "/v1/channel/2/commands", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespDrainedCommands
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.Equal(2, resp.CommandCount)
		assert.Equal("cmd_1", resp.Commands[0].CommandID)
		assert.Equal("cmd_2", resp.Commands[1].CommandID)
	}

	// Case 2: draining again finds nothing
	{
		req, err := http.NewRequest("DELETE", "/v1/channel/2/commands", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespDrainedCommands
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal(0, resp.CommandCount)
	}
}

func TestGatewayManagementHealthChecks(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clients, err := registry.GetConnectionRegistry("ut-api-mgmt")
	assert.Nil(err)

	store := &fakeStoreMonitor{}
	uut, err := GetAPIRestGatewayManagementHandler(
		clients, &fakeDataReader{}, store, utHTTPConfig(),
	)
	assert.Nil(err)

	// Case 0: alive always succeeds
	{
		req, err := http.NewRequest("GET", "/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 1: ready reflects the store probe
	{
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
	{
		store.offline = true
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}
}
