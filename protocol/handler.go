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

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/telegate/common"
	"github.com/alwitt/telegate/telemetry"
	"github.com/apex/log"
)

// ClientMessenger the registry operations the request handler needs
type ClientMessenger interface {
	// Send deliver one frame to one client, best effort
	Send(ctxt context.Context, clientID string, msg Message)
	// SetSubscription replace a client's subscription wholesale
	SetSubscription(
		clientID, source string, channels []int, dataTypes []string, intervalMS int,
	) error
	// NarrowSubscription remove channels from a client's subscription,
	// returning the subset actually removed
	NarrowSubscription(clientID string, channels []int) ([]int, error)
}

// PushTrigger requests an out-of-band data push for one client
type PushTrigger interface {
	// TriggerImmediatePush push current data to a client now, ignoring its
	// push interval
	TriggerImmediatePush(ctxt context.Context, clientID string) error
}

// RequestHandler processes inbound client frames. Every outcome, success or
// failure, is reported back to the client as a frame; HandleFrame itself
// never fails the connection.
type RequestHandler interface {
	// HandleFrame process one inbound text frame from a client
	HandleFrame(ctxt context.Context, clientID string, raw []byte)
}

// requestHandlerImpl implements RequestHandler
type requestHandlerImpl struct {
	common.Component
	messenger ClientMessenger
	pusher    PushTrigger
	data      telemetry.Reader
}

// GetRequestHandler define a new RequestHandler
func GetRequestHandler(
	messenger ClientMessenger, pusher PushTrigger, data telemetry.Reader, instance string,
) (RequestHandler, error) {
	logTags := log.Fields{
		"module": "protocol", "component": "request-handler", "instance": instance,
	}
	return &requestHandlerImpl{
		Component: common.Component{LogTags: logTags},
		messenger: messenger,
		pusher:    pusher,
		data:      data,
	}, nil
}

// HandleFrame process one inbound text frame from a client
func (h *requestHandlerImpl) HandleFrame(ctxt context.Context, clientID string, raw []byte) {
	received := time.Now()

	// One request must never take the session down with it
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithFields(h.LogTags).Errorf(
				"Panic while processing frame from %s: %v", clientID, recovered,
			)
			h.messenger.Send(ctxt, clientID, NewErrorMsg(
				ErrCodeProcessingFailure,
				"Internal failure while processing the request",
				fmt.Sprintf("%v", recovered),
				nil,
			))
		}
	}()

	var request Request
	if err := json.Unmarshal(raw, &request); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Client %s sent an unparsable frame", clientID,
		)
		h.messenger.Send(ctxt, clientID, NewErrorMsg(
			ErrCodeInvalidJSON, "Message is not valid JSON", err.Error(), nil,
		))
		return
	}

	switch request.Type {
	case MsgTypePing:
		h.handlePing(ctxt, clientID, &request, received)
	case MsgTypeSubscribe:
		h.handleSubscribe(ctxt, clientID, &request)
	case MsgTypeUnsubscribe:
		h.handleUnsubscribe(ctxt, clientID, &request)
	case MsgTypeControl:
		h.handleControl(ctxt, clientID, &request)
	default:
		// Unknown types are dropped without a reply so protocol extensions
		// do not break older gateways
		log.WithFields(h.LogTags).Debugf(
			"Client %s sent unknown message type '%s'", clientID, request.Type,
		)
	}
}

// handlePing answer a liveness probe
func (h *requestHandlerImpl) handlePing(
	ctxt context.Context, clientID string, request *Request, received time.Time,
) {
	h.messenger.Send(ctxt, clientID, NewPongMsg(request.ID, time.Since(received)))
}

// handleSubscribe replace the client's subscription and push current data
func (h *requestHandlerImpl) handleSubscribe(
	ctxt context.Context, clientID string, request *Request,
) {
	var params SubscribeRequest
	if len(request.Data) > 0 {
		if err := json.Unmarshal(request.Data, &params); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Client %s sent malformed subscribe parameters", clientID,
			)
			h.messenger.Send(ctxt, clientID, NewErrorMsg(
				ErrCodeSubscription, "Malformed subscribe parameters", err.Error(), &request.ID,
			))
			return
		}
	}

	source := DefaultSource
	if params.Source != nil {
		source = *params.Source
	}
	channels := params.Channels
	if channels == nil {
		channels = []int{}
	}
	dataTypes := params.DataTypes
	if len(dataTypes) == 0 {
		dataTypes = []string{DefaultDataType}
	}
	interval := DefaultIntervalMS
	if params.Interval != nil {
		interval = *params.Interval
	}

	if err := h.messenger.SetSubscription(
		clientID, source, channels, dataTypes, interval,
	); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to record subscription of %s", clientID,
		)
		h.messenger.Send(ctxt, clientID, NewErrorMsg(
			ErrCodeSubscription, "Failed to record subscription", err.Error(), &request.ID,
		))
		return
	}

	// Channel IDs are not validated against the store; an unknown channel
	// simply has no data to push
	h.messenger.Send(ctxt, clientID, NewSubscribeAckMsg(request.ID, channels, []int{}))
	if err := h.pusher.TriggerImmediatePush(ctxt, clientID); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to schedule initial push for %s", clientID,
		)
	}
}

// handleUnsubscribe narrow the client's subscription
func (h *requestHandlerImpl) handleUnsubscribe(
	ctxt context.Context, clientID string, request *Request,
) {
	var params UnsubscribeRequest
	if len(request.Data) > 0 {
		if err := json.Unmarshal(request.Data, &params); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Client %s sent malformed unsubscribe parameters", clientID,
			)
			h.messenger.Send(ctxt, clientID, NewErrorMsg(
				ErrCodeSubscription, "Malformed unsubscribe parameters", err.Error(), &request.ID,
			))
			return
		}
	}

	removed, err := h.messenger.NarrowSubscription(clientID, params.Channels)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to narrow subscription of %s", clientID,
		)
		h.messenger.Send(ctxt, clientID, NewErrorMsg(
			ErrCodeSubscription, "Failed to narrow subscription", err.Error(), &request.ID,
		))
		return
	}
	h.messenger.Send(ctxt, clientID, NewUnsubscribeAckMsg(request.ID, removed, []int{}))
}

// handleControl validate and enqueue a control command
func (h *requestHandlerImpl) handleControl(
	ctxt context.Context, clientID string, request *Request,
) {
	var params ControlRequest
	if len(request.Data) > 0 {
		if err := json.Unmarshal(request.Data, &params); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Client %s sent malformed control parameters", clientID,
			)
			h.messenger.Send(ctxt, clientID, NewErrorMsg(
				ErrCodeControl, "Malformed control parameters", err.Error(), &request.ID,
			))
			return
		}
	}

	missing := []string{}
	if params.ChannelID == 0 {
		missing = append(missing, "channel_id")
	}
	if params.PointID == 0 {
		missing = append(missing, "point_id")
	}
	if params.CommandType == "" {
		missing = append(missing, "command_type")
	}
	// Zero is rejected alongside absence. The edge protocol treats a zero
	// command value as no command at all.
	if params.Value == nil || *params.Value == 0 {
		missing = append(missing, "value")
	}
	if len(missing) > 0 {
		h.messenger.Send(ctxt, clientID, NewErrorMsg(
			ErrCodeValidation,
			"Control request is missing required fields",
			fmt.Sprintf("missing %v", missing),
			&request.ID,
		))
		return
	}

	source := DefaultSource
	if params.Source != nil {
		source = *params.Source
	}
	commandID := request.ID
	if commandID == "" {
		commandID = fmt.Sprintf("cmd_%d", time.Now().Unix())
	}
	command := telemetry.Command{
		PointID:       params.PointID,
		Value:         *params.Value,
		IssuingClient: clientID,
		CommandID:     commandID,
		Timestamp:     time.Now().Unix(),
	}

	if !h.data.EnqueueCommand(ctxt, source, params.ChannelID, CommandDataType, command) {
		h.messenger.Send(ctxt, clientID, NewErrorMsg(
			ErrCodeControl,
			"Failed to queue control command",
			fmt.Sprintf("channel %d", params.ChannelID),
			&request.ID,
		))
		return
	}

	log.WithFields(h.LogTags).Infof(
		"Client %s queued command %s against channel %d point %d",
		clientID, commandID, params.ChannelID, params.PointID,
	)
	actual := *params.Value
	h.messenger.Send(ctxt, clientID, NewControlAckMsg(
		request.ID, commandID, "executed", true, &actual,
	))
}
