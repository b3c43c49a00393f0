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
	"encoding/json"
	"fmt"
	"time"
)

// MessageType websocket frame type tag
type MessageType string

// Client to server frame types
const (
	MsgTypeSubscribe   = MessageType("subscribe")
	MsgTypeUnsubscribe = MessageType("unsubscribe")
	MsgTypeControl     = MessageType("control")
	MsgTypePing        = MessageType("ping")
)

// Server to client frame types
const (
	MsgTypeConnectionEstablished = MessageType("connection_established")
	MsgTypeSubscribeAck          = MessageType("subscribe_ack")
	MsgTypeUnsubscribeAck        = MessageType("unsubscribe_ack")
	MsgTypeControlAck            = MessageType("control_ack")
	MsgTypeDataBatch             = MessageType("data_batch")
	MsgTypeError                 = MessageType("error")
	MsgTypePong                  = MessageType("pong")
	MsgTypeHeartbeat             = MessageType("heartbeat")
	MsgTypeAlarm                 = MessageType("alarm")
)

// Frame error codes
const (
	ErrCodeInvalidJSON       = "INVALID_JSON"
	ErrCodeProcessingFailure = "PROCESSING_ERROR"
	ErrCodeSubscription      = "SUBSCRIPTION_ERROR"
	ErrCodeControl           = "CONTROL_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
)

// Subscription request defaults applied at the protocol boundary when the
// client omits a field
const (
	// DefaultSource data source namespace assumed when none is named
	DefaultSource = "inst"
	// DefaultDataType data type subscribed when none are named
	DefaultDataType = "T"
	// DefaultIntervalMS minimum gap between pushes when none is requested
	DefaultIntervalMS = 1000
	// CommandDataType data type tag under which control commands are queued
	CommandDataType = "C"
)

// TopicTagGeneral broadcast filter sentinel matching every connection
const TopicTagGeneral = "general"

// ========================================================================================
// Client to server frames

// Request one decoded inbound client frame
type Request struct {
	// Type the frame type tag
	Type MessageType `json:"type"`
	// ID caller supplied request ID echoed back in acknowledgments
	ID string `json:"id"`
	// Data the type specific request payload, decoded lazily
	Data json.RawMessage `json:"data"`
}

// SubscribeRequest payload of a subscribe frame. Pointer fields distinguish
// an omitted value from an explicit zero.
type SubscribeRequest struct {
	Source    *string  `json:"source,omitempty"`
	Channels  []int    `json:"channels"`
	DataTypes []string `json:"data_types"`
	Interval  *int     `json:"interval,omitempty"`
}

// UnsubscribeRequest payload of an unsubscribe frame
type UnsubscribeRequest struct {
	Channels []int `json:"channels"`
}

// ControlRequest payload of a control frame
type ControlRequest struct {
	Source      *string  `json:"source,omitempty"`
	ChannelID   int      `json:"channel_id"`
	PointID     int      `json:"point_id"`
	CommandType string   `json:"command_type"`
	Value       *float64 `json:"value,omitempty"`
}

// ========================================================================================
// Server to client frames

// Message one outbound server frame
type Message struct {
	// Type the frame type tag
	Type MessageType `json:"type"`
	// ID frame ID; acknowledgments derive it from the request ID
	ID string `json:"id"`
	// Timestamp UNIX timestamp of when the frame was built
	Timestamp int64 `json:"timestamp"`
	// Data the type specific payload
	Data interface{} `json:"data"`
}

// ConnectionEstablishedData payload of the welcome frame
type ConnectionEstablishedData struct {
	ClientID string `json:"client_id"`
	TopicTag string `json:"topic"`
	Message  string `json:"message"`
}

// PongData payload of a pong frame
type PongData struct {
	ServerTime int64 `json:"server_time"`
	// Latency server side processing latency for the ping in msec
	Latency int64 `json:"latency"`
}

// SubscribeAckData payload of a subscribe acknowledgment
type SubscribeAckData struct {
	RequestID  string `json:"request_id"`
	Subscribed []int  `json:"subscribed"`
	Failed     []int  `json:"failed"`
	Total      int    `json:"total"`
}

// UnsubscribeAckData payload of an unsubscribe acknowledgment
type UnsubscribeAckData struct {
	RequestID    string `json:"request_id"`
	Unsubscribed []int  `json:"unsubscribed"`
	Failed       []int  `json:"failed"`
	Total        int    `json:"total"`
}

// ControlResult per-command execution outcome within a control acknowledgment
type ControlResult struct {
	Success     bool     `json:"success"`
	ActualValue *float64 `json:"actual_value"`
}

// ControlAckData payload of a control acknowledgment
type ControlAckData struct {
	RequestID string        `json:"request_id"`
	CommandID string        `json:"command_id"`
	Status    string        `json:"status"`
	Result    ControlResult `json:"result"`
}

// ChannelUpdate one channel's values of one data type within a data batch
type ChannelUpdate struct {
	Source    string                 `json:"source"`
	ChannelID int                    `json:"channel_id"`
	DataType  string                 `json:"data_type"`
	Values    map[string]interface{} `json:"values"`
}

// DataBatchData payload of a data batch push
type DataBatchData struct {
	Updates []ChannelUpdate `json:"updates"`
}

// ErrorData payload of an error frame
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	// RequestID the request the error answers, if known
	RequestID *string `json:"request_id"`
}

// HeartbeatData payload of a server heartbeat broadcast
type HeartbeatData struct {
	ServerTime int64 `json:"server_time"`
}

// AlarmData payload of an alarm broadcast
type AlarmData struct {
	AlarmID   string  `json:"alarm_id"`
	ChannelID int     `json:"channel_id"`
	PointID   int     `json:"point_id"`
	Status    int     `json:"status"`
	Level     int     `json:"level"`
	Value     float64 `json:"value"`
	Message   string  `json:"message"`
}

// ========================================================================================
// Frame constructors

// NewConnectionEstablishedMsg build the welcome frame sent on registration
func NewConnectionEstablishedMsg(clientID, topicTag string) Message {
	return Message{
		Type:      MsgTypeConnectionEstablished,
		ID:        fmt.Sprintf("welcome_%s", clientID),
		Timestamp: time.Now().Unix(),
		Data: ConnectionEstablishedData{
			ClientID: clientID,
			TopicTag: topicTag,
			Message:  "Connected. Subscribe to data channels to receive live updates.",
		},
	}
}

// NewPongMsg build the reply to a ping frame
func NewPongMsg(requestID string, latency time.Duration) Message {
	return Message{
		Type:      MsgTypePong,
		ID:        fmt.Sprintf("%s_pong", requestID),
		Timestamp: time.Now().Unix(),
		Data: PongData{
			ServerTime: time.Now().Unix(),
			Latency:    latency.Milliseconds(),
		},
	}
}

// NewSubscribeAckMsg build a subscribe acknowledgment frame
func NewSubscribeAckMsg(requestID string, subscribed []int, failed []int) Message {
	return Message{
		Type:      MsgTypeSubscribeAck,
		ID:        fmt.Sprintf("%s_ack", requestID),
		Timestamp: time.Now().Unix(),
		Data: SubscribeAckData{
			RequestID:  requestID,
			Subscribed: subscribed,
			Failed:     failed,
			Total:      len(subscribed),
		},
	}
}

// NewUnsubscribeAckMsg build an unsubscribe acknowledgment frame
func NewUnsubscribeAckMsg(requestID string, unsubscribed []int, failed []int) Message {
	return Message{
		Type:      MsgTypeUnsubscribeAck,
		ID:        fmt.Sprintf("%s_ack", requestID),
		Timestamp: time.Now().Unix(),
		Data: UnsubscribeAckData{
			RequestID:    requestID,
			Unsubscribed: unsubscribed,
			Failed:       failed,
			Total:        len(unsubscribed),
		},
	}
}

// NewControlAckMsg build a control acknowledgment frame
func NewControlAckMsg(
	requestID, commandID, status string, success bool, actualValue *float64,
) Message {
	return Message{
		Type:      MsgTypeControlAck,
		ID:        fmt.Sprintf("%s_ack", requestID),
		Timestamp: time.Now().Unix(),
		Data: ControlAckData{
			RequestID: requestID,
			CommandID: commandID,
			Status:    status,
			Result:    ControlResult{Success: success, ActualValue: actualValue},
		},
	}
}

// NewDataBatchMsg build a data batch push frame for one channel
func NewDataBatchMsg(channelID int, updates []ChannelUpdate) Message {
	return Message{
		Type:      MsgTypeDataBatch,
		ID:        fmt.Sprintf("batch_%d_%d", channelID, time.Now().Unix()),
		Timestamp: time.Now().Unix(),
		Data:      DataBatchData{Updates: updates},
	}
}

// NewErrorMsg build an error frame
func NewErrorMsg(code, message, details string, requestID *string) Message {
	return Message{
		Type:      MsgTypeError,
		ID:        fmt.Sprintf("err_%d", time.Now().Unix()),
		Timestamp: time.Now().Unix(),
		Data: ErrorData{
			Code: code, Message: message, Details: details, RequestID: requestID,
		},
	}
}

// NewHeartbeatMsg build a server heartbeat broadcast frame
func NewHeartbeatMsg() Message {
	now := time.Now().Unix()
	return Message{
		Type:      MsgTypeHeartbeat,
		ID:        fmt.Sprintf("heartbeat_%d", now),
		Timestamp: now,
		Data:      HeartbeatData{ServerTime: now},
	}
}

// NewAlarmMsg build an alarm broadcast frame
func NewAlarmMsg(alarm AlarmData) Message {
	return Message{
		Type:      MsgTypeAlarm,
		ID:        fmt.Sprintf("alarm_%s", alarm.AlarmID),
		Timestamp: time.Now().Unix(),
		Data:      alarm,
	}
}
