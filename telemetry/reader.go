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

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/alwitt/telegate/common"
	"github.com/alwitt/telegate/core"
	"github.com/apex/log"
)

// ChannelMarkerType is the data type used as the key-space marker when
// enumerating which channels exist
const ChannelMarkerType = "M"

// floatDecimals fractional digits retained when normalizing float values
const floatDecimals = 4

// Command an outbound control instruction appended to a channel's command queue
type Command struct {
	// PointID the data point the command targets
	PointID int `json:"point_id"`
	// Value the commanded value
	Value float64 `json:"value"`
	// IssuingClient the client the command originated from
	IssuingClient string `json:"source"`
	// CommandID caller supplied or generated command ID
	CommandID string `json:"command_id"`
	// Timestamp UNIX timestamp of when the command was accepted
	Timestamp int64 `json:"timestamp"`
}

// Reader reads edge telemetry from the backing key/value store.
//
// Every read degrades to "no data" on backend or decode failure; a malformed
// record must never surface as an error to the poll loop.
type Reader interface {
	// Get read the current values stored for one (source, channel, type) key.
	// A missing key, or any backend failure, yields an empty mapping.
	Get(ctxt context.Context, source string, channelID int, dataType string) map[string]interface{}
	// EnumerateChannels discover which channel IDs exist under a source by
	// scanning for the marker data type. Sorted ascending, deduplicated.
	EnumerateChannels(ctxt context.Context, source string, typeHint string) []int
	// EnqueueCommand append a command to the channel's command queue.
	// Returns false on any backend failure.
	EnqueueCommand(
		ctxt context.Context, source string, channelID int, dataType string, cmd Command,
	) bool
	// DrainCommandQueue remove and return all commands currently queued for
	// one (source, channel, type) key
	DrainCommandQueue(
		ctxt context.Context, source string, channelID int, dataType string,
	) []Command
}

// edgeDataReaderImpl implements Reader
type edgeDataReaderImpl struct {
	common.Component
	store core.KeyValueStore
}

// GetEdgeDataReader define a new edge telemetry Reader
func GetEdgeDataReader(store core.KeyValueStore) (Reader, error) {
	logTags := log.Fields{
		"module": "telemetry", "component": "edge-data-reader",
	}
	return &edgeDataReaderImpl{
		Component: common.Component{LogTags: logTags}, store: store,
	}, nil
}

// dataKey the store key holding one channel's values of one data type
func dataKey(source string, channelID int, dataType string) string {
	return fmt.Sprintf("%s:%d:%s", source, channelID, dataType)
}

// commandQueueKey the store key holding one channel's command queue
func commandQueueKey(source string, channelID int, dataType string) string {
	return fmt.Sprintf("%s:trigger:%d:%s", source, channelID, dataType)
}

// normalizeValue coerce one stored scalar into its typed form. Values with a
// decimal point parse as float rounded to a fixed precision, otherwise integer
// parse is attempted, otherwise the raw string is kept.
func normalizeValue(raw string) interface{} {
	if strings.Contains(raw, ".") {
		if asFloat, err := strconv.ParseFloat(raw, 64); err == nil {
			shift := math.Pow10(floatDecimals)
			return math.Round(asFloat*shift) / shift
		}
		return raw
	}
	if asInt, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return asInt
	}
	return raw
}

// Get read the current values stored for one (source, channel, type) key
func (r *edgeDataReaderImpl) Get(
	ctxt context.Context, source string, channelID int, dataType string,
) map[string]interface{} {
	key := dataKey(source, channelID, dataType)

	keyType, err := r.store.KeyType(ctxt, key)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to inspect key %s", key)
		return map[string]interface{}{}
	}

	var fields map[string]string
	switch keyType {
	case "hash":
		fields, err = r.store.HashGetAll(ctxt, key)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to read hash key %s", key)
			return map[string]interface{}{}
		}
	case "string":
		raw, found, err := r.store.StringGet(ctxt, key)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to read string key %s", key)
			return map[string]interface{}{}
		}
		if !found {
			return map[string]interface{}{}
		}
		// string keys carry one JSON-encoded scalar map
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Key %s JSON decode failed", key)
			return map[string]interface{}{}
		}
		fields = make(map[string]string, len(decoded))
		for pointID, value := range decoded {
			fields[pointID] = fmt.Sprintf("%v", value)
		}
	case "none":
		log.WithFields(r.LogTags).Debugf("Key %s absent", key)
		return map[string]interface{}{}
	default:
		log.WithFields(r.LogTags).Warnf("Key %s has unsupported type %s", key, keyType)
		return map[string]interface{}{}
	}

	result := make(map[string]interface{}, len(fields))
	for pointID, raw := range fields {
		result[pointID] = normalizeValue(raw)
	}
	return result
}

// EnumerateChannels discover which channel IDs exist under a source
func (r *edgeDataReaderImpl) EnumerateChannels(
	ctxt context.Context, source string, typeHint string,
) []int {
	if typeHint == "" {
		typeHint = ChannelMarkerType
	}
	pattern := fmt.Sprintf("%s:*:%s", source, typeHint)
	keys, err := r.store.ScanKeys(ctxt, pattern)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to scan source %s for channels", source,
		)
		return []int{}
	}

	seen := map[int]bool{}
	channels := make([]int, 0, len(keys))
	for _, key := range keys {
		// key layout is source:channel_id:data_type
		parts := strings.Split(key, ":")
		if len(parts) < 2 {
			continue
		}
		channelID, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		if !seen[channelID] {
			seen[channelID] = true
			channels = append(channels, channelID)
		}
	}
	sort.Ints(channels)
	return channels
}

// EnqueueCommand append a command to the channel's command queue
func (r *edgeDataReaderImpl) EnqueueCommand(
	ctxt context.Context, source string, channelID int, dataType string, cmd Command,
) bool {
	key := commandQueueKey(source, channelID, dataType)
	serialized, err := json.Marshal(&cmd)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to serialize command %s", cmd.CommandID,
		)
		return false
	}
	if err := r.store.ListRightPush(ctxt, key, serialized); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to enqueue command %s on %s", cmd.CommandID, key,
		)
		return false
	}
	return true
}

// DrainCommandQueue remove and return all commands currently queued
func (r *edgeDataReaderImpl) DrainCommandQueue(
	ctxt context.Context, source string, channelID int, dataType string,
) []Command {
	key := commandQueueKey(source, channelID, dataType)
	commands := []Command{}
	for {
		raw, found, err := r.store.ListLeftPop(ctxt, key)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to drain queue %s", key)
			break
		}
		if !found {
			break
		}
		var cmd Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf("Discarding malformed command on %s", key)
			continue
		}
		commands = append(commands, cmd)
	}
	return commands
}
