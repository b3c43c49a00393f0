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
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// fakeKeyValueStore in-memory core.KeyValueStore for unit testing
type fakeKeyValueStore struct {
	hashes  map[string]map[string]string
	strings map[string]string
	lists   map[string][]string
	failing bool
}

func newFakeKeyValueStore() *fakeKeyValueStore {
	return &fakeKeyValueStore{
		hashes:  map[string]map[string]string{},
		strings: map[string]string{},
		lists:   map[string][]string{},
	}
}

func (s *fakeKeyValueStore) KeyType(ctxt context.Context, key string) (string, error) {
	if s.failing {
		return "", fmt.Errorf("store offline")
	}
	if _, ok := s.hashes[key]; ok {
		return "hash", nil
	}
	if _, ok := s.strings[key]; ok {
		return "string", nil
	}
	if _, ok := s.lists[key]; ok {
		return "list", nil
	}
	return "none", nil
}

func (s *fakeKeyValueStore) HashGetAll(
	ctxt context.Context, key string,
) (map[string]string, error) {
	if s.failing {
		return nil, fmt.Errorf("store offline")
	}
	return s.hashes[key], nil
}

func (s *fakeKeyValueStore) StringGet(
	ctxt context.Context, key string,
) (string, bool, error) {
	if s.failing {
		return "", false, fmt.Errorf("store offline")
	}
	raw, ok := s.strings[key]
	return raw, ok, nil
}

func (s *fakeKeyValueStore) ListRightPush(
	ctxt context.Context, key string, value []byte,
) error {
	if s.failing {
		return fmt.Errorf("store offline")
	}
	s.lists[key] = append(s.lists[key], string(value))
	return nil
}

func (s *fakeKeyValueStore) ListLeftPop(
	ctxt context.Context, key string,
) (string, bool, error) {
	if s.failing {
		return "", false, fmt.Errorf("store offline")
	}
	queue := s.lists[key]
	if len(queue) == 0 {
		return "", false, nil
	}
	head := queue[0]
	s.lists[key] = queue[1:]
	return head, true, nil
}

func (s *fakeKeyValueStore) ScanKeys(
	ctxt context.Context, pattern string,
) ([]string, error) {
	if s.failing {
		return nil, fmt.Errorf("store offline")
	}
	// the unit tests only scan marker keys
	result := []string{}
	for key := range s.hashes {
		result = append(result, key)
	}
	for key := range s.strings {
		result = append(result, key)
	}
	return result, nil
}

func TestEdgeDataReaderGet(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store := newFakeKeyValueStore()
	uut, err := GetEdgeDataReader(store)
	assert.Nil(err)

	utCtxt := context.Background()

	// Case 0: key absent
	assert.Empty(uut.Get(utCtxt, "inst", 1, "T"))

	// Case 1: hash key with mixed scalar forms
	store.hashes["inst:1:T"] = map[string]string{
		"101": "25.5", "102": "12", "103": "FAULT",
	}
	values := uut.Get(utCtxt, "inst", 1, "T")
	assert.Len(values, 3)
	assert.Equal(25.5, values["101"])
	assert.Equal(int64(12), values["102"])
	assert.Equal("FAULT", values["103"])

	// Case 2: string key carrying a JSON encoded map
	encoded, err := json.Marshal(map[string]interface{}{"201": 3.14159, "202": 7})
	assert.Nil(err)
	store.strings["inst:2:T"] = string(encoded)
	values = uut.Get(utCtxt, "inst", 2, "T")
	assert.Len(values, 2)
	assert.Equal(3.1416, values["201"])
	assert.Equal(int64(7), values["202"])

	// Case 3: string key with a malformed payload
	store.strings["inst:3:T"] = "not json"
	assert.Empty(uut.Get(utCtxt, "inst", 3, "T"))

	// Case 4: backend failure yields empty, not panic
	store.failing = true
	assert.Empty(uut.Get(utCtxt, "inst", 1, "T"))
	store.failing = false
}

func TestEdgeDataReaderEnumerateChannels(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store := newFakeKeyValueStore()
	uut, err := GetEdgeDataReader(store)
	assert.Nil(err)

	utCtxt := context.Background()

	// Case 0: nothing stored
	assert.Empty(uut.EnumerateChannels(utCtxt, "inst", ""))

	// Case 1: unsorted marker keys with a duplicate channel across forms
	store.hashes["inst:7:M"] = map[string]string{"1": "0"}
	store.hashes["inst:3:M"] = map[string]string{"1": "0"}
	store.strings["inst:7:M2"] = "{}"
	channels := uut.EnumerateChannels(utCtxt, "inst", "")
	assert.Equal([]int{3, 7}, channels)

	// Case 2: backend failure yields empty
	store.failing = true
	assert.Empty(uut.EnumerateChannels(utCtxt, "inst", ""))
}

func TestEdgeDataReaderCommandQueue(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store := newFakeKeyValueStore()
	uut, err := GetEdgeDataReader(store)
	assert.Nil(err)

	utCtxt := context.Background()

	cmd0 := Command{
		PointID: 11, Value: 42.5, IssuingClient: "client-0", CommandID: "cmd-0", Timestamp: 1,
	}
	cmd1 := Command{
		PointID: 12, Value: 0, IssuingClient: "client-1", CommandID: "cmd-1", Timestamp: 2,
	}

	// Case 0: enqueue lands on the trigger key
	assert.True(uut.EnqueueCommand(utCtxt, "inst", 5, "C", cmd0))
	assert.True(uut.EnqueueCommand(utCtxt, "inst", 5, "C", cmd1))
	assert.Len(store.lists["inst:trigger:5:C"], 2)

	// Case 1: drain returns FIFO order and empties the queue
	drained := uut.DrainCommandQueue(utCtxt, "inst", 5, "C")
	assert.Equal([]Command{cmd0, cmd1}, drained)
	assert.Empty(uut.DrainCommandQueue(utCtxt, "inst", 5, "C"))

	// Case 2: enqueue failure is reported
	store.failing = true
	assert.False(uut.EnqueueCommand(utCtxt, "inst", 5, "C", cmd0))
}
