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

package core

import (
	"context"
	"time"

	"github.com/alwitt/telegate/common"
	"github.com/apex/log"
	"github.com/go-redis/redis/v8"
)

// RedisConnectParams Redis connection parameter
type RedisConnectParams struct {
	// Addr connect to Redis at this "host:port" address
	Addr string `validate:"required"`
	// Password optional AUTH password
	Password string
	// DB the logical database holding the edge telemetry keys
	DB int `validate:"gte=0"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// OpTimeout per-operation timeout against the store
	OpTimeout time.Duration
}

// KeyValueStore typed operations against the backing key/value store.
//
// Every operation takes a context; implementations must not retain the
// context past the call.
type KeyValueStore interface {
	// KeyType report the stored representation of a key ("hash", "string",
	// "none" when absent)
	KeyType(ctxt context.Context, key string) (string, error)
	// HashGetAll read all field/value pairs of a hash key
	HashGetAll(ctxt context.Context, key string) (map[string]string, error)
	// StringGet read a string key; found is false when the key is absent
	StringGet(ctxt context.Context, key string) (value string, found bool, err error)
	// ListRightPush append an entry to the tail of a list key
	ListRightPush(ctxt context.Context, key string, value []byte) error
	// ListLeftPop remove and return the head of a list key; found is false
	// when the list is empty or absent
	ListLeftPop(ctxt context.Context, key string) (value string, found bool, err error)
	// ScanKeys list all keys matching a glob pattern
	ScanKeys(ctxt context.Context, pattern string) ([]string, error)
}

// RedisClient Redis client as the edge data store core
type RedisClient struct {
	common.Component
	client *redis.Client
}

// Ping verify the store is reachable
func (c RedisClient) Ping(ctxt context.Context) error {
	if err := c.client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Redis ping failed")
		return err
	}
	return nil
}

// Close close the Redis client
func (c RedisClient) Close(ctxt context.Context) {
	if err := c.client.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Redis close failed")
	}
	log.WithFields(c.LogTags).Infof("Closed Redis client")
}

// KeyType report the stored representation of a key
func (c RedisClient) KeyType(ctxt context.Context, key string) (string, error) {
	return c.client.Type(ctxt, key).Result()
}

// HashGetAll read all field/value pairs of a hash key
func (c RedisClient) HashGetAll(ctxt context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctxt, key).Result()
}

// StringGet read a string key
func (c RedisClient) StringGet(ctxt context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctxt, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// ListRightPush append an entry to the tail of a list key
func (c RedisClient) ListRightPush(ctxt context.Context, key string, value []byte) error {
	return c.client.RPush(ctxt, key, value).Err()
}

// ListLeftPop remove and return the head of a list key
func (c RedisClient) ListLeftPop(ctxt context.Context, key string) (string, bool, error) {
	val, err := c.client.LPop(ctxt, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// ScanKeys list all keys matching a glob pattern
func (c RedisClient) ScanKeys(ctxt context.Context, pattern string) ([]string, error) {
	return c.client.Keys(ctxt, pattern).Result()
}

// GetRedisClient define a new Redis store client
func GetRedisClient(param RedisConnectParams) (RedisClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "redis-backend",
		"instance":  param.Addr,
	}
	// Create the Redis transport
	rc := redis.NewClient(&redis.Options{
		Addr:         param.Addr,
		Password:     param.Password,
		DB:           param.DB,
		DialTimeout:  param.ConnectTimeout,
		ReadTimeout:  param.OpTimeout,
		WriteTimeout: param.OpTimeout,
	})

	client := RedisClient{
		Component: common.Component{LogTags: logTags},
		client:    rc,
	}

	// Verify the store is reachable; the gateway cannot run without it
	ctxt, cancel := context.WithTimeout(context.Background(), param.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Redis client connect failed")
		return RedisClient{}, err
	}
	log.WithFields(logTags).Info("Created Redis client")

	return client, nil
}
