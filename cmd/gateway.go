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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/telegate/apis"
	"github.com/alwitt/telegate/common"
	"github.com/alwitt/telegate/core"
	"github.com/alwitt/telegate/dispatch"
	"github.com/alwitt/telegate/protocol"
	"github.com/alwitt/telegate/registry"
	"github.com/alwitt/telegate/telemetry"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGatewayServer run the gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	params *common.GatewayServerConfig,
	instance string,
	store core.RedisClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	clients, err := registry.GetConnectionRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	reader, err := telemetry.GetEdgeDataReader(store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define telemetry reader")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	scheduler, err := dispatch.GetPushScheduler(
		localCtxt, clients, reader, params.Dispatch, instance, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define push scheduler")
		return err
	}
	if err := scheduler.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start push scheduler")
		return err
	}

	heartbeat, err := dispatch.GetHeartbeatMonitor(
		localCtxt, clients, params.Websocket, instance, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat monitor")
		return err
	}
	if err := heartbeat.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start heartbeat monitor")
		return err
	}

	requests, err := protocol.GetRequestHandler(clients, scheduler, reader, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request handler")
		return err
	}

	sessionHandler, err := apis.GetAPIRestGatewaySessionHandler(
		clients, requests, &params.HTTPSetting, params.Websocket,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session handler")
		return err
	}
	mgmtHandler, err := apis.GetAPIRestGatewayManagementHandler(
		clients, reader, store, &params.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define management handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, params.Endpoints.PathPrefix, nil)

	// Websocket client sessions
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": sessionHandler.OpenSessionHandler(),
	})

	// Broadcast
	broadcastAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/broadcast", map[string]http.HandlerFunc{
			"post": mgmtHandler.BroadcastHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(broadcastAPIRouter, "/status", map[string]http.HandlerFunc{
		"get": mgmtHandler.GetConnectionStatusHandler(),
	})

	// Command queue maintenance
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/channel/{channelID}/commands", map[string]http.HandlerFunc{
			"delete": mgmtHandler.DrainCommandsHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": mgmtHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": mgmtHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(mgmtHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", params.HTTPSetting.Server.ListenOn, params.HTTPSetting.Server.Port,
	)
	// No server-wide write timeout; websocket sessions are long-lived and
	// manage their own write deadlines
	httpSrv := &http.Server{
		Addr:        serverListen,
		IdleTimeout: time.Second * time.Duration(params.HTTPSetting.Server.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop pushing before closing the client connections
	if err := scheduler.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during scheduler shutdown")
	}
	if err := heartbeat.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during heartbeat shutdown")
	}
	clients.CloseAll(context.Background())

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
