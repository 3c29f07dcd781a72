// Copyright 2021-2022 The fanout Authors
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

	"github.com/alwitt/fanout/apis"
	"github.com/alwitt/fanout/common"
	"github.com/alwitt/fanout/core"
	"github.com/alwitt/fanout/gateway"
	"github.com/alwitt/fanout/ingress"
	"github.com/alwitt/fanout/pubsub"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGatewayServer run the gateway server
//
// natsClient is nil when NATS ingress is disabled.
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if config.Gateway == nil {
		return fmt.Errorf("gateway server can't start without its configurations")
	}
	gatewayConfig := config.Gateway
	if err := validate.Struct(gatewayConfig); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Define the session registry and the dispatchers

	sessionConfig := gatewayConfig.Session
	registry, err := gateway.NewRegistry(gateway.SessionParam{
		QueueDepth:          sessionConfig.QueueDepth,
		BackpressureTimeout: sessionConfig.BackpressureTimeoutDuration(),
		WriteTimeout:        sessionConfig.WriteTimeoutDuration(),
		HeartbeatInterval:   sessionConfig.HeartbeatIntervalDuration(),
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define session registry")
		return err
	}

	hub, err := pubsub.NewHub(localCtxt, registry, pubsub.HubParam{
		Strict:        config.StrictInvariants(),
		Workers:       gatewayConfig.Dispatch.Workers,
		QueueDepth:    gatewayConfig.Dispatch.QueueDepth,
		SubmitTimeout: gatewayConfig.Dispatch.SubmitTimeoutDuration(),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define dispatch hub")
		return err
	}
	if err := hub.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start dispatch workers")
		return err
	}
	defer func() {
		if err := hub.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to stop dispatch workers")
		}
	}()

	// -------------------------------------------------------------------
	// NATS ingress

	if natsClient != nil {
		subscriber, err := ingress.GetSubscriber(localCtxt, natsClient, config.NATS.Subject, hub)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to define NATS ingress on %s", config.NATS.Subject,
			)
			return err
		}
		if err := subscriber.StartReading(wg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start NATS ingress")
			return err
		}
		log.WithFields(logTags).Infof("Reading dispatch envelopes from %s", config.NATS.Subject)
	}

	httpHandler, err := apis.GetAPIRestGatewayHandler(
		localCtxt, hub, registry, natsClient, &gatewayConfig.HTTPSetting, sessionConfig, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	_ = apis.RegisterGatewayRoutes(router, gatewayConfig.Endpoints.PathPrefix, httpHandler)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := gatewayConfig.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:              serverListen,
		ReadHeaderTimeout: time.Second * time.Duration(serverConfig.ReadTimeout),
		IdleTimeout:       time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:           h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server. Event stream handlers return once their sessions drain.
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Close whatever sessions remain, such as the WebSocket ones
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := registry.Close(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during session shutdown")
		}
	}

	return nil
}
