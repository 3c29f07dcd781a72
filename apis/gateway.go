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

package apis

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/alwitt/fanout/common"
	"github.com/alwitt/fanout/core"
	"github.com/alwitt/fanout/gateway"
	"github.com/alwitt/fanout/pubsub"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// APIRestGatewayHandler REST handler for the fanout gateway
type APIRestGatewayHandler struct {
	goutils.RestAPIHandler
	hub         *pubsub.Hub
	registry    *gateway.Registry
	natsClient  *core.NatsClient
	wsParam     gateway.WebSocketParam
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
//
// natsClient is optional. When given, readiness reflects the NATS connection status.
func GetAPIRestGatewayHandler(
	baseContext context.Context,
	hub *pubsub.Hub,
	registry *gateway.Registry,
	natsClient *core.NatsClient,
	httpConfig *common.HTTPConfig,
	sessionConfig common.SessionConfig,
	wg *sync.WaitGroup,
) (APIRestGatewayHandler, error) {
	if hub == nil || registry == nil {
		return APIRestGatewayHandler{}, fmt.Errorf("hub and session registry are required")
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "gateway",
	}
	return APIRestGatewayHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		hub:            hub,
		registry:       registry,
		natsClient:     natsClient,
		wsParam: gateway.WebSocketParam{
			WriteTimeout:      sessionConfig.WriteTimeoutDuration(),
			HeartbeatInterval: sessionConfig.HeartbeatIntervalDuration(),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		validate:    validator.New(),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// =======================================================================
// Client sessions

// -----------------------------------------------------------------------

// EventStream godoc
// @Summary Establish an event stream session
// @Description Establish a long lived session for a user. Dispatched events are streamed
// back as server-sent events, one JSON frame per "data:" line. The first frame is the
// hello frame carrying the session ID.
// @tags Gateway
// @Produce json
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User snowflake ID"
// @Success 200 {object} gateway.Frame "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Fanout-Request-ID "Request ID to match against logs"
// @Router /v1/gateway/user/{userID}/stream [get]
func (h APIRestGatewayHandler) EventStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	writeError := func(code int, msg string, err error) {
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error()), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	userID, err := readSnowflakeVar(r, "userID")
	if err != nil {
		writeError(http.StatusBadRequest, "Invalid user ID", err)
		return
	}

	transport, err := gateway.NewSSETransport(w, localLogTags)
	if err != nil {
		writeError(http.StatusInternalServerError, "Event streaming not supported", err)
		return
	}
	// The response writer is released only once no write is in flight
	defer func() {
		_ = transport.Close(gateway.CloseNormal, "stream ended")
		<-transport.Idle()
	}()
	// The response is committed from here on; failures can only end the stream
	session := h.registry.NewSession(common.UserID(userID), transport)
	if err := h.registry.RegisterSession(common.UserID(userID), session); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to start session for %d", userID)
		session.Abort(gateway.CloseAbnormal, "session start failed")
		return
	}
	log.WithFields(localLogTags).Infof("Started event stream session %s for %d", session.ID(), userID)

	select {
	case <-session.Done():
		log.WithFields(localLogTags).Infof("Session %s closed", session.ID())
	case <-r.Context().Done():
		log.WithFields(localLogTags).Infof("Client of session %s disconnected", session.ID())
		session.Abort(gateway.CloseGoingAway, "client disconnected")
	case <-h.baseContext.Done():
		log.WithFields(localLogTags).Infof("Draining session %s on shutdown", session.ID())
		session.Close()
		select {
		case <-session.Done():
		case <-r.Context().Done():
			session.Abort(gateway.CloseGoingAway, "client disconnected")
		}
	}
}

// EventStreamHandler Wrapper around EventStream
func (h APIRestGatewayHandler) EventStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EventStream(w, r)
	}
}

// -----------------------------------------------------------------------

// WebSocketSession godoc
// @Summary Establish a WebSocket session
// @Description Upgrade to a WebSocket session for a user. Dispatched events are sent as
// JSON text frames. Clients may send heartbeat frames, which are acknowledged.
// @tags Gateway
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User snowflake ID"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/gateway/user/{userID}/ws [get]
func (h APIRestGatewayHandler) WebSocketSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	userID, err := readSnowflakeVar(r, "userID")
	if err != nil {
		msg := "Invalid user ID"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	// Upgrade writes its own error response on failure
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	transport, err := gateway.NewWebSocketTransport(
		h.baseContext, conn, h.wsParam, localLogTags, h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define WebSocket transport")
		_ = conn.Close()
		return
	}
	session := h.registry.NewSession(common.UserID(userID), transport)
	if err := h.registry.RegisterSession(common.UserID(userID), session); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to start session for %d", userID)
		session.Abort(gateway.CloseAbnormal, "session start failed")
		return
	}
	log.WithFields(localLogTags).Infof("Started WebSocket session %s for %d", session.ID(), userID)

	// Drain gracefully on shutdown
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-h.baseContext.Done():
			session.Close()
		case <-session.Done():
		}
	}()

	if err := transport.ReadLoop(); err != nil {
		log.WithError(err).WithFields(localLogTags).Debugf("Session %s read loop ended", session.ID())
	}
	session.Abort(gateway.CloseGoingAway, "client disconnected")
	log.WithFields(localLogTags).Infof("Session %s closed", session.ID())
}

// WebSocketSessionHandler Wrapper around WebSocketSession
func (h APIRestGatewayHandler) WebSocketSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WebSocketSession(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For gateway REST API liveness check
// @Description Will return success to indicate gateway REST API module is live
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway REST API readiness check
// @Description Will return success if gateway REST API module is ready for use
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ready := h.baseContext.Err() == nil
	if ready && h.natsClient != nil {
		ready = h.natsClient.Conn().Status() == nats.CONNECTED
	}
	if ready {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================
// Routes

// RegisterGatewayRoutes register the gateway end-points under a path prefix
func RegisterGatewayRoutes(
	parentRouter *mux.Router, pathPrefix string, httpHandler APIRestGatewayHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(parentRouter, pathPrefix, nil)

	// Client sessions
	_ = RegisterPathPrefix(
		mainRouter, "/v1/gateway/user/{userID}/stream", MethodHandlers{
			"get": httpHandler.EventStreamHandler(),
		},
	)
	_ = RegisterPathPrefix(
		mainRouter, "/v1/gateway/user/{userID}/ws", MethodHandlers{
			"get": httpHandler.WebSocketSessionHandler(),
		},
	)

	// Dispatch
	_ = RegisterPathPrefix(
		mainRouter, "/v1/dispatch/{kind}/{key}", MethodHandlers{
			"post": httpHandler.DispatchHandler(),
		},
	)

	// Subscriptions
	subscriptionRouter := RegisterPathPrefix(
		mainRouter, "/v1/subscription/{kind}/{key}", MethodHandlers{
			"get": httpHandler.GetSubscribersHandler(),
		},
	)
	_ = RegisterPathPrefix(
		subscriptionRouter, "/subscriber/{subscriberID}", MethodHandlers{
			"put":    httpHandler.SubscribeHandler(),
			"delete": httpHandler.UnsubscribeHandler(),
		},
	)

	// Relationships
	relationshipRouter := RegisterPathPrefix(
		mainRouter, "/v1/relationship/{userID}", MethodHandlers{
			"get": httpHandler.GetRelationshipsHandler(),
		},
	)
	_ = RegisterPathPrefix(
		relationshipRouter, "/peer/{peerID}", MethodHandlers{
			"put":    httpHandler.AddRelationshipHandler(),
			"delete": httpHandler.RemoveRelationshipHandler(),
		},
	)

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/alive", MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	return mainRouter
}
