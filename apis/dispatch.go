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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/fanout/common"
	"github.com/alwitt/fanout/pubsub"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// readDispatchTarget read the dispatch kind and key path variables
func readDispatchTarget(r *http.Request) (common.DispatchKind, int64, error) {
	rawKind, ok := mux.Vars(r)["kind"]
	if !ok {
		return "", 0, fmt.Errorf("no dispatch kind provided")
	}
	kind, err := common.ParseDispatchKind(rawKind)
	if err != nil {
		return "", 0, err
	}
	key, err := readSnowflakeVar(r, "key")
	if err != nil {
		return "", 0, err
	}
	return kind, key, nil
}

// =======================================================================
// Dispatch

// APIRestReqDispatch an event to dispatch
type APIRestReqDispatch struct {
	// Event the event name
	Event string `json:"event" validate:"required"`
	// Data the event payload
	Data json.RawMessage `json:"data,omitempty"`
}

// APIRestRespDispatch response to a dispatch
type APIRestRespDispatch struct {
	goutils.RestAPIBaseResponse
	// Delivered number of sessions the event was queued on. Always zero for
	// asynchronous dispatches.
	Delivered int `json:"delivered"`
}

// -----------------------------------------------------------------------

// Dispatch godoc
// @Summary Dispatch an event
// @Description Fan-out an event to every live session subscribed to an entity
// @tags Dispatch
// @Accept json
// @Produce json
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param kind path string true "Dispatch domain: user, guild, channel, or friend"
// @Param key path string true "Entity snowflake ID"
// @Param async query boolean false "Queue the dispatch on the worker pool"
// @Param event body APIRestReqDispatch true "Event to dispatch"
// @Success 200 {object} APIRestRespDispatch "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500,503 {string} Fanout-Request-ID "Request ID to match against logs"
// @Router /v1/dispatch/{kind}/{key} [post]
func (h APIRestGatewayHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	kind, key, err := readDispatchTarget(r)
	if err != nil {
		msg := "Invalid dispatch target"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var async bool
	if rawAsync := r.URL.Query().Get("async"); rawAsync != "" {
		if async, err = strconv.ParseBool(rawAsync); err != nil {
			msg := "Invalid async flag"
			log.WithError(err).WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
	}

	var req APIRestReqDispatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "Unable to parse dispatch request"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		msg := "Invalid dispatch request"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	event, err := common.NewRawEvent(req.Event, req.Data)
	if err != nil {
		msg := "Invalid event"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	resp := APIRestRespDispatch{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
	}
	if async {
		if err := h.hub.Submit(r.Context(), kind, key, event); err != nil {
			msg := fmt.Sprintf("Unable to queue %s for %s/%d", event, kind, key)
			log.WithError(err).WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusServiceUnavailable
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusServiceUnavailable, msg, err.Error(),
			)
			return
		}
	} else {
		// Dispatch is detached from the caller's request lifetime
		reached, err := h.hub.Dispatch(h.baseContext, kind, key, event)
		if err != nil {
			msg := fmt.Sprintf("Unable to dispatch %s to %s/%d", event, kind, key)
			log.WithError(err).WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		resp.Delivered = reached
	}

	respCode = http.StatusOK
	respBody = resp
}

// DispatchHandler Wrapper around Dispatch
func (h APIRestGatewayHandler) DispatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Dispatch(w, r)
	}
}

// =======================================================================
// Subscriptions

// APIRestRespSubscribers response for listing the subscribers of an entity
type APIRestRespSubscribers struct {
	goutils.RestAPIBaseResponse
	// Subscribers the subscribed user IDs
	Subscribers []string `json:"subscribers"`
}

// -----------------------------------------------------------------------

// GetSubscribers godoc
// @Summary List subscribers
// @Description List the users subscribed to an entity
// @tags Subscription
// @Produce json
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param kind path string true "Dispatch domain: guild, channel, or friend"
// @Param key path string true "Entity snowflake ID"
// @Success 200 {object} APIRestRespSubscribers "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Fanout-Request-ID "Request ID to match against logs"
// @Router /v1/subscription/{kind}/{key} [get]
func (h APIRestGatewayHandler) GetSubscribers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	kind, key, err := readDispatchTarget(r)
	if err != nil {
		msg := "Invalid subscription target"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	subscribers, err := h.hub.Subscribers(kind, key)
	if err != nil {
		msg := fmt.Sprintf("Unable to list subscribers of %s/%d", kind, key)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	converted := make([]string, len(subscribers))
	for idx, subscriber := range subscribers {
		converted[idx] = strconv.FormatInt(int64(subscriber), 10)
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscribers{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscribers: converted,
	}
}

// GetSubscribersHandler Wrapper around GetSubscribers
func (h APIRestGatewayHandler) GetSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscribers(w, r)
	}
}

// -----------------------------------------------------------------------

// Subscribe godoc
// @Summary Add a subscriber
// @Description Subscribe a user to an entity. Called by the persistence layer when a
// membership is written.
// @tags Subscription
// @Produce json
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param kind path string true "Dispatch domain: guild or channel. Friend subscribers follow relationships."
// @Param key path string true "Entity snowflake ID"
// @Param subscriberID path string true "Subscriber user snowflake ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Fanout-Request-ID "Request ID to match against logs"
// @Router /v1/subscription/{kind}/{key}/subscriber/{subscriberID} [put]
func (h APIRestGatewayHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.changeSubscription(w, r, true)
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestGatewayHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// Unsubscribe godoc
// @Summary Remove a subscriber
// @Description Unsubscribe a user from an entity. Called by the persistence layer when a
// membership is deleted.
// @tags Subscription
// @Produce json
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param kind path string true "Dispatch domain: guild or channel. Friend subscribers follow relationships."
// @Param key path string true "Entity snowflake ID"
// @Param subscriberID path string true "Subscriber user snowflake ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Fanout-Request-ID "Request ID to match against logs"
// @Router /v1/subscription/{kind}/{key}/subscriber/{subscriberID} [delete]
func (h APIRestGatewayHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.changeSubscription(w, r, false)
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestGatewayHandler) UnsubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Unsubscribe(w, r)
	}
}

func (h APIRestGatewayHandler) changeSubscription(
	w http.ResponseWriter, r *http.Request, subscribe bool,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	kind, key, err := readDispatchTarget(r)
	if err != nil {
		msg := "Invalid subscription target"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	subscriber, err := readSnowflakeVar(r, "subscriberID")
	if err != nil {
		msg := "Invalid subscriber"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if subscribe {
		err = h.hub.Subscribe(kind, key, common.UserID(subscriber))
	} else {
		err = h.hub.Unsubscribe(kind, key, common.UserID(subscriber))
	}
	if err != nil {
		msg := fmt.Sprintf("Unable to change subscription of %d to %s/%d", subscriber, kind, key)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		code := http.StatusBadRequest
		if errors.Is(err, pubsub.ErrStoreInvariantViolation) {
			code = http.StatusInternalServerError
		}
		respCode = code
		respBody = h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// =======================================================================
// Relationships

// APIRestReqRelationship a relationship request
type APIRestReqRelationship struct {
	// Type relationship type: 1 for friend, 2 for block
	Type pubsub.RelationshipType `json:"type" validate:"required,oneof=1 2"`
}

// APIRestRespRelationships response for listing the relationships of a user
type APIRestRespRelationships struct {
	goutils.RestAPIBaseResponse
	// Relationships the user's relationships
	Relationships []pubsub.Relationship `json:"relationships"`
}

// -----------------------------------------------------------------------

// GetRelationships godoc
// @Summary List relationships
// @Description List the relationships of a user, from the user's point of view
// @tags Relationship
// @Produce json
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User snowflake ID"
// @Success 200 {object} APIRestRespRelationships "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Fanout-Request-ID "Request ID to match against logs"
// @Router /v1/relationship/{userID} [get]
func (h APIRestGatewayHandler) GetRelationships(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	userID, err := readSnowflakeVar(r, "userID")
	if err != nil {
		msg := "Invalid user ID"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRelationships{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Relationships: h.hub.Relationships.Relationships(common.UserID(userID)),
	}
}

// GetRelationshipsHandler Wrapper around GetRelationships
func (h APIRestGatewayHandler) GetRelationshipsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRelationships(w, r)
	}
}

// -----------------------------------------------------------------------

// relationshipErrorCode map a relationship failure to a response code
func relationshipErrorCode(err error) int {
	switch {
	case errors.Is(err, pubsub.ErrRelationshipExists):
		return http.StatusConflict
	case errors.Is(err, pubsub.ErrNoRelationship):
		return http.StatusNotFound
	case errors.Is(err, pubsub.ErrStoreInvariantViolation):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// readRelationshipPair read the user and peer path variables
func readRelationshipPair(r *http.Request) (common.UserID, common.UserID, error) {
	userID, err := readSnowflakeVar(r, "userID")
	if err != nil {
		return 0, 0, err
	}
	peerID, err := readSnowflakeVar(r, "peerID")
	if err != nil {
		return 0, 0, err
	}
	return common.UserID(userID), common.UserID(peerID), nil
}

// AddRelationship godoc
// @Summary Add a relationship
// @Description Send or accept a friend request, or block a peer
// @tags Relationship
// @Accept json
// @Produce json
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User snowflake ID"
// @Param peerID path string true "Peer snowflake ID"
// @Param relationship body APIRestReqRelationship true "Relationship to add"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,409,500 {string} Fanout-Request-ID "Request ID to match against logs"
// @Router /v1/relationship/{userID}/peer/{peerID} [put]
func (h APIRestGatewayHandler) AddRelationship(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	user, peer, err := readRelationshipPair(r)
	if err != nil {
		msg := "Invalid relationship parties"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	var req APIRestReqRelationship
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "Unable to parse relationship request"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		msg := "Invalid relationship request"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.hub.Relationships.Add(h.baseContext, user, peer, req.Type); err != nil {
		msg := fmt.Sprintf("Unable to add relationship %d -> %d", user, peer)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = relationshipErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// AddRelationshipHandler Wrapper around AddRelationship
func (h APIRestGatewayHandler) AddRelationshipHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.AddRelationship(w, r)
	}
}

// RemoveRelationship godoc
// @Summary Remove a relationship
// @Description Remove a friendship, cancel or decline a friend request, or unblock a peer
// @tags Relationship
// @Produce json
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User snowflake ID"
// @Param peerID path string true "Peer snowflake ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Fanout-Request-ID "Request ID to match against logs"
// @Router /v1/relationship/{userID}/peer/{peerID} [delete]
func (h APIRestGatewayHandler) RemoveRelationship(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	user, peer, err := readRelationshipPair(r)
	if err != nil {
		msg := "Invalid relationship parties"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.hub.Relationships.Remove(h.baseContext, user, peer); err != nil {
		msg := fmt.Sprintf("Unable to remove relationship %d -> %d", user, peer)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = relationshipErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// RemoveRelationshipHandler Wrapper around RemoveRelationship
func (h APIRestGatewayHandler) RemoveRelationshipHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RemoveRelationship(w, r)
	}
}
