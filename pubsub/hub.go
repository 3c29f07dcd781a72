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

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownKind the dispatch kind is not supported
	ErrUnknownKind = errors.New("unknown dispatch kind")
	// ErrNotSubscribable the dispatch kind has no subscriber store
	ErrNotSubscribable = errors.New("dispatch kind has no subscribers")
	// ErrJobDropped an asynchronous dispatch was not accepted by the worker pool
	ErrJobDropped = errors.New("dispatch job dropped")
)

// HubParam parameters for defining a Hub
type HubParam struct {
	// Strict fail fast on subscriber store invariant violations
	Strict bool
	// Workers number of asynchronous dispatch workers
	Workers int `validate:"gte=1"`
	// QueueDepth number of jobs buffered per worker
	QueueDepth int `validate:"gte=1"`
	// SubmitTimeout max wait for the worker pool to accept a job
	SubmitTimeout time.Duration `validate:"gt=0"`
}

// Hub the set of domain dispatchers of the process, routed by dispatch kind.
// Defined once at startup, and handed to every component which triggers dispatches
// or changes subscriptions.
type Hub struct {
	common.Component
	Guild         *GuildDispatcher
	Channel       *ChannelDispatcher
	Friend        *FriendDispatcher
	User          *UserDispatcher
	Relationships *RelationshipBook

	operationContext context.Context
	jobs             common.TaskProcessor
	submitTimeout    time.Duration
}

// dispatchJob one asynchronous dispatch
type dispatchJob struct {
	kind  common.DispatchKind
	key   int64
	event common.Event
}

// RouteKey jobs for the same key are processed by the same worker, in order
func (j dispatchJob) RouteKey() string {
	return fmt.Sprintf("%s/%d", j.kind, j.key)
}

// NewHub define a new Hub on top of the session registry
func NewHub(ctxt context.Context, sessions SessionDispatcher, param HubParam) (*Hub, error) {
	logTags := log.Fields{"module": "pubsub", "component": "hub"}
	if err := validator.New().Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid hub parameters")
		return nil, err
	}
	jobs, err := common.GetNewTaskDemuxProcessorInstance(
		"dispatch-jobs", param.QueueDepth, param.Workers, param.SubmitTimeout, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch worker pool")
		return nil, err
	}
	friends := NewFriendStore(param.Strict)
	users := NewUserDispatcher(sessions)
	instance := &Hub{
		Component:        common.Component{LogTags: logTags},
		Guild:            NewGuildDispatcher(NewGuildStore(param.Strict), sessions),
		Channel:          NewChannelDispatcher(NewChannelStore(param.Strict), sessions),
		Friend:           NewFriendDispatcher(friends, sessions),
		User:             users,
		Relationships:    NewRelationshipBook(friends, users),
		operationContext: ctxt,
		jobs:             jobs,
		submitTimeout:    param.SubmitTimeout,
	}
	if err := jobs.AddToTaskExecutionMap(
		reflect.TypeOf(dispatchJob{}), instance.processJob,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install dispatch job handler")
		return nil, err
	}
	return instance, nil
}

// Start start the asynchronous dispatch workers
func (h *Hub) Start(wg *sync.WaitGroup) error {
	return h.jobs.StartEventLoop(wg)
}

// Stop stop the asynchronous dispatch workers. Queued jobs are dropped.
func (h *Hub) Stop() error {
	return h.jobs.StopEventLoop()
}

// Dispatch deliver an event to the subscribers of a key in the given domain. Returns
// the number of sessions reached. An error is only returned for an unknown kind.
func (h *Hub) Dispatch(
	ctx context.Context, kind common.DispatchKind, key int64, event common.Event,
) (int, error) {
	switch kind {
	case common.KindUser:
		return h.User.Dispatch(ctx, common.UserID(key), event), nil
	case common.KindGuild:
		return h.Guild.Dispatch(ctx, common.GuildID(key), event), nil
	case common.KindChannel:
		return h.Channel.Dispatch(ctx, common.ChannelID(key), event), nil
	case common.KindFriend:
		return h.Friend.Dispatch(ctx, common.UserID(key), event), nil
	default:
		return 0, fmt.Errorf("%w: '%s'", ErrUnknownKind, kind)
	}
}

// DispatchUser deliver a new event directly to one user's sessions
func (h *Hub) DispatchUser(
	ctx context.Context, user common.UserID, name string, payload interface{},
) (int, error) {
	event, err := common.NewEvent(name, payload)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to define %s for user %d", name, user)
		return 0, err
	}
	return h.User.Dispatch(ctx, user, event), nil
}

// Submit queue a dispatch for asynchronous processing by the worker pool. Jobs for
// the same (kind, key) are dispatched in submission order. A job the pool can't
// accept within the submit timeout is dropped.
func (h *Hub) Submit(
	ctx context.Context, kind common.DispatchKind, key int64, event common.Event,
) error {
	if _, err := common.ParseDispatchKind(string(kind)); err != nil {
		return fmt.Errorf("%w: '%s'", ErrUnknownKind, kind)
	}
	job := dispatchJob{kind: kind, key: key, event: event}
	submitCtxt, cancel := context.WithTimeout(ctx, h.submitTimeout)
	defer cancel()
	if err := h.jobs.Submit(job, submitCtxt); err != nil {
		log.WithError(err).WithFields(h.LogTags).Warnf("Dropping dispatch of %s to %s", event, job.RouteKey())
		return fmt.Errorf("%w: %s", ErrJobDropped, err.Error())
	}
	return nil
}

// processJob worker pool handler for dispatchJob
func (h *Hub) processJob(param interface{}) error {
	job, ok := param.(dispatchJob)
	if !ok {
		return fmt.Errorf("unexpected job type %s", reflect.TypeOf(param))
	}
	reached, err := h.Dispatch(h.operationContext, job.kind, job.key, job.event)
	if err != nil {
		return err
	}
	log.WithFields(h.LogTags).Debugf("Async dispatch of %s to %s reached %d sessions", job.event, job.RouteKey(), reached)
	return nil
}

// Subscribe add a subscriber to a key in the given domain. Friend subscribers are
// only changed through the RelationshipBook.
func (h *Hub) Subscribe(kind common.DispatchKind, key int64, subscriber common.UserID) error {
	switch kind {
	case common.KindGuild:
		return h.Guild.Subscribe(common.GuildID(key), subscriber)
	case common.KindChannel:
		return h.Channel.Subscribe(common.ChannelID(key), subscriber)
	case common.KindFriend:
		return fmt.Errorf("%w: '%s' subscribers follow relationships", ErrNotSubscribable, kind)
	case common.KindUser:
		return fmt.Errorf("%w: '%s'", ErrNotSubscribable, kind)
	default:
		return fmt.Errorf("%w: '%s'", ErrUnknownKind, kind)
	}
}

// Unsubscribe remove a subscriber from a key in the given domain. Friend subscribers
// are only changed through the RelationshipBook.
func (h *Hub) Unsubscribe(kind common.DispatchKind, key int64, subscriber common.UserID) error {
	switch kind {
	case common.KindGuild:
		h.Guild.Unsubscribe(common.GuildID(key), subscriber)
	case common.KindChannel:
		h.Channel.Unsubscribe(common.ChannelID(key), subscriber)
	case common.KindFriend:
		return fmt.Errorf("%w: '%s' subscribers follow relationships", ErrNotSubscribable, kind)
	case common.KindUser:
		return fmt.Errorf("%w: '%s'", ErrNotSubscribable, kind)
	default:
		return fmt.Errorf("%w: '%s'", ErrUnknownKind, kind)
	}
	return nil
}

// Subscribers snapshot of the subscribers of a key in the given domain
func (h *Hub) Subscribers(kind common.DispatchKind, key int64) ([]common.UserID, error) {
	switch kind {
	case common.KindGuild:
		return h.Guild.Subscribers(common.GuildID(key)), nil
	case common.KindChannel:
		return h.Channel.Subscribers(common.ChannelID(key)), nil
	case common.KindFriend:
		return h.Friend.Subscribers(common.UserID(key)), nil
	case common.KindUser:
		return nil, fmt.Errorf("%w: '%s'", ErrNotSubscribable, kind)
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownKind, kind)
	}
}
