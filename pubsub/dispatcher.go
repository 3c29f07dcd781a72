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

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
)

// SessionDispatcher delivers an event to the live sessions of a target. Implemented
// by the gateway session registry.
type SessionDispatcher interface {
	// Dispatch enqueue the event on every live session of the target, and return the
	// number of sessions reached
	Dispatch(
		ctx context.Context, kind common.DispatchKind, target common.UserID, event common.Event,
	) (int, error)
}

// SubscriberFilter returns true if the subscriber must not receive events for the key
type SubscriberFilter[K comparable] func(key K, subscriber common.UserID) bool

// Dispatcher resolves the subscribers of a key through its SubscriberStore, and
// forwards the event to each subscriber's sessions
type Dispatcher[K comparable] struct {
	common.Component
	kind     common.DispatchKind
	store    *SubscriberStore[K, common.UserID]
	sessions SessionDispatcher
	exclude  SubscriberFilter[K]
}

func newDispatcher[K comparable](
	kind common.DispatchKind,
	store *SubscriberStore[K, common.UserID],
	sessions SessionDispatcher,
	exclude SubscriberFilter[K],
) *Dispatcher[K] {
	logTags := log.Fields{
		"module": "pubsub", "component": "dispatcher", "instance": string(kind),
	}
	return &Dispatcher[K]{
		Component: common.Component{LogTags: logTags},
		kind:      kind,
		store:     store,
		sessions:  sessions,
		exclude:   exclude,
	}
}

// Kind the dispatch domain of this dispatcher
func (d *Dispatcher[K]) Kind() common.DispatchKind {
	return d.kind
}

// Dispatch deliver an event to all sessions of the key's subscribers. Returns the
// number of sessions reached; a key without subscribers, or whose subscribers
// are all offline, returns 0.
func (d *Dispatcher[K]) Dispatch(ctx context.Context, key K, event common.Event) int {
	subscribers := d.store.Snapshot(key)
	dispatched := 0
	for _, subscriber := range subscribers {
		if d.exclude != nil && d.exclude(key, subscriber) {
			log.WithFields(d.LogTags).Warnf(
				"Skipping excluded subscriber %d of %v for %s", subscriber, key, event,
			)
			continue
		}
		reached, err := d.sessions.Dispatch(ctx, common.KindUser, subscriber, event)
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Failed to dispatch %s to user %d", event, subscriber,
			)
			continue
		}
		dispatched += reached
	}
	log.WithFields(d.LogTags).Debugf(
		"Dispatched %v %s to %d sessions of %d subscribers",
		key, event, dispatched, len(subscribers),
	)
	return dispatched
}

// Subscribe add a user to the key's subscribers
func (d *Dispatcher[K]) Subscribe(key K, user common.UserID) error {
	return d.store.Register(key, user)
}

// Unsubscribe remove a user from the key's subscribers
func (d *Dispatcher[K]) Unsubscribe(key K, user common.UserID) {
	d.store.Unregister(key, user)
}

// Drop remove all subscribers of the key
func (d *Dispatcher[K]) Drop(key K) {
	d.store.Drop(key)
}

// Subscribers snapshot of the key's subscribers
func (d *Dispatcher[K]) Subscribers(key K) []common.UserID {
	return d.store.Snapshot(key)
}

// ==============================================================================

// GuildDispatcher fans out guild events to the guild's members
type GuildDispatcher = Dispatcher[common.GuildID]

// NewGuildStore define the subscriber store of guild members
func NewGuildStore(strict bool) *SubscriberStore[common.GuildID, common.UserID] {
	return NewSubscriberStore(StoreParam[common.GuildID, common.UserID]{
		Name: "guild", Strict: strict,
	})
}

// NewGuildDispatcher define a new GuildDispatcher
func NewGuildDispatcher(
	store *SubscriberStore[common.GuildID, common.UserID], sessions SessionDispatcher,
) *GuildDispatcher {
	return newDispatcher(common.KindGuild, store, sessions, nil)
}

// ==============================================================================

// ChannelDispatcher fans out channel events to members with visibility of the channel
type ChannelDispatcher = Dispatcher[common.ChannelID]

// NewChannelStore define the subscriber store of channel viewers
func NewChannelStore(strict bool) *SubscriberStore[common.ChannelID, common.UserID] {
	return NewSubscriberStore(StoreParam[common.ChannelID, common.UserID]{
		Name: "channel", Strict: strict,
	})
}

// NewChannelDispatcher define a new ChannelDispatcher
func NewChannelDispatcher(
	store *SubscriberStore[common.ChannelID, common.UserID], sessions SessionDispatcher,
) *ChannelDispatcher {
	return newDispatcher(common.KindChannel, store, sessions, nil)
}

// ==============================================================================

// UserDispatcher delivers events directly to one user's sessions
type UserDispatcher struct {
	common.Component
	sessions SessionDispatcher
}

// NewUserDispatcher define a new UserDispatcher
func NewUserDispatcher(sessions SessionDispatcher) *UserDispatcher {
	logTags := log.Fields{
		"module": "pubsub", "component": "dispatcher", "instance": string(common.KindUser),
	}
	return &UserDispatcher{
		Component: common.Component{LogTags: logTags}, sessions: sessions,
	}
}

// Dispatch deliver an event to all sessions of the user
func (d *UserDispatcher) Dispatch(ctx context.Context, user common.UserID, event common.Event) int {
	reached, err := d.sessions.Dispatch(ctx, common.KindUser, user, event)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to dispatch %s to user %d", event, user,
		)
		return 0
	}
	log.WithFields(d.LogTags).Debugf("Dispatched %s to %d sessions of user %d", event, reached, user)
	return reached
}
