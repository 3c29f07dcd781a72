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
	"fmt"

	"github.com/alwitt/fanout/common"
)

// FriendDispatcher fans out a user's events to the user's confirmed friends.
//
// Pending requests are never in the friend store; only RelationshipBook writes to
// it once a friendship is mutual. The user itself is never a recipient, even if
// the store contains a self entry.
type FriendDispatcher = Dispatcher[common.UserID]

// NewFriendStore define the subscriber store of confirmed friends. A user can't be
// its own friend.
func NewFriendStore(strict bool) *SubscriberStore[common.UserID, common.UserID] {
	return NewSubscriberStore(StoreParam[common.UserID, common.UserID]{
		Name:   "friend",
		Strict: strict,
		Validator: func(user, friend common.UserID) error {
			if user == friend {
				return fmt.Errorf("user %d can't be its own friend", user)
			}
			return nil
		},
	})
}

// NewFriendDispatcher define a new FriendDispatcher
func NewFriendDispatcher(
	store *SubscriberStore[common.UserID, common.UserID], sessions SessionDispatcher,
) *FriendDispatcher {
	return newDispatcher(
		common.KindFriend, store, sessions, func(user, subscriber common.UserID) bool {
			return user == subscriber
		},
	)
}
