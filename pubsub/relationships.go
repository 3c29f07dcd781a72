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
	"sort"
	"strconv"
	"sync"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
)

// RelationshipType type of relationship between two users
type RelationshipType int

// Relationship types
const (
	RelationshipFriend   RelationshipType = 1
	RelationshipBlock    RelationshipType = 2
	RelationshipIncoming RelationshipType = 3
	RelationshipOutgoing RelationshipType = 4
)

// Relationship events
const (
	EventRelationshipAdd    = "RELATIONSHIP_ADD"
	EventRelationshipRemove = "RELATIONSHIP_REMOVE"
)

var (
	// ErrSelfRelationship a user can't have a relationship with itself
	ErrSelfRelationship = errors.New("relationship with self")
	// ErrRelationshipExists the user already has a relationship with the peer
	ErrRelationshipExists = errors.New("relationship already exists")
	// ErrNoRelationship the user has no relationship with the peer
	ErrNoRelationship = errors.New("no relationship with peer")
	// ErrInvalidRelationshipType only FRIEND and BLOCK can be requested
	ErrInvalidRelationshipType = errors.New("invalid relationship type")
)

// Relationship one relationship from the point of view of a user
type Relationship struct {
	// ID is the peer's user ID
	ID string `json:"id"`
	// Type is the relationship type
	Type RelationshipType `json:"type"`
}

// RelationshipBook records the relationship rows between users, and keeps the
// friend subscriber store in sync with them.
//
// A friendship is written into the friend store before Add returns, so a friend
// dispatch issued after Add always reaches the new friend. Removal is symmetric.
//
// RELATIONSHIP_ADD / RELATIONSHIP_REMOVE notices are dispatched in the order the
// book was changed.
type RelationshipBook struct {
	common.Component
	lock       sync.Mutex
	notifyLock sync.Mutex
	rows       map[common.UserID]map[common.UserID]RelationshipType
	friends    *SubscriberStore[common.UserID, common.UserID]
	users      *UserDispatcher
}

// NewRelationshipBook define a new RelationshipBook
func NewRelationshipBook(
	friends *SubscriberStore[common.UserID, common.UserID], users *UserDispatcher,
) *RelationshipBook {
	logTags := log.Fields{
		"module": "pubsub", "component": "relationship-book",
	}
	return &RelationshipBook{
		Component: common.Component{LogTags: logTags},
		rows:      make(map[common.UserID]map[common.UserID]RelationshipType),
		friends:   friends,
		users:     users,
	}
}

// row read the relationship row from user to peer. Caller must hold the lock.
func (b *RelationshipBook) row(user, peer common.UserID) (RelationshipType, bool) {
	peers, ok := b.rows[user]
	if !ok {
		return 0, false
	}
	relType, ok := peers[peer]
	return relType, ok
}

// setRow write a relationship row. Caller must hold the lock.
func (b *RelationshipBook) setRow(user, peer common.UserID, relType RelationshipType) {
	peers, ok := b.rows[user]
	if !ok {
		peers = make(map[common.UserID]RelationshipType)
		b.rows[user] = peers
	}
	peers[peer] = relType
}

// deleteRow delete a relationship row. Caller must hold the lock.
func (b *RelationshipBook) deleteRow(user, peer common.UserID) {
	peers, ok := b.rows[user]
	if !ok {
		return
	}
	delete(peers, peer)
	if len(peers) == 0 {
		delete(b.rows, user)
	}
}

type relationshipNotice struct {
	target common.UserID
	name   string
	body   Relationship
}

// notify dispatch relationship events, in order, to the affected users
func (b *RelationshipBook) notify(ctx context.Context, notices []relationshipNotice) {
	for _, notice := range notices {
		event, err := common.NewEvent(notice.name, notice.body)
		if err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Unable to define %s", notice.name)
			continue
		}
		b.users.Dispatch(ctx, notice.target, event)
	}
}

// apply run a mutation under the book lock, then dispatch its notices. The notice
// lock is taken before the book lock is released, so notices of successive
// mutations go out in mutation order.
func (b *RelationshipBook) apply(
	ctx context.Context, mutate func() ([]relationshipNotice, error),
) error {
	b.lock.Lock()
	notices, err := mutate()
	if err != nil {
		b.lock.Unlock()
		return err
	}
	b.notifyLock.Lock()
	b.lock.Unlock()
	defer b.notifyLock.Unlock()
	b.notify(ctx, notices)
	return nil
}

// Add request a relationship of the given type from user toward peer.
//
// For FRIEND: if the peer already requested the user's friendship, the request
// is accepted and both become friends. Otherwise a pending request is recorded.
// For BLOCK: the block is recorded.
func (b *RelationshipBook) Add(
	ctx context.Context, user, peer common.UserID, relType RelationshipType,
) error {
	if user == peer {
		return ErrSelfRelationship
	}
	if relType != RelationshipFriend && relType != RelationshipBlock {
		return fmt.Errorf("%w: %d", ErrInvalidRelationshipType, relType)
	}
	userID := strconv.FormatInt(int64(user), 10)
	peerID := strconv.FormatInt(int64(peer), 10)

	if err := b.apply(ctx, func() ([]relationshipNotice, error) {
		if _, exists := b.row(user, peer); exists {
			return nil, ErrRelationshipExists
		}

		if relType == RelationshipBlock {
			b.setRow(user, peer, RelationshipBlock)
			return []relationshipNotice{
				{user, EventRelationshipAdd, Relationship{ID: peerID, Type: RelationshipBlock}},
			}, nil
		}

		reverse, hasReverse := b.row(peer, user)
		if hasReverse && reverse == RelationshipFriend {
			// Accepting the peer's request
			if err := b.friends.Register(user, peer); err != nil {
				return nil, err
			}
			if err := b.friends.Register(peer, user); err != nil {
				b.friends.Unregister(user, peer)
				return nil, err
			}
			b.setRow(user, peer, RelationshipFriend)
			return []relationshipNotice{
				{user, EventRelationshipRemove, Relationship{ID: peerID, Type: RelationshipIncoming}},
				{user, EventRelationshipAdd, Relationship{ID: peerID, Type: RelationshipFriend}},
				{peer, EventRelationshipAdd, Relationship{ID: userID, Type: RelationshipFriend}},
			}, nil
		}

		b.setRow(user, peer, RelationshipFriend)
		return []relationshipNotice{
			{user, EventRelationshipAdd, Relationship{ID: peerID, Type: RelationshipOutgoing}},
			{peer, EventRelationshipAdd, Relationship{ID: userID, Type: RelationshipIncoming}},
		}, nil
	}); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to add relationship %d -> %d of type %d", user, peer, relType,
		)
		return err
	}
	return nil
}

// Remove remove the relationship between user and peer. A friendship or pending
// request is removed in both directions; a block only in the user's direction.
func (b *RelationshipBook) Remove(ctx context.Context, user, peer common.UserID) error {
	if user == peer {
		return ErrSelfRelationship
	}
	userID := strconv.FormatInt(int64(user), 10)
	peerID := strconv.FormatInt(int64(peer), 10)

	if err := b.apply(ctx, func() ([]relationshipNotice, error) {
		outgoing, hasOutgoing := b.row(user, peer)
		incoming, hasIncoming := b.row(peer, user)
		isOutgoing := hasOutgoing && outgoing == RelationshipFriend
		isIncoming := hasIncoming && incoming == RelationshipFriend

		switch {
		case isOutgoing || isIncoming:
			if isOutgoing {
				b.deleteRow(user, peer)
			}
			if isIncoming {
				b.deleteRow(peer, user)
			}
			b.friends.Unregister(user, peer)
			b.friends.Unregister(peer, user)
			userSees, peerSees := RelationshipFriend, RelationshipFriend
			if !isIncoming {
				userSees, peerSees = RelationshipOutgoing, RelationshipIncoming
			} else if !isOutgoing {
				userSees, peerSees = RelationshipIncoming, RelationshipOutgoing
			}
			return []relationshipNotice{
				{user, EventRelationshipRemove, Relationship{ID: peerID, Type: userSees}},
				{peer, EventRelationshipRemove, Relationship{ID: userID, Type: peerSees}},
			}, nil

		case hasOutgoing && outgoing == RelationshipBlock:
			b.deleteRow(user, peer)
			return []relationshipNotice{
				{user, EventRelationshipRemove, Relationship{ID: peerID, Type: RelationshipBlock}},
			}, nil

		default:
			return nil, ErrNoRelationship
		}
	}); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to remove relationship %d -> %d", user, peer,
		)
		return err
	}
	return nil
}

// Relationships list the relationships of a user, from the user's point of view
func (b *RelationshipBook) Relationships(user common.UserID) []Relationship {
	b.lock.Lock()
	defer b.lock.Unlock()
	result := []Relationship{}
	for peer, relType := range b.rows[user] {
		view := relType
		if relType == RelationshipFriend {
			if reverse, ok := b.row(peer, user); !ok || reverse != RelationshipFriend {
				view = RelationshipOutgoing
			}
		}
		result = append(result, Relationship{ID: strconv.FormatInt(int64(peer), 10), Type: view})
	}
	for peer, peers := range b.rows {
		if relType, ok := peers[user]; ok && relType == RelationshipFriend {
			if _, mine := b.row(user, peer); !mine {
				result = append(result, Relationship{
					ID: strconv.FormatInt(int64(peer), 10), Type: RelationshipIncoming,
				})
			}
		}
	}
	// Peer IDs sort numerically
	sort.Slice(result, func(i, j int) bool {
		left, _ := strconv.ParseInt(result[i].ID, 10, 64)
		right, _ := strconv.ParseInt(result[j].ID, 10, 64)
		return left < right
	})
	return result
}
