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
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
)

// ErrStoreInvariantViolation a subscriber entry contradicts the store's invariants
var ErrStoreInvariantViolation = errors.New("subscriber store invariant violation")

// PairValidator checks whether a (key, subscriber) pair may be stored
type PairValidator[K comparable, V comparable] func(key K, val V) error

// StoreParam parameters for defining a SubscriberStore
type StoreParam[K comparable, V comparable] struct {
	// Name of the store, for logging
	Name string
	// Strict return ErrStoreInvariantViolation on an invalid entry. Otherwise
	// the entry is logged and skipped.
	Strict bool
	// Validator optional check applied on every Register
	Validator PairValidator[K, V]
}

// SubscriberStore maps an entity key to the set of subscriber IDs interested in
// that entity. Empty sets are pruned.
type SubscriberStore[K comparable, V comparable] struct {
	common.Component
	lock      sync.RWMutex
	sets      map[K]map[V]struct{}
	strict    bool
	validator PairValidator[K, V]
}

// NewSubscriberStore define a new SubscriberStore
func NewSubscriberStore[K comparable, V comparable](param StoreParam[K, V]) *SubscriberStore[K, V] {
	logTags := log.Fields{
		"module": "pubsub", "component": "subscriber-store", "instance": param.Name,
	}
	return &SubscriberStore[K, V]{
		Component: common.Component{LogTags: logTags},
		sets:      make(map[K]map[V]struct{}),
		strict:    param.Strict,
		validator: param.Validator,
	}
}

// Register add a subscriber to a key's set. Registering an existing pair is a no-op.
func (s *SubscriberStore[K, V]) Register(key K, val V) error {
	if s.validator != nil {
		if err := s.validator(key, val); err != nil {
			err = fmt.Errorf("%w: %s", ErrStoreInvariantViolation, err.Error())
			if s.strict {
				log.WithError(err).WithFields(s.LogTags).Errorf("Rejected entry %v -> %v", key, val)
				return err
			}
			log.WithError(err).WithFields(s.LogTags).Warnf("Skipping entry %v -> %v", key, val)
			return nil
		}
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[V]struct{})
		s.sets[key] = set
	}
	set[val] = struct{}{}
	return nil
}

// Unregister remove a subscriber from a key's set, deleting the key if the set
// becomes empty
func (s *SubscriberStore[K, V]) Unregister(key K, val V) {
	s.lock.Lock()
	defer s.lock.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return
	}
	delete(set, val)
	if len(set) == 0 {
		delete(s.sets, key)
	}
}

// Drop remove a key and its whole set
func (s *SubscriberStore[K, V]) Drop(key K) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.sets, key)
}

// Snapshot a point-in-time copy of a key's set. Nil if the key has no subscribers.
func (s *SubscriberStore[K, V]) Snapshot(key K) []V {
	s.lock.RLock()
	defer s.lock.RUnlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	result := make([]V, 0, len(set))
	for val := range set {
		result = append(result, val)
	}
	return result
}

// Contains whether the subscriber is in the key's set
func (s *SubscriberStore[K, V]) Contains(key K, val V) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	set, ok := s.sets[key]
	if !ok {
		return false
	}
	_, ok = set[val]
	return ok
}

// Keys number of keys with at least one subscriber
func (s *SubscriberStore[K, V]) Keys() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.sets)
}
