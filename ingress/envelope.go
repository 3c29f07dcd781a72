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

package ingress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/fanout/common"
	"github.com/go-playground/validator/v10"
)

// Operation the action requested by an envelope
type Operation string

// Supported operations
const (
	OpDispatch    Operation = "dispatch"
	OpSubscribe   Operation = "subscribe"
	OpUnsubscribe Operation = "unsubscribe"
)

// Envelope one request carried over NATS
type Envelope struct {
	// Op requested operation
	Op Operation `json:"op" validate:"required,oneof=dispatch subscribe unsubscribe"`
	// Kind the dispatch domain
	Kind common.DispatchKind `json:"kind" validate:"required,oneof=user guild channel friend"`
	// Key ID of the entity the request is for
	Key int64 `json:"key" validate:"gt=0"`
	// Subscriber the subscriber to add or remove, for subscribe and unsubscribe
	Subscriber int64 `json:"subscriber,omitempty" validate:"gte=0"`
	// Event the event name, for dispatch
	Event string `json:"event,omitempty"`
	// Data the event payload, for dispatch
	Data json.RawMessage `json:"data,omitempty"`
}

// Validate check the envelope is well formed
func (e Envelope) Validate(validate *validator.Validate) error {
	if err := validate.Struct(&e); err != nil {
		return err
	}
	switch e.Op {
	case OpDispatch:
		if e.Event == "" {
			return fmt.Errorf("dispatch envelope missing event name")
		}
	default:
		if e.Subscriber <= 0 {
			return fmt.Errorf("%s envelope missing subscriber", e.Op)
		}
		// Friend subscribers are managed through relationships
		if e.Kind == common.KindUser || e.Kind == common.KindFriend {
			return fmt.Errorf("%s not supported for kind '%s'", e.Op, e.Kind)
		}
	}
	return nil
}

// String toString function
func (e Envelope) String() string {
	if e.Op == OpDispatch {
		return fmt.Sprintf("%s[%s/%d %s]", e.Op, e.Kind, e.Key, e.Event)
	}
	return fmt.Sprintf("%s[%s/%d <- %d]", e.Op, e.Kind, e.Key, e.Subscriber)
}

// DispatchTarget what an envelope is applied to
type DispatchTarget interface {
	// Dispatch deliver an event to the subscribers of a key
	Dispatch(
		ctx context.Context, kind common.DispatchKind, key int64, event common.Event,
	) (int, error)
	// Subscribe add a subscriber to a key
	Subscribe(kind common.DispatchKind, key int64, subscriber common.UserID) error
	// Unsubscribe remove a subscriber from a key
	Unsubscribe(kind common.DispatchKind, key int64, subscriber common.UserID) error
}

// Apply execute the envelope against the target. Returns the number of sessions
// reached for dispatches.
func Apply(ctx context.Context, target DispatchTarget, env Envelope) (int, error) {
	switch env.Op {
	case OpDispatch:
		event, err := common.NewRawEvent(env.Event, env.Data)
		if err != nil {
			return 0, err
		}
		return target.Dispatch(ctx, env.Kind, env.Key, event)
	case OpSubscribe:
		return 0, target.Subscribe(env.Kind, env.Key, common.UserID(env.Subscriber))
	case OpUnsubscribe:
		return 0, target.Unsubscribe(env.Kind, env.Key, common.UserID(env.Subscriber))
	default:
		return 0, fmt.Errorf("unknown operation '%s'", env.Op)
	}
}
