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

package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event one event to fan-out. The payload is serialized once on creation, and
// an Event is not modifiable afterwards.
type Event struct {
	name    string
	payload json.RawMessage
}

// NewEvent define a new event, serializing the payload
func NewEvent(name string, payload interface{}) (Event, error) {
	if payload == nil {
		return NewRawEvent(name, nil)
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("unable to serialize payload of %s: %w", name, err)
	}
	return NewRawEvent(name, serialized)
}

// NewRawEvent define a new event from an already serialized payload
func NewRawEvent(name string, payload json.RawMessage) (Event, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return Event{}, fmt.Errorf("event name can't be empty")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return Event{}, fmt.Errorf("payload of %s is not valid JSON", name)
	}
	var owned json.RawMessage
	if len(payload) > 0 {
		owned = make(json.RawMessage, len(payload))
		copy(owned, payload)
	}
	return Event{name: name, payload: owned}, nil
}

// Name the event name
func (e Event) Name() string {
	return e.name
}

// Payload a copy of the serialized payload. Nil if the event has no payload.
func (e Event) Payload() json.RawMessage {
	if e.payload == nil {
		return nil
	}
	result := make(json.RawMessage, len(e.payload))
	copy(result, e.payload)
	return result
}

// String toString function
func (e Event) String() string {
	return fmt.Sprintf("EVENT[%s %dB]", e.name, len(e.payload))
}
