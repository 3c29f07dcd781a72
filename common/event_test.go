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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventDefinition(t *testing.T) {
	assert := assert.New(t)

	// Case 0: name is normalized
	{
		event, err := NewEvent(" presence_update ", map[string]string{"status": "online"})
		assert.Nil(err)
		assert.Equal("PRESENCE_UPDATE", event.Name())
		assert.JSONEq(`{"status":"online"}`, string(event.Payload()))
	}

	// Case 1: empty name
	{
		_, err := NewEvent("  ", nil)
		assert.NotNil(err)
	}

	// Case 2: no payload
	{
		event, err := NewEvent("TYPING_START", nil)
		assert.Nil(err)
		assert.Nil(event.Payload())
	}

	// Case 3: payload which can't be serialized
	{
		_, err := NewEvent("GUILD_UPDATE", map[string]interface{}{"bad": make(chan int)})
		assert.NotNil(err)
	}

	// Case 4: invalid raw payload
	{
		_, err := NewRawEvent("GUILD_UPDATE", json.RawMessage(`{"unterminated":`))
		assert.NotNil(err)
	}

	// Case 5: event is not affected by changes to the source or the returned payload
	{
		raw := json.RawMessage(`{"id":"1"}`)
		event, err := NewRawEvent("GUILD_UPDATE", raw)
		assert.Nil(err)
		raw[2] = 'X'
		payload := event.Payload()
		payload[2] = 'Y'
		assert.JSONEq(`{"id":"1"}`, string(event.Payload()))
	}
}

func TestDispatchKindParsing(t *testing.T) {
	assert := assert.New(t)

	for _, kind := range []string{"user", "guild", "channel", "friend"} {
		parsed, err := ParseDispatchKind(kind)
		assert.Nil(err)
		assert.Equal(DispatchKind(kind), parsed)
	}
	_, err := ParseDispatchKind("relationship")
	assert.NotNil(err)

	id, err := ParseSnowflake("80351110224678912")
	assert.Nil(err)
	assert.Equal(int64(80351110224678912), id)
	_, err = ParseSnowflake("-1")
	assert.NotNil(err)
	_, err = ParseSnowflake("abc")
	assert.NotNil(err)
}
