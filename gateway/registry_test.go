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

package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/alwitt/fanout/pubsub"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRegistrySessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	uut, err := NewRegistry(testSessionParam(), &wg)
	assert.Nil(err)

	event, err := common.NewEvent("TEST_EVENT", nil)
	assert.Nil(err)

	// Case 0: no sessions
	{
		reached, err := uut.Dispatch(context.Background(), common.KindUser, 1, event)
		assert.Nil(err)
		assert.Equal(0, reached)
	}

	// Case 1: non terminal kind
	{
		reached, err := uut.Dispatch(context.Background(), common.KindGuild, 1, event)
		assert.True(errors.Is(err, ErrNonTerminalKind))
		assert.Equal(0, reached)
	}

	// Case 2: session owner mismatch
	{
		session := uut.NewSession(1, newTestTransport())
		assert.True(errors.Is(uut.RegisterSession(2, session), ErrSessionOwner))
		assert.Equal(0, uut.SessionCount())
	}

	// Case 3: two sessions for user 1, one for user 2
	transports := []*testTransport{newTestTransport(), newTestTransport(), newTestTransport()}
	sessions := []*Session{
		uut.NewSession(1, transports[0]),
		uut.NewSession(1, transports[1]),
		uut.NewSession(2, transports[2]),
	}
	for _, session := range sessions {
		assert.Nil(uut.RegisterSession(session.User(), session))
		assert.Equal(StateReady, session.State())
	}
	assert.Equal(3, uut.SessionCount())
	assert.Equal(2, uut.UserCount())
	assert.Len(uut.Sessions(1), 2)
	{
		reached, err := uut.Dispatch(context.Background(), common.KindUser, 1, event)
		assert.Nil(err)
		assert.Equal(2, reached)
		reached, err = uut.DispatchUser(context.Background(), 2, "user_update", map[string]int{"v": 1})
		assert.Nil(err)
		assert.Equal(1, reached)
	}
	assert.Eventually(func() bool {
		return len(transports[0].dispatched()) == 1 &&
			len(transports[1].dispatched()) == 1 &&
			len(transports[2].dispatched()) == 1
	}, time.Second, time.Millisecond*10)
	assert.Equal("USER_UPDATE", transports[2].dispatched()[0].Type)

	// Case 4: a closed session leaves the registry
	{
		sessions[0].Abort(CloseNormal, "testing")
		assert.Equal(2, uut.SessionCount())
		reached, err := uut.Dispatch(context.Background(), common.KindUser, 1, event)
		assert.Nil(err)
		assert.Equal(1, reached)
	}

	// Case 5: shutdown drains the rest
	{
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.Nil(uut.Close(ctxt))
		assert.Equal(0, uut.SessionCount())
		assert.Equal(0, uut.UserCount())
		assert.Equal(CloseNormal, transports[1].code())
		assert.True(errors.Is(
			uut.RegisterSession(3, uut.NewSession(3, newTestTransport())), ErrRegistryClosed,
		))
	}
}

func TestRegistrySlowConsumer(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	param := testSessionParam()
	param.QueueDepth = 3
	param.BackpressureTimeout = time.Second * 2
	uut, err := NewRegistry(param, &wg)
	assert.Nil(err)

	stalled := newTestTransport()
	stalled.stall = true
	healthy := newTestTransport()
	slowSession := uut.NewSession(1, stalled)
	fastSession := uut.NewSession(1, healthy)
	assert.Nil(uut.RegisterSession(1, slowSession))
	assert.Nil(uut.RegisterSession(1, fastSession))

	event, err := common.NewEvent("TEST_EVENT", nil)
	assert.Nil(err)

	start := time.Now()
	for itr := 0; itr < 5; itr++ {
		reached, err := uut.Dispatch(context.Background(), common.KindUser, 1, event)
		assert.Nil(err)
		assert.GreaterOrEqual(reached, 1)
		if itr == 0 {
			// Let the drain task pick up the first event
			assert.Eventually(func() bool {
				return len(slowSession.queue) == 0
			}, time.Second, time.Millisecond*5)
		}
	}
	assert.GreaterOrEqual(time.Since(start), param.BackpressureTimeout)

	// The slow session is gone, the other one is untouched
	assert.Equal(StateClosed, slowSession.State())
	assert.Equal(CloseSlowConsumer, stalled.code())
	assert.Equal(StateReady, fastSession.State())
	assert.Equal(1, uut.SessionCount())

	reached, err := uut.Dispatch(context.Background(), common.KindUser, 1, event)
	assert.Nil(err)
	assert.Equal(1, reached)
	assert.Eventually(func() bool {
		return len(healthy.dispatched()) == 6
	}, time.Second, time.Millisecond*10)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Nil(uut.Close(ctxt))
}

func TestRegistryBacksFriendPresence(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	uut, err := NewRegistry(testSessionParam(), &wg)
	assert.Nil(err)

	// A is friends with B and C; B has one live session, C has none
	friends := pubsub.NewFriendDispatcher(pubsub.NewFriendStore(true), uut)
	assert.Nil(friends.Subscribe(1, 2))
	assert.Nil(friends.Subscribe(1, 3))

	transportB := newTestTransport()
	assert.Nil(uut.RegisterSession(2, uut.NewSession(2, transportB)))

	event, err := common.NewEvent("PRESENCE_UPDATE", map[string]string{"status": "online"})
	assert.Nil(err)
	assert.Equal(1, friends.Dispatch(context.Background(), 1, event))
	assert.Eventually(func() bool {
		return len(transportB.dispatched()) == 1
	}, time.Second, time.Millisecond*10)
	assert.Equal("PRESENCE_UPDATE", transportB.dispatched()[0].Type)

	// Unsubscribe then subscribe restores the fan-out
	friends.Unsubscribe(1, 2)
	assert.Equal(0, friends.Dispatch(context.Background(), 1, event))
	assert.Nil(friends.Subscribe(1, 2))
	assert.Equal(1, friends.Dispatch(context.Background(), 1, event))

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Nil(uut.Close(ctxt))
}
