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
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// testTransport records the frames written to it. With stall set, dispatch frames
// block until the transport is released or closed.
type testTransport struct {
	lock        sync.Mutex
	frames      []Frame
	stall       bool
	fail        bool
	release     chan struct{}
	releaseOnce sync.Once
	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   int
}

func newTestTransport() *testTransport {
	return &testTransport{closed: make(chan struct{}), release: make(chan struct{})}
}

func (t *testTransport) unstall() {
	t.releaseOnce.Do(func() {
		t.lock.Lock()
		t.stall = false
		t.lock.Unlock()
		close(t.release)
	})
}

func (t *testTransport) Send(ctx context.Context, frame Frame) error {
	t.lock.Lock()
	stall, fail := t.stall, t.fail
	t.lock.Unlock()
	if frame.Op == OpDispatch {
		if fail {
			return fmt.Errorf("dummy write error")
		}
		if stall {
			select {
			case <-t.release:
			case <-t.closed:
				return ErrTransportClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.frames = append(t.frames, frame)
	return nil
}

func (t *testTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.lock.Lock()
		t.closeCode = code
		t.lock.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *testTransport) dispatched() []Frame {
	t.lock.Lock()
	defer t.lock.Unlock()
	result := []Frame{}
	for _, frame := range t.frames {
		if frame.Op == OpDispatch {
			result = append(result, frame)
		}
	}
	return result
}

func (t *testTransport) code() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closeCode
}

func testSessionParam() SessionParam {
	return SessionParam{
		QueueDepth:          8,
		BackpressureTimeout: time.Millisecond * 100,
		WriteTimeout:        time.Second * 10,
		HeartbeatInterval:   time.Second * 30,
	}
}

func TestSessionOrderedDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	transport := newTestTransport()
	removed := 0
	uut := newSession(common.UserID(1), transport, testSessionParam(), func(*Session) {
		removed++
	}, &wg)
	assert.Equal(StateConnecting, uut.State())
	assert.Nil(uut.Start())
	assert.Equal(StateReady, uut.State())
	assert.NotNil(uut.Start())

	// Hello is the first frame
	{
		transport.lock.Lock()
		hello := transport.frames[0]
		transport.lock.Unlock()
		assert.Equal(OpHello, hello.Op)
		var data HelloData
		assert.Nil(json.Unmarshal(hello.Data, &data))
		assert.Equal(uut.ID(), data.SessionID)
		assert.Equal(int64(30000), data.HeartbeatInterval)
	}

	for itr := 0; itr < 20; itr++ {
		event, err := common.NewEvent("TEST_EVENT", map[string]int{"idx": itr})
		assert.Nil(err)
		accepted, err := uut.Enqueue(context.Background(), event)
		assert.Nil(err)
		assert.True(accepted)
	}
	assert.Eventually(func() bool {
		return len(transport.dispatched()) == 20
	}, time.Second, time.Millisecond*10)
	for itr, frame := range transport.dispatched() {
		assert.Equal("TEST_EVENT", frame.Type)
		assert.Equal(uint64(itr+1), frame.Seq)
		var payload map[string]int
		assert.Nil(json.Unmarshal(frame.Data, &payload))
		assert.Equal(itr, payload["idx"])
	}
	assert.Equal(uint64(20), uut.Seq())

	uut.Abort(CloseNormal, "testing")
	<-uut.Done()
	assert.Equal(StateClosed, uut.State())
	assert.Equal(1, removed)
	uut.Abort(CloseNormal, "testing")
	assert.Equal(1, removed)
}

func TestSessionClosedDiscards(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	transport := newTestTransport()
	uut := newSession(common.UserID(1), transport, testSessionParam(), nil, &wg)
	assert.Nil(uut.Start())
	uut.Abort(CloseAbnormal, "testing")
	assert.Equal(CloseAbnormal, transport.code())

	event, err := common.NewEvent("TEST_EVENT", nil)
	assert.Nil(err)
	accepted, err := uut.Enqueue(context.Background(), event)
	assert.Nil(err)
	assert.False(accepted)
	assert.Empty(transport.dispatched())
}

func TestSessionAcceptedEventsSurviveClose(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	transport := newTestTransport()
	param := testSessionParam()
	param.QueueDepth = 4
	param.BackpressureTimeout = time.Second * 5
	uut := newSession(common.UserID(1), transport, param, nil, &wg)
	assert.Nil(uut.Start())

	event, err := common.NewEvent("TEST_EVENT", nil)
	assert.Nil(err)

	// Producers race a graceful close. Every accepted event must be delivered.
	var accepted atomic.Int64
	producers := sync.WaitGroup{}
	for itr := 0; itr < 8; itr++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for count := 0; count < 200; count++ {
				ok, err := uut.Enqueue(context.Background(), event)
				assert.Nil(err)
				if ok {
					accepted.Add(1)
				}
			}
		}()
	}
	time.Sleep(time.Millisecond * 2)
	uut.Close()
	producers.Wait()

	select {
	case <-uut.Done():
	case <-time.After(time.Second * 5):
		assert.Fail("session did not close")
	}
	assert.Equal(int(accepted.Load()), len(transport.dispatched()))
}

func TestSessionGracefulDrain(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	transport := newTestTransport()
	// Hold the drain task on the first event so the rest stay queued
	transport.stall = true
	uut := newSession(common.UserID(1), transport, testSessionParam(), nil, &wg)
	assert.Nil(uut.Start())

	for itr := 0; itr < 4; itr++ {
		event, err := common.NewEvent("TEST_EVENT", map[string]int{"idx": itr})
		assert.Nil(err)
		accepted, err := uut.Enqueue(context.Background(), event)
		assert.Nil(err)
		assert.True(accepted)
	}
	time.Sleep(time.Millisecond * 50)
	uut.Close()
	assert.Equal(StateDraining, uut.State())

	// Draining sessions accept nothing new
	{
		event, err := common.NewEvent("LATE_EVENT", nil)
		assert.Nil(err)
		accepted, err := uut.Enqueue(context.Background(), event)
		assert.Nil(err)
		assert.False(accepted)
	}

	transport.unstall()

	select {
	case <-uut.Done():
	case <-time.After(time.Second * 15):
		assert.Fail("session did not close")
	}
	assert.Equal(StateClosed, uut.State())
	assert.Equal(CloseNormal, transport.code())
	assert.Len(transport.dispatched(), 4)
	for _, frame := range transport.dispatched() {
		assert.Equal("TEST_EVENT", frame.Type)
	}
}

func TestSessionWriteFailure(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	transport := newTestTransport()
	transport.fail = true
	uut := newSession(common.UserID(1), transport, testSessionParam(), nil, &wg)
	assert.Nil(uut.Start())

	event, err := common.NewEvent("TEST_EVENT", nil)
	assert.Nil(err)
	accepted, err := uut.Enqueue(context.Background(), event)
	assert.Nil(err)
	assert.True(accepted)

	select {
	case <-uut.Done():
	case <-time.After(time.Second):
		assert.Fail("session did not close")
	}
	assert.Equal(CloseAbnormal, transport.code())
}

func TestSessionBackpressureTimeout(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	transport := newTestTransport()
	transport.stall = true
	param := testSessionParam()
	param.QueueDepth = 2
	uut := newSession(common.UserID(1), transport, param, nil, &wg)
	assert.Nil(uut.Start())

	event, err := common.NewEvent("TEST_EVENT", nil)
	assert.Nil(err)
	// One event held by the stalled write
	accepted, err := uut.Enqueue(context.Background(), event)
	assert.Nil(err)
	assert.True(accepted)
	assert.Eventually(func() bool {
		return len(uut.queue) == 0
	}, time.Second, time.Millisecond*5)

	// Two fill the queue
	for itr := 0; itr < 2; itr++ {
		accepted, err := uut.Enqueue(context.Background(), event)
		assert.Nil(err)
		assert.True(accepted)
	}

	// The next times out
	start := time.Now()
	accepted, err = uut.Enqueue(context.Background(), event)
	assert.ErrorIs(err, ErrBackpressureTimeout)
	assert.False(accepted)
	assert.GreaterOrEqual(time.Since(start), param.BackpressureTimeout)
	assert.Equal(StateClosed, uut.State())
	assert.Equal(CloseSlowConsumer, transport.code())
}

func TestSessionContextCancelWhileBlocked(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	transport := newTestTransport()
	transport.stall = true
	param := testSessionParam()
	param.QueueDepth = 1
	param.BackpressureTimeout = time.Second * 10
	uut := newSession(common.UserID(1), transport, param, nil, &wg)
	assert.Nil(uut.Start())

	event, err := common.NewEvent("TEST_EVENT", nil)
	assert.Nil(err)
	_, err = uut.Enqueue(context.Background(), event)
	assert.Nil(err)
	assert.Eventually(func() bool {
		return len(uut.queue) == 0
	}, time.Second, time.Millisecond*5)
	_, err = uut.Enqueue(context.Background(), event)
	assert.Nil(err)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	accepted, err := uut.Enqueue(ctxt, event)
	assert.NotNil(err)
	assert.False(accepted)
	assert.Equal(StateClosed, uut.State())
}
