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
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// startSSEServer serve event streams, handing each server side transport to the
// test. With h2 set, the server speaks cleartext HTTP/2.
func startSSEServer(h2 bool) (*httptest.Server, <-chan *SSETransport) {
	serverSide := make(chan *SSETransport, 1)
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport, err := NewSSETransport(w, log.Fields{"module": "test"})
		if err != nil {
			return
		}
		serverSide <- transport
		<-transport.Idle()
	})
	if h2 {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	return httptest.NewServer(handler), serverSide
}

// h2cClient HTTP/2 client over cleartext TCP
func h2cClient() *http.Client {
	return &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(
			ctx context.Context, network, addr string, _ *tls.Config,
		) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},
	}}
}

// largePayload a JSON string of the given size
func largePayload(size int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`"%s"`, strings.Repeat("x", size)))
}

func TestSSETransport(t *testing.T) {
	assert := assert.New(t)

	server, serverSide := startSSEServer(false)
	defer server.Close()

	resp, err := http.Get(server.URL)
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	reader := bufio.NewReader(resp.Body)

	var uut *SSETransport
	select {
	case uut = <-serverSide:
	case <-time.After(time.Second):
		assert.FailNow("no server side transport")
	}

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Nil(uut.Send(ctxt, Frame{Op: OpHello, Data: json.RawMessage(`{"session_id":"a"}`)}))
	assert.Nil(uut.Send(ctxt, Frame{
		Op: OpDispatch, Type: "TEST_EVENT", Seq: 1, Data: json.RawMessage(`{"v":1}`),
	}))

	// Each frame is one event: a data line, then a blank line
	readEvent := func() string {
		line, err := reader.ReadString('\n')
		assert.Nil(err)
		blank, err := reader.ReadString('\n')
		assert.Nil(err)
		assert.Equal("\n", blank)
		assert.True(strings.HasPrefix(line, "data: "))
		return strings.TrimSuffix(strings.TrimPrefix(line, "data: "), "\n")
	}
	{
		var frame Frame
		assert.Nil(json.Unmarshal([]byte(readEvent()), &frame))
		assert.Equal(OpHello, frame.Op)
	}
	{
		var frame Frame
		assert.Nil(json.Unmarshal([]byte(readEvent()), &frame))
		assert.Equal(OpDispatch, frame.Op)
		assert.Equal("TEST_EVENT", frame.Type)
		assert.Equal(uint64(1), frame.Seq)
		assert.JSONEq(`{"v":1}`, string(frame.Data))
	}

	// Sends without a deadline are refused
	assert.NotNil(uut.Send(context.Background(), Frame{Op: OpDispatch}))

	assert.Nil(uut.Close(CloseNormal, "testing"))
	assert.Nil(uut.Close(CloseNormal, "testing"))
	select {
	case <-uut.Closed():
	default:
		assert.Fail("transport not closed")
	}
	select {
	case <-uut.Idle():
	case <-time.After(time.Second):
		assert.Fail("transport not idle after close")
	}
	assert.True(errors.Is(uut.Send(ctxt, Frame{Op: OpDispatch}), ErrTransportClosed))
}

func TestSSETransportWithoutWriteDeadline(t *testing.T) {
	assert := assert.New(t)

	// The recorder can't take a write deadline
	recorder := httptest.NewRecorder()
	uut, err := NewSSETransport(recorder, log.Fields{"module": "test"})
	assert.Nil(err)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(uut.Send(ctxt, Frame{Op: OpHello}), ErrNoWriteDeadline)
	assert.Nil(uut.Close(CloseNormal, "testing"))
}

func TestSSETransportCloseUnblocksStalledH2CWrite(t *testing.T) {
	assert := assert.New(t)

	server, serverSide := startSSEServer(true)
	defer server.Close()
	client := h2cClient()
	defer client.CloseIdleConnections()

	// The client never reads the body
	resp, err := client.Get(server.URL)
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(2, resp.ProtoMajor)

	var uut *SSETransport
	select {
	case uut = <-serverSide:
	case <-time.After(time.Second):
		assert.FailNow("no server side transport")
	}

	// Keep writing until flow control blocks the write
	sendResult := make(chan error, 1)
	go func() {
		for itr := 0; itr < 4096; itr++ {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
			err := uut.Send(ctxt, Frame{Op: OpDispatch, Seq: uint64(itr + 1), Data: largePayload(1 << 16)})
			cancel()
			if err != nil {
				sendResult <- err
				return
			}
		}
		sendResult <- nil
	}()
	time.Sleep(time.Millisecond * 500)

	start := time.Now()
	assert.Nil(uut.Close(CloseSlowConsumer, "slow consumer"))
	assert.Less(time.Since(start), time.Millisecond*500)
	select {
	case err := <-sendResult:
		assert.NotNil(err)
	case <-time.After(time.Second * 3):
		assert.Fail("close did not unblock the stalled write")
	}
	select {
	case <-uut.Idle():
	case <-time.After(time.Second * 3):
		assert.Fail("transport not idle after close")
	}
}

func TestSessionOverStalledH2CStream(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	server, serverSide := startSSEServer(true)
	defer server.Close()
	client := h2cClient()
	defer client.CloseIdleConnections()

	resp, err := client.Get(server.URL)
	assert.Nil(err)
	defer resp.Body.Close()

	var transport *SSETransport
	select {
	case transport = <-serverSide:
	case <-time.After(time.Second):
		assert.FailNow("no server side transport")
	}

	param := SessionParam{
		QueueDepth:          2,
		BackpressureTimeout: time.Millisecond * 200,
		WriteTimeout:        time.Millisecond * 500,
	}
	uut := newSession(common.UserID(1), transport, param, nil, &wg)
	assert.Nil(uut.Start())

	// Every enqueue returns in bounded time, and the session ends
	event, err := common.NewRawEvent("TEST_EVENT", largePayload(1<<16))
	assert.Nil(err)
	stopped := false
	for itr := 0; itr < 4096 && !stopped; itr++ {
		start := time.Now()
		accepted, err := uut.Enqueue(context.Background(), event)
		assert.Less(time.Since(start), time.Second*2)
		stopped = !accepted || err != nil
	}
	assert.True(stopped)

	select {
	case <-uut.Done():
	case <-time.After(time.Second * 3):
		assert.Fail("session did not close")
	}
	select {
	case <-transport.Idle():
	case <-time.After(time.Second * 3):
		assert.Fail("transport not idle after close")
	}
}

func TestWebSocketTransport(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverSide := make(chan *WebSocketTransport, 1)
	readDone := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		transport, err := NewWebSocketTransport(ctxt, conn, WebSocketParam{
			WriteTimeout: time.Second, HeartbeatInterval: time.Second * 5,
		}, log.Fields{"module": "test"}, &wg)
		if err != nil {
			_ = conn.Close()
			return
		}
		serverSide <- transport
		readDone <- transport.ReadLoop()
	}))
	defer server.Close()

	client, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http"), nil,
	)
	assert.Nil(err)
	defer client.Close()

	var uut *WebSocketTransport
	select {
	case uut = <-serverSide:
	case <-time.After(time.Second):
		assert.FailNow("no server side transport")
	}

	// Case 0: dispatch frame
	{
		sendCtxt, sendCancel := context.WithTimeout(context.Background(), time.Second)
		defer sendCancel()
		assert.Nil(uut.Send(sendCtxt, Frame{
			Op: OpDispatch, Type: "TEST_EVENT", Seq: 1, Data: json.RawMessage(`{"v":1}`),
		}))
		var frame Frame
		assert.Nil(client.ReadJSON(&frame))
		assert.Equal(OpDispatch, frame.Op)
		assert.Equal("TEST_EVENT", frame.Type)
		assert.Equal(uint64(1), frame.Seq)
	}

	// Case 1: client heartbeat is acknowledged
	{
		assert.Nil(client.WriteJSON(Frame{Op: OpHeartbeat}))
		var frame Frame
		assert.Nil(client.ReadJSON(&frame))
		assert.Equal(OpHeartbeatAck, frame.Op)
	}

	// Case 2: close reports the code
	{
		assert.Nil(uut.Close(CloseSlowConsumer, "slow consumer"))
		_, _, err := client.ReadMessage()
		var closeErr *websocket.CloseError
		assert.True(errors.As(err, &closeErr))
		assert.Equal(CloseSlowConsumer, closeErr.Code)
		select {
		case <-readDone:
		case <-time.After(time.Second):
			assert.Fail("read loop did not exit")
		}
		sendCtxt, sendCancel := context.WithTimeout(context.Background(), time.Second)
		defer sendCancel()
		assert.True(errors.Is(uut.Send(sendCtxt, Frame{Op: OpDispatch}), ErrTransportClosed))
	}
}

func TestWebSocketTransportCloseUnblocksStalledWrite(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverSide := make(chan *WebSocketTransport, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		transport, err := NewWebSocketTransport(ctxt, conn, WebSocketParam{
			WriteTimeout: time.Millisecond * 500,
		}, log.Fields{"module": "test"}, &wg)
		if err != nil {
			_ = conn.Close()
			return
		}
		serverSide <- transport
		<-transport.Closed()
	}))
	defer server.Close()

	// The client never reads
	client, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http"), nil,
	)
	assert.Nil(err)
	defer client.Close()

	var uut *WebSocketTransport
	select {
	case uut = <-serverSide:
	case <-time.After(time.Second):
		assert.FailNow("no server side transport")
	}

	sendResult := make(chan error, 1)
	go func() {
		for itr := 0; itr < 4096; itr++ {
			sendCtxt, sendCancel := context.WithTimeout(context.Background(), time.Second*30)
			err := uut.Send(sendCtxt, Frame{Op: OpDispatch, Seq: uint64(itr + 1), Data: largePayload(1 << 20)})
			sendCancel()
			if err != nil {
				sendResult <- err
				return
			}
		}
		sendResult <- nil
	}()
	time.Sleep(time.Millisecond * 500)

	start := time.Now()
	_ = uut.Close(CloseSlowConsumer, "slow consumer")
	assert.Less(time.Since(start), time.Second*2)
	select {
	case err := <-sendResult:
		assert.NotNil(err)
	case <-time.After(time.Second * 3):
		assert.Fail("close did not unblock the stalled write")
	}
}
