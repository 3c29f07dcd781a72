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
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// maxInboundFrameSize max size of a client frame
const maxInboundFrameSize = 4096

// WebSocketParam parameters of a WebSocketTransport
type WebSocketParam struct {
	// WriteTimeout deadline of writes without a context deadline
	WriteTimeout time.Duration
	// HeartbeatInterval ping interval. The connection is considered dead after two
	// intervals without traffic from the client.
	HeartbeatInterval time.Duration
}

// WebSocketTransport writes JSON text frames to a WebSocket connection
type WebSocketTransport struct {
	common.Component
	conn      *websocket.Conn
	param     WebSocketParam
	heartbeat common.IntervalTimer
	lock      sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketTransport wrap an upgraded connection, and start the server pings
func NewWebSocketTransport(
	ctxt context.Context,
	conn *websocket.Conn,
	param WebSocketParam,
	logTags log.Fields,
	wg *sync.WaitGroup,
) (*WebSocketTransport, error) {
	heartbeat, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("ws-heartbeat-%s", conn.RemoteAddr()), ctxt, wg,
	)
	if err != nil {
		return nil, err
	}
	instance := &WebSocketTransport{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		param:     param,
		heartbeat: heartbeat,
		closed:    make(chan struct{}),
	}
	if param.HeartbeatInterval > 0 {
		if err := heartbeat.Start(param.HeartbeatInterval, instance.ping, false); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

func (t *WebSocketTransport) writeDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(t.param.WriteTimeout)
}

// Send write one frame as a text message
func (t *WebSocketTransport) Send(ctx context.Context, frame Frame) error {
	serialized, err := json.Marshal(&frame)
	if err != nil {
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	if err := t.conn.SetWriteDeadline(t.writeDeadline(ctx)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, serialized)
}

// ping send a ping control message
func (t *WebSocketTransport) ping() error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	err := t.conn.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(t.param.WriteTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Ping failed")
	}
	return err
}

// Close send a close control message with the code, and close the connection
func (t *WebSocketTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.heartbeat.Stop()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(t.param.WriteTimeout),
		)
		err = t.conn.Close()
	})
	return err
}

// Closed closed once the transport is closed
func (t *WebSocketTransport) Closed() <-chan struct{} {
	return t.closed
}

// ReadLoop read client frames until the connection fails or is closed. Client
// heartbeats are acknowledged. Blocks; returns the read error which ended the loop.
func (t *WebSocketTransport) ReadLoop() error {
	pongWait := t.param.HeartbeatInterval * 2
	t.conn.SetReadLimit(maxInboundFrameSize)
	extendDeadline := func() {
		if pongWait > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
	extendDeadline()
	t.conn.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})
	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(t.LogTags).Debug("Read loop ended")
			}
			return err
		}
		extendDeadline()
		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.WithError(err).WithFields(t.LogTags).Debug("Ignoring malformed client frame")
			continue
		}
		if frame.Op == OpHeartbeat {
			ctxt, cancel := context.WithTimeout(context.Background(), t.param.WriteTimeout)
			if err := t.Send(ctxt, Frame{Op: OpHeartbeatAck}); err != nil {
				log.WithError(err).WithFields(t.LogTags).Debug("Failed to acknowledge heartbeat")
			}
			cancel()
		}
	}
}
