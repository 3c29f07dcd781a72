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
	"errors"
)

// Gateway frame opcodes
const (
	// OpDispatch an event dispatched to the session
	OpDispatch = 0
	// OpHeartbeat client heartbeat
	OpHeartbeat = 1
	// OpHello first frame of a session
	OpHello = 10
	// OpHeartbeatAck server reply to OpHeartbeat
	OpHeartbeatAck = 11
)

// Transport close codes
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseAbnormal     = 1011
	CloseSlowConsumer = 4009
)

// ErrTransportClosed the transport is already closed
var ErrTransportClosed = errors.New("transport closed")

// Frame one gateway frame as written to a transport
type Frame struct {
	// Op frame opcode
	Op int `json:"op"`
	// Type event name, for OpDispatch
	Type string `json:"t,omitempty"`
	// Seq per-session dispatch sequence number, for OpDispatch
	Seq uint64 `json:"s,omitempty"`
	// Data frame payload
	Data json.RawMessage `json:"d,omitempty"`
}

// HelloData payload of the OpHello frame
type HelloData struct {
	SessionID         string `json:"session_id"`
	HeartbeatInterval int64  `json:"heartbeat_interval,omitempty"`
}

// Transport byte-level delivery channel of one session. Send is only called from
// the session's drain task; Close may be called from any goroutine, and must
// unblock a pending Send.
type Transport interface {
	// Send write one frame. Blocks until the frame is written, the context expires,
	// or the transport is closed.
	Send(ctx context.Context, frame Frame) error
	// Close close the transport, reporting the close code to the client if possible.
	// Closing an already closed transport is a no-op.
	Close(code int, reason string) error
}
