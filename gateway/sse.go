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
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
)

// ErrNoWriteDeadline the response writer can't bound a write with a deadline
var ErrNoWriteDeadline = errors.New("response writer does not support write deadlines")

// SSETransport streams JSON frames over a long-lived HTTP response, one
// "data:" event per frame.
//
// Every write is bounded by a write deadline. A response writer which can't take
// one fails the send rather than risk blocking the session forever.
type SSETransport struct {
	common.Component
	writer    http.ResponseWriter
	control   *http.ResponseController
	lock      sync.Mutex
	writing   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	idle      chan struct{}
}

// NewSSETransport start the event stream on the response writer
func NewSSETransport(w http.ResponseWriter, logTags log.Fields) (*SSETransport, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	control := http.NewResponseController(w)
	if err := control.Flush(); err != nil {
		return nil, err
	}
	return &SSETransport{
		Component: common.Component{LogTags: logTags},
		writer:    w,
		control:   control,
		closed:    make(chan struct{}),
		idle:      make(chan struct{}),
	}, nil
}

// Send write one frame, and flush it to the client. The context must carry a
// deadline.
func (t *SSETransport) Send(ctx context.Context, frame Frame) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fmt.Errorf("event stream send requires a deadline")
	}
	serialized, err := json.Marshal(&frame)
	if err != nil {
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	// Idle is only reported with the lock free, so the response writer is valid
	// for as long as this holds the lock and the transport was open.
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	// Mark the write, and set its deadline, before the closed check. A Close racing
	// this call then either is seen here, or sees the write and interrupts it.
	t.writing.Store(true)
	defer t.writing.Store(false)
	if err := t.control.SetWriteDeadline(deadline); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			return ErrNoWriteDeadline
		}
		return err
	}
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := fmt.Fprintf(t.writer, "data: %s\n\n", serialized); err != nil {
		return err
	}
	if err := t.control.Flush(); err != nil {
		return err
	}
	return t.control.SetWriteDeadline(time.Time{})
}

// Close end the event stream. The close code can't be reported over SSE.
//
// Close does not wait for an in-flight write. That write is cut short by moving
// its deadline to now, and Idle reports when it has returned.
func (t *SSETransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		log.WithFields(t.LogTags).Debugf("Closing event stream [%d] %s", code, reason)
		close(t.closed)
		if t.writing.Load() {
			if err := t.control.SetWriteDeadline(time.Now()); err != nil {
				log.WithError(err).WithFields(t.LogTags).Debug("Unable to interrupt write")
			}
		}
		go func() {
			t.lock.Lock()
			defer t.lock.Unlock()
			close(t.idle)
		}()
	})
	return nil
}

// Closed closed once the transport is closed
func (t *SSETransport) Closed() <-chan struct{} {
	return t.closed
}

// Idle closed once the transport is closed and no write is in flight. The HTTP
// handler owning the response writer must not return before then.
func (t *SSETransport) Idle() <-chan struct{} {
	return t.idle
}
