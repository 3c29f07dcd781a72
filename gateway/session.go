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
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrBackpressureTimeout the session queue stayed full past the backpressure timeout
var ErrBackpressureTimeout = errors.New("session backpressure timeout")

// SessionState lifecycle state of a session
type SessionState int32

// Session states
const (
	StateConnecting SessionState = iota
	StateReady
	StateDraining
	StateClosed
)

// String toString function
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// SessionParam session delivery parameters
type SessionParam struct {
	// QueueDepth max number of events queued for delivery
	QueueDepth int `validate:"gte=1"`
	// BackpressureTimeout max wait for queue space before the session is closed
	BackpressureTimeout time.Duration `validate:"gt=0"`
	// WriteTimeout max duration of one transport write
	WriteTimeout time.Duration `validate:"gt=0"`
	// HeartbeatInterval advertised to the client in the hello frame
	HeartbeatInterval time.Duration `validate:"gte=0"`
}

// Session one live client connection. Events enqueued on a session are written to
// its transport, in enqueue order, by a single drain goroutine.
type Session struct {
	common.Component
	id        string
	user      common.UserID
	transport Transport
	param     SessionParam
	queue     chan common.Event
	seq       atomic.Uint64

	lock     sync.Mutex
	state    SessionState
	draining chan struct{}
	closed   chan struct{}
	onClose  func(*Session)
	wg       *sync.WaitGroup
}

func newSession(
	user common.UserID,
	transport Transport,
	param SessionParam,
	onClose func(*Session),
	wg *sync.WaitGroup,
) *Session {
	id := uuid.New().String()
	logTags := log.Fields{
		"module": "gateway", "component": "session", "instance": id, "user": user,
	}
	return &Session{
		Component: common.Component{LogTags: logTags},
		id:        id,
		user:      user,
		transport: transport,
		param:     param,
		queue:     make(chan common.Event, param.QueueDepth),
		state:     StateConnecting,
		draining:  make(chan struct{}),
		closed:    make(chan struct{}),
		onClose:   onClose,
		wg:        wg,
	}
}

// ID the session ID
func (s *Session) ID() string {
	return s.id
}

// User the user owning the session
func (s *Session) User() common.UserID {
	return s.user
}

// State the current session state
func (s *Session) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Seq sequence number of the last dispatched frame
func (s *Session) Seq() uint64 {
	return s.seq.Load()
}

// Done closed once the session reaches CLOSED
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Start complete the handshake: send the hello frame, then start the drain task.
// The session is READY when this returns without error.
func (s *Session) Start() error {
	s.lock.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.lock.Unlock()
		return fmt.Errorf("session %s can't start from %s", s.id, state)
	}
	s.lock.Unlock()

	hello, err := json.Marshal(HelloData{
		SessionID: s.id, HeartbeatInterval: s.param.HeartbeatInterval.Milliseconds(),
	})
	if err != nil {
		s.Abort(CloseAbnormal, "handshake failed")
		return err
	}
	ctxt, cancel := context.WithTimeout(context.Background(), s.param.WriteTimeout)
	defer cancel()
	if err := s.transport.Send(ctxt, Frame{Op: OpHello, Data: hello}); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to send hello")
		s.Abort(CloseAbnormal, "handshake failed")
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("session %s closed during handshake", s.id)
	}
	s.state = StateReady
	s.wg.Add(1)
	go s.drainLoop()
	log.WithFields(s.LogTags).Info("Session ready")
	return nil
}

// Enqueue queue an event for delivery. Returns whether the event was accepted.
//
// An event for a DRAINING or CLOSED session is discarded without error. If the
// queue is full, Enqueue waits up to the backpressure timeout for space; past
// that, the session is closed as a slow consumer and ErrBackpressureTimeout
// returned.
func (s *Session) Enqueue(ctx context.Context, event common.Event) (bool, error) {
	// The state check and the non-blocking send share the lock so an event can't
	// slip into the queue after the session stopped accepting.
	s.lock.Lock()
	if state := s.state; state == StateDraining || state == StateClosed {
		s.lock.Unlock()
		log.WithFields(s.LogTags).Debugf("Discarding %s for %s session", event, state)
		return false, nil
	}
	select {
	case s.queue <- event:
		s.lock.Unlock()
		return true, nil
	default:
	}
	s.lock.Unlock()

	timer := time.NewTimer(s.param.BackpressureTimeout)
	defer timer.Stop()
	select {
	case s.queue <- event:
		// The session may have started closing while this call waited. An event
		// queued after that point is reported as discarded.
		if state := s.State(); state == StateDraining || state == StateClosed {
			log.WithFields(s.LogTags).Debugf("Discarding %s, session %s", event, state)
			return false, nil
		}
		return true, nil
	case <-s.closed:
		log.WithFields(s.LogTags).Debugf("Discarding %s, session closed", event)
		return false, nil
	case <-s.draining:
		log.WithFields(s.LogTags).Debugf("Discarding %s, session draining", event)
		return false, nil
	case <-ctx.Done():
		log.WithError(ctx.Err()).WithFields(s.LogTags).Warnf("Gave up enqueuing %s", event)
		s.Abort(CloseAbnormal, "delivery interrupted")
		return false, ctx.Err()
	case <-timer.C:
		log.WithFields(s.LogTags).Warnf(
			"Queue full for %s, closing slow consumer", s.param.BackpressureTimeout,
		)
		s.Abort(CloseSlowConsumer, "slow consumer")
		return false, ErrBackpressureTimeout
	}
}

// Close request a graceful close. Queued events are flushed before the session
// reaches CLOSED.
func (s *Session) Close() {
	s.lock.Lock()
	switch s.state {
	case StateReady:
		s.state = StateDraining
		close(s.draining)
		s.lock.Unlock()
		log.WithFields(s.LogTags).Debug("Session draining")
	case StateConnecting:
		s.lock.Unlock()
		s.Abort(CloseNormal, "session closed")
	default:
		s.lock.Unlock()
	}
}

// Abort close the session immediately, discarding queued events
func (s *Session) Abort(code int, reason string) {
	s.lock.Lock()
	if s.state == StateClosed {
		s.lock.Unlock()
		return
	}
	s.state = StateClosed
	close(s.closed)
	s.lock.Unlock()

	if err := s.transport.Close(code, reason); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Transport close failed")
	}
	log.WithFields(s.LogTags).Infof("Session closed [%d] %s", code, reason)
	if s.onClose != nil {
		s.onClose(s)
	}
}

// write deliver one event to the transport
func (s *Session) write(event common.Event) error {
	frame := Frame{
		Op: OpDispatch, Type: event.Name(), Seq: s.seq.Add(1), Data: event.Payload(),
	}
	ctxt, cancel := context.WithTimeout(context.Background(), s.param.WriteTimeout)
	defer cancel()
	return s.transport.Send(ctxt, frame)
}

// drainLoop write queued events to the transport in order
func (s *Session) drainLoop() {
	defer s.wg.Done()
	defer log.WithFields(s.LogTags).Debug("Drain loop exiting")
	for {
		// A closed session delivers nothing more
		select {
		case <-s.closed:
			return
		default:
		}
		select {
		case <-s.closed:
			return
		case event := <-s.queue:
			if err := s.write(event); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Failed to write %s", event)
				s.Abort(CloseAbnormal, "transport write failed")
				return
			}
		case <-s.draining:
			s.flush()
			return
		}
	}
}

// flush write whatever is still queued, then close the session
func (s *Session) flush() {
	for {
		select {
		case <-s.closed:
			return
		case event := <-s.queue:
			if err := s.write(event); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Failed to flush %s", event)
				s.Abort(CloseAbnormal, "transport write failed")
				return
			}
		default:
			s.Abort(CloseNormal, "session closed")
			return
		}
	}
}
