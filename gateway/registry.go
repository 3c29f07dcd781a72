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
	"fmt"
	"sync"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrNonTerminalKind only user dispatches terminate at the registry
	ErrNonTerminalKind = errors.New("dispatch kind is not terminal")
	// ErrRegistryClosed the registry no longer accepts sessions
	ErrRegistryClosed = errors.New("session registry closed")
	// ErrSessionOwner the session belongs to another user
	ErrSessionOwner = errors.New("session belongs to another user")
)

// Registry maps a user ID to that user's live sessions. It is the only component
// which hands events to sessions.
type Registry struct {
	common.Component
	lock     sync.RWMutex
	sessions map[common.UserID]map[string]*Session
	closing  bool
	param    SessionParam
	wg       *sync.WaitGroup
}

// NewRegistry define a new session registry
func NewRegistry(param SessionParam, wg *sync.WaitGroup) (*Registry, error) {
	logTags := log.Fields{"module": "gateway", "component": "session-registry"}
	if err := validator.New().Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session parameters")
		return nil, err
	}
	return &Registry{
		Component: common.Component{LogTags: logTags},
		sessions:  make(map[common.UserID]map[string]*Session),
		param:     param,
		wg:        wg,
	}, nil
}

// NewSession define a new session for a user on top of a transport. The session is
// removed from the registry automatically once it closes.
func (r *Registry) NewSession(user common.UserID, transport Transport) *Session {
	return newSession(user, transport, r.param, func(s *Session) {
		r.RemoveSession(s.User(), s)
	}, r.wg)
}

// RegisterSession add a session to the user's live sessions, and start it
func (r *Registry) RegisterSession(user common.UserID, session *Session) error {
	if session.User() != user {
		return fmt.Errorf("%w: %s of %d", ErrSessionOwner, session.ID(), session.User())
	}
	if err := func() error {
		r.lock.Lock()
		defer r.lock.Unlock()
		if r.closing {
			return ErrRegistryClosed
		}
		sessions, ok := r.sessions[user]
		if !ok {
			sessions = make(map[string]*Session)
			r.sessions[user] = sessions
		}
		sessions[session.ID()] = session
		return nil
	}(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to register session of %d", user)
		return err
	}
	if err := session.Start(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Session %s of %d failed to start", session.ID(), user)
		r.RemoveSession(user, session)
		return err
	}
	log.WithFields(r.LogTags).Debugf("Registered session %s of %d", session.ID(), user)
	return nil
}

// RemoveSession remove a session from the user's live sessions. Subscriber stores
// are not touched.
func (r *Registry) RemoveSession(user common.UserID, session *Session) {
	r.lock.Lock()
	defer r.lock.Unlock()
	sessions, ok := r.sessions[user]
	if !ok {
		return
	}
	if _, ok := sessions[session.ID()]; !ok {
		return
	}
	delete(sessions, session.ID())
	if len(sessions) == 0 {
		delete(r.sessions, user)
	}
	log.WithFields(r.LogTags).Debugf("Removed session %s of %d", session.ID(), user)
}

// Sessions snapshot of a user's live sessions
func (r *Registry) Sessions(user common.UserID) []*Session {
	r.lock.RLock()
	defer r.lock.RUnlock()
	sessions, ok := r.sessions[user]
	if !ok {
		return nil
	}
	result := make([]*Session, 0, len(sessions))
	for _, session := range sessions {
		result = append(result, session)
	}
	return result
}

// Dispatch enqueue an event on every live session of the target user. Returns the
// number of sessions which accepted the event. Only KindUser is terminal here.
func (r *Registry) Dispatch(
	ctx context.Context, kind common.DispatchKind, target common.UserID, event common.Event,
) (int, error) {
	if kind != common.KindUser {
		return 0, fmt.Errorf("%w: '%s'", ErrNonTerminalKind, kind)
	}
	reached := 0
	for _, session := range r.Sessions(target) {
		accepted, err := session.Enqueue(ctx, event)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Failed to deliver %s to session %s of %d", event, session.ID(), target,
			)
			continue
		}
		if accepted {
			reached++
		}
	}
	return reached, nil
}

// DispatchUser deliver a new event to every live session of the user
func (r *Registry) DispatchUser(
	ctx context.Context, user common.UserID, name string, payload interface{},
) (int, error) {
	event, err := common.NewEvent(name, payload)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to define %s for %d", name, user)
		return 0, err
	}
	return r.Dispatch(ctx, common.KindUser, user, event)
}

// SessionCount number of live sessions
func (r *Registry) SessionCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	count := 0
	for _, sessions := range r.sessions {
		count += len(sessions)
	}
	return count
}

// UserCount number of users with at least one live session
func (r *Registry) UserCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

// Close stop accepting sessions, and gracefully close every live session. Sessions
// still open when the context expires are aborted.
func (r *Registry) Close(ctx context.Context) error {
	r.lock.Lock()
	r.closing = true
	all := []*Session{}
	for _, sessions := range r.sessions {
		for _, session := range sessions {
			all = append(all, session)
		}
	}
	r.lock.Unlock()

	log.WithFields(r.LogTags).Infof("Closing %d sessions", len(all))
	for _, session := range all {
		session.Close()
	}
	for _, session := range all {
		select {
		case <-session.Done():
		case <-ctx.Done():
			session.Abort(CloseGoingAway, "server shutting down")
		}
	}
	return ctx.Err()
}
