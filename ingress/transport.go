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

package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/fanout/common"
	"github.com/alwitt/fanout/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// Subscriber reads envelopes from a NATS subject, and applies them to a DispatchTarget
type Subscriber interface {
	// StartReading begin reading envelopes. Reading stops when the context given at
	// construction is cancelled.
	StartReading(wg *sync.WaitGroup) error
}

// subscriberImpl implements Subscriber
type subscriberImpl struct {
	common.Component
	sub      *nats.Subscription
	target   DispatchTarget
	validate *validator.Validate
	reading  bool
	lock     sync.Mutex
	ctxt     context.Context
}

// GetSubscriber define a new Subscriber on a subject. Every gateway node reads every
// envelope, so no queue group is used.
func GetSubscriber(
	ctxt context.Context,
	natsClient *core.NatsClient,
	subject string,
	target DispatchTarget,
) (Subscriber, error) {
	logTags := log.Fields{
		"module": "ingress", "component": "subscriber", "subject": subject,
	}
	if subject == "" {
		err := fmt.Errorf("subject can't be empty")
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber")
		return nil, err
	}
	sub, err := natsClient.Conn().SubscribeSync(subject)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, err
	}
	return &subscriberImpl{
		Component: common.Component{LogTags: logTags},
		sub:       sub,
		target:    target,
		validate:  validator.New(),
		ctxt:      ctxt,
	}, nil
}

// StartReading begin reading envelopes
func (r *subscriberImpl) StartReading(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	r.reading = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(r.LogTags).Infof("Starting reading from NATS")
		defer log.WithFields(r.LogTags).Infof("Stopping NATS read loop")
		defer func() {
			if err := r.sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
			}
		}()
		for {
			msg, err := r.sub.NextMsgWithContext(r.ctxt)
			if err != nil {
				if r.ctxt.Err() == nil {
					log.WithError(err).WithFields(r.LogTags).Errorf("Read failure")
				}
				return
			}
			if msg != nil {
				r.process(msg)
			}
		}
	}()
	return nil
}

// process apply one message. Failures are logged, and the message dropped.
func (r *subscriberImpl) process(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Dropping undecodable envelope")
		return
	}
	if err := env.Validate(r.validate); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Dropping invalid envelope %s", env)
		return
	}
	reached, err := Apply(r.ctxt, r.target, env)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to apply %s", env)
		return
	}
	log.WithFields(r.LogTags).Debugf("Applied %s, reached %d sessions", env, reached)
}

// ==============================================================================

// Publisher publishes envelopes for the gateway nodes
type Publisher interface {
	// Publish publish one envelope, and wait for the server to acknowledge it
	Publish(ctxt context.Context, env Envelope) error
}

// publisherImpl implements Publisher
type publisherImpl struct {
	common.Component
	nats     *core.NatsClient
	subject  string
	validate *validator.Validate
}

// GetPublisher define a new Publisher on a subject
func GetPublisher(natsClient *core.NatsClient, subject, instance string) (Publisher, error) {
	logTags := log.Fields{
		"module": "ingress", "component": "publisher", "instance": instance, "subject": subject,
	}
	if subject == "" {
		err := fmt.Errorf("subject can't be empty")
		log.WithError(err).WithFields(logTags).Error("Unable to define publisher")
		return nil, err
	}
	return &publisherImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   subject,
		validate:  validator.New(),
	}, nil
}

// Publish publish one envelope
func (p *publisherImpl) Publish(ctxt context.Context, env Envelope) error {
	if err := env.Validate(p.validate); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to send %s", env)
		return err
	}
	serialized, err := json.Marshal(&env)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to serialize %s", env)
		return err
	}
	if err := p.nats.Conn().Publish(p.subject, serialized); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to send %s", env)
		return err
	}
	if err := p.nats.Conn().FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Flush after %s failed", env)
		return err
	}
	log.WithFields(p.LogTags).Debugf("Sent %s", env)
	return nil
}
