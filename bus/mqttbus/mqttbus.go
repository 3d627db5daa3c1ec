// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package mqttbus is a bus.MessageBus over MQTT 5, for deployments where
// participants run as separate processes rather than sharing one
// bus/localbus in-process. Envelopes are gob-encoded and published on
// topics named after message type and destination, grounded on the
// teacher's `-b tcp://localhost:1883` broker flag (cmd/worker/worker.go):
// the teacher's own workers already assume a broker is how distributed
// components of this shape find each other.
package mqttbus

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/clog"
	"github.com/coatyio/simsync/core"
)

func init() {
	gob.Register(core.ParticipantStatus{})
	gob.Register(core.ParticipantCommand{})
	gob.Register(core.SystemCommand{})
	gob.Register(core.WorkflowConfigurationMsg{})
	gob.Register(core.QuantumRequest{})
	gob.Register(core.QuantumGrant{})
	gob.Register(core.Tick{})
	gob.Register(core.TickDone{})
	gob.Register(core.NextSimTask{})
}

const qos = 1

// Bus is a bus.MessageBus backed by a single MQTT 5 connection shared by
// every local Endpoint opened on it.
type Bus struct {
	client *paho.Client
	log    clog.Logger

	mu        sync.RWMutex
	endpoints map[core.EndpointAddress]*endpoint
	closed    bool
}

// Dial connects to brokerURL (e.g. "tcp://localhost:1883"), retrying the
// initial TCP dial with exponential backoff (teacher's indirect dep
// cenkalti/backoff/v4, via dda's own reconnect logic), then performs the
// MQTT 5 CONNECT handshake.
func Dial(ctx context.Context, brokerURL string, log clog.Logger) (*Bus, error) {
	if log == nil {
		log = clog.Discard()
	}

	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqttbus: invalid broker URL %q: %w", brokerURL, err)
	}

	var conn net.Conn
	dial := func() error {
		c, dialErr := (&net.Dialer{}).DialContext(ctx, "tcp", u.Host)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(dial, bo); err != nil {
		return nil, fmt.Errorf("mqttbus: dialing %s: %w", brokerURL, err)
	}

	b := &Bus{
		log:       log,
		endpoints: make(map[core.EndpointAddress]*endpoint),
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn: conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			b.onPublishReceived,
		},
	})

	clientUUID := uuid.NewString()
	_, err = client.Connect(ctx, &paho.Connect{
		KeepAlive:  30,
		ClientID:   "simsync-" + clientUUID,
		CleanStart: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mqttbus: MQTT CONNECT to %s: %w", brokerURL, err)
	}

	log.Infof("connected to broker %s as simsync-%s", brokerURL, clog.UuidShort(clientUUID))

	b.client = client
	return b, nil
}

func topic(msgType string, to core.EndpointAddress) string {
	if to == bus.Broadcast {
		return fmt.Sprintf("simsync/%s/broadcast", msgType)
	}
	return fmt.Sprintf("simsync/%s/%d/%d", msgType, to.Participant, to.Endpoint)
}

func (b *Bus) Open(address core.EndpointAddress) (bus.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("mqttbus: bus is closed")
	}
	if ep, ok := b.endpoints[address]; ok {
		return ep, nil
	}

	ep := newEndpoint(address, b)
	b.endpoints[address] = ep

	ctx := context.Background()
	_, err := b.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: fmt.Sprintf("simsync/+/%d/%d", address.Participant, address.Endpoint), QoS: qos},
			{Topic: "simsync/+/broadcast", QoS: qos},
		},
	})
	if err != nil {
		delete(b.endpoints, address)
		return nil, fmt.Errorf("mqttbus: subscribing for %s: %w", address, err)
	}

	return ep, nil
}

func (b *Bus) Publish(env bus.Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("mqttbus: encoding envelope: %w", err)
	}

	_, err := b.client.Publish(context.Background(), &paho.Publish{
		Topic:   topic(env.Type, env.To),
		QoS:     qos,
		Payload: buf.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("mqttbus: publishing: %w", err)
	}
	return nil
}

func (b *Bus) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	var env bus.Envelope
	if err := gob.NewDecoder(bytes.NewReader(pr.Packet.Payload)).Decode(&env); err != nil {
		b.log.Errorf("mqttbus: decoding envelope from topic %s: %v", pr.Packet.Topic, err)
		return true, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if env.To == bus.Broadcast {
		for _, ep := range b.endpoints {
			ep.deliver(env)
		}
		return true, nil
	}
	if ep, ok := b.endpoints[env.To]; ok {
		ep.deliver(env)
	}
	return true, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, ep := range b.endpoints {
		ep.close()
	}
	return b.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
