// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package mqttbus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/core"
)

const mailboxBuffer = 256

type handlerReg struct {
	id      uint64
	filter  bus.Filter
	handler func(bus.Envelope)
}

// endpoint mirrors bus/localbus's: every handler registered on it runs on
// its own single dispatch goroutine (spec §5's "one middleware thread per
// participant"), regardless of which MQTT subscription delivered the
// envelope.
type endpoint struct {
	address core.EndpointAddress
	owner   *Bus

	inbox chan bus.Envelope

	mu         sync.Mutex
	handlers   []handlerReg
	nextID     uint64
	pending    []func()
	inDispatch bool

	closeOnce sync.Once
	done      chan struct{}
}

func newEndpoint(address core.EndpointAddress, owner *Bus) *endpoint {
	ep := &endpoint{
		address: address,
		owner:   owner,
		inbox:   make(chan bus.Envelope, mailboxBuffer),
		done:    make(chan struct{}),
	}
	go ep.run()
	return ep
}

func (ep *endpoint) Address() core.EndpointAddress { return ep.address }

func (ep *endpoint) On(f bus.Filter, handler func(bus.Envelope)) bus.Unsubscribe {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := ep.nextID
	ep.nextID++
	reg := handlerReg{id: id, filter: f, handler: handler}

	if ep.inDispatch {
		ep.pending = append(ep.pending, func() { ep.handlers = append(ep.handlers, reg) })
	} else {
		ep.handlers = append(ep.handlers, reg)
	}
	return ep.unsubscribeFunc(id)
}

func (ep *endpoint) unsubscribeFunc(id uint64) bus.Unsubscribe {
	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()

		remove := func() {
			for i, r := range ep.handlers {
				if r.id == id {
					ep.handlers = append(ep.handlers[:i], ep.handlers[i+1:]...)
					return
				}
			}
		}
		if ep.inDispatch {
			ep.pending = append(ep.pending, remove)
			return
		}
		remove()
	}
}

func (ep *endpoint) Send(env bus.Envelope) error {
	env.From = ep.address
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	return ep.owner.Publish(env)
}

func (ep *endpoint) deliver(env bus.Envelope) {
	select {
	case ep.inbox <- env:
	default:
		ep.owner.log.Warnf("mqttbus: endpoint %s mailbox full, dropping %s", ep.address, env.Type)
	}
}

func (ep *endpoint) run() {
	for {
		select {
		case env, ok := <-ep.inbox:
			if !ok {
				return
			}
			ep.dispatch(env)
		case <-ep.done:
			return
		}
	}
}

func (ep *endpoint) dispatch(env bus.Envelope) {
	ep.mu.Lock()
	ep.inDispatch = true
	handlers := make([]handlerReg, len(ep.handlers))
	copy(handlers, ep.handlers)
	ep.mu.Unlock()

	for _, r := range handlers {
		if r.filter.Type == env.Type {
			r.handler(env)
		}
	}

	ep.mu.Lock()
	ep.inDispatch = false
	for _, p := range ep.pending {
		p()
	}
	ep.pending = nil
	ep.mu.Unlock()
}

func (ep *endpoint) Close() error {
	ep.close()
	ep.mu.Lock()
	ep.handlers = nil
	ep.pending = nil
	ep.mu.Unlock()
	return nil
}

func (ep *endpoint) close() {
	ep.closeOnce.Do(func() { close(ep.done) })
}
