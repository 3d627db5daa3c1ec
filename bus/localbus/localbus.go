// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package localbus is the default in-process bus.MessageBus: reliable,
// FIFO-per-sender delivery between named bus.Endpoint mailboxes held in a
// single process, exactly what spec §1 assumes the core sits on top of.
package localbus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/core"
)

// mailboxBuffer bounds how far a slow Endpoint's dispatch goroutine may lag
// behind Publish before a send is treated as failed (spec §4.6: "a send
// failure on the bus surfaces to the transport layer").
const mailboxBuffer = 256

// Bus is an in-process MessageBus. The zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[core.EndpointAddress]*endpoint
	closed    bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{endpoints: make(map[core.EndpointAddress]*endpoint)}
}

func (b *Bus) Open(address core.EndpointAddress) (bus.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errClosed
	}
	if ep, ok := b.endpoints[address]; ok {
		return ep, nil
	}
	ep := newEndpoint(address)
	ep.owner = b
	b.endpoints[address] = ep
	return ep, nil
}

func (b *Bus) Publish(env bus.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errClosed
	}

	if env.To == bus.Broadcast {
		var firstErr error
		for _, ep := range b.endpoints {
			if err := ep.deliver(env); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	if ep, ok := b.endpoints[env.To]; ok {
		return ep.deliver(env)
	}
	return nil
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
	return nil
}

type handlerReg struct {
	id      uint64
	filter  bus.Filter
	handler func(bus.Envelope)
}

// endpoint is one participant's (or the SyncMaster's) mailbox. Every
// handler registered on it runs on its single dispatch goroutine, matching
// the one-middleware-thread-per-participant model of spec §5.
type endpoint struct {
	address core.EndpointAddress
	owner   *Bus

	inbox chan bus.Envelope

	mu       sync.Mutex
	handlers []handlerReg
	nextID   uint64
	// pending holds registration/removal requests made from inside a
	// handler; applied once the current dispatch returns (design note,
	// spec §9: "mutations go to the queue and are applied when dispatch
	// returns").
	pending []func()
	inDispatch bool

	closeOnce sync.Once
	done      chan struct{}
}

func newEndpoint(address core.EndpointAddress) *endpoint {
	ep := &endpoint{
		address: address,
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

	if ep.inDispatch {
		id := ep.nextID
		ep.nextID++
		reg := handlerReg{id: id, filter: f, handler: handler}
		ep.pending = append(ep.pending, func() { ep.handlers = append(ep.handlers, reg) })
		return ep.unsubscribeFunc(id)
	}

	id := ep.nextID
	ep.nextID++
	ep.handlers = append(ep.handlers, handlerReg{id: id, filter: f, handler: handler})
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
	if ep.owner == nil {
		return errNoOwner
	}
	return ep.owner.Publish(env)
}

func (ep *endpoint) deliver(env bus.Envelope) error {
	select {
	case <-ep.done:
		return nil // closed endpoints receive nothing
	default:
	}
	select {
	case ep.inbox <- env:
		return nil
	default:
		return errMailboxFull
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
