// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package bus declares the MessageBus capability that every synchronization
// and lifecycle component is built against. The core itself assumes a
// reliable, ordered, in-process bus (spec §1); bus/localbus provides that
// default, and bus/mqttbus provides a real multi-process transport for
// deployments that need one.
package bus

import "github.com/coatyio/simsync/core"

// Broadcast is the sentinel EndpointAddress used as Envelope.To to mean "all
// subscribers of this Type", matching the SystemCommand/Tick/
// WorkflowConfiguration broadcast messages of spec §6.
var Broadcast = core.EndpointAddress{Participant: -1, Endpoint: 0}

// Envelope is the one shape every message travels in. Payload holds the
// concrete typed value from core/messages.go named by Type.
type Envelope struct {
	Type          string
	From          core.EndpointAddress
	To            core.EndpointAddress // Broadcast for all-subscriber delivery
	CorrelationID string
	Payload       any
}

// Filter selects which published envelopes an Endpoint's handler receives.
// To is ignored (matches anything addressed to the owning Endpoint, plus
// all Broadcast envelopes of Type) unless explicitly narrowed by the
// implementation.
type Filter struct {
	Type string
}

// Unsubscribe cancels a registration made with Endpoint.On.
type Unsubscribe func()

// MessageBus is the capability every component is handed at construction.
// Implementations must preserve FIFO order of envelopes sent by the same
// sender (spec §5: "per connection, the bus preserves FIFO").
type MessageBus interface {
	// Publish delivers env to every Endpoint whose address matches env.To
	// (or to all endpoints, if env.To is Broadcast) and that has
	// registered a handler for env.Type.
	Publish(env Envelope) error

	// Open returns the Endpoint for address, creating it on first use. All
	// handlers registered on one Endpoint are invoked on that Endpoint's
	// single dispatch goroutine, in the order their envelopes were
	// published — this is the "middleware thread" of spec §5: a
	// participant's user callbacks are only ever invoked serially, from
	// one goroutine, and observe bus-ingress order.
	Open(address core.EndpointAddress) (Endpoint, error)

	// Close shuts down the bus and every open Endpoint.
	Close() error
}

// Endpoint is a named mailbox on the bus: the receiving half owned by one
// participant (or the SyncMaster). All handler invocations for one Endpoint
// are serialized on its dispatch goroutine.
type Endpoint interface {
	Address() core.EndpointAddress

	// On registers handler for envelopes matching f. Registering while
	// dispatch is in progress, or from inside a handler, is safe.
	On(f Filter, handler func(Envelope)) Unsubscribe

	// Send publishes env with From set to this Endpoint's address.
	Send(env Envelope) error

	// Close stops this Endpoint's dispatch goroutine and unregisters its
	// handlers. Safe to call more than once.
	Close() error
}
