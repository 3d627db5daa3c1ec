// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package statustracker implements the SystemStateTracker (spec §4.3): a
// pure, deterministic aggregation of the required participants' latest
// ParticipantStatus into one SystemState, plus the observer registries for
// both signals. Its status map generalizes the teacher's Tracker (a
// mutex-guarded set of alive component ids) into a mutex-guarded map of the
// latest status per participant.
package statustracker

import (
	"sync"
	"sync/atomic"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/clog"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/workflow"
)

// HandlerId identifies a registered observer, returned at registration and
// used to remove it later (spec §4.3, testable property 6: unique within
// its subscriber list until Remove returns).
type HandlerId uint64

// SystemStateHandler is invoked whenever the derived SystemState changes.
type SystemStateHandler func(core.SystemState)

// ParticipantStatusHandler is invoked for every ParticipantStatus publish,
// not just ones that change the derived SystemState.
type ParticipantStatusHandler func(core.ParticipantStatus)

// Tracker aggregates the required participants' statuses into a single
// SystemState and fans out both signals to registered observers. All of
// its methods are safe for concurrent use, matching the teacher's Tracker.
type Tracker struct {
	log clog.Logger

	required *workflow.Receiver

	mu       sync.RWMutex // protects statuses, systemState
	statuses map[string]core.ParticipantStatus
	systemState core.SystemState

	handlersMu  sync.Mutex // protects the two registries below
	nextID      uint64
	stateRegs   map[HandlerId]SystemStateHandler
	statusRegs  map[HandlerId]ParticipantStatusHandler
	dispatching bool
	pending     []func()
}

// New creates a Tracker. required supplies the WorkflowConfiguration once
// it has been installed; statuses of participants outside the required set
// are ignored by the derivation (spec §4.3) but are still delivered to
// ParticipantStatusHandlers, matching "every ParticipantStatus publish".
func New(log clog.Logger, required *workflow.Receiver) *Tracker {
	if log == nil {
		log = clog.Discard()
	}
	return &Tracker{
		log:        log,
		required:   required,
		statuses:   make(map[string]core.ParticipantStatus),
		stateRegs:  make(map[HandlerId]SystemStateHandler),
		statusRegs: make(map[HandlerId]ParticipantStatusHandler),
	}
}

// Subscribe wires t to receive ParticipantStatus publishes on ep.
func (t *Tracker) Subscribe(ep bus.Endpoint) bus.Unsubscribe {
	return ep.On(bus.Filter{Type: core.TypeParticipantStatus}, t.handlePublish)
}

func (t *Tracker) handlePublish(env bus.Envelope) {
	status, ok := env.Payload.(core.ParticipantStatus)
	if !ok {
		t.log.Errorf("ParticipantStatus payload has unexpected type %T", env.Payload)
		return
	}
	t.Ingest(status)
}

// Ingest records status and, if it changes the derived SystemState,
// notifies SystemStateHandlers. It never fails: unknown participant names
// are recorded (for ParticipantStatusHandlers) but contribute nothing to
// the derivation until/unless they appear in the required set (spec §4.6).
func (t *Tracker) Ingest(status core.ParticipantStatus) {
	t.mu.Lock()
	t.statuses[status.ParticipantName] = status
	newState := t.deriveLocked()
	changed := newState != t.systemState
	if changed {
		t.systemState = newState
	}
	t.mu.Unlock()

	t.dispatchStatus(status)
	if changed {
		t.dispatchSystemState(newState)
	}
}

// deriveLocked implements the §4.3 derivation rule. Caller holds t.mu.
func (t *Tracker) deriveLocked() core.SystemState {
	var required []string
	if t.required != nil {
		if cfg, ok := t.required.Configuration(); ok {
			required = cfg.RequiredParticipantNames
		}
	}
	if len(required) == 0 {
		return core.Invalid
	}

	states := make([]core.ParticipantState, 0, len(required))
	for _, name := range required {
		st, ok := t.statuses[name]
		if !ok {
			return core.Invalid // not all required participants have reported yet
		}
		states = append(states, st.State)
	}

	// Rule 1: any Error dominates.
	for _, s := range states {
		if s == core.ParticipantState(core.Error) {
			return core.SystemState(core.Error)
		}
	}

	// Rule 2: all equal.
	allEqual := true
	for _, s := range states[1:] {
		if s != states[0] {
			allEqual = false
			break
		}
	}
	if allEqual {
		return core.SystemState(states[0])
	}

	// Rule 3: least-advanced required participant, except Paused
	// dominates Running.
	min := states[0]
	hasPaused := false
	for _, s := range states {
		if s < min {
			min = s
		}
		if s == core.ParticipantState(core.Paused) {
			hasPaused = true
		}
	}
	if min == core.ParticipantState(core.Running) && hasPaused {
		return core.SystemState(core.Paused)
	}
	return core.SystemState(min)
}

// SystemState returns the current derived SystemState.
func (t *Tracker) SystemState() core.SystemState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.systemState
}

// Status returns the latest known ParticipantStatus for name.
func (t *Tracker) Status(name string) (core.ParticipantStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[name]
	return s, ok
}

// AddSystemStateHandler registers handler. If the current SystemState is
// not Invalid, handler is invoked immediately with it (spec §4.3).
func (t *Tracker) AddSystemStateHandler(handler SystemStateHandler) HandlerId {
	id := t.registerState(handler)
	if s := t.SystemState(); s != core.Invalid {
		handler(s)
	}
	return id
}

// RemoveSystemStateHandler unregisters a handler previously returned by
// AddSystemStateHandler.
func (t *Tracker) RemoveSystemStateHandler(id HandlerId) {
	t.mutateHandlers(func() { delete(t.stateRegs, id) })
}

// AddParticipantStatusHandler registers handler, then invokes it
// immediately for every currently known participant whose state is not
// Invalid (spec §4.3).
func (t *Tracker) AddParticipantStatusHandler(handler ParticipantStatusHandler) HandlerId {
	id := t.registerStatus(handler)

	t.mu.RLock()
	known := make([]core.ParticipantStatus, 0, len(t.statuses))
	for _, s := range t.statuses {
		if s.State != core.Invalid {
			known = append(known, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range known {
		handler(s)
	}
	return id
}

// RemoveParticipantStatusHandler unregisters a handler previously returned
// by AddParticipantStatusHandler.
func (t *Tracker) RemoveParticipantStatusHandler(id HandlerId) {
	t.mutateHandlers(func() { delete(t.statusRegs, id) })
}

func (t *Tracker) registerState(h SystemStateHandler) HandlerId {
	id := HandlerId(atomic.AddUint64(&t.nextID, 1))
	t.mutateHandlers(func() { t.stateRegs[id] = h })
	return id
}

func (t *Tracker) registerStatus(h ParticipantStatusHandler) HandlerId {
	id := HandlerId(atomic.AddUint64(&t.nextID, 1))
	t.mutateHandlers(func() { t.statusRegs[id] = h })
	return id
}

// mutateHandlers applies fn to the registries immediately, unless a
// dispatch is in progress, in which case fn is queued and applied once
// dispatch finishes (design note, spec §9: registration/removal safe from
// inside a handler, taking effect after the current dispatch).
func (t *Tracker) mutateHandlers(fn func()) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()

	if t.dispatching {
		t.pending = append(t.pending, fn)
		return
	}
	fn()
}

func (t *Tracker) dispatchSystemState(s core.SystemState) {
	handlers := t.snapshotStateHandlers()
	for _, h := range handlers {
		h(s)
	}
	t.drainPending()
}

func (t *Tracker) dispatchStatus(s core.ParticipantStatus) {
	handlers := t.snapshotStatusHandlers()
	for _, h := range handlers {
		h(s)
	}
	t.drainPending()
}

func (t *Tracker) snapshotStateHandlers() []SystemStateHandler {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.dispatching = true
	out := make([]SystemStateHandler, 0, len(t.stateRegs))
	for _, h := range t.stateRegs {
		out = append(out, h)
	}
	return out
}

func (t *Tracker) snapshotStatusHandlers() []ParticipantStatusHandler {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.dispatching = true
	out := make([]ParticipantStatusHandler, 0, len(t.statusRegs))
	for _, h := range t.statusRegs {
		out = append(out, h)
	}
	return out
}

func (t *Tracker) drainPending() {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.dispatching = false
	for _, fn := range t.pending {
		fn()
	}
	t.pending = nil
}
