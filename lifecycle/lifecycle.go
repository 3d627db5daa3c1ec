// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package lifecycle implements the per-participant LifecycleController
// (spec §4.2): the state machine driving a participant from ServicesCreated
// through Running/Paused to Stopped/Shutdown, dispatching user handlers on
// its own middleware-thread goroutine and publishing ParticipantStatus on
// every transition.
package lifecycle

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/desertbit/timer"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/clog"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/errcore"
	"github.com/coatyio/simsync/statustracker"
)

// CommunicationReadyHandler runs once communication has been initialized,
// before the participant advertises ReadyToRun.
type CommunicationReadyHandler func() error

// StopHandler runs while transitioning Running -> Stopping -> Stopped.
type StopHandler func() error

// ShutdownHandler runs while transitioning Stopped|Error -> ShuttingDown ->
// Shutdown on an orderly shutdown (not on AbortSimulation, which skips it).
type ShutdownHandler func() error

const defaultWatchdogInterval = 1 * time.Second

// Controller drives one participant's lifecycle state machine.
type Controller struct {
	name string
	id   core.ParticipantId
	log  clog.Logger

	ep      bus.Endpoint
	tracker *statustracker.Tracker

	watchdogInterval time.Duration

	commReadyHandler CommunicationReadyHandler
	stopHandler      StopHandler
	shutdownHandler  ShutdownHandler

	mu          sync.Mutex
	state       core.ParticipantState
	enterReason string
	enterTime   int64
	pauseReason string

	watchdogStop chan struct{}
	watchdogDone chan struct{}

	doneOnce  sync.Once
	doneCh    chan struct{}
	doneState core.ParticipantState
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithWatchdogInterval overrides the default 1s refresh cadence.
func WithWatchdogInterval(d time.Duration) Option {
	return func(c *Controller) { c.watchdogInterval = d }
}

// WithCommunicationReadyHandler sets the handler run before ReadyToRun.
func WithCommunicationReadyHandler(h CommunicationReadyHandler) Option {
	return func(c *Controller) { c.commReadyHandler = h }
}

// WithStopHandler sets the handler run while stopping.
func WithStopHandler(h StopHandler) Option {
	return func(c *Controller) { c.stopHandler = h }
}

// WithShutdownHandler sets the handler run on orderly shutdown.
func WithShutdownHandler(h ShutdownHandler) Option {
	return func(c *Controller) { c.shutdownHandler = h }
}

// New creates a Controller in ServicesCreated, subscribed to
// ParticipantCommand and SystemCommand on ep.
func New(name string, id core.ParticipantId, ep bus.Endpoint, tracker *statustracker.Tracker, log clog.Logger, opts ...Option) *Controller {
	if log == nil {
		log = clog.Discard()
	}
	c := &Controller{
		name:             name,
		id:               id,
		log:              log,
		ep:               ep,
		tracker:          tracker,
		watchdogInterval: defaultWatchdogInterval,
		state:            core.ServicesCreated,
		doneCh:           make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	ep.On(bus.Filter{Type: core.TypeSystemCommand}, c.handleSystemCommand)
	ep.On(bus.Filter{Type: core.TypeParticipantCommand}, c.handleParticipantCommand)

	c.enterTime = time.Now().UnixNano()
	c.publish()

	return c
}

// State returns the current ParticipantState.
func (c *Controller) State() core.ParticipantState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start drives the participant from ServicesCreated to ReadyToRun,
// invoking the CommunicationReadyHandler in between, and starts the
// refresh watchdog. It is a programming error to call Start twice.
func (c *Controller) Start() {
	c.transition(core.CommunicationInitializing, "")
	c.transition(core.CommunicationInitialized, "")

	if !c.runHandler("CommunicationReadyHandler", func() error {
		if c.commReadyHandler != nil {
			return c.commReadyHandler()
		}
		return nil
	}) {
		return // runHandler already drove us to Error
	}

	c.transition(core.ReadyToRun, "")
	c.startWatchdog()
}

// Pause transitions Running -> Paused, recording reason. While Paused, the
// SyncMaster stops issuing grants to this participant's SyncClient (spec
// §4.5) and health monitors must not flag it unresponsive (spec §4.2) —
// which is exactly why the watchdog keeps refreshing RefreshTime
// regardless of transitions.
func (c *Controller) Pause(reason string) error {
	c.mu.Lock()
	if c.state != core.Running {
		c.mu.Unlock()
		return errcore.State("Pause rejected: participant is %s, not Running", c.state)
	}
	c.pauseReason = reason
	c.mu.Unlock()

	c.transition(core.Paused, reason)
	return nil
}

// Continue transitions Paused -> Running.
func (c *Controller) Continue() error {
	c.mu.Lock()
	if c.state != core.Paused {
		c.mu.Unlock()
		return errcore.State("Continue rejected: participant is %s, not Paused", c.state)
	}
	c.mu.Unlock()

	c.transition(core.Running, "")
	return nil
}

// Fail reports a UserHandlerFailure from any component (e.g. timesync's
// SimulationStep invocation) and transitions the participant to Error
// (spec §4.6). Safe to call from any non-terminal state; a no-op once
// already Shutdown.
func (c *Controller) Fail(reason string) {
	c.mu.Lock()
	if c.state == core.Shutdown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Errorf("participant %s entering Error: %s", c.name, reason)
	c.transition(core.Error, reason)
	c.finish(core.Error)
}

func (c *Controller) handleSystemCommand(env bus.Envelope) {
	cmd, ok := env.Payload.(core.SystemCommand)
	if !ok {
		c.log.Errorf("SystemCommand payload has unexpected type %T", env.Payload)
		return
	}

	switch cmd.Kind {
	case core.SystemCommandRun:
		c.onRun()
	case core.SystemCommandStop:
		c.onStop()
	case core.SystemCommandShutdown:
		c.onShutdown()
	case core.SystemCommandAbortSimulation:
		c.onAbort()
	default:
		c.log.Debugf("ignoring SystemCommand kind %d", cmd.Kind)
	}
}

func (c *Controller) handleParticipantCommand(env bus.Envelope) {
	cmd, ok := env.Payload.(core.ParticipantCommand)
	if !ok {
		c.log.Errorf("ParticipantCommand payload has unexpected type %T", env.Payload)
		return
	}
	if cmd.ParticipantId != c.id {
		return // addressed to someone else
	}

	switch cmd.Kind {
	case core.ParticipantCommandShutdown:
		c.onShutdown()
	case core.ParticipantCommandRestart:
		c.onRestart()
	default:
		c.log.Debugf("ignoring ParticipantCommand kind %d", cmd.Kind)
	}
}

func (c *Controller) onRun() {
	if c.tracker.SystemState() != core.SystemState(core.ReadyToRun) {
		c.reject("Run rejected: SystemState is not ReadyToRun")
		return
	}
	c.mu.Lock()
	if c.state != core.ReadyToRun {
		c.mu.Unlock()
		c.reject("Run rejected: participant is not ReadyToRun")
		return
	}
	c.mu.Unlock()
	c.transition(core.Running, "")
}

func (c *Controller) onStop() {
	if c.tracker.SystemState() != core.SystemState(core.Running) {
		c.reject("Stop rejected: SystemState is not Running")
		return
	}
	c.mu.Lock()
	if c.state != core.Running {
		c.mu.Unlock()
		c.reject("Stop rejected: participant is not Running")
		return
	}
	c.mu.Unlock()

	c.transition(core.Stopping, "")
	if !c.runHandler("StopHandler", func() error {
		if c.stopHandler != nil {
			return c.stopHandler()
		}
		return nil
	}) {
		return
	}
	c.transition(core.Stopped, "")
}

func (c *Controller) onShutdown() {
	c.mu.Lock()
	s := c.state
	c.mu.Unlock()
	if s != core.Stopped && s != core.Error {
		c.reject("Shutdown rejected: participant is %s, not Stopped or Error", s)
		return
	}

	c.transition(core.ShuttingDown, "")
	if !c.runHandler("ShutdownHandler", func() error {
		if c.shutdownHandler != nil {
			return c.shutdownHandler()
		}
		return nil
	}) {
		return
	}
	c.transition(core.Shutdown, "")
	c.stopWatchdog()
	c.finish(core.Shutdown)
}

// onAbort forces ShuttingDown -> Shutdown from any non-terminal state
// without running the ShutdownHandler (spec §4.2 diagram: the
// AbortSimulation edge has no "after ShutdownHandler" annotation, unlike
// the orderly Shutdown edge).
func (c *Controller) onAbort() {
	c.mu.Lock()
	if c.state == core.Shutdown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.transition(core.ShuttingDown, "AbortSimulation")
	c.transition(core.Shutdown, "AbortSimulation")
	c.stopWatchdog()
	c.finish(core.Shutdown)
}

func (c *Controller) onRestart() {
	c.mu.Lock()
	s := c.state
	c.mu.Unlock()
	if s != core.Stopped && s != core.Error {
		c.reject("Restart rejected: participant is %s, not Stopped or Error", s)
		return
	}
	c.transition(core.Reinitializing, "")
	c.transition(core.ServicesCreated, "")
}

// runHandler invokes fn, recovering a panic the way an escaped exception
// would in the source language, and drives the controller to Error on any
// failure (spec §4.2: "failures transition to Error with the exception
// message in enterReason"). Returns false if it drove the controller to
// Error.
func (c *Controller) runHandler(name string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("%s panicked: %v", name, r)
			c.transition(core.Error, errcore.UserHandler("%s panicked: %v", name, r).Error())
			c.finish(core.Error)
			ok = false
		}
	}()

	if err := fn(); err != nil {
		c.log.Errorf("%s failed: %v", name, err)
		c.transition(core.Error, errcore.UserHandler("%s: %v", name, err).Error())
		c.finish(core.Error)
		return false
	}
	return true
}

func (c *Controller) reject(format string, args ...any) {
	err := errcore.State(format, args...)
	c.log.Warnf("%v", err)

	c.mu.Lock()
	c.enterReason = err.Error()
	c.mu.Unlock()

	c.publish()
}

func (c *Controller) transition(next core.ParticipantState, reason string) {
	c.mu.Lock()
	c.state = next
	c.enterReason = reason
	c.enterTime = time.Now().UnixNano()
	c.mu.Unlock()

	c.log.Infof("participant %s -> %s%s", c.name, next, reasonSuffix(reason))
	c.publish()
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}

// publish sends the current ParticipantStatus, reflecting whatever
// enterReason is currently recorded. It is called on every transition and
// rejection, and by the watchdog on a fixed cadence to refresh RefreshTime
// alone (spec §4.2).
func (c *Controller) publish() {
	c.mu.Lock()
	status := core.ParticipantStatus{
		ParticipantName: c.name,
		State:           c.state,
		EnterReason:     c.enterReason,
		EnterTime:       c.enterTime,
		RefreshTime:     time.Now().UnixNano(),
	}
	c.mu.Unlock()

	send := func() error {
		return c.ep.Send(bus.Envelope{
			Type:    core.TypeParticipantStatus,
			To:      bus.Broadcast,
			Payload: status,
		})
	}
	if err := send(); err != nil {
		b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		if retryErr := backoff.Retry(send, b); retryErr != nil {
			c.log.Warnf("failed to publish ParticipantStatus after retries: %v", retryErr)
		}
	}
}

func (c *Controller) startWatchdog() {
	c.watchdogStop = make(chan struct{})
	c.watchdogDone = make(chan struct{})

	go func() {
		defer close(c.watchdogDone)

		t := timer.NewTimer(c.watchdogInterval)
		defer t.Stop()

		for {
			select {
			case <-c.watchdogStop:
				return
			case <-t.C:
				c.publish()
				t.Reset(c.watchdogInterval)
			}
		}
	}()
}

func (c *Controller) stopWatchdog() {
	if c.watchdogStop == nil {
		return
	}
	select {
	case <-c.watchdogStop:
		// already closed
	default:
		close(c.watchdogStop)
	}
	<-c.watchdogDone
}

// finish records the terminal state reached and unblocks
// WaitForLifecycleToComplete exactly once.
func (c *Controller) finish(state core.ParticipantState) {
	c.doneOnce.Do(func() {
		c.doneState = state
		close(c.doneCh)
	})
}

// WaitForLifecycleToComplete blocks until the controller first reaches
// Shutdown or Error, then returns that state (spec §4.2).
func (c *Controller) WaitForLifecycleToComplete() core.ParticipantState {
	<-c.doneCh
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneState
}
