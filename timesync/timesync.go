// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package timesync implements the per-participant TimeSyncService (spec
// §4.4): it owns the one worker thread that requests simulation time from
// the SyncMaster, invokes the user's SimulationStep, and announces the next
// interval it is about to simulate.
package timesync

import (
	"sync"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/clog"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/errcore"
	"github.com/coatyio/simsync/lifecycle"
)

// SyncType selects how a participant is granted simulation time.
type SyncType uint8

const (
	Unsynchronized SyncType = iota
	TimeQuantum
	DiscreteTime
)

// SimulationStep is the user's per-cycle work, run on the Service's worker
// thread. A returned error is reported to the lifecycle as a
// UserHandlerFailure (spec §4.6) and ends the cycle.
type SimulationStep func(now core.Nanoseconds) error

// Service drives one synchronized participant's simulation cycle. Create
// with New, configure a step function with SetSimulationTask or
// SetSimulationTaskAsync, which starts the worker.
type Service struct {
	syncType   SyncType
	ep         bus.Endpoint
	syncMaster core.EndpointAddress
	log        clog.Logger
	lc         *lifecycle.Controller

	mu     sync.Mutex
	period core.Nanoseconds
	now    core.Nanoseconds
	async  bool
	step   SimulationStep
	wrong  bool // set once a period-monotonicity violation has been observed

	started    bool
	stopOnce   sync.Once
	stopCh     chan struct{}
	doneCh     chan struct{}
	completeCh chan struct{} // single-producer/single-consumer, buffered 1

	grantCh     chan core.QuantumGrant
	tickCh      chan core.Tick
	currentTick core.Tick // discrete-time mode: tick awaiting a TickDone reply

	unsubGrant bus.Unsubscribe
	unsubTick  bus.Unsubscribe
}

// New creates a Service for syncType on ep, addressing its requests to
// syncMaster (the SyncMasterEndpointId on whichever participant hosts it)
// and reporting failures to lc. Unsynchronized is a ConfigurationError: it
// has no SyncClient in the master and therefore nothing for this service
// to do (spec §4.5, §7).
func New(syncType SyncType, ep bus.Endpoint, syncMaster core.EndpointAddress, lc *lifecycle.Controller, log clog.Logger) (*Service, error) {
	if syncType == Unsynchronized {
		return nil, errcore.Configuration("timesync.New: Unsynchronized participants do not use a TimeSyncService")
	}
	if log == nil {
		log = clog.Discard()
	}

	s := &Service{
		syncType:   syncType,
		ep:         ep,
		syncMaster: syncMaster,
		log:        log,
		lc:         lc,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		completeCh: make(chan struct{}, 1),
		grantCh:    make(chan core.QuantumGrant, 1),
		tickCh:     make(chan core.Tick, 1),
	}

	switch syncType {
	case TimeQuantum:
		s.unsubGrant = ep.On(bus.Filter{Type: core.TypeQuantumGrant}, s.onGrant)
	case DiscreteTime:
		s.unsubTick = ep.On(bus.Filter{Type: core.TypeTick}, s.onTick)
	}

	return s, nil
}

func (s *Service) onGrant(env bus.Envelope) {
	grant, ok := env.Payload.(core.QuantumGrant)
	if !ok {
		s.log.Errorf("QuantumGrant payload has unexpected type %T", env.Payload)
		return
	}
	if grant.Grantee != s.ep.Address() {
		return
	}
	select {
	case s.grantCh <- grant:
	case <-s.stopCh:
	}
}

func (s *Service) onTick(env bus.Envelope) {
	tick, ok := env.Payload.(core.Tick)
	if !ok {
		s.log.Errorf("Tick payload has unexpected type %T", env.Payload)
		return
	}
	select {
	case s.tickCh <- tick:
	case <-s.stopCh:
	}
}

// SetPeriod adjusts the duration used by all subsequent requests, effective
// from the next cycle; an outstanding request already sent is never
// retroactively re-granted (spec §4.4). A non-positive period is a
// WrongState violation of period monotonicity.
func (s *Service) SetPeriod(d core.Nanoseconds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d <= 0 {
		s.wrong = true
		return errcore.State("SetPeriod: period must be positive, got %d", d)
	}
	s.period = d
	return nil
}

// SetSimulationTask starts the worker in blocking mode: the goroutine
// invoking step is the Service's own worker thread, distinct from the
// owning Endpoint's middleware thread (spec §5).
func (s *Service) SetSimulationTask(step SimulationStep) error {
	return s.start(step, false)
}

// SetSimulationTaskAsync starts the worker in async mode: after step
// returns, the worker blocks until CompleteSimulationTask is called from
// any thread.
func (s *Service) SetSimulationTaskAsync(step SimulationStep) error {
	return s.start(step, true)
}

func (s *Service) start(step SimulationStep, async bool) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errcore.State("timesync: simulation task already set")
	}
	if s.wrong {
		s.mu.Unlock()
		return errcore.State("timesync: period monotonicity already violated")
	}
	s.started = true
	s.step = step
	s.async = async
	s.mu.Unlock()

	go s.run()
	return nil
}

// CompleteSimulationTask signals the worker to proceed past the current
// step in async mode. It is safe to call from any thread; calls while no
// step is outstanding are dropped (spec §4.4: "single-producer/
// single-consumer condition").
func (s *Service) CompleteSimulationTask() {
	select {
	case s.completeCh <- struct{}{}:
	default:
	}
}

// Stop cancels the worker cooperatively: any pending wait unblocks and the
// worker exits without sending further requests (spec §4.4, §4.6). Safe to
// call more than once and to call before the worker has started.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.unsubGrant != nil {
			s.unsubGrant()
		}
		if s.unsubTick != nil {
			s.unsubTick()
		}
	})
}

// Done is closed once the worker goroutine has exited, whether by
// cancellation or by a step failure.
func (s *Service) Done() <-chan struct{} { return s.doneCh }

func (s *Service) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		now, duration := s.now, s.period
		s.mu.Unlock()

		if !s.awaitGrant(now, duration) {
			return
		}

		if s.async {
			// Drop a completion signalled before this step was invoked.
			select {
			case <-s.completeCh:
			default:
			}
		}

		if err := s.step(now); err != nil {
			if s.lc != nil {
				s.lc.Fail(err.Error())
			}
			return
		}

		if s.syncType == DiscreteTime {
			if err := s.ep.Send(bus.Envelope{
				Type: core.TypeTickDone,
				To:   s.syncMaster,
				Payload: core.TickDone{
					FinishedTick: s.currentTick,
				},
			}); err != nil {
				s.log.Warnf("failed to publish TickDone: %v", err)
			}
		}

		if s.async {
			select {
			case <-s.completeCh:
			case <-s.stopCh:
				return
			}
		}

		s.mu.Lock()
		nextNow := now + duration
		nextDuration := s.period
		s.now = nextNow
		s.mu.Unlock()

		if err := s.ep.Send(bus.Envelope{
			Type: core.TypeNextSimTask,
			To:   bus.Broadcast,
			Payload: core.NextSimTask{
				TimePoint: nextNow,
				Duration:  nextDuration,
			},
		}); err != nil {
			s.log.Warnf("failed to publish NextSimTask: %v", err)
		}
	}
}

// awaitGrant performs step 1+2 of the cycle (spec §4.4): request time and
// block until granted. For DiscreteTime, receiving the Tick itself is the
// grant; the TickDone reply is sent after the step finishes, not here. It
// returns false if the worker should exit, either because it was
// cancelled or because the master rejected the request (which only
// happens on shutdown).
func (s *Service) awaitGrant(now, duration core.Nanoseconds) bool {
	switch s.syncType {
	case TimeQuantum:
		if err := s.ep.Send(bus.Envelope{
			Type: core.TypeQuantumRequest,
			To:   s.syncMaster,
			Payload: core.QuantumRequest{
				Now:      now,
				Duration: duration,
			},
		}); err != nil {
			s.log.Warnf("failed to publish QuantumRequest: %v", err)
			return false
		}

		select {
		case grant := <-s.grantCh:
			return grant.Status == core.GrantStatusGranted
		case <-s.stopCh:
			return false
		}

	case DiscreteTime:
		select {
		case tick := <-s.tickCh:
			s.currentTick = tick
			return true
		case <-s.stopCh:
			return false
		}
	}
	return false
}
