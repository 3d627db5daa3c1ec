// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package syncmaster implements the SyncMaster (spec §4.5): the single
// component that grants simulation time to every synchronized participant
// while preserving the causal-order invariant of spec §5 ("no participant
// receives a message timestamped beyond its own granted horizon"). It runs
// entirely on its own Endpoint's dispatch goroutine and creates no threads
// of its own.
package syncmaster

import (
	"sync"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/clog"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/statustracker"
	"github.com/coatyio/simsync/timesync"
)

type requestStatus uint8

const (
	statusIdle requestStatus = iota
	statusPending
	statusGranted
)

// syncRequest is the grant bookkeeping for one client, mirroring SyncRequest.
type syncRequest struct {
	status   requestStatus
	now      core.Nanoseconds
	duration core.Nanoseconds
}

func (r syncRequest) endTime() core.Nanoseconds { return r.now + r.duration }

// syncClient is the common interface of TimeQuantumClient and
// DiscreteTimeClient: both are granted by the same sendGrants pass.
type syncClient interface {
	now() core.Nanoseconds
	endTime() core.Nanoseconds
	hasPendingRequest() bool
	giveGrant()
	rejectGrant()
	reset()
}

// timeQuantumClient represents one participant with SyncType TimeQuantum.
type timeQuantumClient struct {
	request     syncRequest
	grantAction func(core.GrantStatus, syncRequest)
}

func (c *timeQuantumClient) now() core.Nanoseconds      { return c.request.now }
func (c *timeQuantumClient) endTime() core.Nanoseconds  { return c.request.endTime() }
func (c *timeQuantumClient) hasPendingRequest() bool    { return c.request.status == statusPending }
func (c *timeQuantumClient) setPendingRequest(now, duration core.Nanoseconds) {
	c.request = syncRequest{status: statusPending, now: now, duration: duration}
}
func (c *timeQuantumClient) giveGrant() {
	c.request.status = statusGranted
	c.grantAction(core.GrantStatusGranted, c.request)
}
func (c *timeQuantumClient) rejectGrant() {
	c.request.status = statusIdle
	c.grantAction(core.GrantStatusRejected, c.request)
}
func (c *timeQuantumClient) reset() { c.request = syncRequest{} }

// discreteTimeClient represents the singleton set of all SyncType
// DiscreteTime participants, which are granted as one unit by sending a
// single broadcast Tick (spec §4.1: "DiscreteTimeClient: at most one per
// simulation ... holds tickDuration, numClients, numTickDoneReceived,
// currentTick").
type discreteTimeClient struct {
	tickDuration        core.Nanoseconds
	numClients          int
	numTickDoneReceived int
	currentTick         core.Tick

	request     syncRequest
	grantAction func(core.GrantStatus, syncRequest)
}

func newDiscreteTimeClient(tickDuration core.Nanoseconds, numClients int) *discreteTimeClient {
	return &discreteTimeClient{
		tickDuration: tickDuration,
		numClients:   numClients,
		request:      syncRequest{status: statusPending, now: 0, duration: tickDuration},
	}
}

func (c *discreteTimeClient) now() core.Nanoseconds     { return c.request.now }
func (c *discreteTimeClient) endTime() core.Nanoseconds { return c.request.endTime() }
func (c *discreteTimeClient) hasPendingRequest() bool   { return c.request.status == statusPending }
func (c *discreteTimeClient) giveGrant() {
	c.request.status = statusGranted
	c.currentTick = core.Tick{Now: c.request.now, Duration: c.request.duration}
	c.grantAction(core.GrantStatusGranted, c.request)
}
func (c *discreteTimeClient) rejectGrant() {
	c.request.status = statusIdle
	c.grantAction(core.GrantStatusRejected, c.request)
}
func (c *discreteTimeClient) reset() {
	c.request = syncRequest{status: statusPending, now: 0, duration: c.tickDuration}
	c.numTickDoneReceived = 0
}

// tickDoneReceived folds in one TickDone; once every DiscreteTime
// participant has reported for the current tick, the next tick's request
// is armed automatically (spec §4.1, §4.5).
func (c *discreteTimeClient) tickDoneReceived() {
	c.numTickDoneReceived++
	if c.numTickDoneReceived == c.numClients {
		c.request = syncRequest{
			status:   statusPending,
			now:      c.request.now + c.tickDuration,
			duration: c.tickDuration,
		}
		c.numTickDoneReceived = 0
	}
}

// Participant describes one synchronized participant the Master must grant
// time to.
type Participant struct {
	Name     string
	Id       core.ParticipantId
	SyncType timesync.SyncType
}

// Master is the SyncMaster for one simulation. Create with New, which wires
// it to tracker's SystemState and to ep's QuantumRequest/TickDone intake;
// it needs no further driving.
type Master struct {
	ep  bus.Endpoint
	log clog.Logger

	syncClients        []syncClient
	timeQuantumClients map[core.ParticipantId]*timeQuantumClient
	discreteTimeClient *discreteTimeClient

	systemState       core.SystemState
	maxGrantedEndTime core.Nanoseconds

	doneOnce sync.Once
	doneCh   chan struct{}
}

// New builds a Master serving participants, with tickPeriod applying to
// every DiscreteTime participant (spec §4.1: "must be identical for all DT
// participants"). ep is the Master's own Endpoint, conventionally opened at
// EndpointId core.SyncMasterEndpointId; tracker supplies SystemState.
func New(participants []Participant, tickPeriod core.Nanoseconds, ep bus.Endpoint, tracker *statustracker.Tracker, log clog.Logger) *Master {
	if log == nil {
		log = clog.Discard()
	}

	m := &Master{
		ep:                 ep,
		log:                log,
		timeQuantumClients: make(map[core.ParticipantId]*timeQuantumClient),
		doneCh:             make(chan struct{}),
	}

	numDiscrete := 0
	for _, p := range participants {
		switch p.SyncType {
		case timesync.TimeQuantum:
			m.addTimeQuantumClient(p.Id)
		case timesync.DiscreteTime:
			numDiscrete++
		}
	}
	log.Infof("SyncMaster is serving %d TimeQuantum clients", len(m.timeQuantumClients))
	log.Infof("SyncMaster is serving %d DiscreteTime clients", numDiscrete)

	if numDiscrete > 0 {
		m.addDiscreteTimeClient(tickPeriod, numDiscrete)
	}

	ep.On(bus.Filter{Type: core.TypeQuantumRequest}, m.handleQuantumRequest)
	ep.On(bus.Filter{Type: core.TypeTickDone}, m.handleTickDone)
	tracker.AddSystemStateHandler(m.onSystemStateChanged)

	return m
}

func (m *Master) addTimeQuantumClient(id core.ParticipantId) {
	c := &timeQuantumClient{}
	c.grantAction = func(status core.GrantStatus, req syncRequest) {
		m.sendQuantumGrant(core.QuantumGrant{
			Grantee:  core.EndpointAddress{Participant: id, Endpoint: core.SyncMasterEndpointId},
			Now:      req.now,
			Duration: req.duration,
			Status:   status,
		})
	}
	m.syncClients = append(m.syncClients, c)
	m.timeQuantumClients[id] = c
}

func (m *Master) addDiscreteTimeClient(tickDuration core.Nanoseconds, numClients int) {
	c := newDiscreteTimeClient(tickDuration, numClients)
	c.grantAction = func(status core.GrantStatus, req syncRequest) {
		if status != core.GrantStatusGranted {
			return // matches the original: a rejected DiscreteTime grant sends nothing
		}
		m.sendTick(core.Tick{Now: req.now, Duration: req.duration})
	}
	m.syncClients = append(m.syncClients, c)
	m.discreteTimeClient = c
}

func (m *Master) handleQuantumRequest(env bus.Envelope) {
	msg, ok := env.Payload.(core.QuantumRequest)
	if !ok {
		m.log.Errorf("QuantumRequest payload has unexpected type %T", env.Payload)
		return
	}

	client, ok := m.timeQuantumClients[env.From.Participant]
	if !ok {
		m.log.Errorf("received QuantumRequest from participant %d, which is unknown", env.From.Participant)
		return
	}
	if client.hasPendingRequest() {
		m.log.Errorf("received QuantumRequest from participant %d, which already has a pending request", env.From.Participant)
		return
	}
	if client.endTime() != msg.Now {
		m.log.Warnf("QuantumRequest from participant %d does not match the current simulation time: expected %d, got %d", env.From.Participant, client.endTime(), msg.Now)
	}

	client.setPendingRequest(msg.Now, msg.Duration)

	if m.systemState == core.SystemState(core.Running) {
		m.sendGrants()
	}
}

func (m *Master) handleTickDone(env bus.Envelope) {
	if m.discreteTimeClient == nil {
		m.log.Errorf("received TickDone but no DiscreteTime client is configured")
		return
	}
	msg, ok := env.Payload.(core.TickDone)
	if !ok {
		m.log.Errorf("TickDone payload has unexpected type %T", env.Payload)
		return
	}

	if m.discreteTimeClient.currentTick != msg.FinishedTick {
		m.log.Errorf("received TickDone from participant %d for %+v, which does not match current %+v", env.From.Participant, msg.FinishedTick, m.discreteTimeClient.currentTick)
	}

	m.discreteTimeClient.tickDoneReceived()

	if !m.discreteTimeClient.hasPendingRequest() {
		return // still waiting on more TickDones for this tick
	}
	if m.systemState == core.SystemState(core.Running) {
		m.sendGrants()
	}
}

// onSystemStateChanged mirrors SyncMaster::SystemStateChanged: on entry into
// Running, clients are reset unless resuming from Paused (spec §4.5); on
// reaching Shutdown, any still-pending requests are rejected and
// WaitForShutdown unblocks.
func (m *Master) onSystemStateChanged(newState core.SystemState) {
	m.log.Infof("SyncMaster observes new SystemState %s", newState)
	oldState := m.systemState
	m.systemState = newState

	switch newState {
	case core.SystemState(core.Running):
		switch oldState {
		case core.SystemState(core.Paused):
			m.log.Infof("SyncMaster: continuing simulation")
		case core.SystemState(core.CommunicationInitializing), core.SystemState(core.CommunicationInitialized), core.SystemState(core.ReadyToRun):
			m.log.Infof("SyncMaster: starting simulation")
			m.resetAllClients()
		default:
			m.log.Warnf("SyncMaster: switch to Running from unexpected state %s; assuming start of simulation", oldState)
			m.resetAllClients()
		}
		m.sendGrants()

	case core.SystemState(core.Shutdown):
		m.rejectAllPending()
		m.finish()
	}
}

func (m *Master) resetAllClients() {
	m.maxGrantedEndTime = 0
	for _, c := range m.syncClients {
		c.reset()
	}
}

func (m *Master) rejectAllPending() {
	for _, c := range m.syncClients {
		if c.hasPendingRequest() {
			c.rejectGrant()
		}
	}
}

// sendGrants implements the grant algorithm of spec §4.5.
func (m *Master) sendGrants() {
	if len(m.syncClients) == 0 {
		return
	}

	minNow := m.syncClients[0].now()
	for _, c := range m.syncClients[1:] {
		if c.now() < minNow {
			minNow = c.now()
		}
	}

	for _, c := range m.syncClients {
		if !c.hasPendingRequest() {
			continue
		}
		if c.now() == minNow || c.endTime() <= m.maxGrantedEndTime {
			c.giveGrant()
			if c.endTime() > m.maxGrantedEndTime {
				m.maxGrantedEndTime = c.endTime()
			}
		}
	}
}

func (m *Master) sendTick(tick core.Tick) {
	if err := m.ep.Send(bus.Envelope{
		Type:    core.TypeTick,
		To:      bus.Broadcast,
		Payload: tick,
	}); err != nil {
		m.log.Warnf("failed to publish Tick: %v", err)
	}
}

func (m *Master) sendQuantumGrant(grant core.QuantumGrant) {
	if err := m.ep.Send(bus.Envelope{
		Type:    core.TypeQuantumGrant,
		To:      grant.Grantee,
		Payload: grant,
	}); err != nil {
		m.log.Warnf("failed to publish QuantumGrant: %v", err)
	}
}

func (m *Master) finish() {
	m.doneOnce.Do(func() { close(m.doneCh) })
}

// WaitForShutdown blocks until the tracked SystemState reaches Shutdown.
func (m *Master) WaitForShutdown() {
	<-m.doneCh
}
