// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package statustracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/bus/localbus"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/workflow"
)

func masterAddr() core.EndpointAddress {
	return core.EndpointAddress{Participant: 0, Endpoint: core.SyncMasterEndpointId}
}

// newRequiredTracker builds a Tracker whose required set {"A","B"} is
// already installed, via a real workflow.Receiver on a real localbus.
func newRequiredTracker(t *testing.T) (*Tracker, *localbus.Bus) {
	t.Helper()
	b := localbus.New()
	ep, _ := b.Open(masterAddr())
	receiver := workflow.NewReceiver(ep, nil, nil, nil)
	tracker := New(nil, receiver)
	tracker.Subscribe(ep)

	publisher, _ := b.Open(core.EndpointAddress{Participant: 99})
	require.NoError(t, publisher.Send(bus.Envelope{
		Type: core.TypeWorkflowConfiguration, To: bus.Broadcast,
		Payload: core.WorkflowConfigurationMsg{RequiredParticipantNames: []string{"A", "B"}},
	}))
	require.Eventually(t, func() bool { _, ok := receiver.Configuration(); return ok }, time.Second, time.Millisecond)
	return tracker, b
}

func status(name string, s core.ParticipantState) core.ParticipantStatus {
	return core.ParticipantStatus{ParticipantName: name, State: s}
}

func TestSystemStateIsInvalidUntilAllRequiredHaveReported(t *testing.T) {
	tracker, b := newRequiredTracker(t)
	defer b.Close()

	tracker.Ingest(status("A", core.ParticipantState(core.Running)))
	require.Equal(t, core.SystemState(core.Invalid), tracker.SystemState())

	tracker.Ingest(status("B", core.ParticipantState(core.Running)))
	require.Equal(t, core.SystemState(core.Running), tracker.SystemState())
}

func TestErrorDominatesEveryOtherState(t *testing.T) {
	tracker, b := newRequiredTracker(t)
	defer b.Close()

	tracker.Ingest(status("A", core.ParticipantState(core.Running)))
	tracker.Ingest(status("B", core.ParticipantState(core.Error)))
	require.Equal(t, core.SystemState(core.Error), tracker.SystemState())
}

func TestPausedDominatesRunningButNotOtherMinimums(t *testing.T) {
	tracker, b := newRequiredTracker(t)
	defer b.Close()

	tracker.Ingest(status("A", core.ParticipantState(core.Running)))
	tracker.Ingest(status("B", core.ParticipantState(core.Paused)))
	require.Equal(t, core.SystemState(core.Paused), tracker.SystemState())

	// Once the least-advanced participant is behind Running, Paused's
	// special-case no longer applies: the minimum itself wins (spec §4.3).
	tracker.Ingest(status("A", core.ParticipantState(core.ReadyToRun)))
	require.Equal(t, core.SystemState(core.ReadyToRun), tracker.SystemState())
}

func TestAddSystemStateHandlerInvokesImmediatelyForLateObserver(t *testing.T) {
	// Testable scenario S6: a handler registered after SystemState is
	// already Running is invoked exactly once synchronously with Running.
	tracker, b := newRequiredTracker(t)
	defer b.Close()

	tracker.Ingest(status("A", core.ParticipantState(core.Running)))
	tracker.Ingest(status("B", core.ParticipantState(core.Running)))
	require.Equal(t, core.SystemState(core.Running), tracker.SystemState())

	var calls []core.SystemState
	tracker.AddSystemStateHandler(func(s core.SystemState) { calls = append(calls, s) })
	require.Equal(t, []core.SystemState{core.SystemState(core.Running)}, calls)
}

func TestHandlerIdsAreUniqueUntilRemoved(t *testing.T) {
	tracker, b := newRequiredTracker(t)
	defer b.Close()

	id1 := tracker.AddSystemStateHandler(func(core.SystemState) {})
	id2 := tracker.AddSystemStateHandler(func(core.SystemState) {})
	require.NotEqual(t, id1, id2)

	tracker.RemoveSystemStateHandler(id1)
	id3 := tracker.AddSystemStateHandler(func(core.SystemState) {})
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}

func TestSystemStateHandlerFiresOnlyOnChange(t *testing.T) {
	tracker, b := newRequiredTracker(t)
	defer b.Close()

	var calls int
	tracker.AddSystemStateHandler(func(core.SystemState) { calls++ })

	tracker.Ingest(status("A", core.ParticipantState(core.Running)))
	tracker.Ingest(status("B", core.ParticipantState(core.Running)))
	require.Equal(t, 1, calls) // Invalid -> Running

	tracker.Ingest(status("A", core.ParticipantState(core.Running))) // no change
	require.Equal(t, 1, calls)
}

func TestParticipantStatusHandlerSeesEveryPublishRegardlessOfRequiredSet(t *testing.T) {
	tracker, b := newRequiredTracker(t)
	defer b.Close()

	var seen []string
	tracker.AddParticipantStatusHandler(func(s core.ParticipantStatus) { seen = append(seen, s.ParticipantName) })

	tracker.Ingest(status("Z", core.ParticipantState(core.Running))) // not in required set
	require.Equal(t, []string{"Z"}, seen)
	require.Equal(t, core.SystemState(core.Invalid), tracker.SystemState())
}
