// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package timesync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/bus/localbus"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/errcore"
	"github.com/coatyio/simsync/lifecycle"
)

func syncMasterAddr() core.EndpointAddress {
	return core.EndpointAddress{Participant: 0, Endpoint: core.SyncMasterEndpointId}
}

func newController(t *testing.T, b *localbus.Bus, id int32) (bus.Endpoint, *lifecycle.Controller) {
	t.Helper()
	ep, err := b.Open(core.EndpointAddress{Participant: core.ParticipantId(id), Endpoint: core.SyncMasterEndpointId})
	require.NoError(t, err)
	return ep, lifecycle.New("p", core.ParticipantId(id), ep, nil, nil)
}

func TestNewRejectsUnsynchronized(t *testing.T) {
	b := localbus.New()
	defer b.Close()
	ep, lc := newController(t, b, 1)

	_, err := New(Unsynchronized, ep, syncMasterAddr(), lc, nil)
	require.True(t, errcore.Is(err, errcore.KindConfiguration))
}

func TestSetPeriodRejectsNonPositiveDuration(t *testing.T) {
	b := localbus.New()
	defer b.Close()
	ep, lc := newController(t, b, 1)

	svc, err := New(TimeQuantum, ep, syncMasterAddr(), lc, nil)
	require.NoError(t, err)

	err = svc.SetPeriod(0)
	require.True(t, errcore.Is(err, errcore.KindState))
}

func TestTimeQuantumCycleRequestsGrantsThenAnnouncesNextSimTask(t *testing.T) {
	b := localbus.New()
	defer b.Close()
	ep, lc := newController(t, b, 1)

	masterEp, err := b.Open(syncMasterAddr())
	require.NoError(t, err)

	var mu sync.Mutex
	var requests []core.QuantumRequest
	masterEp.On(bus.Filter{Type: core.TypeQuantumRequest}, func(e bus.Envelope) {
		req := e.Payload.(core.QuantumRequest)
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		require.NoError(t, masterEp.Send(bus.Envelope{
			Type: core.TypeQuantumGrant,
			To:   e.From,
			Payload: core.QuantumGrant{
				Grantee: e.From, Now: req.Now, Duration: req.Duration, Status: core.GrantStatusGranted,
			},
		}))
	})

	nextSimTasks := make(chan core.NextSimTask, 10)
	observer, _ := b.Open(core.EndpointAddress{Participant: -2})
	observer.On(bus.Filter{Type: core.TypeNextSimTask}, func(e bus.Envelope) {
		nextSimTasks <- e.Payload.(core.NextSimTask)
	})

	svc, err := New(TimeQuantum, ep, syncMasterAddr(), lc, nil)
	require.NoError(t, err)
	require.NoError(t, svc.SetPeriod(1_000_000)) // 1 ms
	defer svc.Stop()

	var steps []int64
	require.NoError(t, svc.SetSimulationTask(func(now int64) error {
		steps = append(steps, now)
		return nil
	}))

	for k := 0; k < 3; k++ {
		select {
		case task := <-nextSimTasks:
			require.Equal(t, int64(k+1)*1_000_000, task.TimePoint)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for NextSimTask %d", k)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(requests), 3)
	require.Equal(t, int64(0), requests[0].Now)
	require.Equal(t, int64(1_000_000), requests[1].Now)
}

func TestDiscreteTimeSendsTickDoneOnlyAfterStepFinishes(t *testing.T) {
	b := localbus.New()
	defer b.Close()
	ep, lc := newController(t, b, 1)

	masterEp, err := b.Open(syncMasterAddr())
	require.NoError(t, err)

	tickDones := make(chan core.TickDone, 10)
	masterEp.On(bus.Filter{Type: core.TypeTickDone}, func(e bus.Envelope) {
		tickDones <- e.Payload.(core.TickDone)
	})

	svc, err := New(DiscreteTime, ep, syncMasterAddr(), lc, nil)
	require.NoError(t, err)
	require.NoError(t, svc.SetPeriod(5_000_000))
	defer svc.Stop()

	stepStarted := make(chan struct{})
	releaseStep := make(chan struct{})
	require.NoError(t, svc.SetSimulationTask(func(now int64) error {
		close(stepStarted)
		<-releaseStep
		return nil
	}))

	tick := core.Tick{Now: 0, Duration: 5_000_000}
	require.NoError(t, masterEp.Send(bus.Envelope{Type: core.TypeTick, To: bus.Broadcast, Payload: tick}))

	<-stepStarted
	select {
	case <-tickDones:
		t.Fatal("TickDone must not be sent before the step finishes")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseStep)
	select {
	case done := <-tickDones:
		require.Equal(t, tick, done.FinishedTick)
	case <-time.After(time.Second):
		t.Fatal("expected TickDone after step finished")
	}
}

func TestSimulationStepFailureReportsToLifecycle(t *testing.T) {
	b := localbus.New()
	defer b.Close()
	ep, lc := newController(t, b, 1)
	masterEp, _ := b.Open(syncMasterAddr())
	masterEp.On(bus.Filter{Type: core.TypeQuantumRequest}, func(e bus.Envelope) {
		req := e.Payload.(core.QuantumRequest)
		masterEp.Send(bus.Envelope{
			Type: core.TypeQuantumGrant, To: e.From,
			Payload: core.QuantumGrant{Grantee: e.From, Now: req.Now, Duration: req.Duration, Status: core.GrantStatusGranted},
		})
	})

	svc, err := New(TimeQuantum, ep, syncMasterAddr(), lc, nil)
	require.NoError(t, err)
	require.NoError(t, svc.SetPeriod(1_000_000))
	defer svc.Stop()

	require.NoError(t, svc.SetSimulationTask(func(now int64) error {
		return errors.New("simulation exploded")
	}))

	require.Equal(t, core.ParticipantState(core.Error), lc.WaitForLifecycleToComplete())
}

func TestStopPreventsFurtherGrantRequests(t *testing.T) {
	b := localbus.New()
	defer b.Close()
	ep, lc := newController(t, b, 1)
	masterEp, _ := b.Open(syncMasterAddr())

	var mu sync.Mutex
	var count int
	masterEp.On(bus.Filter{Type: core.TypeQuantumRequest}, func(bus.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	svc, err := New(TimeQuantum, ep, syncMasterAddr(), lc, nil)
	require.NoError(t, err)
	require.NoError(t, svc.SetPeriod(1_000_000))

	require.NoError(t, svc.SetSimulationTask(func(now int64) error { return nil }))
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return count >= 1 }, time.Second, time.Millisecond)

	svc.Stop()
	<-svc.Done()

	mu.Lock()
	seen := count
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, seen, count)
}
