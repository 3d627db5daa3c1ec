// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/bus/localbus"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/errcore"
)

func addr(p int32) core.EndpointAddress {
	return core.EndpointAddress{Participant: core.ParticipantId(p), Endpoint: core.SyncMasterEndpointId}
}

func TestSetWorkflowConfigurationRejectsEmptySet(t *testing.T) {
	b := localbus.New()
	defer b.Close()
	ep, _ := b.Open(addr(0))

	d := NewDistributor(ep, nil)
	err := d.SetWorkflowConfiguration(nil)
	require.True(t, errcore.Is(err, errcore.KindConfiguration))
}

func TestSetWorkflowConfigurationRepeatedIdenticalIsNoop(t *testing.T) {
	// Testable property 5: "SetWorkflowConfiguration(X) twice with equal X
	// from the same sender produces no second broadcast".
	b := localbus.New()
	defer b.Close()
	ep, _ := b.Open(addr(0))
	observer, _ := b.Open(addr(9))

	var received int
	observer.On(bus.Filter{Type: core.TypeWorkflowConfiguration}, func(bus.Envelope) { received++ })

	d := NewDistributor(ep, nil)
	require.NoError(t, d.SetWorkflowConfiguration([]string{"A", "B"}))
	require.NoError(t, d.SetWorkflowConfiguration([]string{"A", "B"}))

	require.Eventually(t, func() bool { return received >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, received)
}

func TestSetWorkflowConfigurationConflictIsProtocolError(t *testing.T) {
	b := localbus.New()
	defer b.Close()
	ep, _ := b.Open(addr(0))

	d := NewDistributor(ep, nil)
	require.NoError(t, d.SetWorkflowConfiguration([]string{"A", "B"}))

	err := d.SetWorkflowConfiguration([]string{"A", "C"})
	require.True(t, errcore.Is(err, errcore.KindProtocol))
}

func TestReceiverInstallsFirstConfigurationOnce(t *testing.T) {
	b := localbus.New()
	defer b.Close()
	ep, _ := b.Open(addr(1))

	var installed Configuration
	installs := 0
	r := NewReceiver(ep, nil, func(cfg Configuration) {
		installed = cfg
		installs++
	}, nil)

	publisher, _ := b.Open(addr(0))
	require.NoError(t, publisher.Send(bus.Envelope{
		Type: core.TypeWorkflowConfiguration,
		To:   bus.Broadcast,
		Payload: core.WorkflowConfigurationMsg{RequiredParticipantNames: []string{"A", "B"}},
	}))

	require.Eventually(t, func() bool {
		cfg, ok := r.Configuration()
		return ok && len(cfg.RequiredParticipantNames) == 2
	}, time.Second, time.Millisecond)

	require.Equal(t, 1, installs)
	require.True(t, installed.IsRequired("A"))
	require.False(t, installed.IsRequired("Z"))
}

func TestReceiverRaisesProtocolErrorOnConflictingConfiguration(t *testing.T) {
	// Testable scenario S5: a second sender publishing a different
	// WorkflowConfiguration raises ProtocolError on receipt.
	b := localbus.New()
	defer b.Close()
	ep, _ := b.Open(addr(1))

	var gotErr error
	r := NewReceiver(ep, nil, nil, func(err error) { gotErr = err })

	publisher, _ := b.Open(addr(0))
	require.NoError(t, publisher.Send(bus.Envelope{
		Type: core.TypeWorkflowConfiguration, To: bus.Broadcast,
		Payload: core.WorkflowConfigurationMsg{RequiredParticipantNames: []string{"A", "B"}},
	}))
	require.Eventually(t, func() bool { _, ok := r.Configuration(); return ok }, time.Second, time.Millisecond)

	other, _ := b.Open(addr(8))
	require.NoError(t, other.Send(bus.Envelope{
		Type: core.TypeWorkflowConfiguration, To: bus.Broadcast,
		Payload: core.WorkflowConfigurationMsg{RequiredParticipantNames: []string{"A", "C"}},
	}))

	require.Eventually(t, func() bool { return gotErr != nil }, time.Second, time.Millisecond)
	require.True(t, errcore.Is(gotErr, errcore.KindProtocol))
}
