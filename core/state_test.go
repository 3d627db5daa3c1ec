// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	cases := []struct {
		s    State
		want string
	}{
		{Invalid, "Invalid"},
		{ServicesCreated, "ServicesCreated"},
		{Running, "Running"},
		{Paused, "Paused"},
		{Shutdown, "Shutdown"},
		{State(255), "State(255)"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.s.String())
	}
}

func TestParticipantAndSystemStateShareTheLadder(t *testing.T) {
	require.Equal(t, "Running", ParticipantState(Running).String())
	require.Equal(t, "Running", SystemState(Running).String())
}

func TestStateOrdering(t *testing.T) {
	// The numeric codes are the wire format and encode the normal forward
	// progression from ServicesCreated through Stopped (spec §4.2, §8
	// property 1: "legal path in the §4.2 diagram").
	ordered := []State{
		ServicesCreated,
		CommunicationInitializing,
		CommunicationInitialized,
		ReadyToRun,
		Running,
		Stopping,
		Stopped,
	}
	for i := 1; i < len(ordered); i++ {
		require.Less(t, ordered[i-1], ordered[i])
	}
}

func TestEndpointAddressString(t *testing.T) {
	a := EndpointAddress{Participant: 3, Endpoint: 1024}
	require.Equal(t, "3/1024", a.String())
}
