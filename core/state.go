// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package core defines the data model shared by every synchronization and
// lifecycle component: participant identity, the participant/system state
// ladder, and the typed messages exchanged over the message bus.
package core

import "fmt"

// ParticipantId is the numeric identifier a participant is assigned when it
// joins the simulation. It forms the low half of an EndpointAddress.
type ParticipantId int32

// EndpointId is the 16-bit endpoint discriminator within a participant.
type EndpointId uint16

// SyncMasterEndpointId is the reserved endpoint id the SyncMaster listens and
// sends on (spec §6). By convention every synchronized participant also opens
// its own TimeSyncService traffic under this same EndpointId, so a
// QuantumRequest/TickDone only needs the destination ParticipantId to find
// the SyncMaster.
const SyncMasterEndpointId EndpointId = 1024

// EndpointAddress is the routing tuple on the bus.
type EndpointAddress struct {
	Participant ParticipantId
	Endpoint    EndpointId
}

func (a EndpointAddress) String() string {
	return fmt.Sprintf("%d/%d", a.Participant, a.Endpoint)
}

// State is the single ladder shared by ParticipantState and SystemState
// (spec §3: "SystemState: same ladder as ParticipantState"). Numeric codes
// are part of the wire format and must not be renumbered.
type State uint8

const (
	Invalid                    State = 0
	ServicesCreated            State = 10
	CommunicationInitializing  State = 20
	CommunicationInitialized   State = 30
	ReadyToRun                 State = 40
	Running                    State = 50
	Paused                     State = 60
	Stopping                   State = 70
	Stopped                    State = 80
	Error                      State = 90
	ShuttingDown               State = 100
	Shutdown                   State = 110
	Reinitializing             State = 120
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "Invalid"
	case ServicesCreated:
		return "ServicesCreated"
	case CommunicationInitializing:
		return "CommunicationInitializing"
	case CommunicationInitialized:
		return "CommunicationInitialized"
	case ReadyToRun:
		return "ReadyToRun"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	case ShuttingDown:
		return "ShuttingDown"
	case Shutdown:
		return "Shutdown"
	case Reinitializing:
		return "Reinitializing"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ParticipantState is the state of a single participant's lifecycle.
type ParticipantState State

func (s ParticipantState) String() string { return State(s).String() }

// SystemState is the derived state of the whole required-participant set.
type SystemState State

func (s SystemState) String() string { return State(s).String() }

// ParticipantStatus is the mutable record owned and published by the
// participant it describes (spec §3). Remote copies are kept read-only by
// statustracker.
type ParticipantStatus struct {
	ParticipantName string
	State           ParticipantState
	EnterReason     string
	EnterTime       int64 // ns since epoch
	RefreshTime     int64 // ns since epoch
}

// Nanoseconds is a non-negative logical-time duration or instant.
type Nanoseconds = int64
