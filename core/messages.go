// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package core

// Message type tags, used as the bus.Envelope.Type discriminator and as the
// message-type segment of MQTT topics in bus/mqttbus. Field order within each struct below is the
// wire serialization order required by spec §6.

const (
	TypeParticipantStatus     = "sim.sync.participantStatus"
	TypeParticipantCommand    = "sim.sync.participantCommand"
	TypeSystemCommand         = "sim.sync.systemCommand"
	TypeWorkflowConfiguration = "sim.sync.workflowConfiguration"
	TypeQuantumRequest        = "sim.sync.quantumRequest"
	TypeQuantumGrant          = "sim.sync.quantumGrant"
	TypeTick                  = "sim.sync.tick"
	TypeTickDone              = "sim.sync.tickDone"
	TypeNextSimTask           = "sim.sync.nextSimTask"
)

// ParticipantCommandKind is the kind of an addressed ParticipantCommand.
type ParticipantCommandKind uint8

const (
	ParticipantCommandInvalid  ParticipantCommandKind = 0
	ParticipantCommandRestart  ParticipantCommandKind = 1
	ParticipantCommandShutdown ParticipantCommandKind = 2
)

// ParticipantCommand addresses a single participant (spec §6).
type ParticipantCommand struct {
	ParticipantId ParticipantId
	Kind          ParticipantCommandKind
}

// SystemCommandKind is the kind of a broadcast SystemCommand.
type SystemCommandKind uint8

const (
	SystemCommandInvalid          SystemCommandKind = 0
	SystemCommandRun              SystemCommandKind = 1
	SystemCommandStop             SystemCommandKind = 2
	SystemCommandShutdown         SystemCommandKind = 3
	SystemCommandAbortSimulation  SystemCommandKind = 4
	SystemCommandPrepareColdswap  SystemCommandKind = 5
	SystemCommandExecuteColdswap  SystemCommandKind = 6
)

// SystemCommand is broadcast to all participants (spec §6).
type SystemCommand struct {
	Kind SystemCommandKind
}

// WorkflowConfigurationMsg is the wire form of workflow.Configuration,
// distributed exactly once to all participants (spec §6, §4.1).
type WorkflowConfigurationMsg struct {
	RequiredParticipantNames []string
}

// QuantumRequest is sent by a time-quantum participant to the SyncMaster.
type QuantumRequest struct {
	Now      Nanoseconds
	Duration Nanoseconds
}

// GrantStatus is the outcome of a grant decision.
type GrantStatus uint8

const (
	GrantStatusGranted  GrantStatus = 0
	GrantStatusRejected GrantStatus = 1
)

// QuantumGrant is sent by the SyncMaster to a single time-quantum client.
type QuantumGrant struct {
	Grantee  EndpointAddress
	Now      Nanoseconds
	Duration Nanoseconds
	Status   GrantStatus
}

// Tick is broadcast by the SyncMaster to all discrete-time participants.
type Tick struct {
	Now      Nanoseconds
	Duration Nanoseconds
}

// TickDone is sent by a discrete-time participant back to the SyncMaster,
// echoing the tick it just finished.
type TickDone struct {
	FinishedTick Tick
}

// NextSimTask announces the time interval a participant is about to (or has
// just started to) simulate; it is informational/observational traffic sent
// by participants, as opposed to QuantumGrant/Tick which carry permission.
type NextSimTask struct {
	TimePoint Nanoseconds
	Duration  Nanoseconds
}
