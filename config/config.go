// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package config loads the minimal ParticipantConfig YAML document the core
// itself consumes (spec §6 configuration surface): participant identity,
// sync type, tick period, and the required-participant set.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coatyio/simsync/errcore"
	"github.com/coatyio/simsync/timesync"
)

// SyncType is the YAML-facing mirror of timesync.SyncType.
type SyncType string

const (
	SyncUnsynchronized SyncType = "Unsynchronized"
	SyncTimeQuantum    SyncType = "TimeQuantum"
	SyncDiscreteTime   SyncType = "DiscreteTime"
)

// TimeSync groups the fields meaningful only in DiscreteTime mode.
type TimeSync struct {
	TickPeriodMs int64 `yaml:"tickPeriodMs"`
}

// ParticipantConfig is the document one participant process loads at
// startup.
type ParticipantConfig struct {
	ParticipantName      string   `yaml:"participantName"`
	SyncType             SyncType `yaml:"syncType"`
	TimeSync             TimeSync `yaml:"timeSync"`
	RequiredParticipants []string `yaml:"requiredParticipants"`
	BrokerURL            string   `yaml:"brokerUrl"`
}

// Load reads and validates a ParticipantConfig from path.
func Load(path string) (*ParticipantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errcore.Configuration("reading config %s: %w", path, err)
	}

	var cfg ParticipantConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errcore.Configuration("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the ConfigurationError cases of spec §7: empty or
// duplicated required-participant names, and an invalid syncType.
func (c *ParticipantConfig) Validate() error {
	if c.ParticipantName == "" {
		return errcore.Configuration("participantName must not be empty")
	}

	switch c.SyncType {
	case SyncUnsynchronized, SyncTimeQuantum, SyncDiscreteTime:
	default:
		return errcore.Configuration("unknown syncType %q", c.SyncType)
	}

	if c.SyncType == SyncDiscreteTime && c.TimeSync.TickPeriodMs <= 0 {
		return errcore.Configuration("timeSync.tickPeriodMs must be positive in DiscreteTime mode")
	}

	if len(c.RequiredParticipants) == 0 {
		return errcore.Configuration("requiredParticipants must not be empty")
	}
	seen := make(map[string]bool, len(c.RequiredParticipants))
	for _, name := range c.RequiredParticipants {
		if seen[name] {
			return errcore.Configuration("requiredParticipants contains duplicate %q", name)
		}
		seen[name] = true
	}

	return nil
}

// ToSyncType converts the YAML-facing SyncType to the runtime enum used by
// timesync and syncmaster.
func (s SyncType) ToSyncType() (timesync.SyncType, error) {
	switch s {
	case SyncUnsynchronized:
		return timesync.Unsynchronized, nil
	case SyncTimeQuantum:
		return timesync.TimeQuantum, nil
	case SyncDiscreteTime:
		return timesync.DiscreteTime, nil
	default:
		return 0, errcore.Configuration("unknown syncType %q", s)
	}
}

// TickPeriodDuration returns TickPeriodMs as nanoseconds.
func (c *ParticipantConfig) TickPeriodDuration() int64 {
	return c.TimeSync.TickPeriodMs * int64(1_000_000)
}

// ParticipantSetup is one entry of a WorkflowSetup: the orchestrator's view
// of a participant it expects to join (spec §4.1, §4.5 — the
// WorkflowConfiguration's required set and the SyncMaster's client set are
// both derived from this same list).
type ParticipantSetup struct {
	Name     string   `yaml:"name"`
	Id       int32    `yaml:"id"`
	SyncType SyncType `yaml:"syncType"`
}

// WorkflowSetup is the orchestrator-side document listing every required
// participant once, plus the tick period shared by all DiscreteTime
// participants.
type WorkflowSetup struct {
	Participants []ParticipantSetup `yaml:"participants"`
	TickPeriodMs int64              `yaml:"tickPeriodMs"`
	BrokerURL    string             `yaml:"brokerUrl"`
}

// LoadWorkflowSetup reads and validates a WorkflowSetup from path.
func LoadWorkflowSetup(path string) (*WorkflowSetup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errcore.Configuration("reading workflow setup %s: %w", path, err)
	}

	var setup WorkflowSetup
	if err := yaml.Unmarshal(data, &setup); err != nil {
		return nil, errcore.Configuration("parsing workflow setup %s: %w", path, err)
	}

	if len(setup.Participants) == 0 {
		return nil, errcore.Configuration("workflow setup must list at least one participant")
	}
	seen := make(map[string]bool, len(setup.Participants))
	for _, p := range setup.Participants {
		if p.Name == "" {
			return nil, errcore.Configuration("workflow setup has a participant with an empty name")
		}
		if seen[p.Name] {
			return nil, errcore.Configuration("workflow setup contains duplicate participant %q", p.Name)
		}
		seen[p.Name] = true
		if _, err := p.SyncType.ToSyncType(); err != nil {
			return nil, errcore.Configuration("participant %q: %w", p.Name, err)
		}
	}

	return &setup, nil
}

// TickPeriodDuration returns TickPeriodMs as nanoseconds.
func (w *WorkflowSetup) TickPeriodDuration() int64 {
	return w.TickPeriodMs * int64(1_000_000)
}

// RequiredNames returns the participant names in configured order, the
// shape workflow.Distributor.SetWorkflowConfiguration consumes.
func (w *WorkflowSetup) RequiredNames() []string {
	names := make([]string, len(w.Participants))
	for i, p := range w.Participants {
		names[i] = p.Name
	}
	return names
}
