// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package workflow distributes the WorkflowConfiguration exactly once per
// simulation (spec §4.1): the ordered set of required participant names
// that anchors the SystemStateTracker and the SyncMaster.
package workflow

import (
	"reflect"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/clog"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/errcore"
)

// Configuration is the distributed, immutable-after-first-send required set.
type Configuration struct {
	RequiredParticipantNames []string
}

// Distributor is the one controller-side component allowed to call
// SetWorkflowConfiguration. It is not itself required by receivers — any
// bus.Endpoint can subscribe to the resulting broadcast via Receiver.
type Distributor struct {
	ep  bus.Endpoint
	log clog.Logger

	sent   bool
	sender core.ParticipantId
	config Configuration
}

// NewDistributor creates a Distributor publishing from ep.
func NewDistributor(ep bus.Endpoint, log clog.Logger) *Distributor {
	if log == nil {
		log = clog.Discard()
	}
	return &Distributor{ep: ep, log: log}
}

// SetWorkflowConfiguration publishes required to all participants. Calling
// it twice with byte-identical required from the controller's own prior
// call is a no-op (spec §4.1, testable property 5); any other second call —
// different content, or the Distributor already has one on file — is a
// ProtocolError and no broadcast is sent.
func (d *Distributor) SetWorkflowConfiguration(required []string) error {
	if len(required) == 0 {
		return errcore.Configuration("required participant set must not be empty")
	}

	names := append([]string(nil), required...)

	if d.sent {
		if reflect.DeepEqual(names, d.config.RequiredParticipantNames) {
			d.log.Infof("SetWorkflowConfiguration repeated with identical set; skipping rebroadcast")
			return nil
		}
		return errcore.Protocol("conflicting WorkflowConfiguration: already set to %v, rejecting %v", d.config.RequiredParticipantNames, names)
	}

	d.config = Configuration{RequiredParticipantNames: names}
	d.sent = true

	d.log.Infof("Broadcasting WorkflowConfiguration: required=%v", names)
	return d.ep.Send(bus.Envelope{
		Type: core.TypeWorkflowConfiguration,
		To:   bus.Broadcast,
		Payload: core.WorkflowConfigurationMsg{
			RequiredParticipantNames: names,
		},
	})
}

// Receiver is the per-participant side: it installs the first
// WorkflowConfiguration it sees and raises ProtocolError on any conflicting
// later one, regardless of sender (spec §4.6: "SystemStateTracker: ... a
// duplicate WorkflowConfiguration from a different sender raises
// ProtocolError at the point of receipt").
type Receiver struct {
	ep  bus.Endpoint
	log clog.Logger

	installed bool
	config    Configuration
	onInstall func(Configuration)
	onError   func(error)
}

// NewReceiver subscribes ep to WorkflowConfiguration broadcasts. onInstall,
// if non-nil, is invoked exactly once, the first time a configuration is
// installed. onError, if non-nil, is invoked with a ProtocolError whenever
// a conflicting configuration arrives (spec §4.6); the caller is expected
// to drive its own lifecycle into Error in response.
func NewReceiver(ep bus.Endpoint, log clog.Logger, onInstall func(Configuration), onError func(error)) *Receiver {
	if log == nil {
		log = clog.Discard()
	}
	r := &Receiver{ep: ep, log: log, onInstall: onInstall, onError: onError}
	ep.On(bus.Filter{Type: core.TypeWorkflowConfiguration}, r.handle)
	return r
}

func (r *Receiver) handle(env bus.Envelope) {
	msg, ok := env.Payload.(core.WorkflowConfigurationMsg)
	if !ok {
		r.log.Errorf("WorkflowConfiguration payload has unexpected type %T", env.Payload)
		return
	}

	cfg := Configuration{RequiredParticipantNames: msg.RequiredParticipantNames}

	if !r.installed {
		r.installed = true
		r.config = cfg
		r.log.Infof("Installed WorkflowConfiguration: required=%v", cfg.RequiredParticipantNames)
		if r.onInstall != nil {
			r.onInstall(cfg)
		}
		return
	}

	if !reflect.DeepEqual(cfg.RequiredParticipantNames, r.config.RequiredParticipantNames) {
		err := errcore.Protocol("received conflicting WorkflowConfiguration: have %v, got %v", r.config.RequiredParticipantNames, cfg.RequiredParticipantNames)
		r.log.Errorf("%v", err)
		if r.onError != nil {
			r.onError(err)
		}
	}
}

// Configuration returns the installed configuration and whether one has
// been installed yet.
func (r *Receiver) Configuration() (Configuration, bool) {
	return r.config, r.installed
}

// IsRequired reports whether name is in the configured required set.
func (c Configuration) IsRequired(name string) bool {
	for _, n := range c.RequiredParticipantNames {
		if n == name {
			return true
		}
	}
	return false
}
