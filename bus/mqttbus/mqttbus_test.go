// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package mqttbus

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/core"
)

// These cases exercise only the pure wire-format logic (topic naming, gob
// encode/decode of Envelope); Dial/Open/Publish require a live MQTT 5
// broker and are not covered here.

func TestTopicNamesBroadcastAndUnicastDistinctly(t *testing.T) {
	require.Equal(t, "simsync/Tick/broadcast", topic("Tick", bus.Broadcast))

	to := core.EndpointAddress{Participant: 3, Endpoint: core.SyncMasterEndpointId}
	require.Equal(t, "simsync/QuantumGrant/3/1024", topic("QuantumGrant", to))
}

func TestEnvelopeSurvivesGobRoundTrip(t *testing.T) {
	want := bus.Envelope{
		Type:          core.TypeTick,
		From:          core.EndpointAddress{Participant: 0, Endpoint: core.SyncMasterEndpointId},
		To:            bus.Broadcast,
		CorrelationID: "corr-1",
		Payload:       core.Tick{Now: 1_000_000, Duration: 1_000_000},
	}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(want))

	var got bus.Envelope
	require.NoError(t, gob.NewDecoder(&buf).Decode(&got))

	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.From, got.From)
	require.Equal(t, want.To, got.To)
	require.Equal(t, want.CorrelationID, got.CorrelationID)
	require.Equal(t, want.Payload, got.Payload)
}
