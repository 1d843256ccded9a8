package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timepulse/backend/internal/presence"
)

func TestSnapshot_EmptyEntriesEncodeAsArray(t *testing.T) {
	raw := Encode(Snapshot("", presence.Snapshot{AsOf: 7}))
	assert.JSONEq(t, `{"type":"presence_snapshot","entries":[],"asOf":7}`, string(raw))
}

func TestAck_CarriesEvent(t *testing.T) {
	ev := presence.StoppedEvent("u1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 30, 9)
	raw := Encode(Ack("r1", ev))

	var got AckMessage
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, TypeAck, got.Type)
	assert.Equal(t, "r1", got.Ref)
	require.NotNil(t, got.Event)
	assert.Equal(t, presence.EventStopped, got.Event.Type)
	assert.Equal(t, int64(30), got.Event.DurationSeconds)
}

func TestEnvelope_DecodesAnyMessage(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal(Encode(SessionRevoked("logout")), &env))
	assert.Equal(t, TypeSessionRevoked, env.Type)
}
