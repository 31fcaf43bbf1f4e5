package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"approve_join","target":"g","payload":{"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeApproveJoin, env.Type)
	assert.Equal(t, "g", env.Target)
	assert.JSONEq(t, `{"a":1}`, string(env.Payload))

	_, err = ParseEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = ParseEnvelope([]byte(`{"to":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = ParseEnvelope([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestMessageTypeKind(t *testing.T) {
	tests := []struct {
		typ  MessageType
		kind Kind
	}{
		{TypeAnnounce, KindAnnounce},
		{TypeJoinRequest, KindJoinRequest},
		{TypeApproveJoin, KindApprove},
		{TypeRejectJoin, KindReject},
		{TypeOffer, KindSignal},
		{TypeAnswer, KindSignal},
		{TypeCandidate, KindSignal},
		{TypeChat, KindSignal},
		{TypePing, KindSignal},
		{TypeLeave, KindDeparture},
		{TypeHangup, KindDeparture},
		{TypeError, KindServerOnly},
		{TypePeerJoined, KindServerOnly},
		{TypePeerLeft, KindServerOnly},
		{TypeConnectionGranted, KindServerOnly},
		{TypeConnectionRejected, KindServerOnly},
		{"screen_share", KindOpaque},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.typ.Kind())
		})
	}
}

func TestEnvelopeEncodeOmitsEmpty(t *testing.T) {
	env := Envelope{Type: TypePeerLeft, Peer: "g"}
	b, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"peer-left","peer":"g"}`, string(b))
}

func TestWire(t *testing.T) {
	a, b := NewWire(), NewWire()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, defaultWireBuffer, cap(a.TX))

	a.Close()
	a.Close()
	select {
	case <-a.Closed():
	case <-time.After(time.Second):
		t.Fatal("wire is not closed")
	}
	select {
	case <-b.Closed():
		t.Fatal("closing one wire closed another")
	default:
	}
}
