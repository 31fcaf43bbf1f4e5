package model

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type MessageType string

// Client-originated types.
const (
	TypeAnnounce    MessageType = "announce"
	TypeJoinRequest MessageType = "join_request"
	TypeApproveJoin MessageType = "approve_join"
	TypeRejectJoin  MessageType = "reject_join"
	TypeOffer       MessageType = "offer"
	TypeAnswer      MessageType = "answer"
	TypeCandidate   MessageType = "candidate"
	TypeChat        MessageType = "chat"
	TypePing        MessageType = "ping"
	TypeLeave       MessageType = "leave"
	TypeHangup      MessageType = "hangup"
)

// Server-originated types. join_request is also sent by the server to hosts.
const (
	TypeError              MessageType = "error"
	TypePeerJoined         MessageType = "peer-joined"
	TypePeerLeft           MessageType = "peer-left"
	TypeConnectionGranted  MessageType = "connection_granted"
	TypeConnectionRejected MessageType = "connection_rejected"
)

// Error messages sent to clients inside error envelopes.
const (
	ErrorNotApproved   = "not_approved"
	ErrorNotAuthorized = "not_authorized"
	ErrorInvalidType   = "invalid_type"
	ErrorUnknownType   = "unknown_type"
)

// Kind is the closed set of envelope variants the router dispatches on.
type Kind int

const (
	KindOpaque Kind = iota
	KindAnnounce
	KindJoinRequest
	KindApprove
	KindReject
	KindSignal
	KindDeparture
	KindServerOnly
)

// Kind classifies the envelope. Types the relay does not know about are KindOpaque.
func (t MessageType) Kind() Kind {
	switch t {
	case TypeAnnounce:
		return KindAnnounce
	case TypeJoinRequest:
		return KindJoinRequest
	case TypeApproveJoin:
		return KindApprove
	case TypeRejectJoin:
		return KindReject
	case TypeOffer, TypeAnswer, TypeCandidate, TypeChat, TypePing:
		return KindSignal
	case TypeLeave, TypeHangup:
		return KindDeparture
	case TypeError, TypePeerJoined, TypePeerLeft, TypeConnectionGranted, TypeConnectionRejected:
		return KindServerOnly
	default:
		return KindOpaque
	}
}

// Envelope is the unit exchanged with clients over the transport.
// From is always stamped by the relay for anything it forwards.
type Envelope struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Target  string          `json:"target,omitempty"`
	Peer    string          `json:"peer,omitempty"`
	Role    Role            `json:"role,omitempty"`
	Name    string          `json:"name,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseEnvelope decodes a client frame. Frames that are not JSON objects
// or carry no type are reported as ErrMalformedEnvelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, errors.Join(ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return env, ErrMalformedEnvelope
	}
	return env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// FrameKind selects how a bridge frame is handled by every process.
type FrameKind string

const (
	FrameDeliver FrameKind = "deliver"
	FrameAdmit   FrameKind = "admit"
	FrameReject  FrameKind = "reject"
	FrameCatchUp FrameKind = "catch_up"
)

// Frame is what travels through the fan-out bridge.
type Frame struct {
	Kind      FrameKind `json:"kind"`
	Room      string    `json:"room"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Exclude   string    `json:"exclude,omitempty"`
	HostsOnly bool      `json:"hosts_only,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Data      []byte    `json:"data,omitempty"`
}

// Wire connects one transport handle to the relay.
// RX carries raw frames read from the client, TX carries encoded frames to be written.
type Wire struct {
	ID string
	RX chan []byte
	TX chan []byte

	closed chan struct{}
	once   *sync.Once
}

const defaultWireBuffer = 32

func NewWire() Wire {
	return Wire{
		ID:     uuid.NewString(),
		RX:     make(chan []byte),
		TX:     make(chan []byte, defaultWireBuffer),
		closed: make(chan struct{}),
		once:   &sync.Once{},
	}
}

// Close asks the transport to shut down. Safe to call many times.
func (w Wire) Close() {
	w.once.Do(func() {
		close(w.closed)
	})
}

func (w Wire) Closed() <-chan struct{} {
	return w.closed
}

type Room struct {
	ID      string        `json:"room_id"`
	Active  []Participant `json:"active"`
	Pending []Participant `json:"pending"`
}

type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
}
