// Package btp implements the Bilateral Transfer Protocol: authenticated,
// framed WebSocket sessions carrying correlated ILP request/response pairs
// between this connector and each peer.
package btp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Frame kinds.
const (
	KindAuth     uint8 = 0x01
	KindAuthAck  uint8 = 0x02
	KindRequest  uint8 = 0x06
	KindResponse uint8 = 0x07
)

// WebSocket close codes used by the protocol.
const (
	CloseGoingAway       = 1001
	CloseAuthFailure     = 4001
	ClosePolicyViolation = 4008
)

// frameHeaderSize is kind(1) + requestId(4).
const frameHeaderSize = 5

// maxFramePayload bounds a single frame. An ILP packet tops out well under
// this; anything larger is a protocol violation.
const maxFramePayload = 64 * 1024

// Frame is one BTP wire frame: a kind byte, a request id correlating
// requests with responses, and an opaque payload (an ILP packet for
// Request/Response, a credential blob for Auth).
type Frame struct {
	Kind      uint8
	RequestID uint32
	Payload   []byte
}

func kindName(kind uint8) string {
	switch kind {
	case KindAuth:
		return "AUTH"
	case KindAuthAck:
		return "AUTH_ACK"
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", kind)
	}
}

// Marshal serializes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Payload) > maxFramePayload {
		return nil, fmt.Errorf("btp: frame payload %d exceeds %d bytes", len(f.Payload), maxFramePayload)
	}
	out := make([]byte, frameHeaderSize+len(f.Payload))
	out[0] = f.Kind
	binary.BigEndian.PutUint32(out[1:5], f.RequestID)
	copy(out[frameHeaderSize:], f.Payload)
	return out, nil
}

// UnmarshalFrame parses one frame from a binary WebSocket message.
func UnmarshalFrame(data []byte) (*Frame, error) {
	if len(data) < frameHeaderSize {
		return nil, fmt.Errorf("btp: frame too short: %d bytes", len(data))
	}
	if len(data)-frameHeaderSize > maxFramePayload {
		return nil, fmt.Errorf("btp: frame payload exceeds %d bytes", maxFramePayload)
	}
	f := &Frame{
		Kind:      data[0],
		RequestID: binary.BigEndian.Uint32(data[1:5]),
	}
	switch f.Kind {
	case KindAuth, KindAuthAck, KindRequest, KindResponse:
	default:
		return nil, fmt.Errorf("btp: unknown frame kind 0x%02X", f.Kind)
	}
	f.Payload = append([]byte(nil), data[frameHeaderSize:]...)
	return f, nil
}

// AuthPayload is the opaque credential blob carried by an AUTH frame.
type AuthPayload struct {
	PeerID string `json:"peerId"`
	Token  string `json:"token"`
}

func marshalAuth(peerID, token string) ([]byte, error) {
	return json.Marshal(AuthPayload{PeerID: peerID, Token: token})
}

func unmarshalAuth(data []byte) (*AuthPayload, error) {
	var p AuthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("btp: bad auth payload: %w", err)
	}
	if p.PeerID == "" || p.Token == "" {
		return nil, fmt.Errorf("btp: auth payload missing peerId or token")
	}
	return &p, nil
}
