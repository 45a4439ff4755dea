package ilp

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/ilpmesh/connector/internal/oer"
)

// Packet type discriminators (first byte on the wire).
const (
	TypePrepare uint8 = 12
	TypeFulfill uint8 = 13
	TypeReject  uint8 = 14
)

// Field bounds from the ILP packet format.
const (
	MaxDataLength    = 32767
	MaxMessageLength = 8192
	ConditionLength  = 32
)

// interledgerTimestamp is the fixed 17-byte expiry encoding, UTC with
// millisecond precision and no separators.
const interledgerTimestamp = "20060102150405.000"

// Packet is one of Prepare, Fulfill, or Reject.
type Packet interface {
	// Type returns the wire discriminator (12, 13, or 14).
	Type() uint8

	appendContents(dst []byte) ([]byte, error)
}

// Prepare asks the next hop to deliver amount to destination before
// ExpiresAt, releasing funds only against the preimage of ExecutionCondition.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [ConditionLength]byte
	Destination        Address
	Data               []byte
}

// Fulfill proves delivery with the 32-byte preimage of the condition.
type Fulfill struct {
	Fulfillment [ConditionLength]byte
	Data        []byte
}

// Reject refuses a Prepare with a machine-readable code.
type Reject struct {
	Code        ErrorCode
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (*Prepare) Type() uint8 { return TypePrepare }
func (*Fulfill) Type() uint8 { return TypeFulfill }
func (*Reject) Type() uint8  { return TypeReject }

// VerifyCondition reports whether sha256(fulfillment) equals condition.
// Pure function; callers decide when in the packet lifecycle to invoke it.
func VerifyCondition(fulfillment, condition [ConditionLength]byte) bool {
	digest := sha256.Sum256(fulfillment[:])
	return subtle.ConstantTimeCompare(digest[:], condition[:]) == 1
}

// Condition returns the sha256 condition for a fulfillment preimage.
func Condition(fulfillment [ConditionLength]byte) [ConditionLength]byte {
	return sha256.Sum256(fulfillment[:])
}

// Serialize encodes p canonically: type byte, then a length-prefixed
// envelope holding the packet contents. parse(Serialize(p)) round-trips
// byte-identically.
func Serialize(p Packet) ([]byte, error) {
	contents, err := p.appendContents(nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(contents))
	out = oer.AppendUint8(out, p.Type())
	out = oer.AppendVarOctets(out, contents)
	return out, nil
}

// Parse decodes a single ILP packet. Returned byte fields are copied out of
// buf, so buf may be reused afterwards.
func Parse(buf []byte) (Packet, error) {
	typ, n, err := oer.ReadUint8(buf, 0)
	if err != nil {
		return nil, &ParseError{Reason: "missing type byte", Err: err}
	}
	contents, m, err := oer.ReadVarOctets(buf, n)
	if err != nil {
		return nil, &ParseError{Reason: "bad envelope", Err: err}
	}
	if n+m != len(buf) {
		return nil, &ParseError{Reason: fmt.Sprintf("%d trailing bytes", len(buf)-n-m)}
	}

	switch typ {
	case TypePrepare:
		return parsePrepare(contents)
	case TypeFulfill:
		return parseFulfill(contents)
	case TypeReject:
		return parseReject(contents)
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unknown packet type %d", typ)}
	}
}

func (p *Prepare) appendContents(dst []byte) ([]byte, error) {
	if len(p.Data) > MaxDataLength {
		return nil, fmt.Errorf("ilp: prepare data exceeds %d bytes", MaxDataLength)
	}
	if _, err := ParseAddress(string(p.Destination)); err != nil {
		return nil, err
	}
	dst = oer.AppendUint64(dst, p.Amount)
	dst = append(dst, formatTimestamp(p.ExpiresAt)...)
	dst = append(dst, p.ExecutionCondition[:]...)
	dst = oer.AppendVarOctets(dst, []byte(p.Destination))
	dst = oer.AppendVarOctets(dst, p.Data)
	return dst, nil
}

func parsePrepare(buf []byte) (*Prepare, error) {
	var p Prepare
	offset := 0

	amount, n, err := oer.ReadUint64(buf, offset)
	if err != nil {
		return nil, &ParseError{Reason: "prepare amount", Err: err}
	}
	p.Amount = amount
	offset += n

	tsRaw, n, err := oer.ReadFixedOctets(buf, offset, len(interledgerTimestamp)-1)
	if err != nil {
		return nil, &ParseError{Reason: "prepare expiry", Err: err}
	}
	p.ExpiresAt, err = parseTimestamp(tsRaw)
	if err != nil {
		return nil, &ParseError{Reason: "prepare expiry", Err: err}
	}
	offset += n

	cond, n, err := oer.ReadFixedOctets(buf, offset, ConditionLength)
	if err != nil {
		return nil, &ParseError{Reason: "prepare condition", Err: err}
	}
	copy(p.ExecutionCondition[:], cond)
	offset += n

	dest, n, err := oer.ReadVarOctets(buf, offset)
	if err != nil {
		return nil, &ParseError{Reason: "prepare destination", Err: err}
	}
	p.Destination, err = ParseAddress(string(dest))
	if err != nil {
		return nil, &ParseError{Reason: "prepare destination", Err: err}
	}
	offset += n

	data, n, err := oer.ReadVarOctets(buf, offset)
	if err != nil {
		return nil, &ParseError{Reason: "prepare data", Err: err}
	}
	if len(data) > MaxDataLength {
		return nil, &ParseError{Reason: "prepare data too long"}
	}
	p.Data = append([]byte(nil), data...)
	offset += n

	if offset != len(buf) {
		return nil, &ParseError{Reason: "trailing bytes in prepare"}
	}
	return &p, nil
}

func (f *Fulfill) appendContents(dst []byte) ([]byte, error) {
	if len(f.Data) > MaxDataLength {
		return nil, fmt.Errorf("ilp: fulfill data exceeds %d bytes", MaxDataLength)
	}
	dst = append(dst, f.Fulfillment[:]...)
	dst = oer.AppendVarOctets(dst, f.Data)
	return dst, nil
}

func parseFulfill(buf []byte) (*Fulfill, error) {
	var f Fulfill
	offset := 0

	preimage, n, err := oer.ReadFixedOctets(buf, offset, ConditionLength)
	if err != nil {
		return nil, &ParseError{Reason: "fulfillment", Err: err}
	}
	copy(f.Fulfillment[:], preimage)
	offset += n

	data, n, err := oer.ReadVarOctets(buf, offset)
	if err != nil {
		return nil, &ParseError{Reason: "fulfill data", Err: err}
	}
	if len(data) > MaxDataLength {
		return nil, &ParseError{Reason: "fulfill data too long"}
	}
	f.Data = append([]byte(nil), data...)
	offset += n

	if offset != len(buf) {
		return nil, &ParseError{Reason: "trailing bytes in fulfill"}
	}
	return &f, nil
}

func (r *Reject) appendContents(dst []byte) ([]byte, error) {
	if !r.Code.Valid() {
		return nil, fmt.Errorf("ilp: invalid error code %q", r.Code)
	}
	if len(r.Message) > MaxMessageLength {
		return nil, fmt.Errorf("ilp: reject message exceeds %d bytes", MaxMessageLength)
	}
	if len(r.Data) > MaxDataLength {
		return nil, fmt.Errorf("ilp: reject data exceeds %d bytes", MaxDataLength)
	}
	dst = append(dst, r.Code...)
	dst = oer.AppendVarOctets(dst, []byte(r.TriggeredBy))
	dst = oer.AppendVarOctets(dst, []byte(r.Message))
	dst = oer.AppendVarOctets(dst, r.Data)
	return dst, nil
}

func parseReject(buf []byte) (*Reject, error) {
	var r Reject
	offset := 0

	code, n, err := oer.ReadFixedOctets(buf, offset, 3)
	if err != nil {
		return nil, &ParseError{Reason: "reject code", Err: err}
	}
	r.Code = ErrorCode(code)
	if !r.Code.Valid() {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid error code %q", code)}
	}
	offset += n

	triggeredBy, n, err := oer.ReadVarOctets(buf, offset)
	if err != nil {
		return nil, &ParseError{Reason: "reject triggeredBy", Err: err}
	}
	// TriggeredBy may be empty when the rejecting node has no address yet.
	if len(triggeredBy) > 0 {
		r.TriggeredBy, err = ParseAddress(string(triggeredBy))
		if err != nil {
			return nil, &ParseError{Reason: "reject triggeredBy", Err: err}
		}
	}
	offset += n

	message, n, err := oer.ReadVarOctets(buf, offset)
	if err != nil {
		return nil, &ParseError{Reason: "reject message", Err: err}
	}
	if len(message) > MaxMessageLength {
		return nil, &ParseError{Reason: "reject message too long"}
	}
	r.Message = string(message)
	offset += n

	data, n, err := oer.ReadVarOctets(buf, offset)
	if err != nil {
		return nil, &ParseError{Reason: "reject data", Err: err}
	}
	if len(data) > MaxDataLength {
		return nil, &ParseError{Reason: "reject data too long"}
	}
	r.Data = append([]byte(nil), data...)
	offset += n

	if offset != len(buf) {
		return nil, &ParseError{Reason: "trailing bytes in reject"}
	}
	return &r, nil
}

// formatTimestamp renders t as the fixed 17-byte YYYYMMDDHHMMSSmmm form.
func formatTimestamp(t time.Time) []byte {
	s := t.UTC().Format(interledgerTimestamp)
	// Drop the dot that Go's layout needs for milliseconds.
	out := make([]byte, 0, 17)
	out = append(out, s[:14]...)
	out = append(out, s[15:]...)
	return out
}

func parseTimestamp(raw []byte) (time.Time, error) {
	if len(raw) != 17 {
		return time.Time{}, fmt.Errorf("timestamp must be 17 bytes, got %d", len(raw))
	}
	withDot := string(raw[:14]) + "." + string(raw[14:])
	t, err := time.Parse(interledgerTimestamp, withDot)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
