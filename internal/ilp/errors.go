package ilp

import "fmt"

// ErrorCode is a three-character ILP error code: a class letter (F final,
// T temporary, R relative) followed by two digits.
type ErrorCode string

// Well-known codes used by the connector.
const (
	CodeF00BadRequest            ErrorCode = "F00"
	CodeF01InvalidPacket         ErrorCode = "F01"
	CodeF02Unreachable           ErrorCode = "F02"
	CodeF04InsufficientDstAmount ErrorCode = "F04"
	CodeF05WrongCondition        ErrorCode = "F05"
	CodeF08AmountTooLarge        ErrorCode = "F08"
	CodeF99ApplicationError      ErrorCode = "F99"

	CodeT00InternalError         ErrorCode = "T00"
	CodeT01PeerUnreachable       ErrorCode = "T01"
	CodeT02PeerBusy              ErrorCode = "T02"
	CodeT03ConnectorBusy         ErrorCode = "T03"
	CodeT04InsufficientLiquidity ErrorCode = "T04"
	CodeT05RateLimited           ErrorCode = "T05"
	CodeT99ApplicationError      ErrorCode = "T99"

	CodeR00TransferTimedOut        ErrorCode = "R00"
	CodeR01InsufficientSourceAmt   ErrorCode = "R01"
	CodeR99ApplicationErrorRelativ ErrorCode = "R99"
)

// ErrorClass distinguishes final, temporary, and relative errors.
type ErrorClass uint8

const (
	ClassFinal ErrorClass = iota
	ClassTemporary
	ClassRelative
	ClassUnknown
)

// Valid reports whether the code matches [FTR][0-9][0-9].
func (c ErrorCode) Valid() bool {
	if len(c) != 3 {
		return false
	}
	switch c[0] {
	case 'F', 'T', 'R':
	default:
		return false
	}
	return c[1] >= '0' && c[1] <= '9' && c[2] >= '0' && c[2] <= '9'
}

// Class returns the error class of the code.
func (c ErrorCode) Class() ErrorClass {
	if !c.Valid() {
		return ClassUnknown
	}
	switch c[0] {
	case 'F':
		return ClassFinal
	case 'T':
		return ClassTemporary
	default:
		return ClassRelative
	}
}

func (c ErrorClass) String() string {
	switch c {
	case ClassFinal:
		return "final"
	case ClassTemporary:
		return "temporary"
	case ClassRelative:
		return "relative"
	default:
		return "unknown"
	}
}

// ParseError describes a malformed ILP packet.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ilp: malformed packet: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ilp: malformed packet: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
