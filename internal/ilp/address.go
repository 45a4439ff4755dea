// Package ilp defines the ILP packet model: addresses, error codes, and the
// Prepare/Fulfill/Reject wire types with their canonical OER encoding.
package ilp

import (
	"fmt"
	"strings"
)

// Address is a validated ILP address: dot-separated segments of
// [A-Za-z0-9_~-], with the first segment drawn from the allocation scheme.
type Address string

// allocationSchemes are the permitted first segments of an ILP address.
var allocationSchemes = map[string]bool{
	"g":       true,
	"private": true,
	"example": true,
	"peer":    true,
	"self":    true,
	"test":    true,
	"test1":   true,
	"test2":   true,
	"test3":   true,
	"local":   true,
}

const maxAddressLength = 1023

// ParseAddress validates raw and returns it as an Address.
func ParseAddress(raw string) (Address, error) {
	if raw == "" {
		return "", fmt.Errorf("ilp: empty address")
	}
	if len(raw) > maxAddressLength {
		return "", fmt.Errorf("ilp: address exceeds %d bytes", maxAddressLength)
	}
	segments := strings.Split(raw, ".")
	if !allocationSchemes[segments[0]] {
		return "", fmt.Errorf("ilp: unknown allocation scheme %q", segments[0])
	}
	for _, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("ilp: empty segment in address %q", raw)
		}
		for i := 0; i < len(seg); i++ {
			if !isSegmentChar(seg[i]) {
				return "", fmt.Errorf("ilp: invalid character %q in address %q", seg[i], raw)
			}
		}
	}
	return Address(raw), nil
}

// MustAddress parses raw and panics on error. For constants and tests only.
func MustAddress(raw string) Address {
	a, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func isSegmentChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '~' || c == '-':
		return true
	}
	return false
}

func (a Address) String() string { return string(a) }

// HasPrefix reports whether prefix equals a or is a proper, segment-aligned
// prefix of a. "g.alice" is under "g" but not under "g.al".
func (a Address) HasPrefix(prefix Address) bool {
	if a == prefix {
		return true
	}
	if len(prefix) >= len(a) {
		return false
	}
	return strings.HasPrefix(string(a), string(prefix)) && a[len(prefix)] == '.'
}

// Segments returns the dot-separated segments of the address.
func (a Address) Segments() []string {
	return strings.Split(string(a), ".")
}
