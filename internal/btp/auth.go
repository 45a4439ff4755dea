package btp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// authSalt fixes the HKDF salt so both sides derive the same token from the
// shared secret and the authenticating peer's id.
const authSalt = "btp-auth"

const authTokenBytes = 32

// DeriveAuthToken derives the hex auth token a peer presents in its AUTH
// frame: HKDF-SHA256(secret, salt="btp-auth", info=peerID).
func DeriveAuthToken(sharedSecret, peerID string) (string, error) {
	r := hkdf.New(sha256.New, []byte(sharedSecret), []byte(authSalt), []byte(peerID))
	token := make([]byte, authTokenBytes)
	if _, err := io.ReadFull(r, token); err != nil {
		return "", fmt.Errorf("btp: derive auth token: %w", err)
	}
	return hex.EncodeToString(token), nil
}

// VerifyAuthToken compares a presented token against the expected derivation
// in constant time.
func VerifyAuthToken(sharedSecret, peerID, presented string) bool {
	expected, err := DeriveAuthToken(sharedSecret, peerID)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
