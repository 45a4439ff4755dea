package btp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	in := &Frame{Kind: KindRequest, RequestID: 0xDEADBEEF, Payload: []byte("hello")}
	data, err := in.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalFrame(data)
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.RequestID, out.RequestID)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestFrameEmptyPayload(t *testing.T) {
	in := &Frame{Kind: KindAuthAck, RequestID: 7}
	data, err := in.Marshal()
	require.NoError(t, err)
	require.Len(t, data, frameHeaderSize)

	out, err := UnmarshalFrame(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), out.RequestID)
	assert.Empty(t, out.Payload)
}

func TestFrameRejectsShortAndUnknown(t *testing.T) {
	_, err := UnmarshalFrame([]byte{KindRequest, 0, 0})
	assert.Error(t, err)

	_, err = UnmarshalFrame([]byte{0xFF, 0, 0, 0, 1})
	assert.Error(t, err)
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	in := &Frame{Kind: KindRequest, Payload: make([]byte, maxFramePayload+1)}
	_, err := in.Marshal()
	assert.Error(t, err)
}

func TestAuthTokenDeterministic(t *testing.T) {
	a, err := DeriveAuthToken("s3cret", "alice")
	require.NoError(t, err)
	b, err := DeriveAuthToken("s3cret", "alice")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 2*authTokenBytes)

	other, err := DeriveAuthToken("s3cret", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, a, other, "token binds the peer id")
}

func TestVerifyAuthToken(t *testing.T) {
	token, err := DeriveAuthToken("s3cret", "alice")
	require.NoError(t, err)

	assert.True(t, VerifyAuthToken("s3cret", "alice", token))
	assert.False(t, VerifyAuthToken("s3cret", "bob", token))
	assert.False(t, VerifyAuthToken("wrong", "alice", token))
	assert.False(t, VerifyAuthToken("s3cret", "alice", "deadbeef"))
}
