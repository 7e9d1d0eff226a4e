package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("challenge artifact")
	require.NoError(t, WriteRequest(&buf, OpMakeCredential, payload))

	op, got, err := ReadRequest(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, OpMakeCredential, op)
	assert.Equal(t, payload, got)
}

func TestRequestRoundTrip_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, OpGenQuoteNonce, nil))

	op, got, err := ReadRequest(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, OpGenQuoteNonce, op)
	assert.Empty(t, got)
}

func TestRequestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, OpProcessQuote, []byte("abc")))

	frame := buf.Bytes()
	require.Len(t, frame, 8)
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(frame[:4]))
	assert.Equal(t, byte(OpProcessQuote), frame[4])
	assert.Equal(t, []byte("abc"), frame[5:])
}

func TestReadRequest_FrameTooLarge(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], DefaultMaxFrameSize+1)

	_, _, err := ReadRequest(bytes.NewReader(hdr[:]), 0)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadRequest_CustomMaxSize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, OpMakeCert, make([]byte, 100)))

	_, _, err := ReadRequest(&buf, 32)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadRequest_MalformedHeader(t *testing.T) {
	// Declared length shorter than the header itself.
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 3)

	_, _, err := ReadRequest(bytes.NewReader(hdr[:]), 0)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadRequest_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, OpProcessCSR, []byte("full payload")))

	truncated := buf.Bytes()[:buf.Len()-4]
	_, _, err := ReadRequest(bytes.NewReader(truncated), 0)
	assert.Error(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("certificate bundle")
	require.NoError(t, WriteResponse(&buf, payload))

	got, err := ReadResponse(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadResponse_FailureSentinel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFailure(&buf))

	_, err := ReadResponse(&buf, 0)
	assert.ErrorIs(t, err, ErrRemoteFailure)
}

func TestReadResponse_EmptyPayloadIsFailure(t *testing.T) {
	// A response declaring only its own header carries no artifact and is
	// treated like the explicit sentinel.
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, nil))

	_, err := ReadResponse(&buf, 0)
	assert.ErrorIs(t, err, ErrRemoteFailure)
}

func TestReadResponse_FrameTooLarge(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], DefaultMaxFrameSize+1)

	_, err := ReadResponse(bytes.NewReader(hdr[:]), 0)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestOperation_String(t *testing.T) {
	assert.Equal(t, "make_credential", OpMakeCredential.String())
	assert.Equal(t, "make_cert", OpMakeCert.String())
	assert.Equal(t, "process_csr", OpProcessCSR.String())
	assert.Equal(t, "gen_quote_nonce", OpGenQuoteNonce.String())
	assert.Equal(t, "process_quote", OpProcessQuote.String())
	assert.Equal(t, "unknown(99)", Operation(99).String())
}

func TestOperation_Valid(t *testing.T) {
	assert.True(t, OpMakeCredential.Valid())
	assert.True(t, OpProcessQuote.Valid())
	assert.False(t, Operation(5).Valid())
	assert.False(t, Operation(0xff).Valid())
}
