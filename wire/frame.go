// Package wire implements the length-prefixed enrollment protocol framing.
//
// A request frame is [u32 total_len][u8 opcode][payload] where total_len
// counts the length field, the opcode byte and the payload. A response frame
// is [u32 total_len][payload] with no opcode. All integers are big-endian.
// A response whose length field is zero carries no payload and signals that
// the peer failed to process the request.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Operation selects the server-side handler for a request frame.
type Operation uint8

const (
	// OpMakeCredential requests an encrypted credential for a challenge.
	OpMakeCredential Operation = iota
	// OpMakeCert requests an AK certificate for an activated credential.
	OpMakeCert
	// OpProcessCSR requests TLS certificate issuance for a CSR bundle.
	OpProcessCSR
	// OpGenQuoteNonce requests a fresh quote nonce.
	OpGenQuoteNonce
	// OpProcessQuote requests verification of an integrity quote.
	OpProcessQuote

	opCount
)

// String returns the operation name for logging.
func (op Operation) String() string {
	switch op {
	case OpMakeCredential:
		return "make_credential"
	case OpMakeCert:
		return "make_cert"
	case OpProcessCSR:
		return "process_csr"
	case OpGenQuoteNonce:
		return "gen_quote_nonce"
	case OpProcessQuote:
		return "process_quote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}

// Valid reports whether the opcode names a known operation.
func (op Operation) Valid() bool {
	return op < opCount
}

const (
	lengthFieldSize  = 4
	requestHeaderLen = lengthFieldSize + 1
)

// DefaultMaxFrameSize bounds the total length of a frame accepted from the
// peer. A hostile peer must not be able to force an unbounded allocation.
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrRemoteFailure is returned by ReadResponse when the peer sent the
	// zero-length failure sentinel. It is a protocol-level result, not a
	// transport error.
	ErrRemoteFailure = errors.New("peer reported request failure")

	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum allowed size")

	// ErrMalformedFrame is returned when a frame's declared length is
	// shorter than its own header.
	ErrMalformedFrame = errors.New("malformed frame header")
)

// WriteRequest writes a request frame carrying op and payload.
func WriteRequest(w io.Writer, op Operation, payload []byte) error {
	buf := make([]byte, requestHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthFieldSize], uint32(len(buf)))
	buf[lengthFieldSize] = byte(op)
	copy(buf[requestHeaderLen:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing request frame: %w", err)
	}
	return nil
}

// ReadRequest reads a request frame and returns its opcode and payload.
// maxSize bounds the declared total length; pass 0 for DefaultMaxFrameSize.
func ReadRequest(r io.Reader, maxSize uint32) (Operation, []byte, error) {
	totalLen, err := readLength(r)
	if err != nil {
		return 0, nil, err
	}
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	if totalLen > maxSize {
		return 0, nil, ErrFrameTooLarge
	}
	if totalLen < requestHeaderLen {
		return 0, nil, ErrMalformedFrame
	}

	body := make([]byte, totalLen-lengthFieldSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("reading request body: %w", err)
	}
	return Operation(body[0]), body[1:], nil
}

// WriteResponse writes a successful response frame carrying payload.
func WriteResponse(w io.Writer, payload []byte) error {
	buf := make([]byte, lengthFieldSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthFieldSize], uint32(len(buf)))
	copy(buf[lengthFieldSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing response frame: %w", err)
	}
	return nil
}

// WriteFailure writes the zero-length failure sentinel so the peer can
// detect the failure deterministically.
func WriteFailure(w io.Writer) error {
	var buf [lengthFieldSize]byte
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing failure sentinel: %w", err)
	}
	return nil
}

// ReadResponse reads a response frame and returns its payload. The failure
// sentinel is surfaced as ErrRemoteFailure. maxSize bounds the declared
// total length; pass 0 for DefaultMaxFrameSize.
func ReadResponse(r io.Reader, maxSize uint32) ([]byte, error) {
	totalLen, err := readLength(r)
	if err != nil {
		return nil, err
	}
	if totalLen == 0 {
		return nil, ErrRemoteFailure
	}
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	if totalLen > maxSize {
		return nil, ErrFrameTooLarge
	}
	if totalLen < lengthFieldSize {
		return nil, ErrMalformedFrame
	}
	if totalLen == lengthFieldSize {
		// An empty response carries no artifact; treat it the same as the
		// explicit failure sentinel.
		return nil, ErrRemoteFailure
	}

	payload := make([]byte, totalLen-lengthFieldSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading response payload: %w", err)
	}
	return payload, nil
}

func readLength(r io.Reader) (uint32, error) {
	var hdr [lengthFieldSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("reading frame length: %w", err)
	}
	return binary.BigEndian.Uint32(hdr[:]), nil
}
