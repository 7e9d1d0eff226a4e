package cryptoutils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// The attestation-evidence exchange runs on a connected socket before the
// TLS handshake is layered on it. Each side sends a 4-byte network-order
// length (zero if it has no evidence) followed by that many bytes. The
// client sends first and then reads; the server reads first and then sends.
// The exchanged blob is not authenticated here: it feeds the
// certificate-evidence verification performed around the handshake.

// MaxAttestationDataSize bounds the evidence blob accepted from a peer.
const MaxAttestationDataSize = 1 << 20

// ErrAttestationDataTooLarge is returned when the peer declares an evidence
// blob above MaxAttestationDataSize.
var ErrAttestationDataTooLarge = errors.New("attestation data exceeds maximum allowed size")

// SendAttestationData writes the local evidence blob to the socket. A nil or
// empty blob is sent as a zero length, meaning no evidence is available.
func SendAttestationData(conn net.Conn, evidence []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(evidence)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing attestation data length: %w", err)
	}
	if len(evidence) == 0 {
		return nil
	}
	if _, err := conn.Write(evidence); err != nil {
		return fmt.Errorf("writing attestation data: %w", err)
	}
	return nil
}

// ReceiveAttestationData reads the peer's evidence blob from the socket.
// Returns nil when the peer declared no evidence.
func ReceiveAttestationData(conn net.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading attestation data length: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxAttestationDataSize {
		return nil, ErrAttestationDataTooLarge
	}

	evidence := make([]byte, length)
	if _, err := io.ReadFull(conn, evidence); err != nil {
		return nil, fmt.Errorf("reading attestation data: %w", err)
	}
	return evidence, nil
}

// ExchangeAttestationDataClient performs the client half of the pre-TLS
// exchange: send local evidence, then receive the server's.
func ExchangeAttestationDataClient(conn net.Conn, local []byte) ([]byte, error) {
	if err := SendAttestationData(conn, local); err != nil {
		return nil, err
	}
	return ReceiveAttestationData(conn)
}

// ExchangeAttestationDataServer performs the server half of the pre-TLS
// exchange: receive the client's evidence, then send local evidence.
func ExchangeAttestationDataServer(conn net.Conn, local []byte) ([]byte, error) {
	peer, err := ReceiveAttestationData(conn)
	if err != nil {
		return nil, err
	}
	if err := SendAttestationData(conn, local); err != nil {
		return nil, err
	}
	return peer, nil
}
