// Package protocol carries audit challenges and authenticator requests
// between witnesses and their subjects over libp2p streams.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/spacedatanetwork/sdn-witness/internal/auditor"
	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
)

var log = logging.Logger("sdn-protocol")

const (
	// AuditProtocolID is the libp2p protocol for audit challenges.
	AuditProtocolID = protocol.ID("/spacedatanetwork/audit/1.0.0")
	// AuthProtocolID is the libp2p protocol for authenticator requests.
	AuthProtocolID = protocol.ID("/spacedatanetwork/authenticators/1.0.0")

	// streamReadDeadline is the max time to wait for a request or response.
	streamReadDeadline = 30 * time.Second
	// streamWriteDeadline is the max time to send a request or response.
	streamWriteDeadline = 10 * time.Second

	// maxSnippetSize bounds an encoded snippet in a response (16 MB).
	maxSnippetSize = 16 << 20
	// maxAuthenticators bounds the authenticators in one response.
	maxAuthenticators = 256
	// maxAuthenticatorSize bounds one marshalled authenticator.
	maxAuthenticatorSize = 1024

	flagIncludeCheckpoint byte = 1

	// Status codes
	statusOK          uint32 = 0
	statusNotFound    uint32 = 1
	statusError       uint32 = 2
	statusRateLimited uint32 = 3
)

var (
	ErrBadRange     = errors.New("challenge range is inverted")
	ErrOutOfRange   = errors.New("challenge range is outside the local log")
	ErrNoCheckpoint = errors.New("no checkpoint precedes the challenged range")
	ErrRateLimited  = errors.New("rate limited")
	ErrRejected     = errors.New("request rejected by peer")
	ErrTooLarge     = errors.New("message too large")
	ErrNotAttached  = errors.New("transport has no receiver")
)

// writeChallenge encodes a challenge request:
// evidenceSeq(8 LE) + flags(1) + fromLen(2 LE) + from + toLen(2 LE) + to.
func writeChallenge(w io.Writer, ch auditor.Challenge) error {
	from, to := ch.From.Marshal(), ch.To.Marshal()
	buf := make([]byte, 0, 8+1+2+len(from)+2+len(to))
	buf = binary.LittleEndian.AppendUint64(buf, ch.EvidenceSeq)
	var flags byte
	if ch.IncludeCheckpoint {
		flags |= flagIncludeCheckpoint
	}
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(from)))
	buf = append(buf, from...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(to)))
	buf = append(buf, to...)
	_, err := w.Write(buf)
	return err
}

func readChallenge(r io.Reader) (auditor.Challenge, error) {
	var head [9]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return auditor.Challenge{}, err
	}
	ch := auditor.Challenge{
		EvidenceSeq:       binary.LittleEndian.Uint64(head[0:8]),
		IncludeCheckpoint: head[8]&flagIncludeCheckpoint != 0,
	}
	var err error
	if ch.From, err = readAuthenticator(r); err != nil {
		return auditor.Challenge{}, fmt.Errorf("from authenticator: %w", err)
	}
	if ch.To, err = readAuthenticator(r); err != nil {
		return auditor.Challenge{}, fmt.Errorf("to authenticator: %w", err)
	}
	return ch, nil
}

func writeAuthenticator(buf []byte, a authstore.Authenticator) []byte {
	b := a.Marshal()
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

func readAuthenticator(r io.Reader) (authstore.Authenticator, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return authstore.Authenticator{}, err
	}
	n := binary.LittleEndian.Uint16(lb[:])
	if n > maxAuthenticatorSize {
		return authstore.Authenticator{}, fmt.Errorf("%w: authenticator of %d bytes", ErrTooLarge, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return authstore.Authenticator{}, err
	}
	return authstore.Unmarshal(b)
}

// writeSnippetResponse encodes status(4 LE) + dataLen(4 LE) + data.
func writeSnippetResponse(w io.Writer, status uint32, data []byte) error {
	buf := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], status)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	_, err := w.Write(append(buf, data...))
	return err
}

func readSnippetResponse(r io.Reader) ([]byte, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	if err := statusErr(binary.LittleEndian.Uint32(head[0:4])); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(head[4:8])
	if n > maxSnippetSize {
		return nil, fmt.Errorf("%w: snippet of %d bytes", ErrTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeAuthResponse encodes status(4 LE) + count(4 LE) + count * (len(2 LE) + authenticator).
func writeAuthResponse(w io.Writer, status uint32, auths []authstore.Authenticator) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], status)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(auths)))
	for _, a := range auths {
		buf = writeAuthenticator(buf, a)
	}
	_, err := w.Write(buf)
	return err
}

func readAuthResponse(r io.Reader) ([]authstore.Authenticator, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	if err := statusErr(binary.LittleEndian.Uint32(head[0:4])); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(head[4:8])
	if count > maxAuthenticators {
		return nil, fmt.Errorf("%w: %d authenticators", ErrTooLarge, count)
	}
	auths := make([]authstore.Authenticator, 0, count)
	for i := uint32(0); i < count; i++ {
		a, err := readAuthenticator(r)
		if err != nil {
			return nil, fmt.Errorf("authenticator %d: %w", i, err)
		}
		auths = append(auths, a)
	}
	return auths, nil
}

func statusErr(status uint32) error {
	switch status {
	case statusOK:
		return nil
	case statusNotFound:
		return fmt.Errorf("%w: not found", ErrRejected)
	case statusRateLimited:
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, status)
	}
}
