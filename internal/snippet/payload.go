package snippet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrBadPayload is returned when a RECV, ACK or SIGN entry's content cannot be parsed.
var ErrBadPayload = errors.New("bad entry payload")

// Recv is the content of a RECV entry: the received message together with the
// sender's signed commitment to its own log at the time of sending.
type Recv struct {
	Sender     peer.ID
	SenderSeq  uint64
	SenderHash Hash
	Signature  []byte
	Payload    []byte
}

// Ack is the content of an ACK entry: the remote's signed commitment to having
// logged the receipt of one of our messages.
type Ack struct {
	Remote    peer.ID
	AckedSeq  uint64
	Hash      Hash
	Signature []byte
}

// Sign is the content of a SIGN entry: the signature over the preceding node hash.
type Sign struct {
	Hash      Hash
	Signature []byte
}

// Marshal encodes the RECV content:
// idLen(1) + id + seq(8) + hash(20) + sigLen(2) + sig + payload.
func (r *Recv) Marshal() []byte {
	id := []byte(r.Sender)
	buf := make([]byte, 0, 1+len(id)+8+HashSize+2+len(r.Signature)+len(r.Payload))
	buf = append(buf, byte(len(id)))
	buf = append(buf, id...)
	buf = binary.BigEndian.AppendUint64(buf, r.SenderSeq)
	buf = append(buf, r.SenderHash[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Signature)))
	buf = append(buf, r.Signature...)
	return append(buf, r.Payload...)
}

// ParseRecv decodes RECV content.
func ParseRecv(b []byte) (*Recv, error) {
	r := &reader{buf: b}
	id, err := readPeerID(r)
	if err != nil {
		return nil, err
	}
	out := &Recv{Sender: id}
	if out.SenderSeq, err = r.readUint64("sender seq"); err != nil {
		return nil, payloadErr("RECV", err)
	}
	h, err := r.take(HashSize, "sender hash")
	if err != nil {
		return nil, payloadErr("RECV", err)
	}
	copy(out.SenderHash[:], h)
	if out.Signature, err = readSignature(r); err != nil {
		return nil, payloadErr("RECV", err)
	}
	out.Payload = append([]byte{}, r.buf[r.off:]...)
	return out, nil
}

// Marshal encodes the ACK content: idLen(1) + id + seq(8) + hash(20) + sigLen(2) + sig.
func (a *Ack) Marshal() []byte {
	id := []byte(a.Remote)
	buf := make([]byte, 0, 1+len(id)+8+HashSize+2+len(a.Signature))
	buf = append(buf, byte(len(id)))
	buf = append(buf, id...)
	buf = binary.BigEndian.AppendUint64(buf, a.AckedSeq)
	buf = append(buf, a.Hash[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.Signature)))
	return append(buf, a.Signature...)
}

// ParseAck decodes ACK content.
func ParseAck(b []byte) (*Ack, error) {
	r := &reader{buf: b}
	id, err := readPeerID(r)
	if err != nil {
		return nil, err
	}
	out := &Ack{Remote: id}
	if out.AckedSeq, err = r.readUint64("acked seq"); err != nil {
		return nil, payloadErr("ACK", err)
	}
	h, err := r.take(HashSize, "ack hash")
	if err != nil {
		return nil, payloadErr("ACK", err)
	}
	copy(out.Hash[:], h)
	if out.Signature, err = readSignature(r); err != nil {
		return nil, payloadErr("ACK", err)
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("%w: ACK has %d trailing bytes", ErrBadPayload, len(r.buf)-r.off)
	}
	return out, nil
}

// Marshal encodes the SIGN content: hash(20) + sig.
func (s *Sign) Marshal() []byte {
	buf := make([]byte, 0, HashSize+len(s.Signature))
	buf = append(buf, s.Hash[:]...)
	return append(buf, s.Signature...)
}

// ParseSign decodes SIGN content. The signature must be non-empty.
func ParseSign(b []byte) (*Sign, error) {
	if len(b) <= HashSize {
		return nil, fmt.Errorf("%w: SIGN content is %d bytes", ErrBadPayload, len(b))
	}
	out := &Sign{Signature: append([]byte{}, b[HashSize:]...)}
	copy(out.Hash[:], b[:HashSize])
	return out, nil
}

func readPeerID(r *reader) (peer.ID, error) {
	n, err := r.readByte("id length")
	if err != nil {
		return "", payloadErr("identity", err)
	}
	raw, err := r.take(int(n), "id")
	if err != nil {
		return "", payloadErr("identity", err)
	}
	id, err := peer.IDFromBytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return id, nil
}

func readSignature(r *reader) ([]byte, error) {
	lb, err := r.take(2, "signature length")
	if err != nil {
		return nil, err
	}
	sig, err := r.take(int(binary.BigEndian.Uint16(lb)), "signature")
	if err != nil {
		return nil, err
	}
	return append([]byte{}, sig...), nil
}

func payloadErr(kind string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBadPayload, kind, err)
}
