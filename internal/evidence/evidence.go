// Package evidence screens disclosed log snippets, builds self-checking
// proofs of misbehaviour and keeps a tamper-evident log of filed evidence.
package evidence

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
)

var log = logging.Logger("sdn-evidence")

// EnvelopeIdentifier is the FlatBuffers file identifier of a broadcast envelope.
const EnvelopeIdentifier = "SWEV"

var (
	ErrBadEnvelope        = errors.New("malformed evidence envelope")
	ErrCertificateMissing = errors.New("certificate missing")
)

// Evidence is a filed accusation against a subject. It is immutable once filed.
type Evidence struct {
	ID          string
	Kind        Kind
	Subject     peer.ID
	Originator  peer.ID
	EvidenceSeq uint64
	Payload     []byte
	CID         cid.Cid
	FiledAt     time.Time
}

// New wraps a proof into a fresh piece of evidence filed by originator.
func New(originator peer.ID, evidenceSeq uint64, p *Proof) (*Evidence, error) {
	payload := p.Marshal()
	c, err := PayloadCID(payload)
	if err != nil {
		return nil, err
	}
	return &Evidence{
		ID:          uuid.New().String(),
		Kind:        p.Kind,
		Subject:     p.Subject,
		Originator:  originator,
		EvidenceSeq: evidenceSeq,
		Payload:     payload,
		CID:         c,
		FiledAt:     time.Now().UTC(),
	}, nil
}

// PayloadCID computes the content identifier of an evidence payload.
func PayloadCID(payload []byte) (cid.Cid, error) {
	hash := sha256.Sum256(payload)
	multihash, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, multihash), nil
}

// Proof decodes the payload.
func (e *Evidence) Proof() (*Proof, error) {
	return UnmarshalProof(e.Payload)
}

func (e *Evidence) String() string {
	return fmt.Sprintf("%s evidence %s against %s (seq %d)", e.Kind, e.ID, e.Subject.ShortString(), e.EvidenceSeq)
}

// Envelope slots.
const (
	envID = iota
	envOriginator
	envEvidenceSeq
	envPayload
	envFiledAt
	envelopeFieldCount
)

// MarshalEnvelope serializes the evidence for broadcast to other witnesses.
func (e *Evidence) MarshalEnvelope() []byte {
	builder := flatbuffers.NewBuilder(128 + len(e.Payload))

	idOff := builder.CreateString(e.ID)
	originatorOff := builder.CreateByteVector([]byte(e.Originator))
	payloadOff := builder.CreateByteVector(e.Payload)

	builder.StartObject(envelopeFieldCount)
	builder.PrependUint64Slot(envEvidenceSeq, e.EvidenceSeq, 0)
	builder.PrependInt64Slot(envFiledAt, e.FiledAt.UnixMilli(), 0)
	builder.PrependUOffsetTSlot(envID, idOff, 0)
	builder.PrependUOffsetTSlot(envOriginator, originatorOff, 0)
	builder.PrependUOffsetTSlot(envPayload, payloadOff, 0)
	root := builder.EndObject()
	builder.FinishWithFileIdentifier(root, []byte(EnvelopeIdentifier))

	data := make([]byte, len(builder.FinishedBytes()))
	copy(data, builder.FinishedBytes())
	return data
}

// UnmarshalEnvelope parses a broadcast envelope and its embedded proof. The
// content identifier is recomputed from the payload.
func UnmarshalEnvelope(data []byte) (e *Evidence, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, err = nil, fmt.Errorf("%w: %v", ErrBadEnvelope, r)
		}
	}()

	t, err := rootTable(data, EnvelopeIdentifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	e = &Evidence{
		ID:          string(t.bytesField(envID)),
		EvidenceSeq: t.uint64Field(envEvidenceSeq),
		Payload:     t.bytesField(envPayload),
		FiledAt:     time.UnixMilli(t.int64Field(envFiledAt)).UTC(),
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrBadEnvelope, err)
	}
	if e.Originator, err = peer.IDFromBytes(t.bytesField(envOriginator)); err != nil {
		return nil, fmt.Errorf("%w: originator: %v", ErrBadEnvelope, err)
	}

	p, err := UnmarshalProof(e.Payload)
	if err != nil {
		return nil, err
	}
	e.Kind = p.Kind
	e.Subject = p.Subject
	if e.CID, err = PayloadCID(e.Payload); err != nil {
		return nil, err
	}
	return e, nil
}
