package evidence

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

// ProofIdentifier is the FlatBuffers file identifier of a serialized Proof.
const ProofIdentifier = "SWPF"

var (
	ErrBadProof     = errors.New("malformed proof")
	ErrProofRefuted = errors.New("proof does not establish misbehaviour")
)

// Kind classifies a piece of evidence.
type Kind uint8

const (
	// KindNoResponse records a challenge the subject failed to answer in time.
	KindNoResponse Kind = iota + 1
	// KindHashDivergence records a disclosed log that contradicts a signed authenticator.
	KindHashDivergence
	// KindInconsistent records two different authenticators signed for the same seq.
	KindInconsistent
	// KindNonconformant records a log whose replay disagrees with the reference state machine.
	KindNonconformant
)

func (k Kind) String() string {
	switch k {
	case KindNoResponse:
		return "no-response"
	case KindHashDivergence:
		return "hash-divergence"
	case KindInconsistent:
		return "inconsistent"
	case KindNonconformant:
		return "nonconformant"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Blames reports whether evidence of this kind is conclusive on its own.
// A NoResponse challenge can still be answered.
func (k Kind) Blames() bool {
	return k == KindHashDivergence || k == KindInconsistent || k == KindNonconformant
}

// Proof flags.
const (
	// FlagHidden marks a divergence where the snippet skipped the signed seq.
	FlagHidden uint8 = 1 << iota
	// FlagIncludeCheckpoint marks a challenge that asked for the preceding checkpoint.
	FlagIncludeCheckpoint
)

// Proof is the self-describing payload of a piece of evidence. It embeds the
// subject's signed commitments and the disclosed log range so that any third
// party holding the subject's key can re-check it.
type Proof struct {
	Kind    Kind
	Subject peer.ID
	// Authenticator is the commitment the proof is anchored on: the authTo of
	// a challenge, the contradicted authenticator of a divergence, the first
	// of two conflicting authenticators, or the end of a replayed range.
	Authenticator authstore.Authenticator
	// Other is the second authenticator: authFrom of a challenge, the
	// conflicting authenticator of an inconsistency, or the later commitment
	// a divergent snippet reproduces.
	Other *authstore.Authenticator

	FromSeq      uint64
	ToSeq        uint64
	DivergingSeq uint64
	// Snippet is the encoded log range, when the kind carries one.
	Snippet []byte
	Flags   uint8
}

// Table slots.
const (
	slotKind = iota
	slotSubject
	slotAuthenticator
	slotOther
	slotFromSeq
	slotToSeq
	slotDivergingSeq
	slotSnippet
	slotFlags
	proofFieldCount
)

// Marshal serializes the proof as a FlatBuffers table.
func (p *Proof) Marshal() []byte {
	builder := flatbuffers.NewBuilder(256 + len(p.Snippet))

	subjectOff := builder.CreateByteVector([]byte(p.Subject))
	authOff := builder.CreateByteVector(p.Authenticator.Marshal())
	var otherOff, snippetOff flatbuffers.UOffsetT
	if p.Other != nil {
		otherOff = builder.CreateByteVector(p.Other.Marshal())
	}
	if len(p.Snippet) > 0 {
		snippetOff = builder.CreateByteVector(p.Snippet)
	}

	builder.StartObject(proofFieldCount)
	builder.PrependUint64Slot(slotFromSeq, p.FromSeq, 0)
	builder.PrependUint64Slot(slotToSeq, p.ToSeq, 0)
	builder.PrependUint64Slot(slotDivergingSeq, p.DivergingSeq, 0)
	builder.PrependUOffsetTSlot(slotSubject, subjectOff, 0)
	builder.PrependUOffsetTSlot(slotAuthenticator, authOff, 0)
	if otherOff != 0 {
		builder.PrependUOffsetTSlot(slotOther, otherOff, 0)
	}
	if snippetOff != 0 {
		builder.PrependUOffsetTSlot(slotSnippet, snippetOff, 0)
	}
	builder.PrependByteSlot(slotKind, byte(p.Kind), 0)
	builder.PrependByteSlot(slotFlags, p.Flags, 0)
	root := builder.EndObject()
	builder.FinishWithFileIdentifier(root, []byte(ProofIdentifier))

	data := make([]byte, len(builder.FinishedBytes()))
	copy(data, builder.FinishedBytes())
	return data
}

// table is a thin reader over a FlatBuffers table addressed by slot number.
type table struct {
	flatbuffers.Table
}

func rootTable(data []byte, identifier string) (*table, error) {
	if len(data) < 2*flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("buffer of %d bytes is too short", len(data))
	}
	if !flatbuffers.BufferHasIdentifier(data, identifier) {
		return nil, fmt.Errorf("file identifier is not %q", identifier)
	}
	n := flatbuffers.GetUOffsetT(data)
	if int(n) >= len(data) {
		return nil, fmt.Errorf("root offset %d out of range", n)
	}
	return &table{flatbuffers.Table{Bytes: data, Pos: n}}, nil
}

func (t *table) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (t *table) byteField(slot int) byte {
	if o := t.field(slot); o != 0 {
		return t.GetByte(o + t.Pos)
	}
	return 0
}

func (t *table) uint64Field(slot int) uint64 {
	if o := t.field(slot); o != 0 {
		return t.GetUint64(o + t.Pos)
	}
	return 0
}

func (t *table) int64Field(slot int) int64 {
	if o := t.field(slot); o != 0 {
		return t.GetInt64(o + t.Pos)
	}
	return 0
}

func (t *table) bytesField(slot int) []byte {
	if o := t.field(slot); o != 0 {
		return append([]byte{}, t.ByteVector(o+t.Pos)...)
	}
	return nil
}

// UnmarshalProof parses a serialized proof. Hostile input never panics.
func UnmarshalProof(data []byte) (p *Proof, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("%w: %v", ErrBadProof, r)
		}
	}()

	t, err := rootTable(data, ProofIdentifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProof, err)
	}

	p = &Proof{
		Kind:         Kind(t.byteField(slotKind)),
		FromSeq:      t.uint64Field(slotFromSeq),
		ToSeq:        t.uint64Field(slotToSeq),
		DivergingSeq: t.uint64Field(slotDivergingSeq),
		Snippet:      t.bytesField(slotSnippet),
		Flags:        t.byteField(slotFlags),
	}
	if p.Kind < KindNoResponse || p.Kind > KindNonconformant {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrBadProof, p.Kind)
	}

	p.Subject, err = peer.IDFromBytes(t.bytesField(slotSubject))
	if err != nil {
		return nil, fmt.Errorf("%w: subject: %v", ErrBadProof, err)
	}
	p.Authenticator, err = authstore.Unmarshal(t.bytesField(slotAuthenticator))
	if err != nil {
		return nil, fmt.Errorf("%w: authenticator: %v", ErrBadProof, err)
	}
	if raw := t.bytesField(slotOther); raw != nil {
		other, err := authstore.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: second authenticator: %v", ErrBadProof, err)
		}
		p.Other = &other
	}
	return p, nil
}

// Check re-verifies the proof against the subject's public key. A nil error
// means the proof stands.
func (p *Proof) Check(pub crypto.PubKey) error {
	if err := p.Authenticator.Verify(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrProofRefuted, err)
	}
	if p.Other != nil {
		if err := p.Other.Verify(pub); err != nil {
			return fmt.Errorf("%w: second authenticator: %v", ErrProofRefuted, err)
		}
	}

	switch p.Kind {
	case KindNoResponse:
		if p.ToSeq != p.Authenticator.Seq || p.FromSeq > p.ToSeq {
			return fmt.Errorf("%w: challenge [%d, %d] does not match authenticator %d",
				ErrBadProof, p.FromSeq, p.ToSeq, p.Authenticator.Seq)
		}
		return nil

	case KindInconsistent:
		if p.Other == nil {
			return fmt.Errorf("%w: inconsistency needs two authenticators", ErrBadProof)
		}
		if p.Other.Seq != p.Authenticator.Seq || p.Other.Hash == p.Authenticator.Hash {
			return fmt.Errorf("%w: authenticators %d and %d do not conflict",
				ErrProofRefuted, p.Authenticator.Seq, p.Other.Seq)
		}
		return nil

	case KindHashDivergence:
		s, err := snippet.Decode(p.Snippet)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadProof, err)
		}
		return p.checkDivergence(s)

	case KindNonconformant:
		s, err := snippet.Decode(p.Snippet)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadProof, err)
		}
		return p.checkAnchored(s)
	}
	return fmt.Errorf("%w: unknown kind %d", ErrBadProof, p.Kind)
}

// checkDivergence recomputes the disclosed chain and confirms that it
// contradicts the authenticator. The chain must reproduce a later signed
// commitment; only that binds the disclosed entries to the subject.
func (p *Proof) checkDivergence(s *snippet.LogSnippet) error {
	a, anchor := p.Authenticator, p.Other
	if anchor == nil {
		return fmt.Errorf("%w: divergence needs a later authenticator", ErrBadProof)
	}
	if anchor.Seq <= a.Seq {
		return fmt.Errorf("%w: anchor %d does not follow seq %d", ErrProofRefuted, anchor.Seq, a.Seq)
	}

	chain := s.Chain()
	at, anchored := -1, false
	for i, e := range s.Entries {
		switch e.Seq {
		case a.Seq:
			at = i
		case anchor.Seq:
			anchored = chain[i] == anchor.Hash
		}
	}
	if !anchored {
		return fmt.Errorf("%w: snippet does not reproduce the authenticator at %d", ErrProofRefuted, anchor.Seq)
	}

	if p.Flags&FlagHidden != 0 {
		if s.FirstSeq() >= a.Seq {
			return fmt.Errorf("%w: snippet [%d, %d] does not straddle seq %d",
				ErrProofRefuted, s.FirstSeq(), s.LastSeq(), a.Seq)
		}
		if at >= 0 {
			return fmt.Errorf("%w: seq %d is present in the snippet", ErrProofRefuted, a.Seq)
		}
		return nil
	}

	if at < 0 {
		return fmt.Errorf("%w: snippet has no entry at seq %d", ErrBadProof, a.Seq)
	}
	if chain[at] == a.Hash {
		return fmt.Errorf("%w: recomputed hash at %d matches the authenticator", ErrProofRefuted, a.Seq)
	}
	return nil
}

// checkAnchored confirms that the replayed range is the one the subject
// committed to. The replay verdict itself needs the reference state machine.
func (p *Proof) checkAnchored(s *snippet.LogSnippet) error {
	a := p.Authenticator
	chain := s.Chain()
	for i, e := range s.Entries {
		if e.Seq == a.Seq {
			if chain[i] != a.Hash {
				return fmt.Errorf("%w: replayed range is not the committed log", ErrProofRefuted)
			}
			if p.DivergingSeq < s.FirstSeq() || p.DivergingSeq > a.Seq {
				return fmt.Errorf("%w: diverging seq %d outside replayed range", ErrBadProof, p.DivergingSeq)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: replayed range has no entry at seq %d", ErrBadProof, a.Seq)
}
