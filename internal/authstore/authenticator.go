// Package authstore keeps the signed log commitments ("authenticators") that
// subjects push to their witnesses, ordered by sequence number per subject.
package authstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

// Errors
var (
	ErrConflict     = errors.New("conflicting authenticator for seq")
	ErrBadSignature = errors.New("authenticator signature invalid")
	ErrMalformed    = errors.New("malformed authenticator")
)

// Authenticator is a subject's signed commitment to its node hash at Seq.
type Authenticator struct {
	Seq       uint64
	Hash      snippet.Hash
	Signature []byte
}

// SigningBytes returns the bytes the subject signs: seq(8 BE) || hash.
func SigningBytes(seq uint64, hash snippet.Hash) []byte {
	buf := make([]byte, 8+snippet.HashSize)
	binary.BigEndian.PutUint64(buf, seq)
	copy(buf[8:], hash[:])
	return buf
}

// Sign produces an authenticator for (seq, hash) with the given key.
func Sign(priv crypto.PrivKey, seq uint64, hash snippet.Hash) (Authenticator, error) {
	sig, err := priv.Sign(SigningBytes(seq, hash))
	if err != nil {
		return Authenticator{}, fmt.Errorf("failed to sign authenticator: %w", err)
	}
	return Authenticator{Seq: seq, Hash: hash, Signature: sig}, nil
}

// Verify checks the signature against the subject's public key.
func (a Authenticator) Verify(pub crypto.PubKey) error {
	ok, err := pub.Verify(SigningBytes(a.Seq, a.Hash), a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// Equal reports whether two authenticators are identical.
func (a Authenticator) Equal(o Authenticator) bool {
	return a.Seq == o.Seq && a.Hash == o.Hash && bytes.Equal(a.Signature, o.Signature)
}

// Marshal encodes the authenticator as seq(8 BE) + hash(20) + sigLen(2 BE) + sig.
func (a Authenticator) Marshal() []byte {
	buf := make([]byte, 0, 8+snippet.HashSize+2+len(a.Signature))
	buf = append(buf, SigningBytes(a.Seq, a.Hash)...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.Signature)))
	return append(buf, a.Signature...)
}

// Unmarshal decodes an authenticator produced by Marshal.
func Unmarshal(b []byte) (Authenticator, error) {
	const fixed = 8 + snippet.HashSize + 2
	if len(b) < fixed {
		return Authenticator{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	sigLen := int(binary.BigEndian.Uint16(b[8+snippet.HashSize:]))
	if len(b) != fixed+sigLen {
		return Authenticator{}, fmt.Errorf("%w: signature length %d, have %d bytes", ErrMalformed, sigLen, len(b)-fixed)
	}
	a := Authenticator{
		Seq:       binary.BigEndian.Uint64(b),
		Signature: append([]byte{}, b[fixed:]...),
	}
	copy(a.Hash[:], b[8:8+snippet.HashSize])
	return a, nil
}
