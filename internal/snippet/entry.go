// Package snippet implements the hash-chained log model shared by the audit
// engine: log entries, excerpts of a subject's log ("snippets"), the node hash
// chain, and the compact binary encoding used on the wire.
package snippet

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HashSize is the size of every digest in the log (content digests and node hashes).
const HashSize = sha1.Size

// Hash is a fixed-size log digest.
type Hash [HashSize]byte

// ZeroHash is the genesis hash of every subject's log.
var ZeroHash Hash

// String returns the hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first eight hex characters, for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// HashFromBytes copies b into a Hash. It fails unless len(b) == HashSize.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// EntryKind identifies the event a log entry records.
type EntryKind uint8

const (
	// KindSend records an outgoing message.
	KindSend EntryKind = iota
	// KindRecv records an incoming message together with the sender's signed commitment.
	KindRecv
	// KindSign records the signature attached to the preceding SEND.
	KindSign
	// KindAck records an acknowledgement received for one of our messages.
	KindAck
	// KindCheckpoint carries a full application state snapshot.
	KindCheckpoint
	// KindInit marks the start of a log.
	KindInit
	// KindSendSign records an outgoing message whose signature is logged inline.
	KindSendSign
)

// String returns the canonical name of the kind.
func (k EntryKind) String() string {
	switch k {
	case KindSend:
		return "SEND"
	case KindRecv:
		return "RECV"
	case KindSign:
		return "SIGN"
	case KindAck:
		return "ACK"
	case KindCheckpoint:
		return "CHECKPOINT"
	case KindInit:
		return "INIT"
	case KindSendSign:
		return "SENDSIGN"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Valid reports whether k is a known entry kind.
func (k EntryKind) Valid() bool {
	return k <= KindSendSign
}

// Hashable reports whether entries of this kind may be disclosed by digest only.
// RECV, ACK and INIT must always carry their literal bytes.
func (k EntryKind) Hashable() bool {
	switch k {
	case KindCheckpoint, KindSend, KindSendSign:
		return true
	default:
		return false
	}
}

// LogEntry is a single entry of a subject's log as disclosed in a snippet.
// When Hashed is set, Content holds the digest of the original content.
type LogEntry struct {
	Kind    EntryKind
	Seq     uint64
	Hashed  bool
	Content []byte
}

// ContentDigest returns the digest that enters the node hash for this entry.
func (e LogEntry) ContentDigest() Hash {
	if e.Hashed {
		var h Hash
		copy(h[:], e.Content)
		return h
	}
	return sha1.Sum(e.Content)
}

// Equal reports whether two entries are identical.
func (e LogEntry) Equal(o LogEntry) bool {
	return e.Kind == o.Kind && e.Seq == o.Seq && e.Hashed == o.Hashed && bytes.Equal(e.Content, o.Content)
}

// NodeHash links one entry into the chain: H(prev || seq || kind || digest).
func NodeHash(prev Hash, seq uint64, kind EntryKind, digest Hash) Hash {
	var buf [HashSize + 8 + 1 + HashSize]byte
	copy(buf[:HashSize], prev[:])
	binary.BigEndian.PutUint64(buf[HashSize:HashSize+8], seq)
	buf[HashSize+8] = byte(kind)
	copy(buf[HashSize+9:], digest[:])
	return sha1.Sum(buf[:])
}

// ContentHash hashes raw bytes with the log digest.
func ContentHash(b []byte) Hash {
	return sha1.Sum(b)
}

// LogSnippet is a contiguous excerpt of a subject's log. BaseHash is the node
// hash immediately preceding Entries[0].
type LogSnippet struct {
	BaseHash Hash
	Entries  []LogEntry
}

// FirstSeq returns the sequence number of the first entry, or 0 if empty.
func (s *LogSnippet) FirstSeq() uint64 {
	if len(s.Entries) == 0 {
		return 0
	}
	return s.Entries[0].Seq
}

// LastSeq returns the sequence number of the last entry, or 0 if empty.
func (s *LogSnippet) LastSeq() uint64 {
	if len(s.Entries) == 0 {
		return 0
	}
	return s.Entries[len(s.Entries)-1].Seq
}

// Chain recomputes the node hash after every entry.
func (s *LogSnippet) Chain() []Hash {
	hashes := make([]Hash, len(s.Entries))
	current := s.BaseHash
	for i, e := range s.Entries {
		current = NodeHash(current, e.Seq, e.Kind, e.ContentDigest())
		hashes[i] = current
	}
	return hashes
}

// TopHash returns the node hash after the last entry.
func (s *LogSnippet) TopHash() Hash {
	chain := s.Chain()
	if len(chain) == 0 {
		return s.BaseHash
	}
	return chain[len(chain)-1]
}

// Equal reports whether two snippets are identical.
func (s *LogSnippet) Equal(o *LogSnippet) bool {
	if s.BaseHash != o.BaseHash || len(s.Entries) != len(o.Entries) {
		return false
	}
	for i := range s.Entries {
		if !s.Entries[i].Equal(o.Entries[i]) {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants of a snippet: at least one entry,
// strictly increasing seq, digest-sized hashed content, and known kinds.
func (s *LogSnippet) Validate() error {
	if len(s.Entries) == 0 {
		return ErrEmptySnippet
	}
	for i, e := range s.Entries {
		if !e.Kind.Valid() {
			return fmt.Errorf("%w: entry %d has unknown kind %d", ErrInvalidEntry, i, e.Kind)
		}
		if e.Hashed && len(e.Content) != HashSize {
			return fmt.Errorf("%w: hashed entry %d has %d content bytes", ErrInvalidEntry, i, len(e.Content))
		}
		if i > 0 && e.Seq <= s.Entries[i-1].Seq {
			return fmt.Errorf("%w: seq %d after %d", ErrSeqOrder, e.Seq, s.Entries[i-1].Seq)
		}
	}
	return nil
}
