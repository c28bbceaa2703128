package snippet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Errors
var (
	ErrMalformedSnippet = errors.New("malformed snippet")
	ErrEmptySnippet     = errors.New("snippet has no entries")
	ErrInvalidEntry     = errors.New("invalid log entry")
	ErrSeqOrder         = errors.New("snippet seq not strictly increasing")
	ErrContentTooLarge  = errors.New("entry content exceeds 4-byte length")
)

// Wire layout:
//
//	firstSeq(8 BE) + extLen(1, must be 0) + baseHash(20)
//	entry 0:  type(1) + sizeCode(1) [+ len] + content
//	entry n:  seqCode(1) [+ seq(8 BE)] + type(1) + sizeCode(1) [+ len] + content
const (
	headerSize = 8 + 1 + HashSize

	seqNext     byte = 0x00
	seqAbsolute byte = 0xFF
	maxSeqJump       = 0xFE

	sizeHashed    byte = 0x00
	maxInlineSize      = 0xFD
	sizeLong      byte = 0xFE
	sizeShort     byte = 0xFF

	// SeqGranularity is the spacing of the thousand-aligned seq boundaries used by
	// jump codes and by checkpoint placement.
	SeqGranularity = 1000
)

// Encode serializes a snippet into its compact binary form.
func Encode(s *LogSnippet) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	size := headerSize
	for _, e := range s.Entries {
		size += 1 + 8 + 1 + 1 + 4 + len(e.Content)
	}
	buf := make([]byte, 0, size)

	buf = binary.BigEndian.AppendUint64(buf, s.Entries[0].Seq)
	buf = append(buf, 0)
	buf = append(buf, s.BaseHash[:]...)

	for i, e := range s.Entries {
		if i > 0 {
			buf = appendSeqCode(buf, s.Entries[i-1].Seq, e.Seq)
		}
		buf = append(buf, byte(e.Kind))
		var err error
		if buf, err = appendSizeCode(buf, e); err != nil {
			return nil, fmt.Errorf("entry %d (seq %d): %w", i, e.Seq, err)
		}
		buf = append(buf, e.Content...)
	}
	return buf, nil
}

// appendSeqCode writes the shortest code describing the step prev -> seq.
func appendSeqCode(buf []byte, prev, seq uint64) []byte {
	if seq == prev+1 {
		return append(buf, seqNext)
	}
	if seq%SeqGranularity == 0 {
		jump := seq/SeqGranularity - prev/SeqGranularity
		if jump >= 1 && jump <= maxSeqJump {
			return append(buf, byte(jump))
		}
	}
	buf = append(buf, seqAbsolute)
	return binary.BigEndian.AppendUint64(buf, seq)
}

// appendSizeCode writes the size code (and explicit length, if any) for an entry.
// A zero-length literal uses the 2-byte form since code 0 means hashed.
func appendSizeCode(buf []byte, e LogEntry) ([]byte, error) {
	n := len(e.Content)
	switch {
	case e.Hashed:
		return append(buf, sizeHashed), nil
	case n >= 1 && n <= maxInlineSize:
		return append(buf, byte(n)), nil
	case n <= math.MaxUint16:
		buf = append(buf, sizeShort)
		return binary.BigEndian.AppendUint16(buf, uint16(n)), nil
	case uint64(n) <= math.MaxUint32:
		buf = append(buf, sizeLong)
		return binary.BigEndian.AppendUint32(buf, uint32(n)), nil
	default:
		return nil, ErrContentTooLarge
	}
}

// reader is a bounds-checked cursor over an encoded snippet.
type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int, what string) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("%w: truncated %s at offset %d (need %d, have %d)",
			ErrMalformedSnippet, what, r.off, n, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) readByte(what string) (byte, error) {
	b, err := r.take(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readUint64(what string) (uint64, error) {
	b, err := r.take(8, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Decode parses an encoded snippet. Every failure wraps ErrMalformedSnippet.
func Decode(data []byte) (*LogSnippet, error) {
	r := &reader{buf: data}

	seq, err := r.readUint64("first seq")
	if err != nil {
		return nil, err
	}
	extLen, err := r.readByte("extension length")
	if err != nil {
		return nil, err
	}
	if extLen != 0 {
		return nil, fmt.Errorf("%w: extension length %d", ErrMalformedSnippet, extLen)
	}
	base, err := r.take(HashSize, "base hash")
	if err != nil {
		return nil, err
	}

	s := &LogSnippet{}
	copy(s.BaseHash[:], base)

	for first := true; r.off < len(r.buf); first = false {
		if !first {
			next, err := decodeSeq(r, seq)
			if err != nil {
				return nil, err
			}
			seq = next
		}
		e, err := decodeEntry(r, seq)
		if err != nil {
			return nil, err
		}
		s.Entries = append(s.Entries, e)
	}

	if len(s.Entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrMalformedSnippet)
	}
	return s, nil
}

func decodeSeq(r *reader, prev uint64) (uint64, error) {
	code, err := r.readByte("seq code")
	if err != nil {
		return 0, err
	}
	var seq uint64
	switch code {
	case seqNext:
		seq = prev + 1
	case seqAbsolute:
		if seq, err = r.readUint64("absolute seq"); err != nil {
			return 0, err
		}
	default:
		seq = (prev/SeqGranularity)*SeqGranularity + uint64(code)*SeqGranularity
	}
	if seq <= prev {
		return 0, fmt.Errorf("%w: seq %d does not follow %d", ErrMalformedSnippet, seq, prev)
	}
	return seq, nil
}

func decodeEntry(r *reader, seq uint64) (LogEntry, error) {
	kind, err := r.readByte("entry type")
	if err != nil {
		return LogEntry{}, err
	}
	if !EntryKind(kind).Valid() {
		return LogEntry{}, fmt.Errorf("%w: unknown entry type %d at seq %d", ErrMalformedSnippet, kind, seq)
	}
	code, err := r.readByte("size code")
	if err != nil {
		return LogEntry{}, err
	}

	e := LogEntry{Kind: EntryKind(kind), Seq: seq}
	var n int
	switch {
	case code == sizeHashed:
		e.Hashed = true
		n = HashSize
	case code <= maxInlineSize:
		n = int(code)
	case code == sizeShort:
		b, err := r.take(2, "entry length")
		if err != nil {
			return LogEntry{}, err
		}
		n = int(binary.BigEndian.Uint16(b))
	default: // sizeLong
		b, err := r.take(4, "entry length")
		if err != nil {
			return LogEntry{}, err
		}
		l := binary.BigEndian.Uint32(b)
		if uint64(l) > uint64(len(r.buf)-r.off) {
			return LogEntry{}, fmt.Errorf("%w: entry at seq %d claims %d bytes, %d remain",
				ErrMalformedSnippet, seq, l, len(r.buf)-r.off)
		}
		n = int(l)
	}

	content, err := r.take(n, "entry content")
	if err != nil {
		return LogEntry{}, err
	}
	e.Content = append([]byte{}, content...)
	return e, nil
}
