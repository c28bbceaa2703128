package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/auditor"
	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

// LogSource is read access to the local node's own log.
type LogSource interface {
	Bounds(subject peer.ID) (uint64, uint64, bool, error)
	FindLastEntry(subject peer.ID, kind snippet.EntryKind, maxSeq uint64) (snippet.LogEntry, bool, error)
	NextEntry(subject peer.ID, seq uint64) (snippet.LogEntry, bool, error)
	Snippet(subject peer.ID, from, to uint64) (*snippet.LogSnippet, error)
}

// Responder answers audit challenges and authenticator requests about the
// local node.
type Responder struct {
	self    peer.ID
	log     LogSource
	out     *authstore.Store
	limiter *PeerRateLimiter
}

// NewResponder serves the log of self from src and its signed commitments
// from out. limiter may be nil.
func NewResponder(self peer.ID, src LogSource, out *authstore.Store, limiter *PeerRateLimiter) *Responder {
	return &Responder{self: self, log: src, out: out, limiter: limiter}
}

// Register installs the stream handlers on h.
func (r *Responder) Register(h host.Host) {
	h.SetStreamHandler(AuditProtocolID, r.handleChallenge)
	h.SetStreamHandler(AuthProtocolID, r.handleAuthRequest)
	log.Infof("Registered audit protocols: %s, %s", AuditProtocolID, AuthProtocolID)
}

// Unregister removes the stream handlers from h.
func (r *Responder) Unregister(h host.Host) {
	h.RemoveStreamHandler(AuditProtocolID)
	h.RemoveStreamHandler(AuthProtocolID)
}

func (r *Responder) handleChallenge(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()

	_ = stream.SetReadDeadline(time.Now().Add(streamReadDeadline))
	ch, err := readChallenge(stream)
	if err != nil {
		log.Debugf("audit: read challenge from %s failed: %v", remote.ShortString(), err)
		stream.Reset()
		return
	}

	_ = stream.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
	if r.limiter != nil && !r.limiter.Allow(remote) {
		_ = writeSnippetResponse(stream, statusRateLimited, nil)
		return
	}

	s, err := r.Serve(ch)
	if err != nil {
		log.Warnf("audit: cannot answer challenge [%d-%d] from %s (eseq %d): %v",
			ch.From.Seq, ch.To.Seq, remote.ShortString(), ch.EvidenceSeq, err)
		status := statusError
		if errors.Is(err, ErrOutOfRange) || errors.Is(err, ErrNoCheckpoint) {
			status = statusNotFound
		}
		_ = writeSnippetResponse(stream, status, nil)
		return
	}

	data, err := snippet.Encode(s)
	if err != nil {
		log.Errorf("audit: failed to encode snippet for %s: %v", remote.ShortString(), err)
		_ = writeSnippetResponse(stream, statusError, nil)
		return
	}
	if err := writeSnippetResponse(stream, statusOK, data); err != nil {
		log.Debugf("audit: write response to %s failed: %v", remote.ShortString(), err)
		stream.Reset()
		return
	}
	log.Debugf("audit: answered challenge from %s with %d entries (%d bytes)", remote.ShortString(), len(s.Entries), len(data))
}

// Serve selects the log range that answers ch. The start moves back to the
// preceding checkpoint when one is asked for, and otherwise down to a
// thousand boundary; the end extends up to the next boundary, plus one entry
// when it would end on a RECV.
func (r *Responder) Serve(ch auditor.Challenge) (*snippet.LogSnippet, error) {
	from, to := ch.From.Seq, ch.To.Seq
	if to < from {
		return nil, fmt.Errorf("%w: %d < %d", ErrBadRange, to, from)
	}

	first, last, ok, err := r.log.Bounds(r.self)
	if err != nil {
		return nil, err
	}
	if !ok || from < first || to > last {
		return nil, fmt.Errorf("%w: [%d, %d] vs [%d, %d]", ErrOutOfRange, from, to, first, last)
	}

	start := from - from%snippet.SeqGranularity
	if ch.IncludeCheckpoint {
		cp, ok, err := r.lastCheckpoint(from)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrNoCheckpoint, from)
		}
		start = cp
	}

	end := uint64(math.MaxUint64)
	if to/snippet.SeqGranularity < math.MaxUint64/snippet.SeqGranularity {
		end = (to/snippet.SeqGranularity+1)*snippet.SeqGranularity - 1
	}

	s, err := r.log.Snippet(r.self, start, end)
	if err != nil {
		return nil, err
	}
	if s.Entries[len(s.Entries)-1].Kind == snippet.KindRecv {
		next, ok, err := r.log.NextEntry(r.self, s.LastSeq())
		if err != nil {
			return nil, err
		}
		if ok {
			s.Entries = append(s.Entries, next)
		}
	}
	return s, nil
}

// lastCheckpoint returns the seq of the newest CHECKPOINT or INIT entry at or
// below seq.
func (r *Responder) lastCheckpoint(seq uint64) (uint64, bool, error) {
	var best uint64
	found := false
	for _, kind := range []snippet.EntryKind{snippet.KindCheckpoint, snippet.KindInit} {
		e, ok, err := r.log.FindLastEntry(r.self, kind, seq)
		if err != nil {
			return 0, false, err
		}
		if ok && (!found || e.Seq > best) {
			best, found = e.Seq, true
		}
	}
	return best, found, nil
}

func (r *Responder) handleAuthRequest(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()

	_ = stream.SetReadDeadline(time.Now().Add(streamReadDeadline))
	var req [8]byte
	if _, err := io.ReadFull(stream, req[:]); err != nil {
		log.Debugf("authenticators: read request from %s failed: %v", remote.ShortString(), err)
		stream.Reset()
		return
	}

	_ = stream.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
	if r.limiter != nil && !r.limiter.Allow(remote) {
		_ = writeAuthResponse(stream, statusRateLimited, nil)
		return
	}

	since := binary.LittleEndian.Uint64(req[:])
	auths := r.Authenticators(since)
	if err := writeAuthResponse(stream, statusOK, auths); err != nil {
		log.Debugf("authenticators: write to %s failed: %v", remote.ShortString(), err)
		stream.Reset()
		return
	}
	log.Debugf("authenticators: sent %d to %s (since %d)", len(auths), remote.ShortString(), since)
}

// Authenticators returns the newest authenticator of the local node at or
// before since followed by those after it. When there are too many, the
// oldest ones after since are dropped first so the newest stay included.
func (r *Responder) Authenticators(since uint64) []authstore.Authenticator {
	var auths []authstore.Authenticator
	if a, ok := r.out.AtOrBefore(r.self, since); ok {
		auths = append(auths, a)
	}
	if since < math.MaxUint64 {
		auths = append(auths, r.out.Range(r.self, since+1, math.MaxUint64)...)
	}
	if len(auths) > maxAuthenticators {
		keep := append([]authstore.Authenticator{auths[0]}, auths[len(auths)-maxAuthenticators+1:]...)
		auths = keep
	}
	return auths
}
