// Package verifier recomputes a subject's hash chain over a disclosed log
// snippet and cross-checks it against the authenticators the subject signed.
package verifier

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

var log = logging.Logger("sdn-verifier")

// ErrRangeNotCovered is returned when a snippet does not span the challenged range.
var ErrRangeNotCovered = errors.New("snippet does not cover challenged range")

// Divergence is conclusive proof that the subject signed a node hash that is
// inconsistent with the entries it later disclosed.
type Divergence struct {
	// Seq is the seq of the offending authenticator.
	Seq uint64
	// Expected is the hash the subject signed.
	Expected snippet.Hash
	// Computed is the recomputed hash at Seq. Zero when Hidden.
	Computed snippet.Hash
	// Hidden is set when the snippet skipped over the authenticator's seq.
	Hidden bool
	// Authenticator is the signed commitment the snippet contradicts.
	Authenticator authstore.Authenticator
	// Prefix is the number of entries processed, including the one at or past Seq.
	Prefix int
}

func (d *Divergence) String() string {
	if d.Hidden {
		return fmt.Sprintf("authenticator at seq %d skipped by snippet", d.Seq)
	}
	return fmt.Sprintf("hash divergence at seq %d: signed %s, computed %s", d.Seq, d.Expected.Short(), d.Computed.Short())
}

// Result is the outcome of a verification.
type Result struct {
	// Divergence is nil when the snippet is consistent with every authenticator.
	Divergence *Divergence
	// NewestSeq is the highest authenticator seq matched.
	NewestSeq uint64
	// Matched counts the authenticators matched.
	Matched int
	// Hashes holds the recomputed node hash after each processed entry.
	Hashes []snippet.Hash
}

// Verified reports whether the snippet passed.
func (r *Result) Verified() bool {
	return r.Divergence == nil
}

// Verify checks a snippet disclosed by subject for the range [fromSeq, toSeq]
// against the authenticators in store. Matching authenticators are offered to
// cache when it is non-nil. On success the store is flushed up to toSeq.
// A returned error means the snippet could not be checked at all.
func Verify(s *snippet.LogSnippet, subject peer.ID, store *authstore.Store, fromSeq, toSeq uint64, cache *authstore.Cache) (*Result, error) {
	if len(s.Entries) == 0 {
		return nil, snippet.ErrEmptySnippet
	}
	if s.FirstSeq() > fromSeq || s.LastSeq() < toSeq {
		return nil, fmt.Errorf("%w: have [%d, %d], challenged [%d, %d]",
			ErrRangeNotCovered, s.FirstSeq(), s.LastSeq(), fromSeq, toSeq)
	}

	auths := store.Range(subject, s.FirstSeq(), toSeq)
	res := &Result{Hashes: make([]snippet.Hash, 0, len(s.Entries))}

	current := s.BaseHash
	next := 0
	for i, e := range s.Entries {
		current = snippet.NodeHash(current, e.Seq, e.Kind, e.ContentDigest())
		res.Hashes = append(res.Hashes, current)

		if next < len(auths) && auths[next].Seq < e.Seq {
			a := auths[next]
			res.Divergence = &Divergence{
				Seq:           a.Seq,
				Expected:      a.Hash,
				Hidden:        true,
				Authenticator: a,
				Prefix:        i + 1,
			}
			return res, nil
		}

		if next < len(auths) && auths[next].Seq == e.Seq {
			a := auths[next]
			if a.Hash != current {
				res.Divergence = &Divergence{
					Seq:           a.Seq,
					Expected:      a.Hash,
					Computed:      current,
					Authenticator: a,
					Prefix:        i + 1,
				}
				return res, nil
			}
			if cache != nil {
				cache.Offer(subject, a)
			}
			res.NewestSeq = a.Seq
			res.Matched++
			next++
		}
	}

	if _, err := store.FlushUpTo(subject, toSeq); err != nil {
		log.Warnf("Verified %s up to %d but failed to flush authenticators: %v", subject.ShortString(), toSeq, err)
	}
	return res, nil
}

// Anchor finds the newest authenticator in store past the divergence whose
// hash the snippet reproduces. Only such a later commitment binds the
// disclosed entries to the subject; without one the snippet could be any
// continuation of a genuine prefix. It returns the anchor and the number of
// entries up to and including it.
func Anchor(s *snippet.LogSnippet, subject peer.ID, store *authstore.Store, d *Divergence) (authstore.Authenticator, int, bool) {
	chain := s.Chain()
	index := make(map[uint64]int, len(s.Entries))
	for i, e := range s.Entries {
		index[e.Seq] = i
	}

	candidates := store.Range(subject, d.Seq+1, s.LastSeq())
	for j := len(candidates) - 1; j >= 0; j-- {
		a := candidates[j]
		i, ok := index[a.Seq]
		if ok && chain[i] == a.Hash {
			return a, i + 1, true
		}
	}
	return authstore.Authenticator{}, 0, false
}
