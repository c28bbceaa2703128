package authstore

import (
	"fmt"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("sdn-authstore")

// Store names used by a witness node.
const (
	StoreIn    = "in"
	StoreOut   = "out"
	StoreCache = "cache"
)

// ConflictError is returned by Insert when a different authenticator is
// already stored at the same seq. Two validly signed authenticators at one seq
// prove the subject forked its log.
type ConflictError struct {
	Subject  peer.ID
	Existing Authenticator
	Incoming Authenticator
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting authenticator for %s at seq %d", e.Subject.ShortString(), e.Incoming.Seq)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Persistence stores authenticators durably. Every Store mutation is written
// through before it is applied in memory.
type Persistence interface {
	InsertAuthenticator(store string, subject peer.ID, a Authenticator) error
	DeleteAuthenticators(store string, subject peer.ID, from, to uint64) error
	LoadAuthenticators(store string) (map[peer.ID][]Authenticator, error)
}

// Store is an ordered, per-subject collection of authenticators.
type Store struct {
	name        string
	mu          sync.RWMutex
	subjects    map[peer.ID][]Authenticator
	persistence Persistence
}

// New creates a store. If persistence is non-nil its contents are loaded.
func New(name string, persistence Persistence) (*Store, error) {
	s := &Store{
		name:        name,
		subjects:    make(map[peer.ID][]Authenticator),
		persistence: persistence,
	}
	if persistence != nil {
		loaded, err := persistence.LoadAuthenticators(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s authenticators: %w", name, err)
		}
		for id, auths := range loaded {
			sort.Slice(auths, func(i, j int) bool { return auths[i].Seq < auths[j].Seq })
			s.subjects[id] = auths
		}
		log.Debugf("Loaded %s authenticator store: %d subjects", name, len(loaded))
	}
	return s, nil
}

// NewMemory creates a store without persistence.
func NewMemory(name string) *Store {
	s, _ := New(name, nil)
	return s
}

// Name returns the store's name.
func (s *Store) Name() string {
	return s.name
}

// search returns the index of the first authenticator with Seq >= seq.
func search(auths []Authenticator, seq uint64) int {
	return sort.Search(len(auths), func(i int) bool { return auths[i].Seq >= seq })
}

// Insert adds an authenticator. Inserting an identical authenticator again is
// a no-op; a different one at the same seq returns a *ConflictError.
func (s *Store) Insert(subject peer.ID, a Authenticator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auths := s.subjects[subject]
	i := search(auths, a.Seq)
	if i < len(auths) && auths[i].Seq == a.Seq {
		if auths[i].Equal(a) {
			return nil
		}
		return &ConflictError{Subject: subject, Existing: auths[i], Incoming: a}
	}

	if s.persistence != nil {
		if err := s.persistence.InsertAuthenticator(s.name, subject, a); err != nil {
			return fmt.Errorf("failed to persist authenticator: %w", err)
		}
	}

	auths = append(auths, Authenticator{})
	copy(auths[i+1:], auths[i:])
	auths[i] = a
	s.subjects[subject] = auths
	return nil
}

// Get returns the authenticator at exactly seq.
func (s *Store) Get(subject peer.ID, seq uint64) (Authenticator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auths := s.subjects[subject]
	i := search(auths, seq)
	if i < len(auths) && auths[i].Seq == seq {
		return auths[i], true
	}
	return Authenticator{}, false
}

// Oldest returns the authenticator with the lowest seq.
func (s *Store) Oldest(subject peer.ID) (Authenticator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auths := s.subjects[subject]
	if len(auths) == 0 {
		return Authenticator{}, false
	}
	return auths[0], true
}

// MostRecent returns the authenticator with the highest seq.
func (s *Store) MostRecent(subject peer.ID) (Authenticator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auths := s.subjects[subject]
	if len(auths) == 0 {
		return Authenticator{}, false
	}
	return auths[len(auths)-1], true
}

// AtOrBefore returns the newest authenticator with Seq <= seq.
func (s *Store) AtOrBefore(subject peer.ID, seq uint64) (Authenticator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auths := s.subjects[subject]
	i := search(auths, seq)
	if i < len(auths) && auths[i].Seq == seq {
		return auths[i], true
	}
	if i == 0 {
		return Authenticator{}, false
	}
	return auths[i-1], true
}

// After returns the oldest authenticator with Seq > seq.
func (s *Store) After(subject peer.ID, seq uint64) (Authenticator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auths := s.subjects[subject]
	i := search(auths, seq)
	if i < len(auths) && auths[i].Seq == seq {
		i++
	}
	if i >= len(auths) {
		return Authenticator{}, false
	}
	return auths[i], true
}

// Range returns the authenticators with from <= Seq <= to, in seq order.
func (s *Store) Range(subject peer.ID, from, to uint64) []Authenticator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := s.bounds(subject, from, to)
	if lo >= hi {
		return nil
	}
	out := make([]Authenticator, hi-lo)
	copy(out, s.subjects[subject][lo:hi])
	return out
}

// RangeCount returns the number of authenticators with from <= Seq <= to.
func (s *Store) RangeCount(subject peer.ID, from, to uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := s.bounds(subject, from, to)
	if lo >= hi {
		return 0
	}
	return hi - lo
}

func (s *Store) bounds(subject peer.ID, from, to uint64) (int, int) {
	if from > to {
		return 0, 0
	}
	auths := s.subjects[subject]
	lo := search(auths, from)
	hi := sort.Search(len(auths), func(i int) bool { return auths[i].Seq > to })
	return lo, hi
}

// Flush removes the authenticators with from <= Seq <= to and returns how many
// were removed.
func (s *Store) Flush(subject peer.ID, from, to uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := s.bounds(subject, from, to)
	if lo >= hi {
		return 0, nil
	}
	if s.persistence != nil {
		if err := s.persistence.DeleteAuthenticators(s.name, subject, from, to); err != nil {
			return 0, fmt.Errorf("failed to delete authenticators: %w", err)
		}
	}

	auths := s.subjects[subject]
	rest := append(auths[:lo:lo], auths[hi:]...)
	if len(rest) == 0 {
		delete(s.subjects, subject)
	} else {
		s.subjects[subject] = rest
	}
	return hi - lo, nil
}

// FlushUpTo removes every authenticator with Seq <= seq.
func (s *Store) FlushUpTo(subject peer.ID, seq uint64) (int, error) {
	return s.Flush(subject, 0, seq)
}

// Subjects returns the subjects with at least one authenticator.
func (s *Store) Subjects() []peer.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]peer.ID, 0, len(s.subjects))
	for id := range s.subjects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of authenticators held for a subject.
func (s *Store) Count(subject peer.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subjects[subject])
}
