// Package peers keeps the registry of known peers: the subjects this node
// witnesses and the accountability status of everyone it has evidence about.
package peers

import (
	"errors"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("sdn-peers")

// Peer is an entry in the registry.
type Peer struct {
	ID    peer.ID
	Addrs []multiaddr.Multiaddr
	Name  string

	// Witnessed marks a subject audited by this node.
	Witnessed bool
	Status    Status

	AddedAt         time.Time
	StatusChangedAt time.Time
}

// PersistenceProvider stores registry entries.
type PersistenceProvider interface {
	SavePeer(p *Peer) error
	DeletePeer(id peer.ID) error
	Load() (map[peer.ID]*Peer, error)
}

// Errors
var (
	ErrPeerNotFound      = errors.New("peer not found")
	ErrPeerAlreadyExists = errors.New("peer already exists")
	ErrInvalidPeerID     = errors.New("invalid peer ID")
	// ErrExposed is returned when clearing the status of an exposed peer.
	// Exposure is permanent.
	ErrExposed = errors.New("peer is exposed")
)

// Registry manages known peers and their accountability status.
type Registry struct {
	mu          sync.RWMutex
	peers       map[peer.ID]*Peer
	strictMode  bool // Only connect to peers in registry
	persistence PersistenceProvider

	onStatus func(id peer.ID, status Status)
}

// NewRegistry creates a registry, loading persisted entries when persistence
// is set.
func NewRegistry(strictMode bool, persistence PersistenceProvider) *Registry {
	r := &Registry{
		peers:       make(map[peer.ID]*Peer),
		strictMode:  strictMode,
		persistence: persistence,
	}

	if persistence != nil {
		peers, err := persistence.Load()
		if err != nil {
			log.Warnf("Failed to load peer registry: %v", err)
		} else {
			r.peers = peers
		}
	}

	return r
}

// SetStatusCallback sets a callback invoked after a peer's status changes.
func (r *Registry) SetStatusCallback(cb func(id peer.ID, status Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatus = cb
}

// IsStrictMode reports whether unknown peers are refused.
func (r *Registry) IsStrictMode() bool {
	return r.strictMode
}

func (r *Registry) save(p *Peer) {
	if r.persistence == nil {
		return
	}
	if err := r.persistence.SavePeer(p); err != nil {
		log.Warnf("Failed to persist peer %s: %v", p.ID.ShortString(), err)
	}
}

// AddPeer adds a peer to the registry.
func (r *Registry) AddPeer(p *Peer) error {
	if p.ID == "" {
		return ErrInvalidPeerID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[p.ID]; exists {
		return ErrPeerAlreadyExists
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now()
	}

	r.peers[p.ID] = p
	r.save(p)
	return nil
}

// RemovePeer removes a peer from the registry.
func (r *Registry) RemovePeer(id peer.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return ErrPeerNotFound
	}
	delete(r.peers, id)
	if r.persistence != nil {
		if err := r.persistence.DeletePeer(id); err != nil {
			log.Warnf("Failed to delete peer %s: %v", id.ShortString(), err)
		}
	}
	return nil
}

// GetPeer returns a copy of the entry for id.
func (r *Registry) GetPeer(id peer.ID) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.peers[id]
	if !exists {
		return Peer{}, ErrPeerNotFound
	}
	return *p, nil
}

// ListPeers returns copies of all entries ordered by peer ID.
func (r *Registry) ListPeers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// entry returns the entry for id, creating it when missing. Callers hold mu.
func (r *Registry) entry(id peer.ID) *Peer {
	p, exists := r.peers[id]
	if !exists {
		p = &Peer{ID: id, AddedAt: time.Now()}
		r.peers[id] = p
	}
	return p
}

// Witness marks id as a subject audited by this node.
func (r *Registry) Witness(id peer.ID, addrs ...multiaddr.Multiaddr) error {
	if id == "" {
		return ErrInvalidPeerID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.entry(id)
	p.Witnessed = true
	if len(addrs) > 0 {
		p.Addrs = addrs
	}
	r.save(p)
	return nil
}

// Unwitness stops auditing id. The entry and its status are kept.
func (r *Registry) Unwitness(id peer.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[id]
	if !exists {
		return ErrPeerNotFound
	}
	p.Witnessed = false
	r.save(p)
	return nil
}

// WitnessedSubjects returns the subjects audited by this node ordered by
// peer ID.
func (r *Registry) WitnessedSubjects() []peer.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]peer.ID, 0, len(r.peers))
	for id, p := range r.peers {
		if p.Witnessed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status returns the accountability status of id. Unknown peers are trusted.
func (r *Registry) Status(id peer.ID) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, exists := r.peers[id]; exists {
		return p.Status
	}
	return StatusTrusted
}

// IsTrusted reports whether id may be audited. Only trusted peers are
// challenged; a suspected peer clears itself by answering the challenge it
// left open.
func (r *Registry) IsTrusted(id peer.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.peers[id]
	if !exists {
		return !r.strictMode
	}
	return p.Status == StatusTrusted
}

// IsAllowed checks if a peer is allowed to connect. Suspected peers stay
// reachable; exposed peers do not.
func (r *Registry) IsAllowed(id peer.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.peers[id]
	if !exists {
		return !r.strictMode
	}
	return p.Status != StatusExposed
}

// MarkTrusted clears a suspicion. Exposed peers stay exposed.
func (r *Registry) MarkTrusted(id peer.ID) error {
	return r.setStatus(id, StatusTrusted)
}

// MarkSuspected records an unanswered challenge.
func (r *Registry) MarkSuspected(id peer.ID) error {
	return r.setStatus(id, StatusSuspected)
}

// MarkExposed records verifiable evidence against id.
func (r *Registry) MarkExposed(id peer.ID) error {
	return r.setStatus(id, StatusExposed)
}

func (r *Registry) setStatus(id peer.ID, status Status) error {
	if id == "" {
		return ErrInvalidPeerID
	}

	r.mu.Lock()
	p := r.entry(id)
	if p.Status == StatusExposed && status != StatusExposed {
		r.mu.Unlock()
		return ErrExposed
	}
	if p.Status == status {
		r.mu.Unlock()
		return nil
	}
	prev := p.Status
	p.Status = status
	p.StatusChangedAt = time.Now()
	r.save(p)
	cb := r.onStatus
	r.mu.Unlock()

	log.Infof("Peer %s is now %s (was %s)", id.ShortString(), status, prev)
	if cb != nil {
		cb(id, status)
	}
	return nil
}

// Counts returns the number of entries per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, p := range r.peers {
		counts[p.Status]++
	}
	return counts
}
