// Package certs resolves the public keys of peers named in audited logs.
//
// Keys come from the libp2p peerstore. A peer whose ID embeds its key needs
// no lookup; any other peer is located through peer routing and connected to,
// which records its key during the security handshake.
package certs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"

	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
)

var log = logging.Logger("sdn-certs")

const (
	// DefaultFetchTimeout bounds a single certificate request.
	DefaultFetchTimeout = time.Minute

	fetchInitialWait = 250 * time.Millisecond
	fetchMaxWait     = 10 * time.Second
)

var errKeyNotRecorded = errors.New("connected but key not recorded yet")

// Store looks up public keys and fetches the ones it does not hold.
type Store struct {
	host    host.Host
	router  routing.PeerRouting
	timeout time.Duration

	mu        sync.Mutex
	inflight  map[peer.ID]struct{}
	onArrived func(id peer.ID)
	wg        sync.WaitGroup
}

// NewStore creates a certificate store on h. router may be nil, in which case
// peers are only dialled at the addresses already in the peerstore.
func NewStore(h host.Host, router routing.PeerRouting) *Store {
	return &Store{
		host:     h,
		router:   router,
		timeout:  DefaultFetchTimeout,
		inflight: make(map[peer.ID]struct{}),
	}
}

// SetFetchTimeout changes the bound on a single request.
func (s *Store) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// SetArrivedCallback sets the function told about each fetched certificate.
func (s *Store) SetArrivedCallback(cb func(id peer.ID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onArrived = cb
}

// HasCertificate reports whether the public key of id is known.
func (s *Store) HasCertificate(id peer.ID) bool {
	_, err := s.PubKey(id)
	return err == nil
}

// PubKey returns the public key of id.
func (s *Store) PubKey(id peer.ID) (crypto.PubKey, error) {
	if pub := s.host.Peerstore().PubKey(id); pub != nil {
		return pub, nil
	}
	pub, err := id.ExtractPublicKey()
	if err == nil && pub != nil {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: %s", evidence.ErrCertificateMissing, id.ShortString())
}

// RequestCertificate fetches the key of id in the background. The arrived
// callback runs once the key is known; concurrent requests for the same peer
// are merged.
func (s *Store) RequestCertificate(ctx context.Context, id peer.ID) {
	s.mu.Lock()
	if _, ok := s.inflight[id]; ok {
		s.mu.Unlock()
		return
	}
	s.inflight[id] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.fetch(ctx, id)
}

func (s *Store) fetch(ctx context.Context, id peer.ID) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = fetchInitialWait
	expBackoff.MaxInterval = fetchMaxWait

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if s.HasCertificate(id) {
			return nil
		}
		if err := s.locate(ctx, id); err != nil {
			log.Debugf("Certificate fetch for %s (attempt %d) failed: %v", id.ShortString(), attempt, err)
			return err
		}
		if !s.HasCertificate(id) {
			return errKeyNotRecorded
		}
		return nil
	}, backoff.WithContext(expBackoff, ctx))
	if err != nil {
		log.Warnf("Could not fetch certificate of %s: %v", id.ShortString(), err)
		return
	}

	log.Debugf("Certificate of %s arrived", id.ShortString())
	s.mu.Lock()
	cb := s.onArrived
	s.mu.Unlock()
	if cb != nil {
		cb(id)
	}
}

// locate finds id and connects to it.
func (s *Store) locate(ctx context.Context, id peer.ID) error {
	info := peer.AddrInfo{ID: id}
	if s.router != nil {
		found, err := s.router.FindPeer(ctx, id)
		if err != nil {
			return fmt.Errorf("find peer: %w", err)
		}
		info = found
	}
	if err := s.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Wait blocks until all outstanding requests have finished.
func (s *Store) Wait() {
	s.wg.Wait()
}
