// Package node assembles the witness daemon: the libp2p host, the stores, the
// audit engine and the protocols that connect them.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacedatanetwork/sdn-witness/internal/auditor"
	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/certs"
	"github.com/spacedatanetwork/sdn-witness/internal/config"
	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
	"github.com/spacedatanetwork/sdn-witness/internal/history"
	"github.com/spacedatanetwork/sdn-witness/internal/metrics"
	"github.com/spacedatanetwork/sdn-witness/internal/peers"
	"github.com/spacedatanetwork/sdn-witness/internal/protocol"
	"github.com/spacedatanetwork/sdn-witness/internal/pubsub"
	"github.com/spacedatanetwork/sdn-witness/internal/replay"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

var log = logging.Logger("sdn-node")

// ErrEmptyLog is returned when appending a snippet without entries to the
// node's own log.
var ErrEmptyLog = errors.New("snippet has no entries")

// Node is a running witness.
type Node struct {
	config *config.Config
	priv   crypto.PrivKey

	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *ps.PubSub

	registry    *peers.Registry
	gater       *peers.ConnectionGater
	peerStore   *peers.SQLitePersistence
	authStore   *authstore.SQLitePersistence
	in          *authstore.Store
	out         *authstore.Store
	cache       *authstore.Cache
	history     *history.Store
	evidence    *evidence.Store
	sink        *evidence.Sink
	certs       *certs.Store
	transport   *protocol.Transport
	responder   *protocol.Responder
	limiter     *protocol.PeerRateLimiter
	topics      *pubsub.Topics
	replayer    replay.Engine
	pool        *replay.Pool
	engine      *auditor.Engine
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a witness node from cfg. Nothing is started until Start.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		config: cfg,
		ctx:    nodeCtx,
		cancel: cancel,
	}

	if err := n.init(); err != nil {
		cancel()
		n.closeStores()
		if n.host != nil {
			n.host.Close()
		}
		return nil, err
	}

	return n, nil
}

func (n *Node) init() error {
	storagePath := n.config.Storage.Path
	if err := os.MkdirAll(storagePath, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	var err error
	n.priv, err = LoadOrCreateKey(KeyPath(storagePath))
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	// Peer registry
	n.peerStore, err = peers.NewSQLitePersistence(filepath.Join(storagePath, peers.DBFile))
	if err != nil {
		return fmt.Errorf("failed to open peer registry: %w", err)
	}
	n.registry = peers.NewRegistry(n.config.Peers.StrictMode, n.peerStore)
	n.gater = peers.NewConnectionGater(n.registry)

	if n.config.Peers.StrictMode {
		log.Infof("Strict mode ENABLED - only registry peers allowed")
	}

	for _, peerAddr := range n.config.Peers.TrustedPeers {
		addrInfo, err := peer.AddrInfoFromString(peerAddr)
		if err != nil {
			log.Warnf("Invalid trusted peer address %s: %v", peerAddr, err)
			continue
		}
		p := &peers.Peer{ID: addrInfo.ID, Addrs: addrInfo.Addrs, Name: "Config Trusted Peer"}
		if err := n.registry.AddPeer(p); err != nil && !errors.Is(err, peers.ErrPeerAlreadyExists) {
			log.Warnf("Failed to add trusted peer %s: %v", addrInfo.ID, err)
		}
	}

	// Parse listen addresses
	listenAddrs := make([]multiaddr.Multiaddr, 0, len(n.config.Network.Listen))
	for _, addr := range n.config.Network.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	lowWater := n.config.Network.MaxConns / 4
	connMgr, err := connmgr.NewConnManager(lowWater, n.config.Network.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	var dhtRouting *dht.IpfsDHT
	n.host, err = libp2p.New(
		libp2p.Identity(n.priv),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.ConnectionGater(n.gater),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			dhtRouting, err = dht.New(n.ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix("/spacedatanetwork"),
			)
			return dhtRouting, err
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.dht = dhtRouting
	self := n.host.ID()

	n.pubsub, err = ps.NewGossipSub(n.ctx, n.host)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}

	// Stores
	n.authStore, err = authstore.NewSQLitePersistence(filepath.Join(storagePath, authstore.DBFile))
	if err != nil {
		return fmt.Errorf("failed to open authenticator database: %w", err)
	}
	if n.in, err = authstore.New(authstore.StoreIn, n.authStore); err != nil {
		return err
	}
	if n.out, err = authstore.New(authstore.StoreOut, n.authStore); err != nil {
		return err
	}
	cacheStore, err := authstore.New(authstore.StoreCache, n.authStore)
	if err != nil {
		return err
	}
	n.cache = authstore.NewCache(cacheStore, n.config.Audit.AuthCacheIntervalMillis)

	n.history, err = history.Open(filepath.Join(storagePath, history.DBFile))
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	n.evidence, err = evidence.NewStore(storagePath)
	if err != nil {
		return err
	}

	// Metrics on a private registry; Start serves it when configured.
	reg := prometheus.NewRegistry()
	n.gatherer = reg
	n.metrics = metrics.New(reg)

	// Collaborators of the engine
	n.certs = certs.NewStore(n.host, n.dht)
	n.certs.SetFetchTimeout(n.config.Audit.LogDownloadTimeout)

	n.transport = protocol.NewTransport(n.host, n.config.Audit.LogDownloadTimeout)

	n.replayer, err = replay.LoadEngine(n.ctx, n.config.Audit.ReplayModule)
	if err != nil {
		return err
	}
	n.pool = replay.NewPool(n.config.Audit.ReplayWorkers, n.config.Audit.ReplayTimeout)

	topicParams := pubsub.Params{
		Self:          self,
		Keys:          n.certs,
		Filer:         intake{n},
		Reactor:       intake{n},
		ReplayTimeout: n.config.Audit.ReplayTimeout,
	}
	if n.config.Audit.ReplayEnabled {
		topicParams.Replayer = n.replayer
	}
	n.topics = pubsub.NewTopics(n.pubsub, topicParams)
	n.sink = evidence.NewSink(n.evidence, n.topics)

	rate := n.config.Audit.ChallengeRate
	n.limiter = protocol.NewPeerRateLimiter(protocol.RateLimitConfig{
		PerSecond: rate,
		PerMinute: int(rate * 30),
		Burst:     int(rate * 2),
	}, nil)
	n.responder = protocol.NewResponder(self, n.history, n.out, n.limiter)

	n.engine, err = auditor.New(auditor.Config{
		LogDownloadTimeout:    n.config.Audit.LogDownloadTimeout,
		AuditIntervalMillis:   n.config.Audit.AuditIntervalMillis,
		ReplayEnabled:         n.config.Audit.ReplayEnabled,
		ProgressInterval:      n.config.Audit.ProgressInterval,
		InvestigationInterval: n.config.Audit.InvestigationInterval,
	}, auditor.Params{
		Self:        self,
		Transport:   n.transport,
		Trust:       n.registry,
		Status:      n.registry,
		Sink:        n.sink,
		Certs:       n.certs,
		History:     n.history,
		Replayer:    n.replayer,
		Pool:        n.pool,
		In:          n.in,
		Cache:       n.cache,
		LastChecked: n.authStore,
		Metrics:     n.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create audit engine: %w", err)
	}
	n.transport.Attach(n.engine)
	n.certs.SetArrivedCallback(n.engine.CertificateArrived)

	log.Infof("Witness %s initialized (storage %s)", self, storagePath)
	return nil
}

// Start bootstraps the DHT, registers the protocols and starts the engine.
func (n *Node) Start(ctx context.Context) error {
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	// Connect to bootstrap peers asynchronously
	for _, addr := range n.config.Network.Bootstrap {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Warnf("Skipping bootstrap peer %s: %v", addr, err)
			continue
		}
		n.wg.Add(1)
		go func(info peer.AddrInfo) {
			defer n.wg.Done()
			if err := n.host.Connect(n.ctx, info); err != nil {
				log.Warnf("Failed to connect to bootstrap peer %s: %v", info.ID, err)
			} else {
				log.Infof("Connected to bootstrap peer %s", info.ID)
			}
		}(*info)
	}

	n.responder.Register(n.host)

	for _, s := range n.config.Peers.Witnessed {
		info, err := config.ParseWitnessed(s)
		if err != nil {
			log.Warnf("Skipping witnessed subject %s: %v", s, err)
			continue
		}
		if err := n.Witness(info); err != nil {
			log.Warnf("Failed to witness %s: %v", info.ID, err)
		}
	}
	// Subjects added in earlier runs
	for _, id := range n.registry.WitnessedSubjects() {
		n.watch(id)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.engine.Run(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Audit engine stopped: %v", err)
		}
	}()

	if addr := n.config.Metrics.ListenAddr; addr != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := metrics.Serve(n.ctx, addr, n.gatherer); err != nil {
				log.Errorf("Metrics endpoint failed: %v", err)
			}
		}()
	}

	n.wg.Add(1)
	go n.runDiscovery()

	log.Infof("Witness started, listening on %v", n.host.Addrs())
	return nil
}

// Witness starts auditing the subject in info. Known addresses go to the
// peerstore; the subject's evidence topic is joined.
func (n *Node) Witness(info peer.AddrInfo) error {
	if info.ID == n.host.ID() {
		return fmt.Errorf("cannot witness self")
	}
	if err := n.registry.Witness(info.ID, info.Addrs...); err != nil {
		return err
	}
	if len(info.Addrs) > 0 {
		n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	}
	n.watch(info.ID)
	log.Infof("Witnessing %s", info.ID)
	return nil
}

func (n *Node) watch(id peer.ID) {
	if err := n.topics.Watch(n.ctx, id); err != nil {
		log.Warnf("Failed to watch evidence about %s: %v", id.ShortString(), err)
	}
}

// AppendOwnLog extends this node's own log with s and commits to its new top
// with a signed authenticator, so that witnesses can audit it.
func (n *Node) AppendOwnLog(s *snippet.LogSnippet) (authstore.Authenticator, error) {
	if len(s.Entries) == 0 {
		return authstore.Authenticator{}, ErrEmptyLog
	}
	self := n.host.ID()
	if _, err := n.history.Append(self, s); err != nil {
		return authstore.Authenticator{}, err
	}
	seq, hash, _, err := n.history.Top(self)
	if err != nil {
		return authstore.Authenticator{}, err
	}
	a, err := authstore.Sign(n.priv, seq, hash)
	if err != nil {
		return authstore.Authenticator{}, err
	}
	if err := n.out.Insert(self, a); err != nil {
		return authstore.Authenticator{}, err
	}
	return a, nil
}

// Stop gracefully shuts down the node.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()

	n.responder.Unregister(n.host)
	n.transport.Wait()
	n.certs.Wait()
	n.pool.Close()
	n.limiter.Close()
	if err := n.topics.Close(); err != nil {
		log.Warnf("Error closing topics: %v", err)
	}
	if closer, ok := n.replayer.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(context.Background()); err != nil {
			log.Warnf("Error closing replay engine: %v", err)
		}
	}
	if err := n.dht.Close(); err != nil {
		log.Warnf("Error closing DHT: %v", err)
	}
	n.closeStores()

	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return nil
}

func (n *Node) closeStores() {
	if n.history != nil {
		if err := n.history.Close(); err != nil {
			log.Warnf("Error closing history: %v", err)
		}
	}
	if n.evidence != nil {
		if err := n.evidence.Close(); err != nil {
			log.Warnf("Error closing evidence log: %v", err)
		}
	}
	if n.authStore != nil {
		if err := n.authStore.Close(); err != nil {
			log.Warnf("Error closing authenticator database: %v", err)
		}
	}
	if n.peerStore != nil {
		if err := n.peerStore.Close(); err != nil {
			log.Warnf("Error closing peer registry: %v", err)
		}
	}
}

// PeerID returns the node's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// ListenAddrs returns the node's listen addresses.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Host returns the libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// Registry returns the peer registry.
func (n *Node) Registry() *peers.Registry {
	return n.registry
}

// History returns the replica store, which also holds the node's own log.
func (n *Node) History() *history.Store {
	return n.history
}

// Evidence returns the evidence log.
func (n *Node) Evidence() *evidence.Store {
	return n.evidence
}

// Engine returns the audit engine.
func (n *Node) Engine() *auditor.Engine {
	return n.engine
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// intake routes evidence from other witnesses into the local log, the peer
// registry and the engine.
type intake struct{ n *Node }

func (i intake) FileEvidence(ctx context.Context, e *evidence.Evidence) error {
	return i.n.sink.FileEvidence(ctx, e)
}

func (i intake) MarkExposed(id peer.ID) error {
	return i.n.registry.MarkExposed(id)
}

func (i intake) Investigate(target peer.ID, since uint64) {
	i.n.engine.Investigate(target, since)
}
