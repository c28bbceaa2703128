package node

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	// DiscoveryNamespace is advertised on the DHT by every witness.
	DiscoveryNamespace = "spacedatanetwork/witness/1.0.0"

	// MDNSServiceName is the mDNS service of witnesses on the local network.
	MDNSServiceName = "sdn-witness-mdns"

	reconnectInterval = 30 * time.Second
	connectTimeout    = 10 * time.Second
)

// runDiscovery advertises this witness and keeps the witnessed subjects
// connected.
func (n *Node) runDiscovery() {
	defer n.wg.Done()

	routingDiscovery := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, routingDiscovery, DiscoveryNamespace)

	if n.config.Network.EnableMDNS {
		service := mdns.NewMdnsService(n.host, MDNSServiceName, &mdnsNotifee{host: n.host, ctx: n.ctx})
		if err := service.Start(); err != nil {
			log.Warnf("Failed to start mDNS service: %v", err)
		} else {
			defer service.Close()
			log.Infof("mDNS discovery started with service name: %s", MDNSServiceName)
		}
	}

	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	n.connectSubjects()
	for {
		select {
		case <-n.ctx.Done():
			log.Debug("Discovery stopped")
			return
		case <-ticker.C:
			n.connectSubjects()
		}
	}
}

// connectSubjects dials every witnessed subject that is not connected. The
// host resolves unknown addresses through the DHT.
func (n *Node) connectSubjects() {
	for _, id := range n.registry.WitnessedSubjects() {
		if n.host.Network().Connectedness(id) == network.Connected {
			continue
		}
		if !n.registry.IsAllowed(id) {
			continue
		}

		n.wg.Add(1)
		go func(id peer.ID) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, connectTimeout)
			defer cancel()

			if err := n.host.Connect(ctx, peer.AddrInfo{ID: id}); err != nil {
				log.Debugf("Failed to connect to subject %s: %v", id.ShortString(), err)
			} else {
				log.Debugf("Connected to subject %s", id.ShortString())
			}
		}(id)
	}
}

// mdnsNotifee handles mDNS peer discovery events.
type mdnsNotifee struct {
	host host.Host
	ctx  context.Context
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	// Don't connect to ourselves
	if pi.ID == m.host.ID() {
		return
	}

	log.Debugf("mDNS discovered peer: %s", pi.ID)
	if err := m.host.Connect(m.ctx, pi); err != nil {
		log.Debugf("Failed to connect to mDNS peer %s: %v", pi.ID, err)
	}
}
