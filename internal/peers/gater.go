package peers

import (
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// ConnectionGater refuses connections to exposed peers and, in strict mode,
// to peers missing from the registry.
type ConnectionGater struct {
	registry *Registry

	// Callback for connection events
	onBlocked func(peerID peer.ID, reason string)
}

// NewConnectionGater creates a new connection gater.
func NewConnectionGater(registry *Registry) *ConnectionGater {
	return &ConnectionGater{registry: registry}
}

// SetBlockedCallback sets a callback for when connections are blocked.
func (g *ConnectionGater) SetBlockedCallback(cb func(peerID peer.ID, reason string)) {
	g.onBlocked = cb
}

func (g *ConnectionGater) allow(p peer.ID) bool {
	if g.registry.IsStrictMode() {
		if _, err := g.registry.GetPeer(p); err != nil {
			log.Debugf("Blocked peer %s: not in registry (strict mode)", p.ShortString())
			if g.onBlocked != nil {
				g.onBlocked(p, "not in registry (strict mode)")
			}
			return false
		}
	}

	if !g.registry.IsAllowed(p) {
		log.Debugf("Blocked peer %s: exposed", p.ShortString())
		if g.onBlocked != nil {
			g.onBlocked(p, "exposed")
		}
		return false
	}

	return true
}

// InterceptPeerDial is called before dialing a peer.
func (g *ConnectionGater) InterceptPeerDial(p peer.ID) bool {
	return g.allow(p)
}

// InterceptAddrDial is called before dialing a specific address.
func (g *ConnectionGater) InterceptAddrDial(p peer.ID, _ multiaddr.Multiaddr) bool {
	return g.allow(p)
}

// InterceptAccept is called when accepting a connection from a multiaddr.
// The peer ID is not known yet; the check happens in InterceptSecured.
func (g *ConnectionGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured is called after the security handshake is complete.
func (g *ConnectionGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return g.allow(p)
}

// InterceptUpgraded is called after the connection is fully upgraded.
func (g *ConnectionGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

var _ connmgr.ConnectionGater = (*ConnectionGater)(nil)
