package peers

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestConnectionGater_NonStrict(t *testing.T) {
	registry := NewRegistry(false, nil)
	gater := NewConnectionGater(registry)

	var reasons []string
	gater.SetBlockedCallback(func(_ peer.ID, reason string) {
		reasons = append(reasons, reason)
	})

	if !gater.InterceptPeerDial(testPeerID1) {
		t.Error("Should allow unknown peers in non-strict mode")
	}
	if !gater.InterceptSecured(network.DirInbound, testPeerID1, nil) {
		t.Error("Should accept unknown peers in non-strict mode")
	}

	if err := registry.MarkExposed(testPeerID1); err != nil {
		t.Fatalf("MarkExposed failed: %v", err)
	}
	if gater.InterceptPeerDial(testPeerID1) {
		t.Error("Should reject exposed peers")
	}
	if gater.InterceptSecured(network.DirInbound, testPeerID1, nil) {
		t.Error("Should reject exposed peers after the handshake")
	}
	if len(reasons) != 2 || reasons[0] != "exposed" {
		t.Errorf("Blocked reasons = %v", reasons)
	}

	if err := registry.MarkSuspected(testPeerID2); err != nil {
		t.Fatalf("MarkSuspected failed: %v", err)
	}
	if !gater.InterceptPeerDial(testPeerID2) {
		t.Error("Suspected peers must stay reachable")
	}
}

func TestConnectionGater_Strict(t *testing.T) {
	registry := NewRegistry(true, nil)
	gater := NewConnectionGater(registry)

	if gater.InterceptPeerDial(testPeerID1) {
		t.Error("Should reject unknown peers in strict mode")
	}
	if err := registry.Witness(testPeerID1); err != nil {
		t.Fatalf("Witness failed: %v", err)
	}
	if !gater.InterceptPeerDial(testPeerID1) {
		t.Error("Should allow registered peers in strict mode")
	}
	if !gater.InterceptAccept(nil) {
		t.Error("Accept is decided after the handshake")
	}
}
