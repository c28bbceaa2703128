package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/sdn-witness/internal/config"
	"github.com/spacedatanetwork/sdn-witness/internal/protocol"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	cfg.Network.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Audit.AuditIntervalMillis = 100
	cfg.Audit.ProgressInterval = 100 * time.Millisecond
	cfg.Audit.LogDownloadTimeout = 5 * time.Second
	cfg.Audit.ReplayEnabled = false
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop() })
	return n
}

func entries(kindAt func(seq uint64) snippet.EntryKind, seqs ...uint64) []snippet.LogEntry {
	out := make([]snippet.LogEntry, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, snippet.LogEntry{Kind: kindAt(seq), Seq: seq, Content: []byte{byte(seq), byte(seq >> 8)}})
	}
	return out
}

func checkpointsAtThousands(seq uint64) snippet.EntryKind {
	if seq%snippet.SeqGranularity == 0 {
		return snippet.KindCheckpoint
	}
	return snippet.KindSend
}

func TestLoadOrCreateKey(t *testing.T) {
	path := KeyPath(t.TempDir())
	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second), "the key is reused")
	assert.Equal(t, crypto.Ed25519, int(first.Type()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.ReplayWorkers = 0
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNodeRegistersProtocols(t *testing.T) {
	cfg := testConfig(t)
	n := startNode(t, cfg)

	protocols := n.Host().Mux().Protocols()
	assert.Contains(t, protocols, protocol.AuditProtocolID)
	assert.Contains(t, protocols, protocol.AuthProtocolID)
	assert.NotEmpty(t, n.ListenAddrs())

	_, err := n.AppendOwnLog(&snippet.LogSnippet{})
	assert.ErrorIs(t, err, ErrEmptyLog)
	assert.Error(t, n.Witness(peer.AddrInfo{ID: n.PeerID()}))
}

func TestWitnessAuditsSubject(t *testing.T) {
	witness := startNode(t, testConfig(t))
	subject := startNode(t, testConfig(t))
	self := subject.PeerID()

	first, err := subject.AppendOwnLog(&snippet.LogSnippet{
		BaseHash: snippet.ContentHash([]byte("genesis")),
		Entries:  entries(checkpointsAtThousands, 1000, 1001, 1500),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), first.Seq)

	top, topHash, ok, err := subject.History().Top(self)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1500), top)

	second, err := subject.AppendOwnLog(&snippet.LogSnippet{
		BaseHash: topHash,
		Entries:  entries(checkpointsAtThousands, 2000, 2001),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2001), second.Seq)

	require.NoError(t, witness.Witness(peer.AddrInfo{ID: self, Addrs: subject.ListenAddrs()}))

	require.Eventually(t, func() bool {
		seq, _, ok, err := witness.History().Top(self)
		return err == nil && ok && seq == 2001
	}, 20*time.Second, 100*time.Millisecond, "the witness replicates the audited log")

	n, err := witness.History().VerifyChain(self)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	count, err := witness.Evidence().Count()
	require.NoError(t, err)
	assert.Zero(t, count, "an honest subject leaves no evidence")
	assert.True(t, witness.Registry().IsTrusted(self))
	assert.Equal(t, []peer.ID{self}, witness.Registry().WitnessedSubjects())
}

func TestNodeReopensStorage(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(context.Background(), cfg)
	require.NoError(t, err)
	id := n.PeerID()
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Stop())

	again, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer again.Stop()
	assert.Equal(t, id, again.PeerID(), "the identity key persists")
	assert.FileExists(t, filepath.Join(cfg.Storage.Path, KeyFile))
}
