package protocol

import (
	"bytes"
	"context"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/sdn-witness/internal/auditor"
	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/history"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

func newKey(t *testing.T) crypto.PrivKey {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	return priv
}

func signAt(t *testing.T, priv crypto.PrivKey, seq uint64) authstore.Authenticator {
	t.Helper()
	a, err := authstore.Sign(priv, seq, snippet.ContentHash([]byte{byte(seq), byte(seq >> 8)}))
	require.NoError(t, err)
	return a
}

// ownLog is the local node's log: INIT at 500, checkpoints at 1000 and 2000,
// and a RECV at 1999 right before the boundary.
func ownLog(t *testing.T) *snippet.LogSnippet {
	t.Helper()
	senderID, err := peer.Decode(testPeerA)
	require.NoError(t, err)
	recv := &snippet.Recv{Sender: senderID, SenderSeq: 3, Signature: []byte{1, 2}, Payload: []byte("msg")}

	return &snippet.LogSnippet{Entries: []snippet.LogEntry{
		{Kind: snippet.KindInit, Seq: 500, Content: []byte("init")},
		{Kind: snippet.KindSend, Seq: 600, Content: []byte("a")},
		{Kind: snippet.KindCheckpoint, Seq: 1000, Content: []byte("cp1")},
		{Kind: snippet.KindSend, Seq: 1001, Content: []byte("b")},
		{Kind: snippet.KindSend, Seq: 1500, Content: []byte("c")},
		{Kind: snippet.KindRecv, Seq: 1999, Content: recv.Marshal()},
		{Kind: snippet.KindCheckpoint, Seq: 2000, Content: []byte("cp2")},
		{Kind: snippet.KindSend, Seq: 2001, Content: []byte("d")},
		{Kind: snippet.KindSend, Seq: 2500, Content: []byte("e")},
		{Kind: snippet.KindSend, Seq: 3000, Content: []byte("f")},
	}}
}

func newLogStore(t *testing.T, self peer.ID) *history.Store {
	t.Helper()
	hist, err := history.Open(filepath.Join(t.TempDir(), history.DBFile))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })
	_, err = hist.Append(self, ownLog(t))
	require.NoError(t, err)
	return hist
}

func seqsOf(s *snippet.LogSnippet) []uint64 {
	out := make([]uint64, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Seq
	}
	return out
}

func challenge(from, to uint64, includeCheckpoint bool) auditor.Challenge {
	return auditor.Challenge{
		EvidenceSeq:       42,
		From:              authstore.Authenticator{Seq: from},
		To:                authstore.Authenticator{Seq: to},
		IncludeCheckpoint: includeCheckpoint,
	}
}

func TestChallengeCodec(t *testing.T) {
	priv := newKey(t)
	ch := auditor.Challenge{
		EvidenceSeq:       1_700_000_000_123,
		From:              signAt(t, priv, 1000),
		To:                signAt(t, priv, 2500),
		IncludeCheckpoint: true,
	}

	var buf bytes.Buffer
	require.NoError(t, writeChallenge(&buf, ch))
	got, err := readChallenge(&buf)
	require.NoError(t, err)
	assert.Equal(t, ch.EvidenceSeq, got.EvidenceSeq)
	assert.True(t, got.IncludeCheckpoint)
	assert.True(t, got.From.Equal(ch.From))
	assert.True(t, got.To.Equal(ch.To))
	assert.Zero(t, buf.Len())

	_, err = readChallenge(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestResponseStatus(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSnippetResponse(&buf, statusRateLimited, nil))
	_, err := readSnippetResponse(&buf)
	assert.ErrorIs(t, err, ErrRateLimited)

	buf.Reset()
	require.NoError(t, writeSnippetResponse(&buf, statusNotFound, nil))
	_, err = readSnippetResponse(&buf)
	assert.ErrorIs(t, err, ErrRejected)

	buf.Reset()
	require.NoError(t, writeAuthResponse(&buf, statusOK, nil))
	auths, err := readAuthResponse(&buf)
	require.NoError(t, err)
	assert.Empty(t, auths)
}

func TestServeRange(t *testing.T) {
	self, err := peer.IDFromPrivateKey(newKey(t))
	require.NoError(t, err)
	r := NewResponder(self, newLogStore(t, self), authstore.NewMemory(authstore.StoreOut), nil)

	tests := []struct {
		name string
		ch   auditor.Challenge
		want []uint64
		err  error
	}{
		{"rounds down and adds RECV follower", challenge(1500, 1500, false), []uint64{1000, 1001, 1500, 1999, 2000}, nil},
		{"extends to next boundary", challenge(2001, 2001, false), []uint64{2000, 2001, 2500}, nil},
		{"starts at preceding checkpoint", challenge(2500, 3000, true), []uint64{2000, 2001, 2500, 3000}, nil},
		{"INIT counts as checkpoint", challenge(600, 600, true), []uint64{500, 600}, nil},
		{"inverted", challenge(2000, 1000, false), nil, ErrBadRange},
		{"beyond top", challenge(2000, 4000, false), nil, ErrOutOfRange},
		{"below base", challenge(100, 1000, false), nil, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := r.Serve(tt.ch)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, seqsOf(s))
		})
	}
}

func TestServedSnippetChains(t *testing.T) {
	self, err := peer.IDFromPrivateKey(newKey(t))
	require.NoError(t, err)
	r := NewResponder(self, newLogStore(t, self), authstore.NewMemory(authstore.StoreOut), nil)

	full := ownLog(t)
	want := full.Chain()

	s, err := r.Serve(challenge(2001, 2500, false))
	require.NoError(t, err)
	got := s.Chain()
	assert.Equal(t, want[6], got[0], "served range must continue the full chain")
	assert.Equal(t, want[8], got[len(got)-1])
}

func TestAuthenticatorWindow(t *testing.T) {
	priv := newKey(t)
	self, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	out := authstore.NewMemory(authstore.StoreOut)
	for _, seq := range []uint64{1000, 2000, 3000} {
		require.NoError(t, out.Insert(self, signAt(t, priv, seq)))
	}
	r := NewResponder(self, nil, out, nil)

	tests := []struct {
		since uint64
		want  []uint64
	}{
		{100, []uint64{1000, 2000, 3000}},
		{2000, []uint64{2000, 3000}},
		{2500, []uint64{2000, 3000}},
		{9000, []uint64{3000}},
	}
	for _, tt := range tests {
		var got []uint64
		for _, a := range r.Authenticators(tt.since) {
			got = append(got, a.Seq)
		}
		assert.Equal(t, tt.want, got, "since %d", tt.since)
	}
}

func TestAuthenticatorWindowBounded(t *testing.T) {
	priv := newKey(t)
	self, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	out := authstore.NewMemory(authstore.StoreOut)
	for i := uint64(1); i <= maxAuthenticators+50; i++ {
		require.NoError(t, out.Insert(self, signAt(t, priv, i*1000)))
	}
	r := NewResponder(self, nil, out, nil)

	auths := r.Authenticators(500)
	require.Len(t, auths, maxAuthenticators)
	assert.Equal(t, uint64(1000), auths[0].Seq)
	assert.Equal(t, uint64((maxAuthenticators+50)*1000), auths[len(auths)-1].Seq)
}

type recorder struct {
	mu        sync.Mutex
	responses map[uint64][]byte
	auths     []authstore.Authenticator
}

func (r *recorder) HandleResponse(_ peer.ID, evidenceSeq uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[evidenceSeq] = data
}

func (r *recorder) AddAuthenticator(_ peer.ID, a authstore.Authenticator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auths = append(r.auths, a)
}

func TestExchangeOverStreams(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	t.Cleanup(func() { mn.Close() })
	witness, subject := mn.Hosts()[0], mn.Hosts()[1]

	priv := newKey(t)
	out := authstore.NewMemory(authstore.StoreOut)
	require.NoError(t, out.Insert(subject.ID(), signAt(t, priv, 2000)))
	require.NoError(t, out.Insert(subject.ID(), signAt(t, priv, 3000)))

	limiter := NewPeerRateLimiter(RateLimitConfig{PerSecond: 0.001, Burst: 3}, nil)
	t.Cleanup(limiter.Close)
	NewResponder(subject.ID(), newLogStore(t, subject.ID()), out, limiter).Register(subject)

	rec := &recorder{responses: make(map[uint64][]byte)}
	tr := NewTransport(witness, 5*time.Second)
	require.ErrorIs(t, tr.SendChallenge(context.Background(), subject.ID(), challenge(1, 2, false)), ErrNotAttached)
	tr.Attach(rec)

	ctx := context.Background()
	require.NoError(t, tr.SendChallenge(ctx, subject.ID(), challenge(2001, 2500, false)))
	tr.Wait()
	require.Contains(t, rec.responses, uint64(42))
	s, err := snippet.Decode(rec.responses[42])
	require.NoError(t, err)
	assert.Equal(t, []uint64{2000, 2001, 2500}, seqsOf(s))

	require.NoError(t, tr.RequestAuthenticators(ctx, subject.ID(), 2500))
	tr.Wait()
	require.Len(t, rec.auths, 2)
	assert.Equal(t, uint64(2000), rec.auths[0].Seq)
	assert.Equal(t, uint64(3000), rec.auths[1].Seq)

	// Out-of-range challenges get no response.
	oob := challenge(2000, 9000, false)
	oob.EvidenceSeq = 43
	require.NoError(t, tr.SendChallenge(ctx, subject.ID(), oob))
	tr.Wait()
	assert.NotContains(t, rec.responses, uint64(43))

	// The burst of three is spent.
	limited := challenge(2001, 2500, false)
	limited.EvidenceSeq = 44
	require.NoError(t, tr.SendChallenge(ctx, subject.ID(), limited))
	tr.Wait()
	assert.NotContains(t, rec.responses, uint64(44))
}
