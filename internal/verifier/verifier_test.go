package verifier

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

func newSubject(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

// buildLog returns a snippet with one literal entry per seq and the node hash
// after each entry.
func buildLog(seqs ...uint64) (*snippet.LogSnippet, map[uint64]snippet.Hash) {
	s := &snippet.LogSnippet{BaseHash: snippet.ContentHash([]byte("base"))}
	for _, seq := range seqs {
		kind := snippet.KindSend
		if seq%snippet.SeqGranularity == 0 {
			kind = snippet.KindCheckpoint
		}
		s.Entries = append(s.Entries, snippet.LogEntry{Kind: kind, Seq: seq, Content: []byte{byte(seq), byte(seq >> 8)}})
	}
	hashes := make(map[uint64]snippet.Hash)
	for i, h := range s.Chain() {
		hashes[s.Entries[i].Seq] = h
	}
	return s, hashes
}

func TestVerifySuccessFlushesAndCaches(t *testing.T) {
	subject := newSubject(t)
	s, hashes := buildLog(1000, 1001, 1002, 2000, 2001, 3000)

	in := authstore.NewMemory(authstore.StoreIn)
	for _, seq := range []uint64{1000, 2000, 3000} {
		require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: seq, Hash: hashes[seq]}))
	}
	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 4000, Hash: snippet.ContentHash([]byte("later"))}))
	cache := authstore.NewCache(authstore.NewMemory(authstore.StoreCache), 1)

	res, err := Verify(s, subject, in, 1000, 3000, cache)
	require.NoError(t, err)
	require.True(t, res.Verified())
	assert.Equal(t, uint64(3000), res.NewestSeq)
	assert.Equal(t, 3, res.Matched)
	assert.Len(t, res.Hashes, len(s.Entries))

	remaining := in.Range(subject, 0, 1<<62)
	require.Len(t, remaining, 1)
	assert.Equal(t, uint64(4000), remaining[0].Seq)
	assert.Equal(t, 3, cache.Store().Count(subject))
}

func TestVerifyDivergenceAt5000(t *testing.T) {
	subject := newSubject(t)
	s, hashes := buildLog(4998, 4999, 5000, 5001, 5002)

	in := authstore.NewMemory(authstore.StoreIn)
	signed := snippet.ContentHash([]byte("what the subject signed"))
	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 5000, Hash: signed}))
	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 5002, Hash: hashes[5002]}))

	res, err := Verify(s, subject, in, 4998, 5002, nil)
	require.NoError(t, err)
	require.False(t, res.Verified())

	d := res.Divergence
	assert.Equal(t, uint64(5000), d.Seq)
	assert.Equal(t, signed, d.Expected)
	assert.Equal(t, hashes[5000], d.Computed)
	assert.False(t, d.Hidden)
	assert.Equal(t, 3, d.Prefix)
	assert.Len(t, res.Hashes, 3, "entries after the divergence must not be processed")

	assert.Equal(t, 2, in.Count(subject), "store must not be flushed on divergence")
}

func TestVerifyHiddenAuthenticator(t *testing.T) {
	subject := newSubject(t)
	s, hashes := buildLog(1000, 1001, 1003, 2000)

	in := authstore.NewMemory(authstore.StoreIn)
	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 1000, Hash: hashes[1000]}))
	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 1002, Hash: snippet.ContentHash([]byte("x"))}))
	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 2000, Hash: hashes[2000]}))

	res, err := Verify(s, subject, in, 1000, 2000, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Divergence)
	assert.True(t, res.Divergence.Hidden)
	assert.Equal(t, uint64(1002), res.Divergence.Seq)
	assert.Equal(t, 3, res.Divergence.Prefix)
}

func TestVerifyRangeNotCovered(t *testing.T) {
	subject := newSubject(t)
	s, _ := buildLog(2000, 2001, 2002)
	in := authstore.NewMemory(authstore.StoreIn)

	_, err := Verify(s, subject, in, 1000, 2002, nil)
	assert.ErrorIs(t, err, ErrRangeNotCovered)

	_, err = Verify(s, subject, in, 2000, 3000, nil)
	assert.ErrorIs(t, err, ErrRangeNotCovered)

	_, err = Verify(&snippet.LogSnippet{}, subject, in, 0, 0, nil)
	assert.ErrorIs(t, err, snippet.ErrEmptySnippet)
}

func TestVerifyDeterministic(t *testing.T) {
	subject := newSubject(t)
	s, hashes := buildLog(1000, 1001, 1002, 1003)

	run := func() *Result {
		in := authstore.NewMemory(authstore.StoreIn)
		require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 1003, Hash: hashes[1003]}))
		res, err := Verify(s, subject, in, 1000, 1003, nil)
		require.NoError(t, err)
		return res
	}

	first, second := run(), run()
	assert.Equal(t, first.Hashes, second.Hashes)
	assert.Equal(t, first.Verified(), second.Verified())
	assert.Equal(t, s.Chain(), first.Hashes)
}

func TestAnchorNeedsLaterCommitment(t *testing.T) {
	subject := newSubject(t)
	s, hashes := buildLog(4000, 4001, 5000, 5001, 6000, 6001)

	in := authstore.NewMemory(authstore.StoreIn)
	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 4000, Hash: hashes[4000]}))
	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 5000, Hash: snippet.ContentHash([]byte("forged"))}))

	res, err := Verify(s, subject, in, 4000, 5000, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Divergence)

	_, _, ok := Anchor(s, subject, in, res.Divergence)
	assert.False(t, ok, "an earlier match does not bind the diverging entry")

	// A commitment the snippet does not reproduce is no anchor either.
	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 6001, Hash: snippet.ContentHash([]byte("elsewhere"))}))
	_, _, ok = Anchor(s, subject, in, res.Divergence)
	assert.False(t, ok)

	require.NoError(t, in.Insert(subject, authstore.Authenticator{Seq: 6000, Hash: hashes[6000]}))
	anchor, n, ok := Anchor(s, subject, in, res.Divergence)
	require.True(t, ok)
	assert.Equal(t, uint64(6000), anchor.Seq)
	assert.Equal(t, 5, n)
}
