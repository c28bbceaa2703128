package auditor

import (
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
	"github.com/spacedatanetwork/sdn-witness/internal/history"
	"github.com/spacedatanetwork/sdn-witness/internal/metrics"
	"github.com/spacedatanetwork/sdn-witness/internal/peers"
	"github.com/spacedatanetwork/sdn-witness/internal/replay"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

type fakeTransport struct {
	mu           sync.Mutex
	challenges   map[peer.ID][]Challenge
	authRequests map[peer.ID][]uint64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		challenges:   make(map[peer.ID][]Challenge),
		authRequests: make(map[peer.ID][]uint64),
	}
}

func (f *fakeTransport) SendChallenge(_ context.Context, target peer.ID, ch Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges[target] = append(f.challenges[target], ch)
	return nil
}

func (f *fakeTransport) RequestAuthenticators(_ context.Context, target peer.ID, since uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authRequests[target] = append(f.authRequests[target], since)
	return nil
}

func (f *fakeTransport) sent(target peer.ID) []Challenge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Challenge{}, f.challenges[target]...)
}

func (f *fakeTransport) requests(target peer.ID) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64{}, f.authRequests[target]...)
}

type fakeTrust struct {
	witnessed []peer.ID
	trusted   map[peer.ID]bool
}

func (f *fakeTrust) IsTrusted(id peer.ID) bool     { return f.trusted[id] }
func (f *fakeTrust) WitnessedSubjects() []peer.ID { return f.witnessed }

type fakeStatus struct {
	marks map[peer.ID][]string
}

func (f *fakeStatus) mark(id peer.ID, s string) error {
	f.marks[id] = append(f.marks[id], s)
	return nil
}

func (f *fakeStatus) MarkTrusted(id peer.ID) error   { return f.mark(id, "trusted") }
func (f *fakeStatus) MarkSuspected(id peer.ID) error { return f.mark(id, "suspected") }
func (f *fakeStatus) MarkExposed(id peer.ID) error   { return f.mark(id, "exposed") }

type fakeSink struct {
	filed          []*evidence.Evidence
	broadcast      []*evidence.Evidence
	failFiles      int
	failBroadcasts int
}

func (f *fakeSink) FileEvidence(_ context.Context, e *evidence.Evidence) error {
	if f.failFiles > 0 {
		f.failFiles--
		return errors.New("disk full")
	}
	f.filed = append(f.filed, e)
	return nil
}

func (f *fakeSink) BroadcastToWitnesses(_ context.Context, e *evidence.Evidence) error {
	if f.failBroadcasts > 0 {
		f.failBroadcasts--
		return errors.New("no peers on topic")
	}
	f.broadcast = append(f.broadcast, e)
	return nil
}

type fakeCerts struct {
	missing   map[peer.ID]bool
	requested []peer.ID
}

func (f *fakeCerts) HasCertificate(id peer.ID) bool { return !f.missing[id] }

func (f *fakeCerts) RequestCertificate(_ context.Context, id peer.ID) {
	f.requested = append(f.requested, id)
}

func (f *fakeCerts) PubKey(id peer.ID) (crypto.PubKey, error) {
	return id.ExtractPublicKey()
}

type fakeReplayer struct {
	result replay.Result
	err    error
}

func (f *fakeReplayer) Replay(context.Context, peer.ID, snippet.LogEntry, []snippet.LogEntry) (replay.Result, error) {
	return f.result, f.err
}

type subject struct {
	id   peer.ID
	priv crypto.PrivKey
	pub  crypto.PubKey
}

func newSubject(t *testing.T) subject {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return subject{id: id, priv: priv, pub: pub}
}

func (s subject) sign(t *testing.T, seq uint64, hash snippet.Hash) authstore.Authenticator {
	t.Helper()
	a, err := authstore.Sign(s.priv, seq, hash)
	require.NoError(t, err)
	return a
}

// buildLog returns a log with one literal entry per seq, checkpoints at
// multiples of 1000, and the node hash after each entry.
func buildLog(seqs ...uint64) (*snippet.LogSnippet, map[uint64]snippet.Hash) {
	return buildLogFrom(snippet.ContentHash([]byte("base")), seqs...)
}

func buildLogFrom(base snippet.Hash, seqs ...uint64) (*snippet.LogSnippet, map[uint64]snippet.Hash) {
	s := &snippet.LogSnippet{BaseHash: base}
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

func encode(t *testing.T, s *snippet.LogSnippet) []byte {
	t.Helper()
	data, err := snippet.Encode(s)
	require.NoError(t, err)
	return data
}

type harness struct {
	e         *Engine
	clock     *clock.Mock
	transport *fakeTransport
	trust     *fakeTrust
	status    *fakeStatus
	sink      *fakeSink
	certs     *fakeCerts
	in        *authstore.Store
	hist      *history.Store
	metrics   *metrics.Metrics
}

func testConfig() Config {
	return Config{
		LogDownloadTimeout:    30 * time.Second,
		AuditIntervalMillis:   60000,
		ProgressInterval:      5 * time.Second,
		InvestigationInterval: 10 * time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, configure ...func(*Params)) *harness {
	t.Helper()
	hist, err := history.Open(filepath.Join(t.TempDir(), history.DBFile))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	h := &harness{
		clock:     clock.NewMock(),
		transport: newFakeTransport(),
		trust:     &fakeTrust{trusted: make(map[peer.ID]bool)},
		status:    &fakeStatus{marks: make(map[peer.ID][]string)},
		sink:      &fakeSink{},
		certs:     &fakeCerts{missing: make(map[peer.ID]bool)},
		in:        authstore.NewMemory(authstore.StoreIn),
		hist:      hist,
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	p := Params{
		Self:      newSubject(t).id,
		Clock:     h.clock,
		Transport: h.transport,
		Trust:     h.trust,
		Status:    h.status,
		Sink:      h.sink,
		Certs:     h.certs,
		History:   hist,
		In:        h.in,
		Cache:     authstore.NewCache(authstore.NewMemory(authstore.StoreCache), 1),
		Metrics:   h.metrics,
	}
	for _, fn := range configure {
		fn(&p)
	}
	h.e, err = New(cfg, p)
	require.NoError(t, err)
	return h
}

// witness makes s a trusted witnessed subject holding authenticators at seqs.
func (h *harness) witness(t *testing.T, s subject, hashes map[uint64]snippet.Hash, seqs ...uint64) {
	t.Helper()
	h.trust.witnessed = append(h.trust.witnessed, s.id)
	h.trust.trusted[s.id] = true
	for _, seq := range seqs {
		require.NoError(t, h.in.Insert(s.id, s.sign(t, seq, hashes[seq])))
	}
}

func (h *harness) dispatch(t *testing.T, ev event) {
	t.Helper()
	require.NoError(t, h.e.dispatch(context.Background(), ev))
}

func (h *harness) respond(t *testing.T, s subject, ch Challenge, data []byte) error {
	return h.e.dispatch(context.Background(), challengeResponse{from: s.id, evidenceSeq: ch.EvidenceSeq, data: data})
}

func TestNewRequiresCollaborators(t *testing.T) {
	in := authstore.NewMemory(authstore.StoreIn)
	_, err := New(testConfig(), Params{In: in, Trust: &fakeTrust{}, Sink: &fakeSink{}})
	assert.ErrorIs(t, err, ErrNoTransport)
	_, err = New(testConfig(), Params{In: in, Transport: newFakeTransport(), Sink: &fakeSink{}})
	assert.ErrorIs(t, err, ErrNoTrust)
	_, err = New(testConfig(), Params{In: in, Transport: newFakeTransport(), Trust: &fakeTrust{}})
	assert.ErrorIs(t, err, ErrNoSink)
	_, err = New(testConfig(), Params{Transport: newFakeTransport(), Trust: &fakeTrust{}, Sink: &fakeSink{}})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestAuditCycleTrustGating(t *testing.T) {
	h := newHarness(t, testConfig())
	trusted, untrusted := newSubject(t), newSubject(t)
	_, hashes := buildLog(1000, 1001, 1002)
	h.witness(t, trusted, hashes, 1000, 1002)
	h.witness(t, untrusted, hashes, 1000, 1002)
	h.trust.trusted[untrusted.id] = false

	h.dispatch(t, auditCycleTick{})

	require.Len(t, h.transport.sent(trusted.id), 1)
	assert.Empty(t, h.transport.sent(untrusted.id))
	assert.Empty(t, h.transport.requests(untrusted.id))
	assert.NotContains(t, h.e.audits, untrusted.id)

	ch := h.transport.sent(trusted.id)[0]
	assert.Equal(t, uint64(1000), ch.From.Seq)
	assert.Equal(t, uint64(1002), ch.To.Seq)
	assert.True(t, ch.IncludeCheckpoint, "first audit should ask for the preceding checkpoint")
	assert.Equal(t, []uint64{1002}, h.transport.requests(trusted.id))
}

func TestAuditCycleSkipsWithoutAuthenticators(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	h.witness(t, s, nil)

	h.dispatch(t, auditCycleTick{})
	assert.Empty(t, h.transport.sent(s.id))
	assert.Empty(t, h.e.audits)

	// Last checked past the newest held authenticator.
	_, hashes := buildLog(1000, 1001)
	require.NoError(t, h.in.Insert(s.id, s.sign(t, 1000, hashes[1000])))
	h.e.lastChecked[s.id] = s.sign(t, 1001, hashes[1001])
	h.dispatch(t, auditCycleTick{})
	assert.Empty(t, h.transport.sent(s.id))
}

func TestAuditCycleSingleFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	_, hashes := buildLog(1000, 1001, 1002)
	h.witness(t, s, hashes, 1000, 1002)

	h.dispatch(t, auditCycleTick{})
	first := h.e.audits[s.id]
	require.NotNil(t, first)

	h.dispatch(t, auditCycleTick{})
	h.dispatch(t, auditCycleTick{})

	assert.Len(t, h.transport.sent(s.id), 1)
	assert.Len(t, h.e.audits, 1)
	assert.Same(t, first, h.e.audits[s.id])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AuditsStarted))
}

func TestAuditVerified(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	log, hashes := buildLog(1000, 1001, 1002, 1003)
	h.witness(t, s, hashes, 1000, 1003)

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))

	assert.Empty(t, h.e.audits)
	assert.Empty(t, h.sink.filed)
	assert.Equal(t, ch.To, h.e.lastChecked[s.id])
	assert.Zero(t, h.in.Count(s.id), "verified authenticators should be flushed")

	top, hash, ok, err := h.hist.Top(s.id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1003), top)
	assert.Equal(t, hashes[1003], hash)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AuditsCompleted.WithLabelValues(outcomeVerified)))

	// The next cycle starts from the checked authenticator.
	_, nextHashes := buildLogFrom(hashes[1003], 1004, 2000)
	require.NoError(t, h.in.Insert(s.id, s.sign(t, 2000, nextHashes[2000])))
	h.dispatch(t, auditCycleTick{})
	sent := h.transport.sent(s.id)
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(1003), sent[1].From.Seq)
	assert.False(t, sent[1].IncludeCheckpoint)
}

func TestTimeoutEvidence(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	log, hashes := buildLog(1000, 1001, 1002)
	h.witness(t, s, hashes, 1000, 1002)

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]

	h.clock.Add(10 * time.Second)
	h.dispatch(t, progressTick{})
	assert.Empty(t, h.sink.filed, "deadline has not passed")

	h.clock.Add(25 * time.Second)
	h.dispatch(t, progressTick{})
	h.dispatch(t, progressTick{})

	require.Len(t, h.sink.filed, 1)
	ev := h.sink.filed[0]
	assert.Equal(t, evidence.KindNoResponse, ev.Kind)
	assert.Equal(t, ch.EvidenceSeq, ev.EvidenceSeq)
	assert.Equal(t, s.id, ev.Subject)
	assert.Len(t, h.sink.broadcast, 1)
	assert.Empty(t, h.e.audits)
	assert.Equal(t, []string{"suspected"}, h.status.marks[s.id])

	proof, err := ev.Proof()
	require.NoError(t, err)
	assert.NoError(t, proof.Check(s.pub))
	assert.Equal(t, evidence.FlagIncludeCheckpoint, proof.Flags&evidence.FlagIncludeCheckpoint)

	// A late answer to the same challenge clears the suspicion.
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))
	assert.Equal(t, []string{"suspected", "trusted"}, h.status.marks[s.id])
	assert.Equal(t, ch.To, h.e.lastChecked[s.id])
	assert.Empty(t, h.e.unanswered)
}

func TestMalformedResponseDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	log, hashes := buildLog(1000, 1001, 1002)
	h.witness(t, s, hashes, 1000, 1002)

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte{1, 2, 3}},
		{"short range", encode(t, &snippet.LogSnippet{BaseHash: log.BaseHash, Entries: log.Entries[:2]})},
		{"hashed RECV", encode(t, &snippet.LogSnippet{BaseHash: log.BaseHash, Entries: []snippet.LogEntry{
			log.Entries[0],
			{Kind: snippet.KindRecv, Seq: 1001, Hashed: true, Content: make([]byte, snippet.HashSize)},
			log.Entries[2],
		}})},
	}
	for _, tt := range tests {
		require.NoError(t, h.respond(t, s, ch, tt.data), tt.name)
		a := h.e.audits[s.id]
		require.NotNil(t, a, tt.name)
		assert.Equal(t, statePending, a.state, tt.name)
	}
	assert.Empty(t, h.sink.filed)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.MalformedResponses))

	// A response for another challenge is ignored.
	require.NoError(t, h.e.dispatch(context.Background(), challengeResponse{from: s.id, evidenceSeq: ch.EvidenceSeq + 1, data: encode(t, log)}))
	assert.NotNil(t, h.e.audits[s.id])

	// A well-formed retry before the deadline still completes the audit.
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))
	assert.Empty(t, h.e.audits)
	assert.Empty(t, h.sink.filed)
}

func TestDivergenceDetection(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	log, hashes := buildLog(4000, 4001, 5000, 5001, 6000)
	h.witness(t, s, hashes, 4000, 6000)
	forged := s.sign(t, 5000, snippet.ContentHash([]byte("forged")))
	require.NoError(t, h.in.Insert(s.id, forged))

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]
	require.Equal(t, uint64(6000), ch.To.Seq)
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))

	require.Len(t, h.sink.filed, 1)
	ev := h.sink.filed[0]
	assert.Equal(t, evidence.KindHashDivergence, ev.Kind)
	assert.Len(t, h.sink.broadcast, 1)
	assert.Empty(t, h.e.audits)
	assert.NotContains(t, h.e.lastChecked, s.id)
	assert.Equal(t, []string{"exposed"}, h.status.marks[s.id])

	proof, err := ev.Proof()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), proof.DivergingSeq)
	assert.True(t, proof.Authenticator.Equal(forged))
	require.NotNil(t, proof.Other)
	assert.True(t, proof.Other.Equal(ch.To), "the later commitment anchors the snippet")
	assert.NoError(t, proof.Check(s.pub))

	disclosed, err := snippet.Decode(proof.Snippet)
	require.NoError(t, err)
	assert.Equal(t, uint64(6000), disclosed.LastSeq(), "snippet should stop at the anchor")

	_, _, ok, err := h.hist.Top(s.id)
	require.NoError(t, err)
	assert.False(t, ok, "a divergent snippet must not enter the replica")
}

func TestDivergenceWithoutAnchorIsSilence(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	log, hashes := buildLog(4000, 4001, 5000)
	h.witness(t, s, hashes, 4000)
	require.NoError(t, h.in.Insert(s.id, s.sign(t, 5000, snippet.ContentHash([]byte("forged")))))

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]
	require.Equal(t, uint64(5000), ch.To.Seq)
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))

	assert.Empty(t, h.sink.filed, "nothing past the divergence binds the disclosed entries")
	require.NotNil(t, h.e.audits[s.id])
	assert.Equal(t, statePending, h.e.audits[s.id].state)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MalformedResponses))
	assert.Empty(t, h.status.marks[s.id])

	h.clock.Add(31 * time.Second)
	h.dispatch(t, progressTick{})
	require.Len(t, h.sink.filed, 1)
	assert.Equal(t, evidence.KindNoResponse, h.sink.filed[0].Kind)
	assert.Equal(t, []string{"suspected"}, h.status.marks[s.id])
}

func TestEvidenceSinkFailureRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sink.failFiles = 1
	s := newSubject(t)
	log, hashes := buildLog(4000, 4001, 5000, 6000)
	h.witness(t, s, hashes, 4000, 6000)
	require.NoError(t, h.in.Insert(s.id, s.sign(t, 5000, snippet.ContentHash([]byte("forged")))))

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]
	err := h.respond(t, s, ch, encode(t, log))
	require.ErrorIs(t, err, ErrEvidenceSink)

	a := h.e.audits[s.id]
	require.NotNil(t, a, "audit must be kept until the evidence is filed")
	assert.Equal(t, stateFiling, a.state)
	assert.Empty(t, h.sink.filed)

	// Past the deadline: the held audit must not turn into NoResponse.
	h.clock.Add(time.Minute)
	h.sink.failBroadcasts = 1
	assert.ErrorIs(t, h.e.dispatch(context.Background(), progressTick{}), ErrEvidenceSink)
	require.Len(t, h.sink.filed, 1)
	assert.Empty(t, h.sink.broadcast)

	h.dispatch(t, progressTick{})
	require.Len(t, h.sink.filed, 1, "filed evidence is not filed twice")
	assert.Equal(t, evidence.KindHashDivergence, h.sink.filed[0].Kind)
	assert.Len(t, h.sink.broadcast, 1)
	assert.Empty(t, h.e.audits)
	assert.Empty(t, h.e.pending)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.EvidenceRetries))
}

func TestTimeoutSinkFailureReported(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sink.failFiles = 1
	s := newSubject(t)
	_, hashes := buildLog(1000, 1001, 1002)
	h.witness(t, s, hashes, 1000, 1002)

	h.dispatch(t, auditCycleTick{})
	h.clock.Add(31 * time.Second)
	assert.ErrorIs(t, h.e.dispatch(context.Background(), progressTick{}), ErrEvidenceSink)
	assert.Empty(t, h.sink.filed)
	require.Len(t, h.e.pending, 1)

	h.dispatch(t, progressTick{})
	require.Len(t, h.sink.filed, 1)
	assert.Equal(t, evidence.KindNoResponse, h.sink.filed[0].Kind)
	assert.Empty(t, h.e.pending)
}

func TestSuspectedSubjectNotChallengedAgain(t *testing.T) {
	registry := peers.NewRegistry(false, nil)
	h := newHarness(t, testConfig(), func(p *Params) {
		p.Trust = registry
		p.Status = registry
	})
	s := newSubject(t)
	log, hashes := buildLog(1000, 1001, 1002)
	require.NoError(t, registry.Witness(s.id))
	for _, seq := range []uint64{1000, 1002} {
		require.NoError(t, h.in.Insert(s.id, s.sign(t, seq, hashes[seq])))
	}

	h.dispatch(t, auditCycleTick{})
	require.Len(t, h.transport.sent(s.id), 1)
	ch := h.transport.sent(s.id)[0]

	h.clock.Add(31 * time.Second)
	h.dispatch(t, progressTick{})
	require.Len(t, h.sink.filed, 1)
	assert.Equal(t, peers.StatusSuspected, registry.Status(s.id))

	for round := 0; round < 3; round++ {
		h.dispatch(t, auditCycleTick{})
		h.clock.Add(31 * time.Second)
		h.dispatch(t, progressTick{})
	}
	assert.Len(t, h.transport.sent(s.id), 1, "a suspected subject is not challenged again")
	assert.Len(t, h.sink.filed, 1, "no fresh NoResponse evidence while suspected")
	assert.Empty(t, h.e.audits)

	// Answering the open challenge clears the suspicion and audits resume.
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))
	assert.Equal(t, peers.StatusTrusted, registry.Status(s.id))

	_, more := buildLogFrom(hashes[1002], 1003, 2000)
	require.NoError(t, h.in.Insert(s.id, s.sign(t, 2000, more[2000])))
	h.dispatch(t, auditCycleTick{})
	assert.Len(t, h.transport.sent(s.id), 2)
}

func TestHistoryGapIsLocal(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	log, hashes := buildLog(1000, 1001, 1002, 1003)
	h.witness(t, s, hashes, 1000, 1003)

	fork, _ := buildLogFrom(snippet.ContentHash([]byte("fork")), 1000, 1001)
	_, err := h.hist.Append(s.id, fork)
	require.NoError(t, err)

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))

	assert.Empty(t, h.sink.filed, "a local gap is never blamed on the subject")
	assert.Empty(t, h.e.audits)
	assert.NotContains(t, h.e.lastChecked, s.id)
	assert.Empty(t, h.status.marks[s.id])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.HistoryGaps))
}

func TestCertificateMissing(t *testing.T) {
	h := newHarness(t, testConfig())
	s, sender := newSubject(t), newSubject(t)
	recv := &snippet.Recv{Sender: sender.id, SenderSeq: 7, Signature: []byte{1}, Payload: []byte("hello")}
	log := &snippet.LogSnippet{BaseHash: snippet.ContentHash([]byte("base")), Entries: []snippet.LogEntry{
		{Kind: snippet.KindCheckpoint, Seq: 1000, Content: []byte("state")},
		{Kind: snippet.KindRecv, Seq: 1001, Content: recv.Marshal()},
		{Kind: snippet.KindSend, Seq: 1002, Content: []byte("reply")},
	}}
	chain := log.Chain()
	h.witness(t, s, map[uint64]snippet.Hash{1000: chain[0], 1002: chain[2]}, 1000, 1002)
	h.certs.missing[sender.id] = true

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))

	assert.Equal(t, []peer.ID{sender.id}, h.certs.requested)
	require.NotNil(t, h.e.audits[s.id])
	assert.Equal(t, stateAwaitingCert, h.e.audits[s.id].state)

	// An unrelated certificate changes nothing.
	h.dispatch(t, certificateArrived{id: s.id})
	require.NotNil(t, h.e.audits[s.id])

	delete(h.certs.missing, sender.id)
	h.dispatch(t, certificateArrived{id: sender.id})
	assert.Empty(t, h.e.audits)
	assert.Equal(t, ch.To, h.e.lastChecked[s.id])
	assert.Empty(t, h.sink.filed)
}

func TestCertificateNeverArrives(t *testing.T) {
	h := newHarness(t, testConfig())
	s, sender := newSubject(t), newSubject(t)
	recv := &snippet.Recv{Sender: sender.id, Signature: []byte{1}}
	log := &snippet.LogSnippet{Entries: []snippet.LogEntry{
		{Kind: snippet.KindCheckpoint, Seq: 1000, Content: []byte("state")},
		{Kind: snippet.KindRecv, Seq: 1001, Content: recv.Marshal()},
	}}
	chain := log.Chain()
	h.witness(t, s, map[uint64]snippet.Hash{1000: chain[0], 1001: chain[1]}, 1000, 1001)
	h.certs.missing[sender.id] = true

	h.dispatch(t, auditCycleTick{})
	require.NoError(t, h.respond(t, s, h.transport.sent(s.id)[0], encode(t, log)))

	h.clock.Add(31 * time.Second)
	h.dispatch(t, progressTick{})
	require.Len(t, h.sink.filed, 1)
	assert.Equal(t, evidence.KindNoResponse, h.sink.filed[0].Kind)
}

func replayHarness(t *testing.T, r *fakeReplayer) *harness {
	cfg := testConfig()
	cfg.ReplayEnabled = true
	pool := replay.NewPool(1, time.Second)
	t.Cleanup(pool.Close)
	return newHarness(t, cfg, func(p *Params) {
		p.Replayer = r
		p.Pool = pool
	})
}

// nextEvent waits for an event posted from outside the loop.
func nextEvent(t *testing.T, e *Engine) event {
	t.Helper()
	select {
	case ev := <-e.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event posted")
		return nil
	}
}

func TestReplayNonconformant(t *testing.T) {
	h := replayHarness(t, &fakeReplayer{result: replay.Result{DivergingSeq: 1002}})
	s := newSubject(t)
	log, hashes := buildLog(1000, 1001, 1002, 1003)
	h.witness(t, s, hashes, 1000, 1003)

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))

	a := h.e.audits[s.id]
	require.NotNil(t, a)
	assert.Equal(t, stateReplaying, a.state)

	// Replaying audits are exempt from the deadline.
	h.clock.Add(time.Minute)
	h.dispatch(t, progressTick{})
	assert.Empty(t, h.sink.filed)

	ev := nextEvent(t, h.e)
	require.IsType(t, replayCompleted{}, ev)
	h.dispatch(t, ev)

	require.Len(t, h.sink.filed, 1)
	filed := h.sink.filed[0]
	assert.Equal(t, evidence.KindNonconformant, filed.Kind)
	assert.Empty(t, h.e.audits)
	assert.NotContains(t, h.e.lastChecked, s.id)

	proof, err := filed.Proof()
	require.NoError(t, err)
	assert.Equal(t, uint64(1002), proof.DivergingSeq)
	assert.Equal(t, uint64(1000), proof.FromSeq)
	assert.NoError(t, proof.Check(s.pub))
}

func TestReplayAgrees(t *testing.T) {
	h := replayHarness(t, &fakeReplayer{result: replay.Result{Agree: true}})
	s := newSubject(t)
	log, hashes := buildLog(1000, 1001, 1002)
	h.witness(t, s, hashes, 1000, 1002)

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))
	h.dispatch(t, nextEvent(t, h.e))

	assert.Empty(t, h.sink.filed)
	assert.Empty(t, h.e.audits)
	assert.Equal(t, ch.To, h.e.lastChecked[s.id])
}

func TestReplayVerdictOutsideRange(t *testing.T) {
	h := replayHarness(t, &fakeReplayer{result: replay.Result{DivergingSeq: 5}})
	s := newSubject(t)
	log, hashes := buildLog(1000, 1001, 1002)
	h.witness(t, s, hashes, 1000, 1002)

	h.dispatch(t, auditCycleTick{})
	ch := h.transport.sent(s.id)[0]
	require.NoError(t, h.respond(t, s, ch, encode(t, log)))
	h.dispatch(t, nextEvent(t, h.e))

	assert.Empty(t, h.sink.filed)
	assert.Empty(t, h.e.audits)
	assert.NotContains(t, h.e.lastChecked, s.id, "an unusable verdict does not count as a check")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AuditsCompleted.WithLabelValues(outcomeLocalError)))
	assert.Zero(t, testutil.ToFloat64(h.metrics.AuditsCompleted.WithLabelValues(outcomeVerified)))
}

func TestInvestigationPromotion(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	_, hashes := buildLog(7000, 7400, 7500, 8000)
	h.trust.trusted[s.id] = true
	for _, seq := range []uint64{7000, 7400} {
		require.NoError(t, h.in.Insert(s.id, s.sign(t, seq, hashes[seq])))
	}

	h.dispatch(t, investigateRequest{target: s.id, since: 9000})
	h.dispatch(t, investigateRequest{target: s.id, since: 7500})
	require.Contains(t, h.e.investigations, s.id)
	assert.Equal(t, uint64(7500), h.e.investigations[s.id].since, "an update keeps the smaller since")
	assert.Equal(t, []uint64{9000}, h.transport.requests(s.id))

	// Nothing above 7500 yet.
	h.dispatch(t, progressTick{})
	assert.Empty(t, h.transport.sent(s.id))
	assert.Contains(t, h.e.investigations, s.id)

	h.clock.Add(10 * time.Second)
	h.dispatch(t, progressTick{})
	assert.Equal(t, []uint64{9000, 7500}, h.transport.requests(s.id), "request is retransmitted")

	require.NoError(t, h.in.Insert(s.id, s.sign(t, 8000, hashes[8000])))
	h.dispatch(t, progressTick{})

	sent := h.transport.sent(s.id)
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(7400), sent[0].From.Seq)
	assert.Equal(t, uint64(8000), sent[0].To.Seq)
	assert.LessOrEqual(t, sent[0].From.Seq, uint64(7500))
	assert.Greater(t, sent[0].To.Seq, uint64(7500))
	assert.Empty(t, h.e.investigations)
	require.NotNil(t, h.e.audits[s.id])
	assert.False(t, h.e.audits[s.id].wantsReplay)
}

func TestInvestigationOfUntrustedSubjectDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	_, hashes := buildLog(7000, 8000)
	for _, seq := range []uint64{7000, 8000} {
		require.NoError(t, h.in.Insert(s.id, s.sign(t, seq, hashes[seq])))
	}

	h.dispatch(t, investigateRequest{target: s.id, since: 7500})
	h.dispatch(t, progressTick{})
	assert.Empty(t, h.transport.sent(s.id))
	assert.Empty(t, h.e.investigations)
}

func TestAddAuthenticatorConflict(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	first := s.sign(t, 3000, snippet.ContentHash([]byte("one")))
	second := s.sign(t, 3000, snippet.ContentHash([]byte("two")))

	h.dispatch(t, authenticatorArrived{subject: s.id, auth: first})
	h.dispatch(t, authenticatorArrived{subject: s.id, auth: first})
	assert.Equal(t, 1, h.in.Count(s.id))
	assert.Empty(t, h.sink.filed)

	forged := first
	forged.Seq = 4000
	h.dispatch(t, authenticatorArrived{subject: s.id, auth: forged})
	assert.Equal(t, 1, h.in.Count(s.id), "bad signature must be dropped")

	h.dispatch(t, authenticatorArrived{subject: s.id, auth: second})
	require.Len(t, h.sink.filed, 1)
	ev := h.sink.filed[0]
	assert.Equal(t, evidence.KindInconsistent, ev.Kind)
	assert.Equal(t, []string{"exposed"}, h.status.marks[s.id])

	proof, err := ev.Proof()
	require.NoError(t, err)
	require.NotNil(t, proof.Other)
	assert.NoError(t, proof.Check(s.pub))
}

func TestSeqGenerator(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(5000))
	g := seqGenerator{clock: mock}

	assert.Equal(t, uint64(5000), g.next())
	assert.Equal(t, uint64(5001), g.next())
	mock.Add(time.Second)
	assert.Equal(t, uint64(6000), g.next())
}

func TestRunSchedulesAudits(t *testing.T) {
	h := newHarness(t, testConfig())
	s := newSubject(t)
	_, hashes := buildLog(1000, 1001)
	h.witness(t, s, hashes, 1000, 1001)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	// The first cycle fires within one and a half intervals.
	require.Eventually(t, func() bool {
		h.clock.Add(5 * time.Second)
		return len(h.transport.sent(s.id)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.e.SetAuditInterval(1000)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	// Posting after the loop exited must not block.
	h.e.Investigate(s.id, 1)
}
