// Package auditor implements the witness side of accountability auditing.
//
// An Engine periodically challenges the subjects it witnesses for the log
// range between the last authenticator it checked and the newest one it holds,
// verifies the disclosed snippet against the subject's signed commitments,
// optionally replays it against a reference state machine and files evidence
// when the subject stays silent or is caught lying. All engine state is owned
// by the goroutine running Engine.Run; every other caller posts events.
package auditor

import (
	"context"
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

var (
	// ErrEvidenceSink is returned when evidence could not be filed or
	// broadcast. The evidence is kept and retried on every progress tick.
	ErrEvidenceSink = errors.New("evidence sink failure")
	ErrNoTransport  = errors.New("engine has no transport")
	ErrNoTrust      = errors.New("engine has no trust oracle")
	ErrNoSink       = errors.New("engine has no evidence sink")
	ErrNoStore      = errors.New("engine has no authenticator store")
)

// Challenge asks a subject to disclose its log between two authenticators it
// signed.
type Challenge struct {
	EvidenceSeq uint64
	From        authstore.Authenticator
	To          authstore.Authenticator
	// IncludeCheckpoint asks for the checkpoint preceding From, so a replica
	// started from this response can be replayed.
	IncludeCheckpoint bool
}

// Transport delivers challenges and authenticator requests. Both calls must
// return without waiting for the subject; responses come back through
// Engine.HandleResponse and Engine.AddAuthenticator.
type Transport interface {
	SendChallenge(ctx context.Context, target peer.ID, ch Challenge) error
	RequestAuthenticators(ctx context.Context, target peer.ID, since uint64) error
}

// TrustOracle decides which subjects are audited.
type TrustOracle interface {
	IsTrusted(id peer.ID) bool
	WitnessedSubjects() []peer.ID
}

// StatusRecorder is told about changes in a subject's accountability status.
type StatusRecorder interface {
	MarkTrusted(id peer.ID) error
	MarkSuspected(id peer.ID) error
	MarkExposed(id peer.ID) error
}

// EvidenceSink files evidence locally and forwards it to the subject's other
// witnesses.
type EvidenceSink interface {
	FileEvidence(ctx context.Context, e *evidence.Evidence) error
	BroadcastToWitnesses(ctx context.Context, e *evidence.Evidence) error
}

// CertificateStore resolves the keys of the peers named in a snippet. A
// requested certificate is reported through Engine.CertificateArrived.
type CertificateStore interface {
	HasCertificate(id peer.ID) bool
	RequestCertificate(ctx context.Context, id peer.ID)
	PubKey(id peer.ID) (crypto.PubKey, error)
}

// History is the local replica of audited logs.
type History interface {
	Append(subject peer.ID, s *snippet.LogSnippet) (int, error)
	FindLastEntry(subject peer.ID, kind snippet.EntryKind, maxSeq uint64) (snippet.LogEntry, bool, error)
	Snippet(subject peer.ID, from, to uint64) (*snippet.LogSnippet, error)
}

// LastCheckedStore persists the newest authenticator verified per subject.
type LastCheckedStore interface {
	SaveLastChecked(subject peer.ID, a authstore.Authenticator) error
	LoadLastChecked() (map[peer.ID]authstore.Authenticator, error)
}

// Config holds the engine's tunables.
type Config struct {
	// LogDownloadTimeout bounds the wait for a challenge response.
	LogDownloadTimeout time.Duration
	// AuditIntervalMillis is the mean period between audit cycles.
	AuditIntervalMillis int64
	// ReplayEnabled turns replay of verified ranges on.
	ReplayEnabled bool
	// ProgressInterval is the period of the progress tick while audits or
	// investigations are live.
	ProgressInterval time.Duration
	// InvestigationInterval is how often an investigation re-requests
	// authenticators from its target.
	InvestigationInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		LogDownloadTimeout:    30 * time.Second,
		AuditIntervalMillis:   60000,
		ReplayEnabled:         true,
		ProgressInterval:      5 * time.Second,
		InvestigationInterval: 10 * time.Second,
	}
}
