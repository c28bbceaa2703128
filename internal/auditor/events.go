package auditor

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
	"github.com/spacedatanetwork/sdn-witness/internal/replay"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

// event is anything the loop reacts to.
type event interface{}

type auditCycleTick struct{}

type progressTick struct{}

type challengeResponse struct {
	from        peer.ID
	evidenceSeq uint64
	data        []byte
}

type replayCompleted struct {
	target      peer.ID
	evidenceSeq uint64
	// rng is the replayed range, starting at the checkpoint.
	rng    *snippet.LogSnippet
	result replay.Result
	err    error
}

type certificateArrived struct {
	id peer.ID
}

type investigateRequest struct {
	target peer.ID
	since  uint64
}

type authenticatorArrived struct {
	subject peer.ID
	auth    authstore.Authenticator
}

type intervalChanged struct {
	millis int64
}

type auditState int

const (
	// statePending waits for the challenge response.
	statePending auditState = iota
	// stateAwaitingCert holds a parked response until a certificate arrives.
	stateAwaitingCert
	// stateReplaying waits for the replay pool. Exempt from the deadline.
	stateReplaying
	// stateFiling holds evidence the sink has not accepted yet.
	stateFiling
)

func (s auditState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateAwaitingCert:
		return "awaiting-certificate"
	case stateReplaying:
		return "replaying"
	case stateFiling:
		return "filing"
	default:
		return "unknown"
	}
}

type activeAudit struct {
	target      peer.ID
	challenge   Challenge
	deadline    time.Time
	wantsReplay bool
	state       auditState

	// parked is a response waiting for the certificate of missing.
	parked  *snippet.LogSnippet
	missing peer.ID

	// late is set on an audit that already expired into NoResponse evidence
	// and is kept so a late answer can clear the suspicion.
	late bool
}

type activeInvestigation struct {
	target    peer.ID
	since     uint64
	authFrom  *authstore.Authenticator
	authTo    *authstore.Authenticator
	nextRetry time.Time
}

// pendingEvidence is evidence not yet accepted by the sink.
type pendingEvidence struct {
	ev      *evidence.Evidence
	filed   bool
	audit   *activeAudit
	outcome string
}

// Audit outcomes, used as metric labels.
const (
	outcomeVerified      = "verified"
	outcomeNoResponse    = "no_response"
	outcomeDivergence    = "divergence"
	outcomeNonconformant = "nonconformant"
	outcomeHistoryGap    = "history_gap"
	outcomeLocalError    = "local_error"
)
