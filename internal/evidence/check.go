package evidence

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

// Verdict is the outcome of screening a snippet before it is hashed.
type Verdict int

const (
	// Valid means every entry is well formed and every referenced certificate is known.
	Valid Verdict = iota
	// Invalid means the snippet can never be accepted.
	Invalid
	// CertMissing means the snippet names a peer whose certificate is not yet available.
	CertMissing
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case CertMissing:
		return "cert-missing"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// CertificateChecker reports whether the public key of a peer is locally available.
type CertificateChecker interface {
	HasCertificate(id peer.ID) bool
}

// CheckResult carries the verdict together with what caused it.
type CheckResult struct {
	Verdict Verdict
	// Missing is the peer whose certificate must be fetched when Verdict is CertMissing.
	Missing peer.ID
	// Seq is the entry that caused an Invalid or CertMissing verdict.
	Seq uint64
	// Reason describes an Invalid verdict.
	Reason error
}

// CheckSnippet screens the entries of s. Hashed entries must be of a hashable
// kind, RECV and ACK entries must parse and name a peer with a known
// certificate, and SIGN entries must hold at least a digest and a signature.
func CheckSnippet(s *snippet.LogSnippet, certs CertificateChecker) CheckResult {
	if len(s.Entries) == 0 {
		return CheckResult{Verdict: Invalid, Reason: snippet.ErrEmptySnippet}
	}

	for _, e := range s.Entries {
		if !e.Kind.Valid() {
			return invalid(e.Seq, fmt.Errorf("unknown entry kind %d", uint8(e.Kind)))
		}
		if e.Hashed {
			if !e.Kind.Hashable() {
				return invalid(e.Seq, fmt.Errorf("%s entry may not be hashed", e.Kind))
			}
			if len(e.Content) != snippet.HashSize {
				return invalid(e.Seq, fmt.Errorf("hashed entry has %d bytes", len(e.Content)))
			}
			continue
		}

		switch e.Kind {
		case snippet.KindRecv:
			r, err := snippet.ParseRecv(e.Content)
			if err != nil {
				return invalid(e.Seq, err)
			}
			if !certs.HasCertificate(r.Sender) {
				return CheckResult{Verdict: CertMissing, Missing: r.Sender, Seq: e.Seq}
			}
		case snippet.KindAck:
			a, err := snippet.ParseAck(e.Content)
			if err != nil {
				return invalid(e.Seq, err)
			}
			if !certs.HasCertificate(a.Remote) {
				return CheckResult{Verdict: CertMissing, Missing: a.Remote, Seq: e.Seq}
			}
		case snippet.KindSign:
			if _, err := snippet.ParseSign(e.Content); err != nil {
				return invalid(e.Seq, err)
			}
		}
	}

	return CheckResult{Verdict: Valid}
}

func invalid(seq uint64, reason error) CheckResult {
	return CheckResult{Verdict: Invalid, Seq: seq, Reason: reason}
}
