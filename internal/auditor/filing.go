package auditor

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
)

// fileProof wraps p into evidence with a fresh seq and delivers it. When a is
// non-nil the audit ends once the evidence is delivered.
func (e *Engine) fileProof(ctx context.Context, a *activeAudit, p *evidence.Proof, outcome string) error {
	ev, err := evidence.New(e.p.Self, e.seq.next(), p)
	if err != nil {
		if a != nil {
			e.terminate(a, outcomeLocalError)
		}
		return fmt.Errorf("failed to build %s evidence: %w", p.Kind, err)
	}
	return e.deliver(ctx, &pendingEvidence{ev: ev, audit: a, outcome: outcome})
}

// deliver files and broadcasts pe. On failure pe is queued for the next
// progress tick and its audit, if any, is held.
func (e *Engine) deliver(ctx context.Context, pe *pendingEvidence) error {
	if !pe.filed {
		if err := e.p.Sink.FileEvidence(ctx, pe.ev); err != nil {
			return e.hold(pe, err)
		}
		pe.filed = true
		e.recordFiled(pe.ev)
	}
	if err := e.p.Sink.BroadcastToWitnesses(ctx, pe.ev); err != nil {
		return e.hold(pe, err)
	}
	if pe.audit != nil {
		e.terminate(pe.audit, pe.outcome)
	}
	return nil
}

func (e *Engine) hold(pe *pendingEvidence, cause error) error {
	if pe.audit != nil {
		pe.audit.state = stateFiling
	}
	e.pending = append(e.pending, pe)
	return fmt.Errorf("%w: %s against %s: %w", ErrEvidenceSink, pe.ev.Kind, pe.ev.Subject.ShortString(), cause)
}

// retryPending redelivers the evidence the sink refused so far.
func (e *Engine) retryPending(ctx context.Context) error {
	queue := e.pending
	e.pending = nil

	var errs []error
	for _, pe := range queue {
		e.m.EvidenceRetries.Inc()
		if err := e.deliver(ctx, pe); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recordFiled reports filed evidence to the operator and updates the
// subject's status.
func (e *Engine) recordFiled(ev *evidence.Evidence) {
	e.m.EvidenceFiled.WithLabelValues(ev.Kind.String()).Inc()
	e.zlog.Warn("evidence filed",
		zap.Stringer("kind", ev.Kind),
		zap.Stringer("subject", ev.Subject),
		zap.Uint64("evidence_seq", ev.EvidenceSeq),
		zap.String("id", ev.ID),
		zap.Stringer("cid", ev.CID),
	)

	if e.p.Status == nil {
		return
	}
	var err error
	switch {
	case ev.Kind.Blames():
		err = e.p.Status.MarkExposed(ev.Subject)
	case ev.Kind == evidence.KindNoResponse:
		err = e.p.Status.MarkSuspected(ev.Subject)
	}
	if err != nil {
		log.Warnf("Failed to update status of %s: %v", ev.Subject.ShortString(), err)
	}
}

func (e *Engine) pubKey(id peer.ID) (crypto.PubKey, error) {
	if e.p.Certs != nil {
		return e.p.Certs.PubKey(id)
	}
	return id.ExtractPublicKey()
}

// addAuthenticator stores a signed commitment from subject. A different
// commitment already held for the same seq is proof of a forked log.
func (e *Engine) addAuthenticator(ctx context.Context, subject peer.ID, a authstore.Authenticator) error {
	pub, err := e.pubKey(subject)
	if err != nil {
		log.Debugf("No key for %s; dropping authenticator %d: %v", subject.ShortString(), a.Seq, err)
		return nil
	}
	if err := a.Verify(pub); err != nil {
		log.Debugf("Dropping authenticator %d from %s: %v", a.Seq, subject.ShortString(), err)
		return nil
	}
	if last, ok := e.lastChecked[subject]; ok && a.Seq <= last.Seq {
		log.Debugf("Authenticator %d of %s is already covered by an audit", a.Seq, subject.ShortString())
		return nil
	}

	err = e.p.In.Insert(subject, a)
	var conflict *authstore.ConflictError
	switch {
	case err == nil:
		e.m.AuthenticatorsAdded.Inc()
		return nil
	case errors.As(err, &conflict):
		log.Warnf("Subject %s signed two authenticators for seq %d", subject.ShortString(), a.Seq)
		incoming := conflict.Incoming
		return e.fileProof(ctx, nil, &evidence.Proof{
			Kind:          evidence.KindInconsistent,
			Subject:       subject,
			Authenticator: conflict.Existing,
			Other:         &incoming,
			FromSeq:       a.Seq,
			ToSeq:         a.Seq,
		}, "")
	default:
		return fmt.Errorf("failed to store authenticator %d of %s: %w", a.Seq, subject.ShortString(), err)
	}
}
