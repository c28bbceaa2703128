package auditor

import (
	"context"
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
	"github.com/spacedatanetwork/sdn-witness/internal/history"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
	"github.com/spacedatanetwork/sdn-witness/internal/verifier"
)

// startAudits challenges every trusted witnessed subject that is not being
// audited already, and asks each for authenticators newer than the ones held.
func (e *Engine) startAudits(ctx context.Context) {
	for _, subject := range e.p.Trust.WitnessedSubjects() {
		if !e.p.Trust.IsTrusted(subject) {
			log.Debugf("Subject %s is not trusted; skipping audit", subject.ShortString())
			continue
		}

		if err := e.p.Transport.RequestAuthenticators(ctx, subject, e.newestKnown(subject)); err != nil {
			log.Debugf("Failed to request authenticators from %s: %v", subject.ShortString(), err)
		}

		if _, busy := e.audits[subject]; busy {
			log.Debugf("Subject %s is already being audited; skipping", subject.ShortString())
			continue
		}

		authFrom, ok := e.lastChecked[subject]
		includeCheckpoint := false
		if !ok {
			if authFrom, ok = e.p.In.Oldest(subject); !ok {
				log.Debugf("No authenticators for %s; skipping audit", subject.ShortString())
				continue
			}
			includeCheckpoint = true
		}
		authTo, ok := e.p.In.MostRecent(subject)
		if !ok {
			log.Debugf("No recent authenticator for %s; skipping audit", subject.ShortString())
			continue
		}
		if authFrom.Seq > authTo.Seq {
			log.Debugf("Last checked %d is past newest %d for %s; skipping audit", authFrom.Seq, authTo.Seq, subject.ShortString())
			continue
		}

		e.beginAudit(ctx, subject, authFrom, authTo, includeCheckpoint, true)
	}
}

// newestKnown is the highest authenticator seq held or verified for subject.
func (e *Engine) newestKnown(subject peer.ID) uint64 {
	var seq uint64
	if a, ok := e.p.In.MostRecent(subject); ok {
		seq = a.Seq
	}
	if a, ok := e.lastChecked[subject]; ok && a.Seq > seq {
		seq = a.Seq
	}
	return seq
}

func (e *Engine) beginAudit(ctx context.Context, target peer.ID, authFrom, authTo authstore.Authenticator, includeCheckpoint, wantsReplay bool) {
	ch := Challenge{
		EvidenceSeq:       e.seq.next(),
		From:              authFrom,
		To:                authTo,
		IncludeCheckpoint: includeCheckpoint,
	}
	a := &activeAudit{
		target:      target,
		challenge:   ch,
		deadline:    e.clock.Now().Add(e.cfg.LogDownloadTimeout),
		wantsReplay: wantsReplay,
	}
	e.audits[target] = a
	e.m.AuditsStarted.Inc()

	log.Debugf("Sending audit challenge to %s (range %d-%d, eseq %d)", target.ShortString(), authFrom.Seq, authTo.Seq, ch.EvidenceSeq)
	if err := e.p.Transport.SendChallenge(ctx, target, ch); err != nil {
		// The deadline still applies; an unreachable subject is a silent one.
		log.Debugf("Failed to send challenge to %s: %v", target.ShortString(), err)
	}
}

// terminate forgets an audit.
func (e *Engine) terminate(a *activeAudit, outcome string) {
	if e.audits[a.target] == a {
		delete(e.audits, a.target)
	}
	if e.unanswered[a.target] == a {
		delete(e.unanswered, a.target)
	}
	e.m.AuditsCompleted.WithLabelValues(outcome).Inc()
}

// makeProgress handles a progress tick. Evidence the sink refused is retried
// before anything new is filed; every sink failure is returned.
func (e *Engine) makeProgress(ctx context.Context) error {
	now := e.clock.Now()
	errs := []error{e.retryPending(ctx)}

	for _, a := range e.audits {
		if a.state == stateReplaying || a.state == stateFiling || now.Before(a.deadline) {
			continue
		}
		errs = append(errs, e.expire(ctx, a))
	}

	e.progressInvestigations(ctx, now)
	return errors.Join(errs...)
}

// expire files NoResponse evidence for an audit past its deadline. The
// challenge itself is the payload.
func (e *Engine) expire(ctx context.Context, a *activeAudit) error {
	ch := a.challenge
	log.Warnf("No response from %s to audit %d; filing as evidence", a.target.ShortString(), ch.EvidenceSeq)

	from := ch.From
	p := &evidence.Proof{
		Kind:          evidence.KindNoResponse,
		Subject:       a.target,
		Authenticator: ch.To,
		Other:         &from,
		FromSeq:       ch.From.Seq,
		ToSeq:         ch.To.Seq,
	}
	if ch.IncludeCheckpoint {
		p.Flags |= evidence.FlagIncludeCheckpoint
	}

	delete(e.audits, a.target)
	e.m.AuditsCompleted.WithLabelValues(outcomeNoResponse).Inc()

	// The subject may still answer; keep the challenge so it can clear itself.
	late := *a
	late.late = true
	late.state = statePending
	late.parked = nil
	e.unanswered[a.target] = &late

	ev, err := evidence.New(e.p.Self, ch.EvidenceSeq, p)
	if err != nil {
		log.Errorf("Failed to build NoResponse evidence for %s: %v", a.target.ShortString(), err)
		return nil
	}
	return e.deliver(ctx, &pendingEvidence{ev: ev})
}

// findAudit returns the live or late audit that evidenceSeq answers.
func (e *Engine) findAudit(from peer.ID, evidenceSeq uint64) *activeAudit {
	if a, ok := e.audits[from]; ok && a.challenge.EvidenceSeq == evidenceSeq {
		return a
	}
	if a, ok := e.unanswered[from]; ok && a.challenge.EvidenceSeq == evidenceSeq {
		return a
	}
	return nil
}

func (e *Engine) processResponse(ctx context.Context, r challengeResponse) error {
	a := e.findAudit(r.from, r.evidenceSeq)
	if a == nil {
		log.Debugf("Unexpected response from %s (eseq %d); discarding", r.from.ShortString(), r.evidenceSeq)
		return nil
	}
	if a.state != statePending {
		log.Debugf("Audit of %s is %s; discarding duplicate response", r.from.ShortString(), a.state)
		return nil
	}

	s, err := snippet.Decode(r.data)
	if err != nil {
		e.m.MalformedResponses.Inc()
		log.Debugf("Malformed response from %s: %v", r.from.ShortString(), err)
		return nil
	}
	return e.validate(ctx, a, s)
}

// validate screens a decoded response before any hashing.
func (e *Engine) validate(ctx context.Context, a *activeAudit, s *snippet.LogSnippet) error {
	var certs evidence.CertificateChecker = knownCertificates{}
	if e.p.Certs != nil {
		certs = e.p.Certs
	}

	res := evidence.CheckSnippet(s, certs)
	switch res.Verdict {
	case evidence.Invalid:
		e.m.MalformedResponses.Inc()
		log.Debugf("Invalid response from %s at seq %d: %v", a.target.ShortString(), res.Seq, res.Reason)
		a.state = statePending
		a.parked = nil
		return nil

	case evidence.CertMissing:
		log.Debugf("Response from %s needs the certificate of %s", a.target.ShortString(), res.Missing.ShortString())
		a.state = stateAwaitingCert
		a.parked = s
		a.missing = res.Missing
		e.p.Certs.RequestCertificate(ctx, res.Missing)
		return nil
	}

	a.state = statePending
	a.parked = nil
	return e.verify(ctx, a, s)
}

// knownCertificates treats every certificate as present. It stands in when
// the engine runs without a certificate store.
type knownCertificates struct{}

func (knownCertificates) HasCertificate(peer.ID) bool { return true }

func (e *Engine) processCertificate(ctx context.Context, id peer.ID) error {
	var errs []error
	for _, set := range []map[peer.ID]*activeAudit{e.audits, e.unanswered} {
		for _, a := range set {
			if a.state != stateAwaitingCert || a.missing != id {
				continue
			}
			log.Debugf("Certificate of %s arrived; re-validating response from %s", id.ShortString(), a.target.ShortString())
			if err := e.validate(ctx, a, a.parked); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// verify checks the snippet against the held authenticators and, when it
// holds up, extends the replica.
func (e *Engine) verify(ctx context.Context, a *activeAudit, s *snippet.LogSnippet) error {
	ch := a.challenge
	res, err := verifier.Verify(s, a.target, e.p.In, ch.From.Seq, ch.To.Seq, e.p.Cache)
	if err != nil {
		e.m.MalformedResponses.Inc()
		log.Debugf("Response from %s cannot be verified: %v", a.target.ShortString(), err)
		return nil
	}

	if d := res.Divergence; d != nil {
		anchor, n, ok := verifier.Anchor(s, a.target, e.p.In, d)
		if !ok {
			// Nothing past the divergence binds the entries to the subject.
			e.m.MalformedResponses.Inc()
			log.Warnf("Audit of %s: %s, but no later authenticator anchors the snippet; treating as unanswered", a.target.ShortString(), d)
			return nil
		}
		log.Warnf("Audit of %s: %s (anchored at %d)", a.target.ShortString(), d, anchor.Seq)
		prefix, err := snippet.Encode(&snippet.LogSnippet{BaseHash: s.BaseHash, Entries: s.Entries[:n]})
		if err != nil {
			log.Errorf("Failed to encode divergent range of %s: %v", a.target.ShortString(), err)
			e.terminate(a, outcomeLocalError)
			return nil
		}
		p := &evidence.Proof{
			Kind:          evidence.KindHashDivergence,
			Subject:       a.target,
			Authenticator: d.Authenticator,
			Other:         &anchor,
			FromSeq:       s.FirstSeq(),
			ToSeq:         anchor.Seq,
			DivergingSeq:  d.Seq,
			Snippet:       prefix,
		}
		if d.Hidden {
			p.Flags |= evidence.FlagHidden
		}
		return e.fileProof(ctx, a, p, outcomeDivergence)
	}

	if e.p.History != nil {
		if _, err := e.p.History.Append(a.target, s); err != nil {
			if errors.Is(err, history.ErrHistoryGap) {
				e.m.HistoryGaps.Inc()
				log.Errorf("Local replica of %s has a gap; audit %d abandoned: %v", a.target.ShortString(), ch.EvidenceSeq, err)
				e.terminate(a, outcomeHistoryGap)
				return nil
			}
			log.Errorf("Failed to extend replica of %s: %v", a.target.ShortString(), err)
			e.terminate(a, outcomeLocalError)
			return nil
		}
	}

	if a.wantsReplay && e.cfg.ReplayEnabled && e.p.Replayer != nil && e.p.Pool != nil && e.p.History != nil {
		if started := e.startReplay(a); started {
			return nil
		}
	}

	e.complete(a)
	return nil
}

// startReplay hands the range from the nearest checkpoint to the pool. It
// reports false when there is nothing to replay.
func (e *Engine) startReplay(a *activeAudit) bool {
	ch := a.challenge
	cp, ok, err := e.p.History.FindLastEntry(a.target, snippet.KindCheckpoint, ch.From.Seq)
	if err != nil {
		log.Errorf("Failed to look up checkpoint of %s: %v", a.target.ShortString(), err)
		return false
	}
	if !ok {
		log.Debugf("No checkpoint of %s at or before %d; not replaying", a.target.ShortString(), ch.From.Seq)
		return false
	}
	rng, err := e.p.History.Snippet(a.target, cp.Seq, ch.To.Seq)
	if err != nil {
		log.Errorf("Failed to read replica of %s [%d, %d]: %v", a.target.ShortString(), cp.Seq, ch.To.Seq, err)
		return false
	}

	target, evidenceSeq := a.target, ch.EvidenceSeq
	replayer := e.p.Replayer
	err = e.p.Pool.Submit(func(ctx context.Context) {
		start := time.Now()
		res, err := replayer.Replay(ctx, target, rng.Entries[0], rng.Entries[1:])
		e.m.ReplayDuration.Observe(time.Since(start).Seconds())
		e.post(replayCompleted{target: target, evidenceSeq: evidenceSeq, rng: rng, result: res, err: err})
	})
	if err != nil {
		log.Warnf("Cannot replay %s: %v", a.target.ShortString(), err)
		return false
	}

	a.state = stateReplaying
	log.Debugf("Replaying %s from checkpoint %d to %d", a.target.ShortString(), cp.Seq, ch.To.Seq)
	return true
}

func (e *Engine) processReplay(ctx context.Context, r replayCompleted) error {
	a := e.findAudit(r.target, r.evidenceSeq)
	if a == nil || a.state != stateReplaying {
		log.Debugf("Replay of %s finished for an audit that is gone", r.target.ShortString())
		return nil
	}

	if r.err != nil {
		log.Warnf("Replay of %s failed: %v", a.target.ShortString(), r.err)
		e.complete(a)
		return nil
	}
	if r.result.Agree {
		e.complete(a)
		return nil
	}

	to := a.challenge.To
	if r.result.DivergingSeq < r.rng.FirstSeq() || r.result.DivergingSeq > to.Seq {
		log.Errorf("Replay of %s reported seq %d outside [%d, %d]; audit %d abandoned", a.target.ShortString(),
			r.result.DivergingSeq, r.rng.FirstSeq(), to.Seq, a.challenge.EvidenceSeq)
		e.terminate(a, outcomeLocalError)
		return nil
	}

	encoded, err := snippet.Encode(r.rng)
	if err != nil {
		log.Errorf("Failed to encode replayed range of %s: %v", a.target.ShortString(), err)
		e.terminate(a, outcomeLocalError)
		return nil
	}
	log.Warnf("Replay of %s diverges at seq %d", a.target.ShortString(), r.result.DivergingSeq)
	return e.fileProof(ctx, a, &evidence.Proof{
		Kind:          evidence.KindNonconformant,
		Subject:       a.target,
		Authenticator: to,
		FromSeq:       r.rng.FirstSeq(),
		ToSeq:         to.Seq,
		DivergingSeq:  r.result.DivergingSeq,
		Snippet:       encoded,
	}, outcomeNonconformant)
}

// complete records the audited range as checked.
func (e *Engine) complete(a *activeAudit) {
	to := a.challenge.To
	e.lastChecked[a.target] = to
	if e.p.LastChecked != nil {
		if err := e.p.LastChecked.SaveLastChecked(a.target, to); err != nil {
			log.Warnf("Failed to persist last-checked authenticator of %s: %v", a.target.ShortString(), err)
		}
	}

	if a.late && e.p.Status != nil {
		log.Infof("Subject %s answered audit %d late; clearing suspicion", a.target.ShortString(), a.challenge.EvidenceSeq)
		if err := e.p.Status.MarkTrusted(a.target); err != nil {
			log.Warnf("Failed to update status of %s: %v", a.target.ShortString(), err)
		}
	}

	log.Debugf("Audit of %s verified up to %d", a.target.ShortString(), to.Seq)
	e.terminate(a, outcomeVerified)
}
