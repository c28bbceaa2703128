package pubsub

import (
	"context"
	"errors"
	"fmt"

	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

var (
	ErrNoIntake     = errors.New("evidence intake is not configured")
	ErrWrongSubject = errors.New("evidence is about another subject")
	ErrOwnEvidence  = errors.New("evidence was filed by this node")
)

// Watch subscribes to the evidence topic of subject and takes in what other
// witnesses publish until ctx is done or Close is called.
func (t *Topics) Watch(ctx context.Context, subject peer.ID) error {
	if t.p.Keys == nil || t.p.Filer == nil {
		return ErrNoIntake
	}
	topic, err := t.topic(subject)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if _, ok := t.subs[subject]; ok {
		t.mu.Unlock()
		return nil
	}
	sub, err := topic.Subscribe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	t.subs[subject] = sub
	t.wg.Add(1)
	t.mu.Unlock()

	go t.handleSubscription(ctx, sub, subject)
	log.Infof("Watching evidence about %s", subject.ShortString())
	return nil
}

func (t *Topics) handleSubscription(ctx context.Context, sub *ps.Subscription, subject peer.ID) {
	defer t.wg.Done()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ps.ErrSubscriptionCancelled) {
				return
			}
			log.Warnf("Error reading evidence about %s: %v", subject.ShortString(), err)
			continue
		}

		// Skip messages from ourselves
		if msg.ReceivedFrom == t.p.Self {
			continue
		}

		if err := t.Handle(ctx, subject, msg.Data); err != nil {
			if errors.Is(err, ErrOwnEvidence) {
				continue
			}
			log.Warnf("Dropping evidence about %s from %s: %v", subject.ShortString(), msg.ReceivedFrom.ShortString(), err)
		}
	}
}

// Handle checks a broadcast envelope about subject and files it. Forks and
// hash divergences expose the subject. A nonconformance verdict rests on a
// state machine the proof does not carry, so it is only taken in when the
// local replay reaches the same verdict. NoResponse evidence, and
// nonconformance we cannot confirm, are a reason to audit the subject
// ourselves.
func (t *Topics) Handle(ctx context.Context, subject peer.ID, data []byte) error {
	e, err := evidence.UnmarshalEnvelope(data)
	if err != nil {
		return err
	}
	if e.Subject != subject {
		return fmt.Errorf("%w: %s on the topic of %s", ErrWrongSubject, e.Subject.ShortString(), subject.ShortString())
	}
	if e.Originator == t.p.Self {
		return ErrOwnEvidence
	}

	proof, err := e.Proof()
	if err != nil {
		return err
	}
	pub, err := t.p.Keys.PubKey(subject)
	if err != nil {
		return fmt.Errorf("no key for %s: %w", subject.ShortString(), err)
	}
	if err := proof.Check(pub); err != nil {
		return err
	}

	if e.Kind == evidence.KindNonconformant && !t.confirmReplay(ctx, subject, proof) {
		log.Infof("Cannot confirm %s evidence against %s from %s; auditing it instead", e.Kind, subject.ShortString(), e.Originator.ShortString())
		if t.p.Reactor != nil {
			t.p.Reactor.Investigate(subject, proof.FromSeq)
		}
		return nil
	}

	if err := t.p.Filer.FileEvidence(ctx, e); err != nil {
		return fmt.Errorf("failed to file evidence %s: %w", e.ID, err)
	}
	log.Infof("Took in %s evidence against %s from %s", e.Kind, subject.ShortString(), e.Originator.ShortString())

	if t.p.Reactor == nil {
		return nil
	}
	switch {
	case e.Kind.Blames():
		if err := t.p.Reactor.MarkExposed(subject); err != nil {
			log.Warnf("Failed to mark %s exposed: %v", subject.ShortString(), err)
		}
	case e.Kind == evidence.KindNoResponse:
		t.p.Reactor.Investigate(subject, proof.FromSeq)
	}
	return nil
}

// confirmReplay re-runs the range embedded in a Nonconformant proof and
// reports whether the local state machine diverges at the same seq.
func (t *Topics) confirmReplay(ctx context.Context, subject peer.ID, proof *evidence.Proof) bool {
	if t.p.Replayer == nil {
		return false
	}
	s, err := snippet.Decode(proof.Snippet)
	if err != nil || len(s.Entries) == 0 {
		return false
	}
	if t.p.ReplayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.p.ReplayTimeout)
		defer cancel()
	}

	res, err := t.p.Replayer.Replay(ctx, subject, s.Entries[0], s.Entries[1:])
	if err != nil {
		log.Debugf("Replay of evidence against %s failed: %v", subject.ShortString(), err)
		return false
	}
	return !res.Agree && res.DivergingSeq == proof.DivergingSeq
}
