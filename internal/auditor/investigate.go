package auditor

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// startInvestigation opens an investigation of target, or lowers the seq an
// open one must cover.
func (e *Engine) startInvestigation(ctx context.Context, target peer.ID, since uint64) {
	if inv, ok := e.investigations[target]; ok {
		if since < inv.since {
			log.Debugf("Investigation of %s now starts at %d", target.ShortString(), since)
			inv.since = since
		}
		return
	}

	inv := &activeInvestigation{target: target, since: since}
	e.investigations[target] = inv
	log.Infof("Investigating %s since %d", target.ShortString(), since)
	e.sendInvestigation(ctx, inv, e.clock.Now())
}

func (e *Engine) sendInvestigation(ctx context.Context, inv *activeInvestigation, now time.Time) {
	if err := e.p.Transport.RequestAuthenticators(ctx, inv.target, inv.since); err != nil {
		log.Debugf("Failed to request authenticators from %s: %v", inv.target.ShortString(), err)
	}
	inv.nextRetry = now.Add(e.cfg.InvestigationInterval)
}

// progressInvestigations promotes every investigation whose seq is now
// bracketed by held authenticators, and re-requests authenticators for the
// others once their retry time has come.
func (e *Engine) progressInvestigations(ctx context.Context, now time.Time) {
	for id, inv := range e.investigations {
		from, haveFrom := e.p.In.AtOrBefore(id, inv.since)
		to, haveTo := e.p.In.After(id, inv.since)
		if haveFrom {
			inv.authFrom = &from
		}
		if haveTo {
			inv.authTo = &to
		}

		if haveFrom && haveTo {
			switch {
			case to.Seq <= from.Seq:
				log.Warnf("Cannot start investigation of %s: authTo %d <= authFrom %d (since %d)", id.ShortString(), to.Seq, from.Seq, inv.since)
				delete(e.investigations, id)
			case !e.p.Trust.IsTrusted(id):
				log.Debugf("Investigation of %s dropped; subject is not trusted", id.ShortString())
				delete(e.investigations, id)
			case e.audits[id] != nil:
				log.Debugf("Investigation of %s waits for the running audit", id.ShortString())
			default:
				log.Debugf("Investigation of %s (since %d) proceeds with an audit of %d-%d", id.ShortString(), inv.since, from.Seq, to.Seq)
				e.beginAudit(ctx, id, from, to, false, false)
				delete(e.investigations, id)
			}
			continue
		}

		if !now.Before(inv.nextRetry) {
			log.Debugf("Retransmitting investigation request to %s at %d", id.ShortString(), inv.since)
			e.sendInvestigation(ctx, inv, now)
		}
	}
}
