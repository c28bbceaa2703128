package auditor

import (
	"context"
	"math/rand"
	"time"

	"github.com/filecoin-project/go-clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
	"github.com/spacedatanetwork/sdn-witness/internal/metrics"
	"github.com/spacedatanetwork/sdn-witness/internal/replay"
)

var log = logging.Logger("sdn-auditor")

const eventQueueSize = 256

// Params are the engine's collaborators. Transport, Trust, Sink and In are
// required; the rest may be nil.
type Params struct {
	Self      peer.ID
	Clock     clock.Clock
	Transport Transport
	Trust     TrustOracle
	Status    StatusRecorder
	Sink      EvidenceSink
	Certs     CertificateStore
	History   History
	Replayer  replay.Engine
	Pool      *replay.Pool
	// In holds the authenticators received from witnessed subjects.
	In *authstore.Store
	// Cache retains a sample of verified authenticators.
	Cache       *authstore.Cache
	LastChecked LastCheckedStore
	Metrics     *metrics.Metrics
}

// Engine runs audits and investigations. Create it with New and start it
// with Run.
type Engine struct {
	cfg Config
	p   Params

	clock clock.Clock
	rand  *rand.Rand
	zlog  *zap.Logger
	m     *metrics.Metrics
	seq   seqGenerator

	events chan event
	done   chan struct{}

	audits         map[peer.ID]*activeAudit
	unanswered     map[peer.ID]*activeAudit
	investigations map[peer.ID]*activeInvestigation
	lastChecked    map[peer.ID]authstore.Authenticator
	pending        []*pendingEvidence

	auditTimer       *clock.Timer
	progressTimer    *clock.Timer
	lastAuditStarted time.Time
}

// New creates an engine. Persisted last-checked authenticators are loaded.
func New(cfg Config, p Params) (*Engine, error) {
	if p.Transport == nil {
		return nil, ErrNoTransport
	}
	if p.Trust == nil {
		return nil, ErrNoTrust
	}
	if p.Sink == nil {
		return nil, ErrNoSink
	}
	if p.In == nil {
		return nil, ErrNoStore
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New(nil)
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultConfig().ProgressInterval
	}
	if cfg.InvestigationInterval <= 0 {
		cfg.InvestigationInterval = DefaultConfig().InvestigationInterval
	}

	e := &Engine{
		cfg:            cfg,
		p:              p,
		clock:          p.Clock,
		rand:           rand.New(rand.NewSource(p.Clock.Now().UnixNano())),
		zlog:           log.Desugar(),
		m:              p.Metrics,
		seq:            seqGenerator{clock: p.Clock},
		events:         make(chan event, eventQueueSize),
		done:           make(chan struct{}),
		audits:         make(map[peer.ID]*activeAudit),
		unanswered:     make(map[peer.ID]*activeAudit),
		investigations: make(map[peer.ID]*activeInvestigation),
		lastChecked:    make(map[peer.ID]authstore.Authenticator),
	}

	if p.LastChecked != nil {
		loaded, err := p.LastChecked.LoadLastChecked()
		if err != nil {
			return nil, err
		}
		for id, a := range loaded {
			e.lastChecked[id] = a
		}
		log.Debugf("Loaded last-checked authenticators for %d subjects", len(loaded))
	}
	return e, nil
}

// Run processes events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	e.lastAuditStarted = e.clock.Now()
	e.scheduleAudit()
	log.Infof("Audit engine started (interval %dms, timeout %s, replay %v)",
		e.cfg.AuditIntervalMillis, e.cfg.LogDownloadTimeout, e.cfg.ReplayEnabled)

	for {
		var progressC <-chan time.Time
		if e.progressTimer != nil {
			progressC = e.progressTimer.C
		}

		var ev event
		select {
		case <-ctx.Done():
			e.stopTimers()
			log.Info("Audit engine stopped")
			return ctx.Err()
		case <-e.auditTimer.C:
			ev = auditCycleTick{}
		case <-progressC:
			e.progressTimer = nil
			ev = progressTick{}
		case ev = <-e.events:
		}

		if err := e.dispatch(ctx, ev); err != nil {
			log.Errorf("Handling %T: %v", ev, err)
		}
	}
}

// post queues an event for the loop. It gives up once the loop has exited.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// HandleResponse delivers a subject's answer to the challenge numbered
// evidenceSeq.
func (e *Engine) HandleResponse(from peer.ID, evidenceSeq uint64, data []byte) {
	e.post(challengeResponse{from: from, evidenceSeq: evidenceSeq, data: data})
}

// CertificateArrived reports that the certificate of id is now available.
func (e *Engine) CertificateArrived(id peer.ID) {
	e.post(certificateArrived{id: id})
}

// Investigate asks for an audit of target covering seq since, as soon as
// held authenticators bracket it.
func (e *Engine) Investigate(target peer.ID, since uint64) {
	e.post(investigateRequest{target: target, since: since})
}

// AddAuthenticator offers an authenticator signed by subject.
func (e *Engine) AddAuthenticator(subject peer.ID, a authstore.Authenticator) {
	e.post(authenticatorArrived{subject: subject, auth: a})
}

// SetAuditInterval changes the audit period and reschedules the next cycle.
func (e *Engine) SetAuditInterval(millis int64) {
	e.post(intervalChanged{millis: millis})
}

func (e *Engine) dispatch(ctx context.Context, ev event) error {
	err := e.handle(ctx, ev)
	e.ensureProgress()
	e.updateGauges()
	return err
}

func (e *Engine) handle(ctx context.Context, ev event) error {
	switch ev := ev.(type) {
	case auditCycleTick:
		e.startAudits(ctx)
		e.lastAuditStarted = e.clock.Now()
		e.scheduleAudit()
		return nil
	case progressTick:
		return e.makeProgress(ctx)
	case challengeResponse:
		return e.processResponse(ctx, ev)
	case replayCompleted:
		return e.processReplay(ctx, ev)
	case certificateArrived:
		return e.processCertificate(ctx, ev.id)
	case investigateRequest:
		e.startInvestigation(ctx, ev.target, ev.since)
		return nil
	case authenticatorArrived:
		return e.addAuthenticator(ctx, ev.subject, ev.auth)
	case intervalChanged:
		e.cfg.AuditIntervalMillis = ev.millis
		if e.auditTimer != nil {
			e.auditTimer.Stop()
			e.scheduleAudit()
		}
		log.Debugf("Audit interval set to %dms", ev.millis)
		return nil
	}
	return nil
}

// scheduleAudit arms the audit timer at a random point between half and one
// and a half intervals after the last cycle started.
func (e *Engine) scheduleAudit() {
	interval := time.Duration(e.cfg.AuditIntervalMillis) * time.Millisecond
	jitter := 0.5 + e.rand.Float64()
	next := e.lastAuditStarted.Add(time.Duration(jitter * float64(interval)))
	delay := next.Sub(e.clock.Now())
	if delay <= 0 {
		delay = time.Millisecond
	}
	e.auditTimer = e.clock.Timer(delay)
}

// ensureProgress arms the progress timer if anything needs it.
func (e *Engine) ensureProgress() {
	if e.progressTimer != nil {
		return
	}
	if len(e.audits) == 0 && len(e.investigations) == 0 && len(e.pending) == 0 {
		return
	}
	e.progressTimer = e.clock.Timer(e.cfg.ProgressInterval)
}

func (e *Engine) stopTimers() {
	if e.auditTimer != nil {
		e.auditTimer.Stop()
	}
	if e.progressTimer != nil {
		e.progressTimer.Stop()
		e.progressTimer = nil
	}
}

func (e *Engine) updateGauges() {
	e.m.ActiveAudits.Set(float64(len(e.audits)))
	e.m.ActiveInvestigations.Set(float64(len(e.investigations)))
}

// seqGenerator hands out evidence seq numbers. They strictly increase and are
// never below the current time in milliseconds.
type seqGenerator struct {
	clock clock.Clock
	last  uint64
}

func (g *seqGenerator) next() uint64 {
	seq := uint64(g.clock.Now().UnixMilli())
	if seq <= g.last {
		seq = g.last + 1
	}
	g.last = seq
	return seq
}
