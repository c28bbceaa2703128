// Package metrics defines the Prometheus collectors of the witness daemon.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logging.Logger("sdn-metrics")

const namespace = "sdn_witness"

// Metrics holds every collector the audit engine updates.
type Metrics struct {
	AuditsStarted        prometheus.Counter
	AuditsCompleted      *prometheus.CounterVec
	ActiveAudits         prometheus.Gauge
	ActiveInvestigations prometheus.Gauge
	EvidenceFiled        *prometheus.CounterVec
	EvidenceRetries      prometheus.Counter
	HistoryGaps          prometheus.Counter
	MalformedResponses   prometheus.Counter
	ReplayDuration       prometheus.Histogram
	AuthenticatorsAdded  prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuditsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_started_total",
			Help:      "Audit challenges sent.",
		}),
		AuditsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_completed_total",
			Help:      "Audits terminated, by outcome.",
		}, []string{"outcome"}),
		ActiveAudits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_audits",
			Help:      "Audits awaiting a response or a replay.",
		}),
		ActiveInvestigations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_investigations",
			Help:      "Investigations waiting for covering authenticators.",
		}),
		EvidenceFiled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_filed_total",
			Help:      "Evidence filed, by kind.",
		}, []string{"kind"}),
		EvidenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_filing_retries_total",
			Help:      "Evidence filings retried after the sink failed.",
		}),
		HistoryGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_gaps_total",
			Help:      "Verified snippets that did not connect to the local replica.",
		}),
		MalformedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_responses_total",
			Help:      "Challenge responses dropped as malformed.",
		}),
		ReplayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Time spent replaying audited ranges.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		AuthenticatorsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authenticators_added_total",
			Help:      "Authenticators accepted into the in store.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AuditsStarted,
			m.AuditsCompleted,
			m.ActiveAudits,
			m.ActiveInvestigations,
			m.EvidenceFiled,
			m.EvidenceRetries,
			m.HistoryGaps,
			m.MalformedResponses,
			m.ReplayDuration,
			m.AuthenticatorsAdded,
		)
	}
	return m
}

// Serve exposes the collectors gathered by g on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
