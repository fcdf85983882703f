// Package metrics exposes Prometheus counters for the gateway.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures gate and scanner activity.
type Metrics interface {
	IncFetchDecision(decision, code string)
	IncBlockedAttempt()
	IncScan(outcome string)
	ObserveRiskScore(score float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncFetchDecision(string, string) {}
func (Noop) IncBlockedAttempt()              {}
func (Noop) IncScan(string)                  {}
func (Noop) ObserveRiskScore(float64)        {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	fetchDecisions  *prometheus.CounterVec
	blockedAttempts prometheus.Counter
	scans           *prometheus.CounterVec
	riskScores      prometheus.Histogram
	once            sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		fetchDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_decisions_total",
			Help:      "Gate verdicts on artifact fetches by decision and code",
		}, []string{"decision", "code"}),
		blockedAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_attempts_total",
			Help:      "Denied fetches recorded in the audit log",
		}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Package scans by outcome",
		}, []string{"outcome"}),
		riskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_risk_score",
			Help:      "Aggregate risk scores produced by scans",
			Buckets:   []float64{0, 10, 30, 60, 100},
		}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.fetchDecisions, p.blockedAttempts, p.scans, p.riskScores)
	})
	return p
}

func (p *Prom) IncFetchDecision(decision, code string) {
	p.fetchDecisions.WithLabelValues(decision, code).Inc()
}

func (p *Prom) IncBlockedAttempt() {
	p.blockedAttempts.Inc()
}

func (p *Prom) IncScan(outcome string) {
	p.scans.WithLabelValues(outcome).Inc()
}

func (p *Prom) ObserveRiskScore(score float64) {
	p.riskScores.Observe(score)
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
