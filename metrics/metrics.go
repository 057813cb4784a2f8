// Package metrics exposes ledger activity as Prometheus collectors.
//
// Collectors implements inventory.Recorder, so the Service reports to it
// directly, and the api auditor's AuditRecorder. Handler serves the
// registry for the /metrics route.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/stash-ledger/inventory"
)

const namespace = "stash"

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Collectors struct {
	registry     *prometheus.Registry
	mutations    *prometheus.CounterVec
	inconsistent prometheus.Counter
	audit        *prometheus.GaugeVec
	auditRuns    prometheus.Counter
}

var _ inventory.Recorder = (*Collectors)(nil)

// New builds the collectors on a private registry, along with the Go and
// process collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "mutations_total",
			Help:      "Ledger mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		inconsistent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "inconsistent_balances_total",
			Help:      "Mutations that left an item with a negative folded balance.",
		}),
		audit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "items",
			Help:      "Items seen by the last balance audit, by state.",
		}, []string{"state"}),
		auditRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "runs_total",
			Help:      "Completed balance audits.",
		}),
	}
	c.registry.MustRegister(
		c.mutations,
		c.inconsistent,
		c.audit,
		c.auditRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Mutation counts one mutation. Client errors count as rejected.
func (c *Collectors) Mutation(op string, err error) {
	c.mutations.WithLabelValues(op, outcome(err)).Inc()
}

// Inconsistent counts an advisory. The item id is not a label to keep
// cardinality bounded.
func (c *Collectors) Inconsistent(inventory.ItemID) {
	c.inconsistent.Inc()
}

// AuditCompleted publishes the counts of the last audit pass.
func (c *Collectors) AuditCompleted(items, inconsistent, incomplete int) {
	c.auditRuns.Inc()
	c.audit.WithLabelValues("total").Set(float64(items))
	c.audit.WithLabelValues("inconsistent").Set(float64(inconsistent))
	c.audit.WithLabelValues("incomplete").Set(float64(incomplete))
}

func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case inventory.IsClientError(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}
