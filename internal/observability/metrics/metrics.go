// Package metrics exposes fiscal document counters on the default
// prometheus registry (scraped via /metrics) alongside OTLP HTTP metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes application-level fiscal instruments.
type Metrics struct {
	invoicesIssued      *prometheus.CounterVec
	creditNotesCreated  *prometheus.CounterVec
	integrityMismatches *prometheus.CounterVec
	auditWriteFailures  prometheus.Counter
}

// New registers the fiscal counters on the default registry.
func New() *Metrics {
	return &Metrics{
		invoicesIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fiskal_invoices_issued_total",
			Help: "Invoices fiscally issued, by outcome.",
		}, []string{"outcome"}),
		creditNotesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fiskal_credit_notes_created_total",
			Help: "Credit notes created, by outcome.",
		}, []string{"outcome"}),
		integrityMismatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fiskal_integrity_checks_total",
			Help: "Invoice hash verifications, by result.",
		}, []string{"result"}),
		auditWriteFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fiskal_audit_write_failures_total",
			Help: "Audit log writes that failed and were downgraded to warnings.",
		}),
	}
}

// RecordInvoiceIssued counts an issuance attempt outcome
// (issued, already_issued, rejected, error).
func (m *Metrics) RecordInvoiceIssued(outcome string) {
	if m == nil {
		return
	}
	m.invoicesIssued.WithLabelValues(outcome).Inc()
}

// RecordCreditNoteCreated counts a credit note creation outcome
// (created, rejected, error).
func (m *Metrics) RecordCreditNoteCreated(outcome string) {
	if m == nil {
		return
	}
	m.creditNotesCreated.WithLabelValues(outcome).Inc()
}

// RecordIntegrityCheck counts a verification result (valid, mismatch,
// not_issued).
func (m *Metrics) RecordIntegrityCheck(result string) {
	if m == nil {
		return
	}
	m.integrityMismatches.WithLabelValues(result).Inc()
}

// RecordAuditWriteFailure counts a swallowed audit insert failure.
func (m *Metrics) RecordAuditWriteFailure() {
	if m == nil {
		return
	}
	m.auditWriteFailures.Inc()
}
