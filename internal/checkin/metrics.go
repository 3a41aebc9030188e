package checkin

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loadcosmos/mnu-events-sub001/internal/db"
)

const outcomeOK = "ok"

// Metrics counts check-in attempts and QR issuance. A nil *Metrics is a
// no-op.
type Metrics struct {
	checkIns *prometheus.CounterVec
	qrIssued *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkin",
			Name:      "attempts_total",
			Help:      "Check-in attempts by scan mode and outcome code.",
		}, []string{"mode", "outcome"}),
		qrIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkin",
			Name:      "qr_issued_total",
			Help:      "Signed QR payloads issued by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.checkIns, m.qrIssued)
	}
	return m
}

func (m *Metrics) observeCheckIn(mode db.ScanMode, err error) {
	if m == nil {
		return
	}
	m.checkIns.WithLabelValues(string(mode), outcome(err)).Inc()
}

func (m *Metrics) observeIssued(kind string) {
	if m == nil {
		return
	}
	m.qrIssued.WithLabelValues(kind).Inc()
}

func outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	if ce, ok := AsError(err); ok {
		return ce.Code
	}
	return "server_error"
}
