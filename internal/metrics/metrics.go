// Package metrics keeps per-run counters on a private registry and dumps
// them in text exposition format at the end of the run, where a node-exporter
// textfile collector can pick them up. The process is one-shot, so there is
// no scrape endpoint.
package metrics

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/futvision/klinewatch/internal/atomicio"
)

// Probe outcome labels.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// Batch result labels.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	ProbesTotal     *prometheus.CounterVec
	BatchesTotal    *prometheus.CounterVec
	KlinesParsed    prometheus.Counter
	RowsUpserted    prometheus.Counter
	ListingRequests prometheus.Counter
	RunDuration     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klinewatch",
			Name:      "probes_total",
			Help:      "Archive probes by outcome.",
		}, []string{"outcome"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klinewatch",
			Name:      "probe_batches_total",
			Help:      "Per-date probe batches by result.",
		}, []string{"result"}),
		KlinesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "klinewatch",
			Name:      "klines_parsed_total",
			Help:      "Daily kline archives parsed into aggregates.",
		}),
		RowsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "klinewatch",
			Name:      "rows_upserted_total",
			Help:      "Rows written to daily_availability.",
		}),
		ListingRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "klinewatch",
			Name:      "listing_requests_total",
			Help:      "Bulk prefix listings issued.",
		}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "klinewatch",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the run.",
		}),
	}

	m.registry.MustRegister(
		m.ProbesTotal, m.BatchesTotal, m.KlinesParsed,
		m.RowsUpserted, m.ListingRequests, m.RunDuration,
	)
	return m
}

// WriteTextfile dumps the registry atomically in text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encodeFamily(enc, mf); err != nil {
			return err
		}
	}
	return atomicio.WriteFileAtomic(path, buf.Bytes())
}

func encodeFamily(enc expfmt.Encoder, mf *dto.MetricFamily) error {
	if err := enc.Encode(mf); err != nil {
		return fmt.Errorf("failed to encode metric family %s: %w", mf.GetName(), err)
	}
	return nil
}
