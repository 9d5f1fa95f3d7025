// Package probe fans one calendar day out over the symbol list with a
// bounded worker pool and a per-batch circuit breaker, so a bucket-wide
// outage aborts in seconds instead of grinding through hundreds of timeouts.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/futvision/klinewatch/internal/model"
)

// Prober is the single-cell probe the pool executes; vision.Client satisfies it.
type Prober interface {
	Probe(ctx context.Context, symbol string, day model.Day) (model.Observation, error)
}

// Result is one batch's outcome. Observations is always usable, even when the
// batch failed: partial results are committed by the caller before the error
// propagates.
type Result struct {
	BatchID      string
	Day          model.Day
	Observations map[string]model.Observation
	// Rejected symbols were never probed because the breaker was already
	// open when their turn came.
	Rejected []string
	Failures []error
}

// Available counts hits in the batch.
func (r Result) Available() int {
	n := 0
	for _, obs := range r.Observations {
		if obs.Available {
			n++
		}
	}
	return n
}

// BatchError reports a batch that did not complete cleanly. Any single probe
// failure fails the batch; the breaker only decides how early the remainder
// is abandoned.
type BatchError struct {
	BatchID  string
	Day      model.Day
	Probed   int
	Failed   int
	Rejected int
	Tripped  bool
	First    error
}

func (e *BatchError) Error() string {
	msg := fmt.Sprintf("batch %s %s: %d/%d probes failed", e.BatchID, e.Day, e.Failed, e.Probed)
	if e.Tripped {
		msg += fmt.Sprintf(" (breaker tripped, %d symbols not probed)", e.Rejected)
	}
	if e.First != nil {
		msg += ": " + e.First.Error()
	}
	return msg
}

func (e *BatchError) Unwrap() error { return e.First }

// BatchProber runs batches with a fixed pool of W workers.
type BatchProber struct {
	prober  Prober
	workers int
}

func NewBatchProber(p Prober, workers int) *BatchProber {
	if workers < 1 {
		workers = 1
	}
	return &BatchProber{prober: p, workers: workers}
}

// newBreaker builds the per-batch breaker: trip on three consecutive
// failures, or on a >5% failure ratio once at least 20 probes completed.
// A 404 flows through as a success and never counts against the breaker.
func newBreaker(batchID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "probe-batch-" + batchID,
		MaxRequests: 3,
		Interval:    0, // counts accumulate for the batch's lifetime
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= 3 ||
				(counts.Requests >= 20 && ratio > 0.05)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("batch_id", batchID).
				Str("from", from.String()).Str("to", to.String()).
				Msg("probe circuit breaker state change")
		},
	})
}

type outcome struct {
	symbol   string
	obs      model.Observation
	err      error
	rejected bool
}

// ProbeDate probes every symbol for one day. batchID is generated when empty.
// The returned Result holds whatever completed; the error is non-nil if any
// probe failed, any symbol was rejected, or the context was canceled.
func (bp *BatchProber) ProbeDate(ctx context.Context, symbols []string, day model.Day, batchID string) (Result, error) {
	if batchID == "" {
		batchID = uuid.NewString()[:8]
	}
	res := Result{
		BatchID:      batchID,
		Day:          day,
		Observations: make(map[string]model.Observation, len(symbols)),
	}
	if len(symbols) == 0 {
		return res, nil
	}

	logger := log.With().Str("batch_id", batchID).Str("date", day.String()).Logger()
	cb := newBreaker(batchID)

	jobs := make(chan string)
	outcomes := make(chan outcome)

	workers := bp.workers
	if workers > len(symbols) {
		workers = len(symbols)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				v, err := cb.Execute(func() (any, error) {
					return bp.prober.Probe(ctx, symbol, day)
				})
				switch {
				case err == nil:
					outcomes <- outcome{symbol: symbol, obs: v.(model.Observation)}
				case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
					outcomes <- outcome{symbol: symbol, rejected: true}
				default:
					outcomes <- outcome{symbol: symbol, err: err}
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, s := range symbols {
			select {
			case jobs <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var firstErr error
	for out := range outcomes {
		switch {
		case out.rejected:
			res.Rejected = append(res.Rejected, out.symbol)
		case out.err != nil:
			res.Failures = append(res.Failures, out.err)
			if firstErr == nil {
				firstErr = out.err
			}
			logger.Warn().Err(out.err).Str("symbol", out.symbol).Msg("probe failed")
		default:
			res.Observations[out.symbol] = out.obs
		}
	}
	sort.Strings(res.Rejected)

	if len(res.Failures) > 0 || len(res.Rejected) > 0 || ctx.Err() != nil {
		if firstErr == nil {
			firstErr = ctx.Err()
		}
		return res, &BatchError{
			BatchID:  batchID,
			Day:      day,
			Probed:   len(res.Observations) + len(res.Failures),
			Failed:   len(res.Failures),
			Rejected: len(res.Rejected),
			Tripped:  len(res.Rejected) > 0 || cb.State() == gobreaker.StateOpen,
			First:    firstErr,
		}
	}

	logger.Info().Int("symbols", len(symbols)).Int("available", res.Available()).Msg("batch complete")
	return res, nil
}
