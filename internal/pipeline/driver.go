// Package pipeline drives one end-to-end run: schema guard, catalog
// discovery, gap backfill, the rolling probe window, kline enrichment,
// validation and the rankings artifact. Stages run strictly in that order
// and the first hard error ends the run; whatever was committed before it
// stays committed.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/futvision/klinewatch/internal/catalog"
	"github.com/futvision/klinewatch/internal/config"
	"github.com/futvision/klinewatch/internal/metrics"
	"github.com/futvision/klinewatch/internal/model"
	"github.com/futvision/klinewatch/internal/probe"
	"github.com/futvision/klinewatch/internal/report"
	"github.com/futvision/klinewatch/internal/store"
	"github.com/futvision/klinewatch/internal/validate"
	"github.com/futvision/klinewatch/internal/vision"
)

// Stage labels the state machine's position in logs and failure reasons.
type Stage string

const (
	StageInit        Stage = "INIT"
	StageDiscover    Stage = "DISCOVER"
	StageBackfillNew Stage = "BACKFILL_NEW"
	StageRolling     Stage = "ROLLING"
	StageKlines      Stage = "KLINES"
	StageValidate    Stage = "VALIDATE"
	StageMaterialize Stage = "MATERIALIZE"
	StageDone        Stage = "DONE"
	StageFail        Stage = "FAIL"
)

// RankingsFile is the artifact name under the output directory.
const RankingsFile = "rankings.parquet"

// Store is the persistence surface the driver needs; *store.Store satisfies it.
type Store interface {
	EnsureSchema(ctx context.Context) error
	CheckSchema(ctx context.Context, desc store.Descriptor) error
	TableExists(ctx context.Context, name string) (bool, error)
	UpsertBatch(ctx context.Context, rows []store.Row) error
	DistinctSymbols(ctx context.Context) ([]string, error)
	Days(ctx context.Context) ([]model.Day, error)
	AvailableSymbolsOn(ctx context.Context, day model.Day) ([]string, error)
	DailyCounts(ctx context.Context, start, end model.Day) ([]store.DayCount, error)
	LatestDay(ctx context.Context) (model.Day, bool, error)
	TotalRows(ctx context.Context) (int64, error)
	MaterializeRankings(ctx context.Context, outPath string) (int64, error)
}

// Prober runs one date over the symbol set; *probe.BatchProber satisfies it.
type Prober interface {
	ProbeDate(ctx context.Context, symbols []string, day model.Day, batchID string) (probe.Result, error)
}

// Lister enumerates a symbol's daily prefix; *vision.Lister satisfies it.
type Lister interface {
	ListDaily(ctx context.Context, symbol string) ([]vision.Entry, error)
}

// KlineFetcher pulls one daily archive; *vision.Client satisfies it.
type KlineFetcher interface {
	FetchDailyKline(ctx context.Context, symbol string, day model.Day) (*model.DayAggregates, error)
}

// LiveSource fetches the tradable contract set; *catalog.MetaClient satisfies it.
type LiveSource interface {
	FetchLiveSymbols(ctx context.Context) ([]string, error)
}

// Deps bundles the driver's collaborators.
type Deps struct {
	Store   Store
	Prober  Prober
	Lister  Lister
	Klines  KlineFetcher
	Live    LiveSource
	Metrics *metrics.Metrics
}

// Driver owns one run. Build a fresh one per invocation.
type Driver struct {
	cfg  config.Config
	deps Deps

	runID string
	now   func() time.Time
	log   zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Driver {
	runID := uuid.NewString()[:8]
	return &Driver{
		cfg:   cfg,
		deps:  deps,
		runID: runID,
		now:   time.Now,
		log:   log.With().Str("run_id", runID).Logger(),
	}
}

// runState carries working data between stages.
type runState struct {
	working []string // symbols this run probes; catalog or the --only subset
	live    []string
	liveErr error

	// useListing marks a backfill wide enough that per-symbol bucket
	// listings replace per-date HEAD batches.
	useListing bool
	// backfilled tracks symbols already covered by a full-history listing
	// this run, so the listing-based window walk does not list them twice.
	backfilled map[string]struct{}
	// rowsByDay collects the window's committed rows per date for the
	// enrichment stage. Keyed by the date's string form.
	rowsByDay map[string][]store.Row
}

// Run executes the pipeline and always returns a report; a non-nil error
// means the run ended in FAIL and nothing was materialized.
func (d *Driver) Run(ctx context.Context) (*report.Report, error) {
	started := d.now().UTC()
	start, end := d.cfg.Window()

	rep := &report.Report{
		RunID:       d.runID,
		Mode:        string(d.cfg.Mode),
		WindowStart: start.String(),
		WindowEnd:   end.String(),
		StartedAt:   started,
		StorePath:   d.cfg.StorePath,
	}

	err := d.run(ctx, rep)

	rep.FinishedAt = d.now().UTC()
	d.deps.Metrics.RunDuration.Set(rep.FinishedAt.Sub(started).Seconds())
	if total, terr := d.deps.Store.TotalRows(ctx); terr == nil {
		rep.TotalRows = total
	}

	if err != nil {
		rep.Failed = true
		rep.FailureReason = err.Error()
		d.log.Error().Str("stage", string(StageFail)).Err(err).Msg("run failed")
		return rep, err
	}

	d.log.Info().Str("stage", string(StageDone)).
		Int64("rows_upserted", rep.RowsUpserted).
		Int64("total_rows", rep.TotalRows).
		Msg("run complete")
	return rep, nil
}

func (d *Driver) run(ctx context.Context, rep *report.Report) error {
	start, end := d.cfg.Window()
	st := &runState{
		useListing: d.cfg.Mode == config.ModeBackfill &&
			model.DaysBetween(start, end) > d.cfg.ListingBreakEven,
		backfilled: make(map[string]struct{}),
		rowsByDay:  make(map[string][]store.Row),
	}

	if err := d.init(ctx); err != nil {
		return err
	}
	if err := d.discover(ctx, rep, st); err != nil {
		return err
	}
	if err := d.backfillNew(ctx, rep, st); err != nil {
		return err
	}
	if err := d.rolling(ctx, rep, st); err != nil {
		return err
	}
	if err := d.enrich(ctx, rep, st); err != nil {
		return err
	}
	if err := d.validateStore(ctx, rep, st); err != nil {
		return err
	}
	return d.materialize(ctx, rep)
}

// init creates the schema on a fresh store and runs the drift guard. On an
// existing file the guard runs before any DDL: a drifted store must come out
// of the run byte-identical.
func (d *Driver) init(ctx context.Context) error {
	start, end := d.cfg.Window()
	d.log.Info().Str("stage", string(StageInit)).
		Str("mode", string(d.cfg.Mode)).
		Str("window_start", start.String()).
		Str("window_end", end.String()).
		Int("workers", d.cfg.Workers).
		Msg("starting run")

	desc, err := store.LoadDescriptor(d.cfg.SchemaPath)
	if err != nil {
		return err
	}

	exists, err := d.deps.Store.TableExists(ctx, desc.Table)
	if err != nil {
		return err
	}
	if !exists {
		if err := d.deps.Store.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	if err := d.deps.Store.CheckSchema(ctx, desc); err != nil {
		return err
	}
	if exists {
		// Table verified sound; safe to fill in any missing indices.
		if err := d.deps.Store.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// discover merges the live contract set into the catalog. An unreachable or
// geo-blocked metadata endpoint leaves the catalog untouched and is reported
// by the cross-check later; it never fails the run.
func (d *Driver) discover(ctx context.Context, rep *report.Report, st *runState) error {
	symbols, err := catalog.Load(d.cfg.SymbolsPath)
	if err != nil {
		return err
	}

	st.live, st.liveErr = d.deps.Live.FetchLiveSymbols(ctx)
	if st.liveErr != nil {
		d.log.Warn().Str("stage", string(StageDiscover)).Err(st.liveErr).
			Msg("live contract set unavailable, catalog unchanged")
		rep.Discovery.Skipped = st.liveErr.Error()
	} else {
		merged, added := catalog.Merge(symbols, st.live)
		if len(added) > 0 {
			if err := catalog.Save(d.cfg.SymbolsPath, merged); err != nil {
				return err
			}
			d.log.Info().Str("stage", string(StageDiscover)).
				Strs("added", added).Msg("catalog grew")
			rep.Discovery.Added = added
		}
		symbols = merged
	}
	rep.Discovery.CatalogSize = len(symbols)

	st.working = symbols
	if len(d.cfg.Only) > 0 {
		st.working = dedupeSorted(d.cfg.Only)
		d.log.Info().Str("stage", string(StageDiscover)).
			Strs("only", st.working).Msg("restricting run to explicit symbol subset")
	}
	if len(st.working) == 0 {
		return fmt.Errorf("no symbols to process: catalog is empty and discovery found none")
	}
	return nil
}

// backfillNew lists the full daily prefix of every symbol the catalog knows
// but the store has never seen, and commits the present-only rows per symbol.
func (d *Driver) backfillNew(ctx context.Context, rep *report.Report, st *runState) error {
	known, err := d.deps.Store.DistinctSymbols(ctx)
	if err != nil {
		return err
	}
	gaps := Gaps(st.working, known)
	if len(gaps) == 0 {
		return nil
	}

	d.log.Info().Str("stage", string(StageBackfillNew)).
		Int("symbols", len(gaps)).Msg("backfilling symbols with no history")

	start, end := d.cfg.Window()
	for _, symbol := range gaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		bf, rows, err := d.backfillSymbol(ctx, symbol, model.Day{}, model.Day{})
		if err != nil {
			return err
		}
		rep.Backfills = append(rep.Backfills, bf)
		rep.RowsUpserted += int64(bf.Rows)
		st.backfilled[symbol] = struct{}{}

		// In listing mode no probe batch will revisit these dates, so the
		// window's slice of the backfill feeds enrichment directly.
		if st.useListing && d.cfg.FetchKlines {
			fileWindowRows(st, rows, start, end)
		}
	}
	return nil
}

// backfillSymbol lists one symbol's prefix and upserts the rows in a single
// transaction. Zero from/to means no clamp: the full published history.
func (d *Driver) backfillSymbol(ctx context.Context, symbol string, from, to model.Day) (report.Backfill, []store.Row, error) {
	entries, err := d.deps.Lister.ListDaily(ctx, symbol)
	d.deps.Metrics.ListingRequests.Inc()
	if err != nil {
		return report.Backfill{}, nil, err
	}

	now := d.now().UTC()
	rows := make([]store.Row, 0, len(entries))
	for _, e := range entries {
		if !from.IsZero() && e.Day.Before(from) {
			continue
		}
		if !to.IsZero() && e.Day.After(to) {
			continue
		}
		rows = append(rows, store.NewListedRow(symbol, e, d.cfg.VisionBaseURL, now))
	}

	bf := report.Backfill{Symbol: symbol, Rows: len(rows)}
	if len(rows) == 0 {
		return bf, nil, nil
	}
	// The lister returns entries ascending.
	bf.First = model.DayOf(rows[0].Date).String()
	bf.Last = model.DayOf(rows[len(rows)-1].Date).String()

	if err := d.deps.Store.UpsertBatch(ctx, rows); err != nil {
		return bf, nil, err
	}
	d.deps.Metrics.RowsUpserted.Add(float64(len(rows)))
	return bf, rows, nil
}

// rolling covers the probe window. Narrow windows HEAD every (symbol, date)
// cell in per-date batches; a backfill wider than the break-even walks one
// bucket listing per symbol instead.
func (d *Driver) rolling(ctx context.Context, rep *report.Report, st *runState) error {
	start, end := d.cfg.Window()

	if st.useListing {
		return d.rollingByListing(ctx, rep, st, start, end)
	}

	for _, day := range model.DayRange(start, end) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.probeDay(ctx, rep, st, day); err != nil {
			return err
		}
	}
	return nil
}

// probeDay runs one batch and commits whatever it observed. Partial results
// land before a batch error propagates, so a rerun only repairs what is
// genuinely missing.
func (d *Driver) probeDay(ctx context.Context, rep *report.Report, st *runState, day model.Day) error {
	res, probeErr := d.deps.Prober.ProbeDate(ctx, st.working, day, "")

	rows := make([]store.Row, 0, len(res.Observations))
	for _, obs := range res.Observations {
		rows = append(rows, store.NewRow(obs, nil))
		if obs.Available {
			d.deps.Metrics.ProbesTotal.WithLabelValues(metrics.OutcomeHit).Inc()
		} else {
			d.deps.Metrics.ProbesTotal.WithLabelValues(metrics.OutcomeMiss).Inc()
		}
	}
	d.deps.Metrics.ProbesTotal.WithLabelValues(metrics.OutcomeFailed).Add(float64(len(res.Failures)))
	d.deps.Metrics.ProbesTotal.WithLabelValues(metrics.OutcomeRejected).Add(float64(len(res.Rejected)))

	ds := report.DateStatus{
		Date:      day.String(),
		BatchID:   res.BatchID,
		Rows:      len(rows),
		Available: res.Available(),
	}

	if err := d.deps.Store.UpsertBatch(ctx, rows); err != nil {
		ds.Error = err.Error()
		rep.Dates = append(rep.Dates, ds)
		d.deps.Metrics.BatchesTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return err
	}
	d.deps.Metrics.RowsUpserted.Add(float64(len(rows)))
	rep.RowsUpserted += int64(len(rows))

	if probeErr != nil {
		ds.Error = probeErr.Error()
		rep.Dates = append(rep.Dates, ds)
		d.deps.Metrics.BatchesTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return probeErr
	}

	rep.Dates = append(rep.Dates, ds)
	d.deps.Metrics.BatchesTotal.WithLabelValues(metrics.ResultOK).Inc()
	if d.cfg.FetchKlines {
		st.rowsByDay[day.String()] = rows
	}
	return nil
}

func (d *Driver) rollingByListing(ctx context.Context, rep *report.Report, st *runState, start, end model.Day) error {
	d.log.Info().Str("stage", string(StageRolling)).
		Int("days", model.DaysBetween(start, end)).
		Int("symbols", len(st.working)).
		Msg("window exceeds listing break-even, walking bucket listings")

	for _, symbol := range st.working {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, done := st.backfilled[symbol]; done {
			continue
		}
		bf, rows, err := d.backfillSymbol(ctx, symbol, start, end)
		if err != nil {
			return err
		}
		rep.Backfills = append(rep.Backfills, bf)
		rep.RowsUpserted += int64(bf.Rows)
		if d.cfg.FetchKlines {
			fileWindowRows(st, rows, start, end)
		}
	}
	return nil
}

// enrich fetches the 1-day archive for every available cell the window
// committed and re-upserts the rows with aggregates filled, one transaction
// per date. Cells whose daily archive is missing keep null aggregates; any
// fetch or parse error fails the run and the probe-only rows stand.
func (d *Driver) enrich(ctx context.Context, rep *report.Report, st *runState) error {
	if !d.cfg.FetchKlines {
		return nil
	}

	start, end := d.cfg.Window()
	for _, day := range model.DayRange(start, end) {
		rows := st.rowsByDay[day.String()]
		if len(rows) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		enriched, err := d.enrichDay(ctx, day, rows)
		if err != nil {
			return err
		}
		if len(enriched) == 0 {
			continue
		}
		if err := d.deps.Store.UpsertBatch(ctx, enriched); err != nil {
			return err
		}

		d.deps.Metrics.KlinesParsed.Add(float64(len(enriched)))
		d.deps.Metrics.RowsUpserted.Add(float64(len(enriched)))
		rep.RowsUpserted += int64(len(enriched))
		rep.KlinesParsed += int64(len(enriched))
		setDateKlines(rep, day.String(), len(enriched))
	}
	return nil
}

func (d *Driver) enrichDay(ctx context.Context, day model.Day, rows []store.Row) ([]store.Row, error) {
	type outcome struct {
		row store.Row
		ok  bool
		err error
	}

	available := make([]store.Row, 0, len(rows))
	for _, r := range rows {
		if r.Available {
			available = append(available, r)
		}
	}
	if len(available) == 0 {
		return nil, nil
	}

	sem := make(chan struct{}, d.cfg.Workers)
	outcomes := make(chan outcome)
	for _, r := range available {
		go func(r store.Row) {
			sem <- struct{}{}
			defer func() { <-sem }()
			agg, err := d.deps.Klines.FetchDailyKline(ctx, r.Symbol, day)
			switch {
			case err != nil:
				outcomes <- outcome{err: err}
			case agg == nil:
				// Daily archive lags the 1m one sometimes; not an error.
				outcomes <- outcome{}
			default:
				outcomes <- outcome{row: r.WithAggregates(agg), ok: true}
			}
		}(r)
	}

	var enriched []store.Row
	var firstErr error
	for range available {
		out := <-outcomes
		switch {
		case out.err != nil:
			if firstErr == nil {
				firstErr = out.err
			}
		case out.ok:
			enriched = append(enriched, out.row)
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("kline enrichment for %s: %w", day, firstErr)
	}
	return enriched, nil
}

// validateStore runs the read-only checks. Findings go to the report and the
// log; only a store read error can fail this stage.
func (d *Driver) validateStore(ctx context.Context, rep *report.Report, st *runState) error {
	start, end := d.cfg.Window()

	days, err := d.deps.Store.Days(ctx)
	if err != nil {
		return err
	}
	findings := validate.Continuity(days)

	counts, err := d.deps.Store.DailyCounts(ctx, start, end)
	if err != nil {
		return err
	}
	band := validate.Band{Min: d.cfg.CompletenessMin, Max: d.cfg.CompletenessMax}
	findings = append(findings, validate.Completeness(counts, band)...)

	latest, ok, err := d.deps.Store.LatestDay(ctx)
	if err != nil {
		return err
	}
	if ok {
		available, err := d.deps.Store.AvailableSymbolsOn(ctx, latest)
		if err != nil {
			return err
		}
		findings = append(findings, validate.CrossCheck(latest, available, st.live, st.liveErr)...)
	}

	for _, f := range findings {
		d.log.Warn().Str("stage", string(StageValidate)).
			Str("check", f.Check).Str("date", f.Date).Msg(f.Detail)
	}
	rep.Findings = findings
	return nil
}

func (d *Driver) materialize(ctx context.Context, rep *report.Report) error {
	out := filepath.Join(d.cfg.OutDir, RankingsFile)
	n, err := d.deps.Store.MaterializeRankings(ctx, out)
	if err != nil {
		return err
	}
	rep.RankedRows = n
	rep.RankingsPath = out

	d.log.Info().Str("stage", string(StageMaterialize)).
		Int64("rows", n).Str("path", out).Msg("rankings published")
	return nil
}

func fileWindowRows(st *runState, rows []store.Row, start, end model.Day) {
	for _, r := range rows {
		day := model.DayOf(r.Date)
		if day.Before(start) || day.After(end) {
			continue
		}
		key := day.String()
		st.rowsByDay[key] = append(st.rowsByDay[key], r)
	}
}

func setDateKlines(rep *report.Report, date string, n int) {
	for i := range rep.Dates {
		if rep.Dates[i].Date == date {
			rep.Dates[i].Klines = n
			return
		}
	}
}

func dedupeSorted(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
