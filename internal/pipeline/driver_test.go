package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// memStore is an in-memory Store double that mirrors the real upsert
// semantics: last writer wins per (date, symbol), counts derived from the
// available rows.
type memStore struct {
	tableExists bool
	driftErr    error
	upsertErr   error

	ddl              []string
	upserts          [][]store.Row
	rows             map[string]store.Row
	materializeCalls int
	rankedRows       int64
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]store.Row)}
}

func rowKey(date time.Time, symbol string) string {
	return date.Format(model.DayFormat) + "|" + symbol
}

func (m *memStore) seed(rows ...store.Row) {
	m.tableExists = true
	for _, r := range rows {
		m.rows[rowKey(r.Date, r.Symbol)] = r
	}
}

func (m *memStore) get(day, symbol string) (store.Row, bool) {
	r, ok := m.rows[day+"|"+symbol]
	return r, ok
}

func (m *memStore) rowsOn(day string) int {
	n := 0
	for k := range m.rows {
		if strings.HasPrefix(k, day+"|") {
			n++
		}
	}
	return n
}

func (m *memStore) EnsureSchema(context.Context) error {
	m.ddl = append(m.ddl, "ensure")
	m.tableExists = true
	return nil
}

func (m *memStore) CheckSchema(context.Context, store.Descriptor) error {
	m.ddl = append(m.ddl, "check")
	return m.driftErr
}

func (m *memStore) TableExists(context.Context, string) (bool, error) {
	return m.tableExists, nil
}

func (m *memStore) UpsertBatch(_ context.Context, rows []store.Row) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if len(rows) == 0 {
		return nil
	}
	m.upserts = append(m.upserts, append([]store.Row(nil), rows...))
	for _, r := range rows {
		m.rows[rowKey(r.Date, r.Symbol)] = r
	}
	return nil
}

func (m *memStore) DistinctSymbols(context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var symbols []string
	for _, r := range m.rows {
		if _, dup := seen[r.Symbol]; !dup {
			seen[r.Symbol] = struct{}{}
			symbols = append(symbols, r.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (m *memStore) Days(context.Context) ([]model.Day, error) {
	seen := make(map[string]model.Day)
	for _, r := range m.rows {
		d := model.DayOf(r.Date)
		seen[d.String()] = d
	}
	var days []model.Day
	for _, d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func (m *memStore) AvailableSymbolsOn(_ context.Context, day model.Day) ([]string, error) {
	var symbols []string
	for _, r := range m.rows {
		if r.Available && model.DayOf(r.Date).Equal(day) {
			symbols = append(symbols, r.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (m *memStore) DailyCounts(_ context.Context, start, end model.Day) ([]store.DayCount, error) {
	byDay := make(map[string]*store.DayCount)
	for _, r := range m.rows {
		d := model.DayOf(r.Date)
		if d.Before(start) || d.After(end) || !r.Available {
			continue
		}
		k := d.String()
		if byDay[k] == nil {
			byDay[k] = &store.DayCount{Date: d.Time()}
		}
		byDay[k].AvailableCount++
	}
	var counts []store.DayCount
	for _, c := range byDay {
		counts = append(counts, *c)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Date.Before(counts[j].Date) })
	return counts, nil
}

func (m *memStore) LatestDay(context.Context) (model.Day, bool, error) {
	var latest model.Day
	found := false
	for _, r := range m.rows {
		d := model.DayOf(r.Date)
		if !found || d.After(latest) {
			latest, found = d, true
		}
	}
	return latest, found, nil
}

func (m *memStore) TotalRows(context.Context) (int64, error) {
	return int64(len(m.rows)), nil
}

func (m *memStore) MaterializeRankings(context.Context, string) (int64, error) {
	m.materializeCalls++
	return m.rankedRows, nil
}

type fakeProber struct {
	calls   int
	days    []string
	results map[string]probe.Result
	errs    map[string]error
}

func (f *fakeProber) ProbeDate(_ context.Context, symbols []string, day model.Day, _ string) (probe.Result, error) {
	f.calls++
	f.days = append(f.days, day.String())
	if res, ok := f.results[day.String()]; ok {
		return res, f.errs[day.String()]
	}

	res := probe.Result{
		BatchID:      "batch-" + day.String(),
		Day:          day,
		Observations: make(map[string]model.Observation, len(symbols)),
	}
	for _, s := range symbols {
		res.Observations[s] = testHit(s, day)
	}
	return res, nil
}

type fakeLister struct {
	listed  []string
	entries map[string][]vision.Entry
	errs    map[string]error
}

func (f *fakeLister) ListDaily(_ context.Context, symbol string) ([]vision.Entry, error) {
	f.listed = append(f.listed, symbol)
	return f.entries[symbol], f.errs[symbol]
}

type fakeKlines struct {
	mu    sync.Mutex
	calls []string
	aggs  map[string]*model.DayAggregates
	errs  map[string]error
}

func (f *fakeKlines) FetchDailyKline(_ context.Context, symbol string, day model.Day) (*model.DayAggregates, error) {
	key := symbol + "|" + day.String()
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	return f.aggs[key], f.errs[key]
}

func (f *fakeKlines) sortedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

type fakeLive struct {
	symbols []string
	err     error
}

func (f *fakeLive) FetchLiveSymbols(context.Context) ([]string, error) {
	return f.symbols, f.err
}

var probedAt = time.Date(2024, time.June, 2, 4, 0, 0, 0, time.UTC)

func testHit(symbol string, day model.Day) model.Observation {
	url := vision.ProbeURL(vision.DefaultBaseURL, symbol, day)
	return model.NewHit(symbol, day, url, 57000, "Sun, 02 Jun 2024 03:00:00 GMT", probedAt)
}

func testMiss(symbol string, day model.Day) model.Observation {
	url := vision.ProbeURL(vision.DefaultBaseURL, symbol, day)
	return model.NewMiss(symbol, day, url, probedAt)
}

func availRow(t *testing.T, symbol, day string) store.Row {
	t.Helper()
	d, err := model.ParseDay(day)
	require.NoError(t, err)
	return store.NewRow(testHit(symbol, d), nil)
}

func listEntry(t *testing.T, day string, size int64) vision.Entry {
	t.Helper()
	d, err := model.ParseDay(day)
	require.NoError(t, err)
	return vision.Entry{Day: d, SizeBytes: size, LastModified: d.Time().Add(27 * time.Hour)}
}

type harness struct {
	cfg    config.Config
	store  *memStore
	prober *fakeProber
	lister *fakeLister
	klines *fakeKlines
	live   *fakeLive
}

// newHarness builds a backfill-mode run over [start, end] with the given
// manifest seed. Backfill keeps the window fixed; daily mode would anchor
// tests to the wall clock.
func newHarness(t *testing.T, start, end string, manifest ...string) *harness {
	t.Helper()
	dir := t.TempDir()

	symbolsPath := filepath.Join(dir, "symbols.txt")
	lines := "# seed\n" + strings.Join(manifest, "\n") + "\n"
	require.NoError(t, os.WriteFile(symbolsPath, []byte(lines), 0o644))

	cfg := config.Default()
	cfg.Mode = config.ModeBackfill
	cfg.Start, cfg.End = start, end
	cfg.FetchKlines = false
	cfg.Workers = 4
	cfg.SymbolsPath = symbolsPath
	cfg.SchemaPath = "../../config/schema_descriptor.json"
	cfg.OutDir = filepath.Join(dir, "out")
	require.NoError(t, cfg.Validate())

	h := &harness{
		cfg:    cfg,
		store:  newMemStore(),
		prober: &fakeProber{results: map[string]probe.Result{}, errs: map[string]error{}},
		lister: &fakeLister{entries: map[string][]vision.Entry{}, errs: map[string]error{}},
		klines: &fakeKlines{aggs: map[string]*model.DayAggregates{}, errs: map[string]error{}},
		live:   &fakeLive{},
	}
	h.live.symbols = append([]string(nil), manifest...)
	return h
}

func (h *harness) run(t *testing.T) (*report.Report, error) {
	t.Helper()
	d := New(h.cfg, Deps{
		Store:   h.store,
		Prober:  h.prober,
		Lister:  h.lister,
		Klines:  h.klines,
		Live:    h.live,
		Metrics: metrics.New(),
	})
	return d.Run(context.Background())
}

func TestColdStartSingleDate(t *testing.T) {
	h := newHarness(t, "2024-06-01", "2024-06-01", "BTCUSDT", "ETHUSDT")
	h.lister.entries["BTCUSDT"] = []vision.Entry{listEntry(t, "2024-06-01", 57344)}
	h.lister.entries["ETHUSDT"] = []vision.Entry{listEntry(t, "2024-06-01", 41210)}

	rep, err := h.run(t)
	require.NoError(t, err)

	assert.False(t, rep.Failed)
	assert.Equal(t, []string{"ensure", "check"}, h.store.ddl)
	assert.Len(t, h.store.rows, 2)
	assert.Equal(t, 1, h.store.materializeCalls)

	require.Len(t, rep.Dates, 1)
	assert.Equal(t, "2024-06-01", rep.Dates[0].Date)
	assert.Equal(t, 2, rep.Dates[0].Rows)
	assert.Equal(t, 2, rep.Dates[0].Available)
	assert.Equal(t, int64(2), rep.TotalRows)

	counts, err := h.store.DailyCounts(context.Background(), mustDay(t, "2024-06-01"), mustDay(t, "2024-06-01"))
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 2, counts[0].AvailableCount)

	// Live set matched the manifest, so the file must not be rewritten.
	data, err := os.ReadFile(h.cfg.SymbolsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# seed")
}

func TestAvailabilityFlipOverwrites(t *testing.T) {
	h := newHarness(t, "2024-06-01", "2024-06-01", "BTCUSDT")
	day := mustDay(t, "2024-06-01")
	h.store.seed(availRow(t, "BTCUSDT", "2024-06-01"))

	h.prober.results[day.String()] = probe.Result{
		BatchID: "b1",
		Day:     day,
		Observations: map[string]model.Observation{
			"BTCUSDT": testMiss("BTCUSDT", day),
		},
	}

	rep, err := h.run(t)
	require.NoError(t, err)
	assert.False(t, rep.Failed)

	row, ok := h.store.get("2024-06-01", "BTCUSDT")
	require.True(t, ok)
	assert.False(t, row.Available)
	assert.Equal(t, 404, row.StatusCode)
	assert.Nil(t, row.FileSizeBytes)
	assert.Len(t, h.store.rows, 1)
}

func TestNewListingBackfill(t *testing.T) {
	h := newHarness(t, "2024-05-30", "2024-05-30", "BTCUSDT")
	h.store.seed(availRow(t, "BTCUSDT", "2024-05-29"))
	h.live.symbols = []string{"BTCUSDT", "NEWUSDT"}
	h.lister.entries["NEWUSDT"] = []vision.Entry{
		listEntry(t, "2024-05-28", 1000),
		listEntry(t, "2024-05-29", 2000),
		listEntry(t, "2024-05-30", 3000),
	}

	rep, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, []string{"NEWUSDT"}, rep.Discovery.Added)
	assert.Equal(t, 2, rep.Discovery.CatalogSize)

	data, err := os.ReadFile(h.cfg.SymbolsPath)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT\nNEWUSDT\n", string(data))

	// Only the unseen symbol is listed; the known one is probed.
	assert.Equal(t, []string{"NEWUSDT"}, h.lister.listed)
	require.Len(t, rep.Backfills, 1)
	assert.Equal(t, report.Backfill{Symbol: "NEWUSDT", Rows: 3, First: "2024-05-28", Last: "2024-05-30"}, rep.Backfills[0])

	assert.Equal(t, 1, h.prober.calls)
	// Seed + probed BTC row + three backfilled NEW rows, with the probed
	// NEW row replacing the listed one for the window date.
	assert.Len(t, h.store.rows, 5)

	row, ok := h.store.get("2024-05-28", "NEWUSDT")
	require.True(t, ok)
	assert.True(t, row.Available)
	require.NotNil(t, row.FileSizeBytes)
	assert.Equal(t, int64(1000), *row.FileSizeBytes)
	assert.Equal(t, 200, row.StatusCode)
}

func TestBreakerPartialCommitFailsRun(t *testing.T) {
	symbols := []string{
		"ADAUSDT", "BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT",
		"DOGEUSDT", "DOTUSDT", "LINKUSDT", "AVAXUSDT", "TRXUSDT",
	}
	h := newHarness(t, "2024-06-01", "2024-06-01", symbols...)
	for _, s := range symbols {
		h.store.seed(availRow(t, s, "2024-05-31"))
	}

	day := mustDay(t, "2024-06-01")
	res := probe.Result{
		BatchID: "b7",
		Day:     day,
		Observations: map[string]model.Observation{
			"ADAUSDT": testHit("ADAUSDT", day),
			"BTCUSDT": testHit("BTCUSDT", day),
			"ETHUSDT": testMiss("ETHUSDT", day),
		},
		Rejected: []string{"DOTUSDT", "LINKUSDT", "TRXUSDT", "XRPUSDT"},
		Failures: []error{fmt.Errorf("connection reset"), fmt.Errorf("connection reset"), fmt.Errorf("connection reset")},
	}
	h.prober.results[day.String()] = res
	h.prober.errs[day.String()] = &probe.BatchError{
		BatchID: "b7", Day: day, Probed: 6, Failed: 3, Rejected: 4, Tripped: true,
		First: fmt.Errorf("connection reset"),
	}

	rep, err := h.run(t)
	require.Error(t, err)

	var be *probe.BatchError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Tripped)

	// The three completed observations were committed before the failure
	// propagated; nothing was materialized.
	assert.Equal(t, 3, h.store.rowsOn("2024-06-01"))
	assert.Equal(t, 0, h.store.materializeCalls)

	assert.True(t, rep.Failed)
	require.Len(t, rep.Dates, 1)
	assert.Equal(t, 3, rep.Dates[0].Rows)
	assert.NotEmpty(t, rep.Dates[0].Error)
}

func TestSchemaDriftAbortsBeforeAnyWrite(t *testing.T) {
	h := newHarness(t, "2024-06-01", "2024-06-01", "BTCUSDT")
	h.store.seed(availRow(t, "BTCUSDT", "2024-05-31"))
	h.store.driftErr = &store.DriftError{
		Table: "daily_availability",
		Mismatches: []store.Mismatch{
			{Kind: store.MismatchUnexpected, Column: "legacy_flag"},
			{Kind: store.MismatchCount, Want: "17", Got: "18"},
		},
	}

	rep, err := h.run(t)
	require.Error(t, err)

	var de *store.DriftError
	require.ErrorAs(t, err, &de)

	// Guard runs before any DDL on an existing store, and nothing else moves.
	assert.Equal(t, []string{"check"}, h.store.ddl)
	assert.Empty(t, h.store.upserts)
	assert.Equal(t, 0, h.prober.calls)
	assert.Empty(t, h.lister.listed)
	assert.Equal(t, 0, h.store.materializeCalls)

	assert.True(t, rep.Failed)
	assert.Contains(t, rep.FailureReason, "legacy_flag")
}

func TestExistingStoreGuardBeforeIndexDDL(t *testing.T) {
	h := newHarness(t, "2024-06-01", "2024-06-01", "BTCUSDT")
	h.store.seed(availRow(t, "BTCUSDT", "2024-05-31"))

	_, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"check", "ensure"}, h.store.ddl)
}

func TestListingSubstitutionSkipsProbes(t *testing.T) {
	h := newHarness(t, "2024-01-01", "2024-03-01", "BTCUSDT")
	h.store.seed(availRow(t, "BTCUSDT", "2023-12-31"))
	h.lister.entries["BTCUSDT"] = []vision.Entry{
		listEntry(t, "2023-12-30", 100),
		listEntry(t, "2024-01-01", 200),
		listEntry(t, "2024-01-02", 300),
		listEntry(t, "2024-03-01", 400),
		listEntry(t, "2024-03-02", 500),
	}

	rep, err := h.run(t)
	require.NoError(t, err)

	// 61 days beats the break-even, so the whole window comes from one
	// listing and no HEAD batch runs.
	assert.Equal(t, 0, h.prober.calls)
	assert.Equal(t, []string{"BTCUSDT"}, h.lister.listed)
	assert.Empty(t, rep.Dates)

	require.Len(t, rep.Backfills, 1)
	assert.Equal(t, 3, rep.Backfills[0].Rows)
	assert.Equal(t, "2024-01-01", rep.Backfills[0].First)
	assert.Equal(t, "2024-03-01", rep.Backfills[0].Last)

	// Entries outside the window stay out.
	_, ok := h.store.get("2023-12-30", "BTCUSDT")
	assert.False(t, ok)
	_, ok = h.store.get("2024-03-02", "BTCUSDT")
	assert.False(t, ok)
	assert.Len(t, h.store.rows, 4)
}

func TestEnrichmentFillsAggregates(t *testing.T) {
	h := newHarness(t, "2024-06-01", "2024-06-01", "BTCUSDT", "ETHUSDT")
	h.cfg.FetchKlines = true
	h.store.seed(
		availRow(t, "BTCUSDT", "2024-05-31"),
		availRow(t, "ETHUSDT", "2024-05-31"),
	)

	day := mustDay(t, "2024-06-01")
	h.prober.results[day.String()] = probe.Result{
		BatchID: "b2",
		Day:     day,
		Observations: map[string]model.Observation{
			"BTCUSDT": testHit("BTCUSDT", day),
			"ETHUSDT": testMiss("ETHUSDT", day),
		},
	}
	h.klines.aggs["BTCUSDT|2024-06-01"] = &model.DayAggregates{
		OpenPrice: 67000.1, HighPrice: 68000.5, LowPrice: 66500.0, ClosePrice: 67800.2,
		VolumeBase: 12345.6, QuoteVolumeUSDT: 830000000.5, TradeCount: 2400000,
		TakerBuyVolumeBase: 6172.8, TakerBuyQuoteVolumeUSDT: 415000000.25,
	}

	rep, err := h.run(t)
	require.NoError(t, err)

	// Only the hit is fetched; misses have no archive to parse.
	assert.Equal(t, []string{"BTCUSDT|2024-06-01"}, h.klines.sortedCalls())

	row, ok := h.store.get("2024-06-01", "BTCUSDT")
	require.True(t, ok)
	require.NotNil(t, row.QuoteVolumeUSDT)
	assert.Equal(t, 830000000.5, *row.QuoteVolumeUSDT)
	require.NotNil(t, row.TradeCount)
	assert.Equal(t, int64(2400000), *row.TradeCount)

	miss, ok := h.store.get("2024-06-01", "ETHUSDT")
	require.True(t, ok)
	assert.Nil(t, miss.QuoteVolumeUSDT)

	assert.Equal(t, int64(1), rep.KlinesParsed)
	require.Len(t, rep.Dates, 1)
	assert.Equal(t, 1, rep.Dates[0].Klines)
}

func TestKlineFailureKeepsProbeRows(t *testing.T) {
	h := newHarness(t, "2024-06-01", "2024-06-01", "BTCUSDT")
	h.cfg.FetchKlines = true
	h.store.seed(availRow(t, "BTCUSDT", "2024-05-31"))

	day := mustDay(t, "2024-06-01")
	h.klines.errs["BTCUSDT|2024-06-01"] = &model.ParseError{
		Symbol: "BTCUSDT", Day: day, Field: "quote_volume", Value: "not-a-number",
	}

	rep, err := h.run(t)
	require.Error(t, err)

	var pe *model.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "quote_volume", pe.Field)

	// The probe rows from the window stand; the run still fails hard.
	assert.Equal(t, 1, h.store.rowsOn("2024-06-01"))
	assert.Equal(t, 0, h.store.materializeCalls)
	assert.True(t, rep.Failed)
}

func TestLiveSetUnavailableIsNotFatal(t *testing.T) {
	h := newHarness(t, "2024-06-01", "2024-06-01", "BTCUSDT")
	h.store.seed(availRow(t, "BTCUSDT", "2024-05-31"))
	h.live.err = fmt.Errorf("fetch exchange info: %w", catalog.ErrGeoBlocked)

	rep, err := h.run(t)
	require.NoError(t, err)

	assert.Contains(t, rep.Discovery.Skipped, "451")
	assert.Equal(t, 1, h.store.materializeCalls)

	// The manifest stays untouched and the cross-check reports the skip.
	data, rerr := os.ReadFile(h.cfg.SymbolsPath)
	require.NoError(t, rerr)
	assert.Contains(t, string(data), "# seed")

	var crossChecks []validate.Finding
	for _, f := range rep.Findings {
		if f.Check == validate.CheckCrossCheck {
			crossChecks = append(crossChecks, f)
		}
	}
	require.Len(t, crossChecks, 1)
	assert.Contains(t, crossChecks[0].Detail, "skipped")
}

func TestOnlySubsetRestrictsProbesAndGaps(t *testing.T) {
	h := newHarness(t, "2024-06-01", "2024-06-01", "BTCUSDT", "ETHUSDT", "SOLUSDT")
	h.cfg.Only = []string{"ETHUSDT"}
	require.NoError(t, h.cfg.Validate())
	h.store.seed(availRow(t, "ETHUSDT", "2024-05-31"))

	rep, err := h.run(t)
	require.NoError(t, err)

	// No gap backfill for the out-of-subset symbols, one single-symbol batch.
	assert.Empty(t, h.lister.listed)
	assert.Equal(t, 1, h.prober.calls)
	require.Len(t, rep.Dates, 1)
	assert.Equal(t, 1, rep.Dates[0].Rows)

	_, ok := h.store.get("2024-06-01", "ETHUSDT")
	assert.True(t, ok)
	_, ok = h.store.get("2024-06-01", "BTCUSDT")
	assert.False(t, ok)
}

func TestListingErrorFailsRun(t *testing.T) {
	h := newHarness(t, "2024-06-01", "2024-06-01", "BTCUSDT")
	h.lister.errs["BTCUSDT"] = fmt.Errorf("failed to list prefix data/futures/um/daily/klines/BTCUSDT/1m/: timeout")

	rep, err := h.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list prefix")
	assert.Equal(t, 0, h.store.materializeCalls)
	assert.True(t, rep.Failed)
}

func mustDay(t *testing.T, s string) model.Day {
	t.Helper()
	d, err := model.ParseDay(s)
	require.NoError(t, err)
	return d
}
