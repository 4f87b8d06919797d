package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"geosplit/internal/config"
	"geosplit/internal/dataset"
	"geosplit/internal/geoparquet"
	"geosplit/internal/runledger"
	"geosplit/internal/split"
)

type fakeLogger struct {
	lines []string
}

func (f *fakeLogger) Printf(format string, v ...any) {
	f.lines = append(f.lines, fmt.Sprintf(format, v...))
}

func (f *fakeLogger) contains(sub string) bool {
	for _, l := range f.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

type fakeEngine struct {
	counties     map[string][]string
	distinctErr  error
	distinctPath string
	closed       bool
}

func (f *fakeEngine) DistinctValues(_ context.Context, path, _ string) ([]string, error) {
	f.distinctPath = path
	if f.distinctErr != nil {
		return nil, f.distinctErr
	}
	return f.counties[filepath.Base(path)], nil
}

func (f *fakeEngine) FilteredRows(context.Context, string, string, string) (*dataset.Frame, error) {
	return &dataset.Frame{}, nil
}

func (f *fakeEngine) Close() { f.closed = true }

type extractCall struct {
	file   string
	key    string
	pinned bool
}

type fakeExtractor struct {
	calls  []extractCall
	frames map[string]*dataset.Frame // "file|key"
	errs   map[string]error
}

func (f *fakeExtractor) Extract(_ context.Context, path, key string, pinned bool) (*dataset.Frame, error) {
	file := filepath.Base(path)
	f.calls = append(f.calls, extractCall{file: file, key: key, pinned: pinned})
	k := file + "|" + key
	if err := f.errs[k]; err != nil {
		return nil, err
	}
	if fr, ok := f.frames[k]; ok {
		return fr, nil
	}
	return &dataset.Frame{Columns: []string{"COUNTY"}}, nil
}

type writeCall struct {
	dir        string
	countySafe string
	stem       string
	mainFile   bool
	rows       int
}

type fakeSplitter struct {
	calls []writeCall
	err   error
}

func (f *fakeSplitter) Write(frame *dataset.Frame, dir, countySafe, stem string, mainFile bool) error {
	f.calls = append(f.calls, writeCall{dir: dir, countySafe: countySafe, stem: stem, mainFile: mainFile, rows: frame.NumRows()})
	return f.err
}

type fakeRecorder struct {
	runs []runledger.Run
	err  error
}

func (f *fakeRecorder) RecordRun(_ context.Context, run runledger.Run) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.runs = append(f.runs, run)
	return int64(len(f.runs)), nil
}

func (f *fakeRecorder) Close() {}

func newTestRunner(eng *fakeEngine, ex *fakeExtractor, sp *fakeSplitter) (*Runner, *fakeLogger) {
	lg := &fakeLogger{}
	return &Runner{
		Log: lg,
		OpenEngine: func(context.Context) (QueryEngine, error) {
			return eng, nil
		},
		Inspect: func(path, geometryColumn string) (*geoparquet.Schema, error) {
			return &geoparquet.Schema{
				Path:           path,
				Columns:        []string{"COUNTY", "PARCEL_LID", "geometry"},
				GeometryColumn: geometryColumn,
			}, nil
		},
		NewExtractor: func(split.RowQuerier, config.Config, Logger) Extractor { return ex },
		NewSplitter:  func(config.Config, Logger) OutputWriter { return sp },
		OpenLedger: func(context.Context, string) (RunRecorder, error) {
			return nil, errors.New("no ledger wired")
		},
	}, lg
}

// writeInput creates a dummy parquet file of the given size so the
// largest-file heuristic has something to compare.
func writeInput(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, bytes.Repeat([]byte("x"), size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func frameWithRows(n int) *dataset.Frame {
	fr := &dataset.Frame{
		Columns:        []string{"COUNTY", "PARCEL_LID", "geometry"},
		GeometryColumn: "geometry",
	}
	for i := 0; i < n; i++ {
		fr.Rows = append(fr.Rows, map[string]any{"COUNTY": "x", "PARCEL_LID": int64(i)})
	}
	return fr
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	in := t.TempDir()
	return config.Config{
		InputDir:  in,
		OutputDir: filepath.Join(t.TempDir(), "out"),
	}
}

func TestRunner_FullRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeInput(t, cfg.InputDir, "parcels.parquet", 2000)
	writeInput(t, cfg.InputDir, "owners.parquet", 100)

	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {"Washington", "Clackamas"},
	}}
	ex := &fakeExtractor{frames: map[string]*dataset.Frame{
		"parcels.parquet|Clackamas":  frameWithRows(3),
		"parcels.parquet|Washington": frameWithRows(2),
		"owners.parquet|Clackamas":   frameWithRows(1),
		"owners.parquet|Washington":  {Columns: []string{"COUNTY"}},
	}}
	sp := &fakeSplitter{}
	r, _ := newTestRunner(eng, ex, sp)

	if err := r.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if r.Phase() != PhaseDone {
		t.Fatalf("phase=%v, want done", r.Phase())
	}
	if !eng.closed {
		t.Fatalf("engine not closed")
	}

	// Discovery ran against the largest file.
	if filepath.Base(eng.distinctPath) != "parcels.parquet" {
		t.Fatalf("discovery path=%s, want parcels.parquet", eng.distinctPath)
	}

	// Counties visited in sorted order within each file, unpinned.
	wantCalls := []extractCall{
		{file: "owners.parquet", key: "Clackamas"},
		{file: "owners.parquet", key: "Washington"},
		{file: "parcels.parquet", key: "Clackamas"},
		{file: "parcels.parquet", key: "Washington"},
	}
	if len(ex.calls) != len(wantCalls) {
		t.Fatalf("extract calls=%d, want %d: %+v", len(ex.calls), len(wantCalls), ex.calls)
	}
	for i, want := range wantCalls {
		if ex.calls[i] != want {
			t.Fatalf("extract call[%d]=%+v, want %+v", i, ex.calls[i], want)
		}
	}

	// The empty (owners, Washington) pair produced no output, the rest did,
	// with the main-file flag set only for parcels.
	if len(sp.calls) != 3 {
		t.Fatalf("write calls=%d, want 3: %+v", len(sp.calls), sp.calls)
	}
	for _, c := range sp.calls {
		wantMain := c.stem == "parcels"
		if c.mainFile != wantMain {
			t.Fatalf("write %+v: mainFile=%v, want %v", c, c.mainFile, wantMain)
		}
		if filepath.Base(c.dir) != c.countySafe {
			t.Fatalf("write dir %s does not end in %s", c.dir, c.countySafe)
		}
		if _, err := os.Stat(c.dir); err != nil {
			t.Fatalf("county dir not created: %v", err)
		}
	}

	b, err := os.ReadFile(filepath.Join(cfg.OutputDir, SummaryFileName))
	if err != nil {
		t.Fatalf("summary report: %v", err)
	}
	if !strings.Contains(string(b), "Grand Total: 6 records processed") {
		t.Fatalf("summary content wrong:\n%s", b)
	}
}

func TestRunner_PinnedCounty(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.TargetCounty = "Clackamas"
	writeInput(t, cfg.InputDir, "parcels.parquet", 500)

	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {"Clackamas", "Washington"},
	}}
	ex := &fakeExtractor{frames: map[string]*dataset.Frame{
		"parcels.parquet|Clackamas": frameWithRows(4),
	}}
	sp := &fakeSplitter{}
	r, _ := newTestRunner(eng, ex, sp)

	if err := r.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if len(ex.calls) != 1 {
		t.Fatalf("extract calls=%d, want 1: %+v", len(ex.calls), ex.calls)
	}
	if !ex.calls[0].pinned || ex.calls[0].key != "Clackamas" {
		t.Fatalf("extract call=%+v, want pinned Clackamas", ex.calls[0])
	}
	if len(sp.calls) != 1 || sp.calls[0].countySafe != "Clackamas" {
		t.Fatalf("write calls=%+v", sp.calls)
	}
}

func TestRunner_PinnedCountyNotFound(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.TargetCounty = "Nowhere"
	writeInput(t, cfg.InputDir, "parcels.parquet", 500)

	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {"Clackamas"},
	}}
	ex := &fakeExtractor{}
	r, lg := newTestRunner(eng, ex, &fakeSplitter{})

	err := r.Run(context.Background(), cfg)
	if err == nil {
		t.Fatalf("Run() err=nil, want not-found error")
	}
	if r.Phase() != PhaseFailed {
		t.Fatalf("phase=%v, want failed", r.Phase())
	}
	if len(ex.calls) != 0 {
		t.Fatalf("extraction ran despite invalid target: %+v", ex.calls)
	}
	if !lg.contains("available counties") {
		t.Fatalf("available counties not logged:\n%v", lg.lines)
	}
}

func TestRunner_PinnedCountyNFCEquivalent(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	// Decomposed u + combining diaeresis; discovery returns the composed form.
	cfg.TargetCounty = "Gru\u0308nwald"
	writeInput(t, cfg.InputDir, "parcels.parquet", 500)

	composed := "Gr\u00fcnwald"
	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {composed},
	}}
	ex := &fakeExtractor{frames: map[string]*dataset.Frame{
		"parcels.parquet|" + composed: frameWithRows(2),
	}}
	sp := &fakeSplitter{}
	r, _ := newTestRunner(eng, ex, sp)

	if err := r.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() err=%v, want NFC-equivalent target accepted", err)
	}
	// Extraction must use the spelling that occurs in the data: filtering
	// is byte-exact on both paths, so the requested decomposed form would
	// match nothing.
	if len(ex.calls) != 1 || ex.calls[0].key != composed {
		t.Fatalf("extract calls=%+v, want key %q", ex.calls, composed)
	}
	if len(sp.calls) != 1 || sp.calls[0].rows != 2 {
		t.Fatalf("write calls=%+v, want one write of 2 rows", sp.calls)
	}

	b, err := os.ReadFile(filepath.Join(cfg.OutputDir, SummaryFileName))
	if err != nil {
		t.Fatalf("summary report: %v", err)
	}
	if !strings.Contains(string(b), "Grand Total: 2 records processed") {
		t.Fatalf("rows lost on NFC-equivalent target:\n%s", b)
	}
}

func TestRunner_PairFailureContinues(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeInput(t, cfg.InputDir, "parcels.parquet", 500)

	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {"Clackamas", "Washington"},
	}}
	ex := &fakeExtractor{
		frames: map[string]*dataset.Frame{
			"parcels.parquet|Washington": frameWithRows(2),
		},
		errs: map[string]error{
			"parcels.parquet|Clackamas": errors.New("read failed"),
		},
	}
	sp := &fakeSplitter{}
	r, lg := newTestRunner(eng, ex, sp)

	if err := r.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() err=%v, want pair failure absorbed", err)
	}
	if len(sp.calls) != 1 || sp.calls[0].countySafe != "Washington" {
		t.Fatalf("write calls=%+v, want Washington only", sp.calls)
	}
	if !lg.contains("error processing county Clackamas") {
		t.Fatalf("pair failure not logged:\n%v", lg.lines)
	}

	b, err := os.ReadFile(filepath.Join(cfg.OutputDir, SummaryFileName))
	if err != nil {
		t.Fatalf("summary report: %v", err)
	}
	if !strings.Contains(string(b), "Grand Total: 2 records processed") {
		t.Fatalf("failed pair counted:\n%s", b)
	}
}

func TestRunner_NoParquetFiles(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	r, _ := newTestRunner(&fakeEngine{}, &fakeExtractor{}, &fakeSplitter{})

	err := r.Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "no parquet files") {
		t.Fatalf("Run() err=%v, want no-files error", err)
	}
	if r.Phase() != PhaseFailed {
		t.Fatalf("phase=%v, want failed", r.Phase())
	}
}

func TestRunner_NoCountiesFound(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeInput(t, cfg.InputDir, "parcels.parquet", 500)

	eng := &fakeEngine{counties: map[string][]string{}}
	r, _ := newTestRunner(eng, &fakeExtractor{}, &fakeSplitter{})

	err := r.Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "no partition keys") {
		t.Fatalf("Run() err=%v, want no-keys error", err)
	}
}

func TestRunner_MainFileOverride(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.MainFile = "owners.parquet"
	writeInput(t, cfg.InputDir, "parcels.parquet", 2000)
	writeInput(t, cfg.InputDir, "owners.parquet", 100)

	eng := &fakeEngine{counties: map[string][]string{
		"owners.parquet": {"Clackamas"},
	}}
	sp := &fakeSplitter{}
	r, _ := newTestRunner(eng, &fakeExtractor{frames: map[string]*dataset.Frame{
		"owners.parquet|Clackamas": frameWithRows(1),
	}}, sp)

	if err := r.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if filepath.Base(eng.distinctPath) != "owners.parquet" {
		t.Fatalf("discovery path=%s, want override owners.parquet", eng.distinctPath)
	}
	for _, c := range sp.calls {
		wantMain := c.stem == "owners"
		if c.mainFile != wantMain {
			t.Fatalf("write %+v: mainFile=%v, want %v", c, c.mainFile, wantMain)
		}
	}
}

func TestRunner_MainFileOverrideMissing(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.MainFile = "absent.parquet"
	writeInput(t, cfg.InputDir, "parcels.parquet", 500)

	r, _ := newTestRunner(&fakeEngine{}, &fakeExtractor{}, &fakeSplitter{})
	err := r.Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "absent.parquet") {
		t.Fatalf("Run() err=%v, want missing main file error", err)
	}
}

func TestRunner_InspectFailureSkipsFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeInput(t, cfg.InputDir, "parcels.parquet", 2000)
	writeInput(t, cfg.InputDir, "broken.parquet", 100)

	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {"Clackamas"},
	}}
	ex := &fakeExtractor{frames: map[string]*dataset.Frame{
		"parcels.parquet|Clackamas": frameWithRows(1),
	}}
	r, lg := newTestRunner(eng, ex, &fakeSplitter{})
	inner := r.Inspect
	r.Inspect = func(path, geometryColumn string) (*geoparquet.Schema, error) {
		if filepath.Base(path) == "broken.parquet" {
			return nil, errors.New("corrupt footer")
		}
		return inner(path, geometryColumn)
	}

	if err := r.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() err=%v, want file failure absorbed", err)
	}
	for _, c := range ex.calls {
		if c.file == "broken.parquet" {
			t.Fatalf("extraction attempted on uninspectable file")
		}
	}
	if !lg.contains("error inspecting broken.parquet") {
		t.Fatalf("inspect failure not logged:\n%v", lg.lines)
	}

	// The broken file still shows up in the report with a zero total.
	b, err := os.ReadFile(filepath.Join(cfg.OutputDir, SummaryFileName))
	if err != nil {
		t.Fatalf("summary report: %v", err)
	}
	if !strings.Contains(string(b), "File: broken.parquet") {
		t.Fatalf("skipped file missing from report:\n%s", b)
	}
}

func TestRunner_MissingPartitionColumnSkipsFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeInput(t, cfg.InputDir, "parcels.parquet", 2000)
	writeInput(t, cfg.InputDir, "lookup.parquet", 100)

	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {"Clackamas"},
	}}
	ex := &fakeExtractor{frames: map[string]*dataset.Frame{
		"parcels.parquet|Clackamas": frameWithRows(1),
	}}
	r, lg := newTestRunner(eng, ex, &fakeSplitter{})
	r.Inspect = func(path, geometryColumn string) (*geoparquet.Schema, error) {
		cols := []string{"COUNTY", "PARCEL_LID", "geometry"}
		if filepath.Base(path) == "lookup.parquet" {
			cols = []string{"CODE", "LABEL"}
		}
		return &geoparquet.Schema{Path: path, Columns: cols, GeometryColumn: geometryColumn}, nil
	}

	if err := r.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	for _, c := range ex.calls {
		if c.file == "lookup.parquet" {
			t.Fatalf("extraction attempted on file without partition column")
		}
	}
	if !lg.contains("lookup.parquet has no COUNTY column") {
		t.Fatalf("skip not logged:\n%v", lg.lines)
	}
}

func TestRunner_LedgerRecorded(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.LedgerDSN = "test.db"
	writeInput(t, cfg.InputDir, "parcels.parquet", 500)

	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {"Clackamas"},
	}}
	rec := &fakeRecorder{}
	r, _ := newTestRunner(eng, &fakeExtractor{frames: map[string]*dataset.Frame{
		"parcels.parquet|Clackamas": frameWithRows(5),
	}}, &fakeSplitter{})
	r.OpenLedger = func(context.Context, string) (RunRecorder, error) { return rec, nil }

	if err := r.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if len(rec.runs) != 1 {
		t.Fatalf("recorded runs=%d, want 1", len(rec.runs))
	}
	run := rec.runs[0]
	if run.GrandTotal != 5 {
		t.Fatalf("GrandTotal=%d, want 5", run.GrandTotal)
	}
	if len(run.Counts) != 1 || run.Counts[0].County != "Clackamas" || run.Counts[0].Rows != 5 {
		t.Fatalf("counts=%+v", run.Counts)
	}
}

func TestRunner_LedgerFailureNotFatal(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.LedgerDSN = "test.db"
	writeInput(t, cfg.InputDir, "parcels.parquet", 500)

	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {"Clackamas"},
	}}
	r, lg := newTestRunner(eng, &fakeExtractor{frames: map[string]*dataset.Frame{
		"parcels.parquet|Clackamas": frameWithRows(1),
	}}, &fakeSplitter{})
	r.OpenLedger = func(context.Context, string) (RunRecorder, error) {
		return nil, errors.New("disk full")
	}

	if err := r.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() err=%v, want ledger failure absorbed", err)
	}
	if r.Phase() != PhaseDone {
		t.Fatalf("phase=%v, want done", r.Phase())
	}
	if !lg.contains("run not recorded") {
		t.Fatalf("ledger failure not logged:\n%v", lg.lines)
	}
}

func TestRunner_ListCounties(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeInput(t, cfg.InputDir, "parcels.parquet", 2000)
	writeInput(t, cfg.InputDir, "owners.parquet", 100)

	eng := &fakeEngine{counties: map[string][]string{
		"parcels.parquet": {"Washington", "Clackamas", "Multnomah"},
	}}
	r, _ := newTestRunner(eng, &fakeExtractor{}, &fakeSplitter{})

	got, err := r.ListCounties(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ListCounties() err=%v", err)
	}
	want := []string{"Clackamas", "Multnomah", "Washington"}
	if len(got) != len(want) {
		t.Fatalf("counties=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("counties=%v, want %v", got, want)
		}
	}
	if !eng.closed {
		t.Fatalf("engine not closed after listing")
	}
}
