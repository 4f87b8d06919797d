// Package runner orchestrates a split run: discovery, validation,
// per-(file, partition key) extraction and splitting, and the final
// summary.
//
// The run is a small state machine. Fatal preconditions (missing input,
// no files, no partition keys, invalid requested key, engine init failure)
// move it to Failed before any output is produced. Once extraction starts,
// individual (file, key) failures are absorbed: logged, recorded as zero in
// the summary, and the run continues.
package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"geosplit/internal/config"
	"geosplit/internal/dataset"
	"geosplit/internal/engine"
	"geosplit/internal/geoparquet"
	"geosplit/internal/metrics"
	"geosplit/internal/runledger"
	"geosplit/internal/split"
	"geosplit/internal/summary"
)

// SummaryFileName is the report written into the output root.
const SummaryFileName = "split_summary.txt"

// Phase is the runner's lifecycle state, exposed for tests and logging.
type Phase int

const (
	PhaseInitialized Phase = iota
	PhaseDiscovering
	PhaseValidating
	PhaseExtracting
	PhaseSummarizing
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialized:
		return "initialized"
	case PhaseDiscovering:
		return "discovering"
	case PhaseValidating:
		return "validating"
	case PhaseExtracting:
		return "extracting"
	case PhaseSummarizing:
		return "summarizing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Logger is the minimal logging seam.
type Logger interface {
	Printf(format string, v ...any)
}

// QueryEngine is what the runner needs from the backing engine.
type QueryEngine interface {
	DistinctValues(ctx context.Context, path, column string) ([]string, error)
	FilteredRows(ctx context.Context, path, column, value string) (*dataset.Frame, error)
	Close()
}

// Extractor produces the row subset for one (file, key) pair.
type Extractor interface {
	Extract(ctx context.Context, path, key string, pinned bool) (*dataset.Frame, error)
}

// OutputWriter writes the split outputs for one row subset.
type OutputWriter interface {
	Write(frame *dataset.Frame, dir, countySafe, stem string, mainFile bool) error
}

// RunRecorder persists completed runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run runledger.Run) (int64, error)
	Close()
}

// Runner executes split runs. The func fields are seams; production code
// uses NewDefaultRunner, tests substitute fakes.
type Runner struct {
	Log Logger

	OpenEngine   func(ctx context.Context) (QueryEngine, error)
	Inspect      func(path, geometryColumn string) (*geoparquet.Schema, error)
	NewExtractor func(q split.RowQuerier, cfg config.Config, logger Logger) Extractor
	NewSplitter  func(cfg config.Config, logger Logger) OutputWriter
	OpenLedger   func(ctx context.Context, dsn string) (RunRecorder, error)

	phase Phase
}

// NewDefaultRunner wires the real engine, reader, and writer.
func NewDefaultRunner(logger Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		Log: logger,
		OpenEngine: func(ctx context.Context) (QueryEngine, error) {
			e, err := engine.Open(ctx)
			if err != nil {
				return nil, err
			}
			return e, nil
		},
		Inspect: geoparquet.Inspect,
		NewExtractor: func(q split.RowQuerier, cfg config.Config, logger Logger) Extractor {
			return split.NewExtractor(q, cfg.PartitionColumn, cfg.GeometryColumn, logger)
		},
		NewSplitter: func(cfg config.Config, logger Logger) OutputWriter {
			return split.NewSplitter(cfg.IdentifierColumn, cfg.GeometryColumn, geoparquet.Write, logger)
		},
		OpenLedger: func(ctx context.Context, dsn string) (RunRecorder, error) {
			l, err := runledger.Open(ctx, dsn)
			if err != nil {
				return nil, err
			}
			return l, nil
		},
	}
}

// Phase returns the runner's current lifecycle state.
func (r *Runner) Phase() Phase { return r.phase }

func (r *Runner) fail(err error) error {
	r.phase = PhaseFailed
	return err
}

// ListCounties performs discovery only: it finds the main file and returns
// the sorted partition-key set. No output is produced.
func (r *Runner) ListCounties(ctx context.Context, cfg config.Config) ([]string, error) {
	cfg.ApplyDefaults()

	files, err := listParquetFiles(cfg.InputDir)
	if err != nil {
		return nil, err
	}

	eng, err := r.OpenEngine(ctx)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()

	mainPath, err := resolveMainFile(cfg, files)
	if err != nil {
		return nil, err
	}

	counties, err := eng.DistinctValues(ctx, mainPath, cfg.PartitionColumn)
	if err != nil {
		return nil, err
	}
	sort.Strings(counties)
	return counties, nil
}

// Run executes one full split run.
func (r *Runner) Run(ctx context.Context, cfg config.Config) error {
	start := time.Now()
	cfg.ApplyDefaults()

	issues := config.Validate(cfg)
	for _, iss := range issues {
		r.Log.Printf("config: %s: %s: %s", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasError(issues) {
		return r.fail(fmt.Errorf("configuration is invalid"))
	}

	r.phase = PhaseInitialized
	files, err := listParquetFiles(cfg.InputDir)
	if err != nil {
		return r.fail(err)
	}
	r.Log.Printf("found %d parquet files to process", len(files))

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return r.fail(fmt.Errorf("create output dir: %w", err))
	}

	eng, err := r.OpenEngine(ctx)
	if err != nil {
		return r.fail(fmt.Errorf("open engine: %w", err))
	}
	defer eng.Close()

	r.phase = PhaseDiscovering
	mainPath, err := resolveMainFile(cfg, files)
	if err != nil {
		return r.fail(err)
	}
	r.Log.Printf("discovering counties in %s...", filepath.Base(mainPath))

	counties, err := eng.DistinctValues(ctx, mainPath, cfg.PartitionColumn)
	if err != nil {
		return r.fail(err)
	}
	if len(counties) == 0 {
		return r.fail(fmt.Errorf("no partition keys found in %s", filepath.Base(mainPath)))
	}
	sort.Strings(counties)
	r.Log.Printf("found %d counties: %v", len(counties), counties)

	r.phase = PhaseValidating
	if cfg.TargetCounty != "" {
		match, ok := matchNFC(counties, cfg.TargetCounty)
		if !ok {
			r.Log.Printf("target county %q not found in data; available counties: %v", cfg.TargetCounty, counties)
			return r.fail(fmt.Errorf("partition key %q not found in data", cfg.TargetCounty))
		}
		// Adopt the data-side spelling: both extraction paths compare raw
		// bytes, so filtering with the requested spelling would silently
		// match nothing when the data stores an NFC-equivalent form.
		cfg.TargetCounty = match
	}

	pinned := cfg.TargetCounty != ""
	keys := counties
	if pinned {
		keys = []string{cfg.TargetCounty}
		r.Log.Printf("extracting data for %s county only", cfg.TargetCounty)
	} else {
		r.Log.Printf("processing all %d counties", len(counties))
	}

	r.phase = PhaseExtracting
	extractor := r.NewExtractor(eng, cfg, r.Log)
	splitter := r.NewSplitter(cfg, r.Log)
	sum := summary.New()

	for _, path := range files {
		name := filepath.Base(path)
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		sum.AddFile(name)
		r.Log.Printf("processing %s...", name)

		// Schemas can differ between files in the same run; re-derive
		// every time.
		schema, err := r.Inspect(path, cfg.GeometryColumn)
		if err != nil {
			r.Log.Printf("error inspecting %s: %v; skipping file", name, err)
			continue
		}
		if !hasColumn(schema.Columns, cfg.PartitionColumn) {
			r.Log.Printf("%s has no %s column; skipping file", name, cfg.PartitionColumn)
			continue
		}
		isMain := path == mainPath

		for _, county := range keys {
			r.processPair(ctx, extractor, splitter, sum, cfg, path, name, stem, county, pinned, isMain)
		}
	}

	r.phase = PhaseSummarizing
	elapsed := time.Since(start)
	absOut, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		absOut = cfg.OutputDir
	}
	summaryPath := filepath.Join(cfg.OutputDir, SummaryFileName)
	if err := sum.WriteFile(summaryPath, cfg.TargetCounty, absOut, elapsed); err != nil {
		return r.fail(err)
	}
	r.Log.Printf("summary report created: %s", summaryPath)

	if cfg.LedgerDSN != "" {
		r.recordLedger(ctx, cfg, start, elapsed, sum)
	}

	r.Log.Printf("processing completed in %.2f seconds", elapsed.Seconds())
	r.Log.Printf("output saved to: %s", absOut)
	r.phase = PhaseDone
	return nil
}

// processPair extracts and splits one (file, county) pair. All failures are
// absorbed here; the pair is recorded as zero and the run continues.
func (r *Runner) processPair(
	ctx context.Context,
	extractor Extractor,
	splitter OutputWriter,
	sum *summary.Summary,
	cfg config.Config,
	path, name, stem, county string,
	pinned, isMain bool,
) {
	frame, err := extractor.Extract(ctx, path, county, pinned)
	if err != nil {
		r.Log.Printf("error processing county %s in %s: %v", county, name, err)
		sum.Record(name, county, 0)
		metrics.IncCounter(metrics.PartitionsTotal, 1, metrics.Labels{"status": "failed"})
		return
	}
	if frame.NumRows() == 0 {
		r.Log.Printf("no records found for county %s in %s", county, name)
		sum.Record(name, county, 0)
		metrics.IncCounter(metrics.PartitionsTotal, 1, metrics.Labels{"status": "empty"})
		return
	}

	safe := split.SafeName(county)
	dir := filepath.Join(cfg.OutputDir, safe)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.Log.Printf("error creating %s: %v", dir, err)
		sum.Record(name, county, 0)
		metrics.IncCounter(metrics.PartitionsTotal, 1, metrics.Labels{"status": "failed"})
		return
	}

	if err := splitter.Write(frame, dir, safe, stem, isMain); err != nil {
		r.Log.Printf("error writing outputs for county %s in %s: %v", county, name, err)
		sum.Record(name, county, 0)
		metrics.IncCounter(metrics.PartitionsTotal, 1, metrics.Labels{"status": "failed"})
		return
	}

	sum.Record(name, county, int64(frame.NumRows()))
	metrics.IncCounter(metrics.PartitionsTotal, 1, metrics.Labels{"status": "ok"})
	if cfg.Verbose {
		r.Log.Printf("%s: %d records processed", county, frame.NumRows())
	}
}

func (r *Runner) recordLedger(ctx context.Context, cfg config.Config, start time.Time, elapsed time.Duration, sum *summary.Summary) {
	ledger, err := r.OpenLedger(ctx, cfg.LedgerDSN)
	if err != nil {
		r.Log.Printf("ledger: %v; run not recorded", err)
		return
	}
	defer ledger.Close()

	run := runledger.Run{
		StartedAt:  start,
		Elapsed:    elapsed,
		OutputDir:  cfg.OutputDir,
		GrandTotal: sum.GrandTotal(),
	}
	for _, c := range sum.Counts() {
		run.Counts = append(run.Counts, runledger.Count{File: c.File, County: c.County, Rows: c.Rows})
	}
	if _, err := ledger.RecordRun(ctx, run); err != nil {
		r.Log.Printf("ledger: record run: %v", err)
	}
}

// listParquetFiles returns the parquet files in dir, in directory-listing
// order. Missing dir and empty result are both fatal preconditions.
func listParquetFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("input directory: %w", err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".parquet") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no parquet files found in %s", dir)
	}
	return out, nil
}

// resolveMainFile returns the main geometry-bearing file: the configured
// override when set, otherwise the largest file by byte size. The largest-
// file rule is a convention of the dataset producer, not a guarantee —
// hence the override.
func resolveMainFile(cfg config.Config, files []string) (string, error) {
	if cfg.MainFile != "" {
		want := filepath.Join(cfg.InputDir, cfg.MainFile)
		for _, f := range files {
			if f == want {
				return f, nil
			}
		}
		return "", fmt.Errorf("main file %s not found in %s", cfg.MainFile, cfg.InputDir)
	}

	var (
		best     string
		bestSize int64 = -1
	)
	for _, f := range files {
		st, err := os.Stat(f)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", f, err)
		}
		if st.Size() > bestSize {
			best, bestSize = f, st.Size()
		}
	}
	return best, nil
}

func hasColumn(columns []string, name string) bool {
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}

// matchNFC returns the element of set equal to v under NFC normalization,
// so composed and decomposed spellings of the same county name compare
// equal. The data-side spelling is returned because downstream filtering
// is byte-exact and must use the form that actually occurs in the data.
func matchNFC(set []string, v string) (string, bool) {
	nv := norm.NFC.String(v)
	for _, s := range set {
		if norm.NFC.String(s) == nv {
			return s, true
		}
	}
	return "", false
}
