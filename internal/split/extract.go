// Package split implements the row extraction and geometry/attribute
// decomposition at the heart of the pipeline.
//
// Extraction has two execution paths:
//
//   - the library path: a full geometry-aware parquet read followed by an
//     in-memory equality filter on the partition column
//   - the engine path: a predicate push-down query so only matching rows
//     are materialized
//
// The engine path is faster when a single partition key is pinned, but the
// engine's geometry encoding does not always survive the trip: a known
// mismatch between the query engine and the geometry library yields raw
// bytes where a structured geometry belongs. That condition is signalled
// with ErrRawGeometry and handled by re-issuing the request on the library
// path — the bytes are never reinterpreted in place. This is the one and
// only retry in the pipeline.
package split

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"geosplit/internal/dataset"
	"geosplit/internal/geoparquet"
	"geosplit/internal/metrics"
)

// ErrRawGeometry reports that the engine returned the geometry column in a
// raw byte encoding instead of a structured geometry value.
var ErrRawGeometry = errors.New("geometry column is raw bytes, not a structured geometry")

// ErrGeometryConstruct reports any other failure to wrap an engine result
// as a geometry-capable structure. Kept distinct from ErrRawGeometry so
// tests can tell the two fallback triggers apart, but both trigger the
// same library-path fallback.
var ErrGeometryConstruct = errors.New("cannot construct geometry from engine result")

// RowQuerier is the engine-side filtered projection (Path B).
type RowQuerier interface {
	FilteredRows(ctx context.Context, path, column, value string) (*dataset.Frame, error)
}

// Logger is the minimal logging seam, satisfied by *log.Logger and by the
// standard log package via LoggerFunc.
type Logger interface {
	Printf(format string, v ...any)
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(format string, v ...any)

func (f LoggerFunc) Printf(format string, v ...any) { f(format, v...) }

// Extractor produces the row subset for one (file, partition key) pair.
type Extractor struct {
	Querier RowQuerier

	// Load is the library path; defaults to geoparquet.Load.
	Load func(path, geometryColumn string) (*dataset.Frame, error)

	PartitionColumn string
	GeometryColumn  string

	Log Logger
}

// NewExtractor builds an extractor over the given engine with the default
// library loader.
func NewExtractor(q RowQuerier, partitionColumn, geometryColumn string, logger Logger) *Extractor {
	return &Extractor{
		Querier:         q,
		Load:            geoparquet.Load,
		PartitionColumn: partitionColumn,
		GeometryColumn:  geometryColumn,
		Log:             logger,
	}
}

// Extract returns the rows of path whose partition column equals key.
//
// Strategy selection:
//   - pinned=true: engine path first; on a geometry encoding or
//     construction failure, fall back once to the library path.
//   - pinned=false: library path only. The full file has to be loaded for
//     spatial-metadata fidelity anyway, and the engine path would hit the
//     same encoding mismatch on every key.
//
// Zero matching rows is not an error; callers receive an empty frame.
func (x *Extractor) Extract(ctx context.Context, path, key string, pinned bool) (*dataset.Frame, error) {
	if !pinned {
		return x.extractLibrary(path, key)
	}

	frame, err := x.extractEngine(ctx, path, key)
	if err == nil {
		return frame, nil
	}
	if errors.Is(err, ErrRawGeometry) || errors.Is(err, ErrGeometryConstruct) {
		x.logf("county %s: %v; falling back to full geometry-aware read of %s", key, err, path)
		metrics.IncCounter(metrics.FallbacksTotal, 1, nil)
		return x.extractLibrary(path, key)
	}
	return nil, err
}

// extractEngine runs the push-down query and verifies the result is
// geometry-capable.
func (x *Extractor) extractEngine(ctx context.Context, path, key string) (*dataset.Frame, error) {
	start := time.Now()
	frame, err := x.Querier.FilteredRows(ctx, path, x.PartitionColumn, key)
	if err != nil {
		return nil, err
	}
	metrics.ObserveHistogram(metrics.ExtractDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"path": "engine"})

	if frame.HasColumn(x.GeometryColumn) {
		frame.GeometryColumn = x.GeometryColumn
		if err := checkGeometry(frame); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// extractLibrary loads the full file through the geometry-aware reader and
// filters in memory.
func (x *Extractor) extractLibrary(path, key string) (*dataset.Frame, error) {
	start := time.Now()
	full, err := x.Load(path, x.GeometryColumn)
	if err != nil {
		return nil, fmt.Errorf("geometry-aware read: %w", err)
	}
	metrics.ObserveHistogram(metrics.ExtractDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"path": "library"})

	return full.FilterEqual(x.PartitionColumn, key), nil
}

// checkGeometry verifies the geometry column holds structured values. It
// inspects the first non-NULL geometry cell: engine results carry either
// decoded geometries or the raw encoding uniformly, so one cell decides.
func checkGeometry(frame *dataset.Frame) error {
	for _, row := range frame.Rows {
		v := row[frame.GeometryColumn]
		if v == nil {
			continue
		}
		switch v.(type) {
		case orb.Geometry:
			return nil
		case []byte, string:
			return ErrRawGeometry
		default:
			return fmt.Errorf("%w: cell type %T", ErrGeometryConstruct, v)
		}
	}
	return nil
}

func (x *Extractor) logf(format string, v ...any) {
	if x.Log != nil {
		x.Log.Printf(format, v...)
	}
}
