package split

import (
	"fmt"
	"path/filepath"
	"strings"

	"geosplit/internal/dataset"
	"geosplit/internal/metrics"
)

// Splitter writes the geometry/attribute decomposition of one row subset.
type Splitter struct {
	// IdentifierColumn is the canonical join key (e.g. PARCEL_LID).
	IdentifierColumn string

	// GeometryColumn names the spatial column.
	GeometryColumn string

	// WriteFile is the output seam; defaults to geoparquet.Write via
	// NewSplitter.
	WriteFile func(path string, columns []string, rows []map[string]any) error

	Log Logger
}

// NewSplitter builds a splitter writing real parquet files.
func NewSplitter(identifierColumn, geometryColumn string, write func(string, []string, []map[string]any) error, logger Logger) *Splitter {
	return &Splitter{
		IdentifierColumn: identifierColumn,
		GeometryColumn:   geometryColumn,
		WriteFile:        write,
		Log:              logger,
	}
}

// Write emits the output files for one (file, partition key) pair into dir.
//
//   - Main file with geometry: a geometry file (identifier + geometry) and
//     an attribute file (everything else).
//   - Auxiliary file, or geometry absent: a single attribute file with all
//     columns except geometry.
//
// The geometry and attribute outputs are column-disjoint except for the
// identifier, which both sides carry implicitly (geometry file explicitly,
// attribute file as one of its columns) so consumers can recombine them.
func (s *Splitter) Write(frame *dataset.Frame, dir, countySafe, stem string, mainFile bool) error {
	if mainFile && frame.HasGeometry() {
		return s.writeGeometryAndAttributes(frame, dir, countySafe, stem)
	}
	return s.writeAttributesOnly(frame, dir, countySafe, stem)
}

func (s *Splitter) writeGeometryAndAttributes(frame *dataset.Frame, dir, countySafe, stem string) error {
	geomCols := []string{s.GeometryColumn}
	if id, ok := s.ResolveIdentifier(frame.Columns); ok {
		geomCols = []string{id, s.GeometryColumn}
	} else {
		// Degraded but valid: geometry-only output. Downstream correlation
		// by identifier is impossible for this pair, so say so loudly.
		s.logf("no identifier column among %v; writing geometry-only output for %s", frame.Columns, countySafe)
	}

	geomFrame, err := frame.Select(geomCols...)
	if err != nil {
		return err
	}
	geomPath := filepath.Join(dir, GeometryFileName(countySafe, stem))
	if err := s.WriteFile(geomPath, geomFrame.Columns, geomFrame.Rows); err != nil {
		return fmt.Errorf("geometry output: %w", err)
	}
	metrics.IncCounter(metrics.RecordsTotal, float64(geomFrame.NumRows()), metrics.Labels{"role": "geometry"})

	attrFrame := frame.DropColumns(s.GeometryColumn)
	attrPath := filepath.Join(dir, AttributesFileName(countySafe, stem))
	if err := s.WriteFile(attrPath, attrFrame.Columns, attrFrame.Rows); err != nil {
		return fmt.Errorf("attribute output: %w", err)
	}
	metrics.IncCounter(metrics.RecordsTotal, float64(attrFrame.NumRows()), metrics.Labels{"role": "attributes"})
	return nil
}

func (s *Splitter) writeAttributesOnly(frame *dataset.Frame, dir, countySafe, stem string) error {
	attrFrame := frame
	if frame.HasGeometry() {
		attrFrame = frame.DropColumns(frame.GeometryColumn)
	}
	attrPath := filepath.Join(dir, AttributesFileName(countySafe, stem))
	if err := s.WriteFile(attrPath, attrFrame.Columns, attrFrame.Rows); err != nil {
		return fmt.Errorf("attribute output: %w", err)
	}
	metrics.IncCounter(metrics.RecordsTotal, float64(attrFrame.NumRows()), metrics.Labels{"role": "attributes"})
	return nil
}

// ResolveIdentifier picks the join-key column: exact match on the
// canonical name, else the first column whose lowercased name contains
// "id" (which also covers "lid"). Returns false when no candidate exists.
func (s *Splitter) ResolveIdentifier(columns []string) (string, bool) {
	for _, c := range columns {
		if c == s.IdentifierColumn {
			return c, true
		}
	}
	for _, c := range columns {
		if c == s.GeometryColumn {
			continue
		}
		if strings.Contains(strings.ToLower(c), "id") {
			return c, true
		}
	}
	return "", false
}

func (s *Splitter) logf(format string, v ...any) {
	if s.Log != nil {
		s.Log.Printf(format, v...)
	}
}
