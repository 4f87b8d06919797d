// Package geoparquet reads and writes the parquet files this pipeline
// splits. It covers three concerns:
//
//   - Inspect: per-file schema inspection from the parquet footer, without
//     materializing any rows
//   - Load: the library-assisted full read that decodes the geometry column
//     into structured geometry values
//   - Write: the lossless, zstd-compressed output writer
//
// Geometry is carried as orb.Geometry between Load and Write; on disk it is
// WKB bytes, the encoding GeoParquet mandates.
package geoparquet

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// Schema describes one input file: its ordered column list and whether it
// carries a geometry column. Files in the same run may have different
// schemas, so this is re-derived per file and never cached across files.
type Schema struct {
	Path    string
	Columns []string
	NumRows int64

	// GeometryColumn is the configured geometry column name when the file
	// has it, "" otherwise.
	GeometryColumn string
}

// HasGeometry reports whether the file carries the geometry column.
func (s *Schema) HasGeometry() bool { return s.GeometryColumn != "" }

// AttributeColumns returns the ordered column list excluding geometry.
func (s *Schema) AttributeColumns() []string {
	if s.GeometryColumn == "" {
		return append([]string(nil), s.Columns...)
	}
	out := make([]string, 0, len(s.Columns)-1)
	for _, c := range s.Columns {
		if c != s.GeometryColumn {
			out = append(out, c)
		}
	}
	return out
}

// Inspect reads the parquet footer at path and reports the file's columns.
// geometryColumn is the configured name to look for; it is reported on the
// result only when the file actually has it.
func Inspect(path, geometryColumn string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("inspect %s: open parquet: %w", path, err)
	}

	out := &Schema{Path: path, NumRows: pf.NumRows()}
	for _, field := range pf.Schema().Fields() {
		name := field.Name()
		out.Columns = append(out.Columns, name)
		if name == geometryColumn {
			out.GeometryColumn = name
		}
	}
	return out, nil
}
