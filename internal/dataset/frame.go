// Package dataset defines the in-memory row subset passed between the
// extractor and the splitter.
//
// A Frame is a small, column-ordered table: an ordered column list plus one
// map per row. Map rows are the common currency of both execution paths
// (the parquet reader and the query engine both produce them), so no
// conversion layer is needed between extraction and output writing.
//
// Ownership: a Frame belongs to exactly one extraction step. Projection
// methods (Select, DropColumns, FilterEqual) return new Frames that share
// the underlying row maps; callers must not mutate rows after handing a
// Frame to a writer.
package dataset

import "fmt"

// Frame is one row subset with its ordered column list.
type Frame struct {
	Columns []string
	Rows    []map[string]any

	// GeometryColumn names the geometry column when present, "" otherwise.
	// Projection methods clear it when the column is projected away.
	GeometryColumn string
}

// NumRows returns the number of rows.
func (f *Frame) NumRows() int { return len(f.Rows) }

// HasGeometry reports whether the frame carries a geometry column.
func (f *Frame) HasGeometry() bool {
	if f.GeometryColumn == "" {
		return false
	}
	return f.HasColumn(f.GeometryColumn)
}

// HasColumn reports whether the named column exists in the frame.
func (f *Frame) HasColumn(name string) bool {
	for _, c := range f.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Select returns a frame restricted to the given columns, in the given order.
// Columns that do not exist in the frame are an error; the splitter relies
// on this to catch identifier-resolution bugs early.
func (f *Frame) Select(columns ...string) (*Frame, error) {
	for _, c := range columns {
		if !f.HasColumn(c) {
			return nil, fmt.Errorf("select: column %q not in frame", c)
		}
	}
	out := &Frame{
		Columns: append([]string(nil), columns...),
		Rows:    make([]map[string]any, 0, len(f.Rows)),
	}
	for _, c := range columns {
		if c == f.GeometryColumn {
			out.GeometryColumn = c
		}
	}
	for _, row := range f.Rows {
		nr := make(map[string]any, len(columns))
		for _, c := range columns {
			nr[c] = row[c]
		}
		out.Rows = append(out.Rows, nr)
	}
	return out, nil
}

// DropColumns returns a frame without the given columns. Dropping a column
// the frame does not have is a no-op.
func (f *Frame) DropColumns(columns ...string) *Frame {
	drop := make(map[string]bool, len(columns))
	for _, c := range columns {
		drop[c] = true
	}

	kept := make([]string, 0, len(f.Columns))
	for _, c := range f.Columns {
		if !drop[c] {
			kept = append(kept, c)
		}
	}

	out := &Frame{
		Columns: kept,
		Rows:    make([]map[string]any, 0, len(f.Rows)),
	}
	if f.GeometryColumn != "" && !drop[f.GeometryColumn] {
		out.GeometryColumn = f.GeometryColumn
	}
	for _, row := range f.Rows {
		nr := make(map[string]any, len(kept))
		for _, c := range kept {
			nr[c] = row[c]
		}
		out.Rows = append(out.Rows, nr)
	}
	return out
}

// FilterEqual returns the rows whose value in column equals value under
// string comparison. NULLs never match. Column values may arrive as string
// or []byte depending on the producing path; both compare equal to the same
// text.
func (f *Frame) FilterEqual(column, value string) *Frame {
	out := &Frame{
		Columns:        append([]string(nil), f.Columns...),
		GeometryColumn: f.GeometryColumn,
	}
	for _, row := range f.Rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		if s, ok := AsString(v); ok && s == value {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// AsString converts a scalar cell to its text form when it is textual.
// Returns false for non-text values so callers do not accidentally compare
// numbers as strings.
func AsString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
