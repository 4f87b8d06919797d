package geoparquet

import (
	"fmt"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Write writes rows to path as a zstd-compressed parquet file with the
// given column set. Every column is optional so NULL attribute values
// round-trip exactly; geometry values are encoded back to WKB bytes.
//
// The schema is inferred from the first non-nil value observed per column.
// A column that is NULL in every row is written as an optional byte array,
// which round-trips the NULLs even though the original physical type is
// unknowable from the data alone. Later cells that disagree with the
// inferred type in a representational way only (string vs []byte, int64 vs
// float64) are coerced to it, so one odd cell cannot fail the whole file.
func Write(path string, columns []string, rows []map[string]any) error {
	refs := make(map[string]any, len(columns))
	group := parquet.Group{}
	for _, c := range columns {
		refs[c] = firstValue(rows, c)
		group[c] = parquet.Optional(nodeFor(refs[c]))
	}
	schema := parquet.NewSchema("geosplit", group)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	w := parquet.NewGenericWriter[map[string]any](f, schema, parquet.Compression(&parquet.Zstd))

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		r := make(map[string]any, len(columns))
		for _, c := range columns {
			v, err := encodeCell(row[c])
			if err != nil {
				_ = f.Close()
				return fmt.Errorf("write %s: column %s: %w", path, c, err)
			}
			if v != nil {
				r[c] = coerceCell(v, refs[c])
			}
		}
		out = append(out, r)
	}

	if _, err := w.Write(out); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: close: %w", path, err)
	}
	return f.Close()
}

// nodeFor maps a canonical scalar value to a parquet leaf node.
func nodeFor(v any) parquet.Node {
	switch v.(type) {
	case string:
		return parquet.String()
	case int64:
		return parquet.Int(64)
	case float64:
		return parquet.Leaf(parquet.DoubleType)
	case bool:
		return parquet.Leaf(parquet.BooleanType)
	case time.Time:
		return parquet.Timestamp(parquet.Microsecond)
	case []byte, orb.Geometry, nil:
		return parquet.Leaf(parquet.ByteArrayType)
	default:
		return parquet.Leaf(parquet.ByteArrayType)
	}
}

// firstValue returns the first non-nil value of column c, or nil when the
// column is NULL throughout.
func firstValue(rows []map[string]any, c string) any {
	for _, row := range rows {
		if v, ok := row[c]; ok && v != nil {
			return v
		}
	}
	return nil
}

// coerceCell aligns a cell with the column's schema-defining reference
// value. The canonical scalar set still permits two spellings of text and
// two widths of number within one column when rows originate from
// different sources; the writer needs one per column.
func coerceCell(v, ref any) any {
	switch ref.(type) {
	case string:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	case []byte:
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	case float64:
		if i, ok := v.(int64); ok {
			return float64(i)
		}
	}
	return v
}

// encodeCell prepares one cell for the writer. Geometry goes back to WKB;
// everything else is already canonical.
func encodeCell(v any) (any, error) {
	switch g := v.(type) {
	case nil:
		return nil, nil
	case orb.Geometry:
		b, err := wkb.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("encode wkb: %w", err)
		}
		return b, nil
	default:
		return v, nil
	}
}
