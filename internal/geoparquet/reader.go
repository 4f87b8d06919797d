package geoparquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"geosplit/internal/dataset"
)

// Load reads the whole file at path into a frame, decoding the geometry
// column (when present) from WKB into structured geometry values.
//
// This is the geometry-aware execution path: it trades memory for spatial
// fidelity by materializing every row, and it is the authoritative reading
// when the engine-side path yields geometry in a raw encoding.
//
// Errors:
//   - Any row whose geometry bytes fail to decode aborts the load; a file
//     with undecodable geometry is structurally broken, not partially
//     usable.
func Load(path, geometryColumn string) (*dataset.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("load %s: open parquet: %w", path, err)
	}

	frame := &dataset.Frame{}
	for _, field := range pf.Schema().Fields() {
		name := field.Name()
		frame.Columns = append(frame.Columns, name)
		if name == geometryColumn {
			frame.GeometryColumn = name
		}
	}

	r := parquet.NewReader(pf)
	defer r.Close()

	rowIdx := 0
	for {
		row := make(map[string]any, len(frame.Columns))
		if err := r.Read(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("load %s: row %d: %w", path, rowIdx, err)
		}
		dataset.NormalizeRow(row)

		if frame.GeometryColumn != "" {
			g, err := decodeGeometry(row[frame.GeometryColumn])
			if err != nil {
				return nil, fmt.Errorf("load %s: row %d: geometry: %w", path, rowIdx, err)
			}
			row[frame.GeometryColumn] = g
		}

		frame.Rows = append(frame.Rows, row)
		rowIdx++
	}
	return frame, nil
}

// decodeGeometry turns a raw geometry cell into an orb.Geometry. NULL
// geometry stays nil.
func decodeGeometry(v any) (any, error) {
	switch g := v.(type) {
	case nil:
		return nil, nil
	case orb.Geometry:
		return g, nil
	case []byte:
		geom, err := wkb.Unmarshal(g)
		if err != nil {
			return nil, fmt.Errorf("decode wkb: %w", err)
		}
		return geom, nil
	case string:
		geom, err := wkb.Unmarshal([]byte(g))
		if err != nil {
			return nil, fmt.Errorf("decode wkb: %w", err)
		}
		return geom, nil
	default:
		return nil, fmt.Errorf("unsupported geometry cell type %T", v)
	}
}
