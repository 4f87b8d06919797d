package dataset

import (
	"math"
	"time"
)

// NormalizeValue widens scalar cell values into the canonical set used
// throughout the pipeline: string, []byte, bool, int64, float64, time.Time
// and nil. Both producing paths feed rows through this so the output writer
// only ever sees canonical types. Integer widening and float32 to float64
// are lossless; uint64 values above MaxInt64 stay uint64 rather than flip
// sign; everything else passes through unchanged.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		if n > math.MaxInt64 {
			return v
		}
		return int64(n)
	case float32:
		return float64(n)
	case time.Time:
		return n.UTC()
	default:
		return v
	}
}

// NormalizeRow applies NormalizeValue to every cell in place.
func NormalizeRow(row map[string]any) {
	for k, v := range row {
		row[k] = NormalizeValue(v)
	}
}
