package adapter

import (
	"fmt"
	"iter"

	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// RowMaps iterates over rows, yielding each one as a column name -> value
// map. Byte slices are converted to strings. Iteration stops at the first
// scan error, which is yielded with a nil map; a cursor error reported by
// rows.Err() after the last row is yielded the same way. The rows are closed
// when iteration ends.
func RowMaps(rows *core.Rows) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		defer func() { _ = rows.Close() }()

		cols, err := rows.Columns()
		if err != nil {
			yield(nil, fmt.Errorf("failed to read result columns: %w", err))
			return
		}

		for rows.Next() {
			values := make([]any, len(cols))
			valuePtrs := make([]any, len(cols))
			for i := range values {
				valuePtrs[i] = &values[i]
			}

			if err := rows.Scan(valuePtrs...); err != nil {
				yield(nil, fmt.Errorf("failed to scan row: %w", err))
				return
			}

			row := make(map[string]any, len(cols))
			for i, col := range cols {
				val := values[i]
				if b, ok := val.([]byte); ok {
					val = string(b)
				}
				row[col] = val
			}
			if !yield(row, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("error iterating rows: %w", err))
		}
	}
}
