// Package lazyplan is the deferred computation layer: a plan is a tree of
// steps mirroring a slice of the flow graph, encoded with msgpack for the
// wire and the cache, and evaluated in memory on demand.
package lazyplan

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Table is a materialised result: named columns over row-major cells.
// Cell values are the JSON scalar set plus nil.
type Table struct {
	Columns []string `msgpack:"columns"`
	Rows    [][]any  `msgpack:"rows"`
}

func NewTable(columns ...string) *Table {
	return &Table{Columns: append([]string{}, columns...)}
}

// TableFromMaps builds a table from row maps. Column order follows the given
// schema when present, otherwise the union of keys in first-seen order.
func TableFromMaps(rows []map[string]any, schema []string) *Table {
	cols := append([]string{}, schema...)
	if len(cols) == 0 {
		seen := map[string]bool{}
		for _, r := range rows {
			keys := make([]string, 0, len(r))
			for k := range r {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if !seen[k] {
					seen[k] = true
					cols = append(cols, k)
				}
			}
		}
	}
	t := NewTable(cols...)
	for _, r := range rows {
		row := make([]any, len(cols))
		for i, c := range cols {
			row[i] = r[c]
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func (t *Table) NumRows() int { return len(t.Rows) }

func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (t *Table) HasColumn(name string) bool { return t.ColumnIndex(name) >= 0 }

// RowMap returns row i as a column-keyed map, the env shape expression
// evaluation expects.
func (t *Table) RowMap(i int) map[string]any {
	m := make(map[string]any, len(t.Columns))
	for j, c := range t.Columns {
		m[c] = t.Rows[i][j]
	}
	return m
}

func (t *Table) AppendRow(row []any) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("row width %d does not match %d columns", len(row), len(t.Columns))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// Clone returns a deep-enough copy: fresh column and row slices, shared cells.
func (t *Table) Clone() *Table {
	out := NewTable(t.Columns...)
	out.Rows = make([][]any, len(t.Rows))
	for i, r := range t.Rows {
		out.Rows[i] = append([]any{}, r...)
	}
	return out
}

// Head returns the first n rows, or the table itself when n covers it.
func (t *Table) Head(n int) *Table {
	if n < 0 || n >= len(t.Rows) {
		return t
	}
	return &Table{Columns: t.Columns, Rows: t.Rows[:n]}
}

// EncodeTable serialises a table for the cache and the worker wire.
func EncodeTable(t *Table) ([]byte, error) {
	return msgpack.Marshal(t)
}

func DecodeTable(b []byte) (*Table, error) {
	var t Table
	if err := msgpack.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode table: %w", err)
	}
	return &t, nil
}
