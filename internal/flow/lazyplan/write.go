package lazyplan

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteTable materialises a table to a file. Formats: csv, json (array of
// objects), arrow (the msgpack table frame). Mode "error" refuses to clobber
// an existing file; "append" extends csv and json in place; anything else
// overwrites.
func WriteTable(path, format, mode string, t *Table) error {
	if mode == "error" {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("write %s: file exists and write_mode is error", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	switch format {
	case "csv":
		return writeCSVFile(path, t, mode == "append")
	case "json":
		return writeJSONFile(path, t, mode == "append")
	case "arrow":
		b, err := EncodeTable(t)
		if err != nil {
			return err
		}
		return atomicWriteFile(path, b)
	default:
		return fmt.Errorf("format %q is not writable locally", format)
	}
}

func writeCSVFile(path string, t *Table, appendMode bool) error {
	flags := os.O_CREATE | os.O_WRONLY
	writeHeader := true
	if appendMode {
		flags |= os.O_APPEND
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			writeHeader = false
		}
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(t.Columns); err != nil {
			return err
		}
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, cell := range row {
			if cell == nil {
				rec[i] = ""
			} else {
				rec[i] = fmt.Sprint(cell)
			}
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSONFile(path string, t *Table, appendMode bool) error {
	rows := make([]map[string]any, 0, t.NumRows())
	if appendMode {
		if b, err := os.ReadFile(path); err == nil {
			_ = json.Unmarshal(b, &rows)
		}
	}
	for i := range t.Rows {
		rows = append(rows, t.RowMap(i))
	}
	b, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(path, b)
}

func atomicWriteFile(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
