package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/flowfile/flowfile/internal/flow/lazyplan"
	"github.com/flowfile/flowfile/internal/flow/model"
)

// opResult is what an operation hands back to the transport layer: either a
// materialised table (sent as one binary frame) or a JSON-able value.
type opResult struct {
	Table   *lazyplan.Table
	Data    any
	FileRef string
}

// runOperation executes one task. plans carries the decoded binary frames:
// one plan for most operations, left and right for fuzzy_match. report is
// the progress callback (0..100).
func (s *Server) runOperation(ctx context.Context, meta Metadata, plans []*lazyplan.Plan, report func(int)) (*opResult, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("operation %s: no plan", meta.Operation)
	}
	report(10)
	switch meta.Operation {
	case OpStore, OpCreateTable:
		t, err := lazyplan.Eval(ctx, plans[0])
		if err != nil {
			return nil, err
		}
		report(60)
		ref, err := s.materialise(meta, t)
		if err != nil {
			return nil, err
		}
		return &opResult{Table: t, FileRef: ref}, nil

	case OpStoreSample:
		t, err := lazyplan.Eval(ctx, plans[0])
		if err != nil {
			return nil, err
		}
		report(60)
		t = t.Head(kwargInt(meta.Kwargs, "sample_size", 100))
		ref, err := s.materialise(meta, t)
		if err != nil {
			return nil, err
		}
		return &opResult{Table: t, FileRef: ref}, nil

	case OpSchema:
		t, err := lazyplan.Eval(ctx, plans[0])
		if err != nil {
			return nil, err
		}
		report(80)
		return &opResult{Data: tableSchema(t)}, nil

	case OpNumberOfRecords:
		t, err := lazyplan.Eval(ctx, plans[0])
		if err != nil {
			return nil, err
		}
		return &opResult{Data: t.NumRows()}, nil

	case OpFuzzyMatch:
		if len(plans) != 2 {
			return nil, fmt.Errorf("fuzzy_match needs left and right plans, got %d", len(plans))
		}
		settings, err := fuzzySettings(meta.Kwargs)
		if err != nil {
			return nil, err
		}
		step, err := lazyplan.Step(model.KindFuzzyMatch, settings, plans[0], plans[1])
		if err != nil {
			return nil, err
		}
		report(30)
		t, err := lazyplan.Eval(ctx, step)
		if err != nil {
			return nil, err
		}
		report(80)
		ref, err := s.materialise(meta, t)
		if err != nil {
			return nil, err
		}
		return &opResult{Table: t, FileRef: ref}, nil

	case OpWriteOutput:
		t, err := lazyplan.Eval(ctx, plans[0])
		if err != nil {
			return nil, err
		}
		report(60)
		path, _ := meta.Kwargs["path"].(string)
		format, _ := meta.Kwargs["format"].(string)
		mode, _ := meta.Kwargs["write_mode"].(string)
		if path == "" || format == "" {
			return nil, fmt.Errorf("write_output needs path and format kwargs")
		}
		if err := lazyplan.WriteTable(path, format, mode, t); err != nil {
			return nil, err
		}
		return &opResult{Data: map[string]any{"written": true, "rows": t.NumRows()}, FileRef: path}, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", meta.Operation)
	}
}

// materialise seals the task result under the worker cache dir, keyed by
// flow and task id so resubmissions of the same fingerprint are idempotent.
func (s *Server) materialise(meta Metadata, t *lazyplan.Table) (string, error) {
	if s.cacheDir == "" || meta.TaskID == "" {
		return "", nil
	}
	dir := filepath.Join(s.cacheDir, strconv.FormatInt(meta.FlowID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, meta.TaskID+".arrow")
	if err := lazyplan.WriteTable(path, "arrow", "", t); err != nil {
		return "", err
	}
	return path, nil
}

func fuzzySettings(kwargs map[string]any) (*model.FuzzyMatchSettings, error) {
	raw, ok := kwargs["fuzzy_settings"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("fuzzy_match needs fuzzy_settings kwargs")
	}
	s, err := model.DecodeSettings(model.KindFuzzyMatch, raw)
	if err != nil {
		return nil, err
	}
	return s.(*model.FuzzyMatchSettings), nil
}

func kwargInt(kwargs map[string]any, key string, def int) int {
	switch v := kwargs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// tableSchema computes per-column statistics for the schema operation.
func tableSchema(t *lazyplan.Table) []ColumnStats {
	const maxExamples = 3
	out := make([]ColumnStats, len(t.Columns))
	for j, name := range t.Columns {
		st := ColumnStats{ColumnName: name, DType: "null"}
		unique := map[string]bool{}
		for _, row := range t.Rows {
			v := row[j]
			if v == nil {
				st.NullCount++
				continue
			}
			if st.DType == "null" {
				st.DType = dtypeOf(v)
			}
			key := fmt.Sprint(v)
			if !unique[key] {
				unique[key] = true
				if len(st.Examples) < maxExamples {
					st.Examples = append(st.Examples, v)
				}
			}
			if st.Min == nil || lessCell(v, st.Min) {
				st.Min = v
			}
			if st.Max == nil || lessCell(st.Max, v) {
				st.Max = v
			}
		}
		st.NUnique = len(unique)
		out[j] = st
	}
	return out
}

func dtypeOf(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case int, int32, int64:
		return "int"
	case float32, float64:
		return "float"
	case string:
		return "str"
	default:
		return "object"
	}
}

func lessCell(a, b any) bool {
	af, aok := toComparable(a)
	bf, bok := toComparable(b)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toComparable(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
