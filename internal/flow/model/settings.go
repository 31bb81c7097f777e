package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Settings is the kind-specific payload of a node. Implementations are plain
// structs with snake_case JSON tags; the JSON form is what gets schema-checked
// and folded into the fingerprint.
type Settings interface {
	SettingsKind() NodeKind
}

type ColumnDef struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
}

type ManualInputSettings struct {
	Data   []map[string]any `json:"data"`
	Schema []ColumnDef      `json:"schema,omitempty"`
}

func (ManualInputSettings) SettingsKind() NodeKind { return KindManualInput }

// ReadSettings folds file metadata (path, mtime, size) into the fingerprint
// so external file changes invalidate the chain. RefreshStat is called on
// every fingerprint recomputation.
type ReadSettings struct {
	Path          string      `json:"path"`
	Format        string      `json:"format"` // csv|parquet|arrow|json
	Schema        []ColumnDef `json:"schema,omitempty"`
	InferSchema   bool        `json:"infer_schema,omitempty"`
	FileSizeBytes int64       `json:"file_size_bytes,omitempty"`
	FileMTimeUnix int64       `json:"file_mtime_unix,omitempty"`
}

func (ReadSettings) SettingsKind() NodeKind { return KindRead }

// RefreshStat updates the folded file metadata from the filesystem.
// A missing file is not an error here; it surfaces as FileMissing at run time.
func (s *ReadSettings) RefreshStat() {
	info, err := os.Stat(s.Path)
	if err != nil {
		s.FileSizeBytes = 0
		s.FileMTimeUnix = 0
		return
	}
	s.FileSizeBytes = info.Size()
	s.FileMTimeUnix = info.ModTime().UnixNano()
}

type FilterSettings struct {
	Expression string `json:"expression"`
}

func (FilterSettings) SettingsKind() NodeKind { return KindFilter }

type SelectSettings struct {
	Columns []string          `json:"columns"`
	Rename  map[string]string `json:"rename,omitempty"`
}

func (SelectSettings) SettingsKind() NodeKind { return KindSelect }

type SortField struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

type SortSettings struct {
	By []SortField `json:"by"`
}

func (SortSettings) SettingsKind() NodeKind { return KindSort }

type Aggregation struct {
	Column string `json:"column"`
	Agg    string `json:"agg"` // sum|min|max|mean|count|n_unique|first|last
	Alias  string `json:"alias,omitempty"`
}

type GroupBySettings struct {
	GroupColumns []string      `json:"group_columns"`
	Aggregations []Aggregation `json:"aggregations"`
}

func (GroupBySettings) SettingsKind() NodeKind { return KindGroupBy }

type JoinSettings struct {
	How     string   `json:"how"` // inner|left|right|outer|semi|anti|cross
	LeftOn  []string `json:"left_on"`
	RightOn []string `json:"right_on"`
	Suffix  string   `json:"suffix,omitempty"`
}

func (JoinSettings) SettingsKind() NodeKind { return KindJoin }

type CrossJoinSettings struct {
	Suffix string `json:"suffix,omitempty"`
}

func (CrossJoinSettings) SettingsKind() NodeKind { return KindCrossJoin }

type FuzzyMapping struct {
	LeftColumn  string  `json:"left_column"`
	RightColumn string  `json:"right_column"`
	Threshold   float64 `json:"threshold"`
	Algorithm   string  `json:"algorithm,omitempty"` // levenshtein|jaro_winkler
}

type FuzzyMatchSettings struct {
	Mappings []FuzzyMapping `json:"mappings"`
	How      string         `json:"how,omitempty"`
}

func (FuzzyMatchSettings) SettingsKind() NodeKind { return KindFuzzyMatch }

type UnionSettings struct {
	Strategy string `json:"strategy,omitempty"` // relaxed|strict
}

func (UnionSettings) SettingsKind() NodeKind { return KindUnion }

type PivotSettings struct {
	IndexColumns []string `json:"index_columns"`
	PivotColumn  string   `json:"pivot_column"`
	ValueColumn  string   `json:"value_column"`
	Agg          string   `json:"agg,omitempty"`
}

func (PivotSettings) SettingsKind() NodeKind { return KindPivot }

type UnpivotSettings struct {
	IndexColumns []string `json:"index_columns"`
	ValueColumns []string `json:"value_columns"`
	VariableName string   `json:"variable_name,omitempty"`
	ValueName    string   `json:"value_name,omitempty"`
}

func (UnpivotSettings) SettingsKind() NodeKind { return KindUnpivot }

type RecordIDSettings struct {
	ColumnName string   `json:"column_name"`
	Offset     int64    `json:"offset,omitempty"`
	GroupBy    []string `json:"group_by,omitempty"`
}

func (RecordIDSettings) SettingsKind() NodeKind { return KindRecordID }

type FormulaSettings struct {
	Column     string `json:"column"`
	Expression string `json:"expression"`
}

func (FormulaSettings) SettingsKind() NodeKind { return KindFormula }

// PolarsCodeSettings fingerprints on the code string alone; resolved imports
// are intentionally not folded in.
type PolarsCodeSettings struct {
	Code string `json:"code"`
}

func (PolarsCodeSettings) SettingsKind() NodeKind { return KindPolarsCode }

// PythonScriptSettings fingerprints on the code string plus kernel id alone;
// resolved imports are intentionally not folded in.
type PythonScriptSettings struct {
	Code           string `json:"code"`
	KernelID       string `json:"kernel_id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (PythonScriptSettings) SettingsKind() NodeKind { return KindPythonScript }

type OutputSettings struct {
	Path      string `json:"path"`
	Format    string `json:"format"`               // csv|parquet|arrow|json
	WriteMode string `json:"write_mode,omitempty"` // overwrite|append|error
}

func (OutputSettings) SettingsKind() NodeKind { return KindOutput }

// CacheSettings has no fields; the kind itself forces materialisation.
type CacheSettings struct{}

func (CacheSettings) SettingsKind() NodeKind { return KindCache }

type UserDefinedSettings struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

func (UserDefinedSettings) SettingsKind() NodeKind { return KindUserDefined }

// NewSettings returns the zero settings value for a kind, for decoding.
func NewSettings(kind NodeKind) (Settings, error) {
	switch kind {
	case KindManualInput:
		return &ManualInputSettings{}, nil
	case KindRead:
		return &ReadSettings{}, nil
	case KindFilter:
		return &FilterSettings{}, nil
	case KindSelect:
		return &SelectSettings{}, nil
	case KindSort:
		return &SortSettings{}, nil
	case KindGroupBy:
		return &GroupBySettings{}, nil
	case KindJoin:
		return &JoinSettings{}, nil
	case KindCrossJoin:
		return &CrossJoinSettings{}, nil
	case KindFuzzyMatch:
		return &FuzzyMatchSettings{}, nil
	case KindUnion:
		return &UnionSettings{}, nil
	case KindPivot:
		return &PivotSettings{}, nil
	case KindUnpivot:
		return &UnpivotSettings{}, nil
	case KindRecordID:
		return &RecordIDSettings{}, nil
	case KindFormula:
		return &FormulaSettings{}, nil
	case KindPolarsCode:
		return &PolarsCodeSettings{}, nil
	case KindPythonScript:
		return &PythonScriptSettings{}, nil
	case KindOutput:
		return &OutputSettings{}, nil
	case KindCache:
		return &CacheSettings{}, nil
	case KindUserDefined:
		return &UserDefinedSettings{}, nil
	default:
		return nil, fmt.Errorf("unknown node kind: %q", kind)
	}
}

// DecodeSettings decodes a raw settings document into the typed payload for
// kind. Unknown fields are rejected so typos surface as SettingsInvalid
// instead of silently fingerprinting an empty value.
func DecodeSettings(kind NodeKind, raw map[string]any) (Settings, error) {
	s, err := NewSettings(kind)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("settings for %s: %w", kind, err)
	}
	if err := dec.Decode(new(any)); err != io.EOF {
		return nil, fmt.Errorf("settings for %s: trailing data", kind)
	}
	return s, nil
}

// EncodeSettings returns the JSON document form of a settings payload.
func EncodeSettings(s Settings) (map[string]any, error) {
	if s == nil {
		return nil, fmt.Errorf("nil settings")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}
