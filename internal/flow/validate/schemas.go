package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowfile/flowfile/internal/flow/model"
)

// Per-kind settings schemas. The schema declares required fields and per-field
// predicates; semantic checks that need graph context live in validate.go.
var kindSchemas = map[model.NodeKind]map[string]any{
	model.KindManualInput: {
		"type":     "object",
		"required": []any{"data"},
		"properties": map[string]any{
			"data": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "object"},
			},
			"schema": columnListSchema,
		},
	},
	model.KindRead: {
		"type":     "object",
		"required": []any{"path", "format"},
		"properties": map[string]any{
			"path":            map[string]any{"type": "string", "minLength": 1},
			"format":          map[string]any{"enum": []any{"csv", "parquet", "arrow", "json"}},
			"schema":          columnListSchema,
			"infer_schema":    map[string]any{"type": "boolean"},
			"file_size_bytes": map[string]any{"type": "integer", "minimum": 0},
			"file_mtime_unix": map[string]any{"type": "integer", "minimum": 0},
		},
	},
	model.KindFilter: {
		"type":     "object",
		"required": []any{"expression"},
		"properties": map[string]any{
			"expression": map[string]any{"type": "string", "minLength": 1},
		},
	},
	model.KindSelect: {
		"type":     "object",
		"required": []any{"columns"},
		"properties": map[string]any{
			"columns": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "string", "minLength": 1},
			},
			"rename": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string", "minLength": 1},
			},
		},
	},
	model.KindSort: {
		"type":     "object",
		"required": []any{"by"},
		"properties": map[string]any{
			"by": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"column"},
					"properties": map[string]any{
						"column":     map[string]any{"type": "string", "minLength": 1},
						"descending": map[string]any{"type": "boolean"},
					},
				},
			},
		},
	},
	model.KindGroupBy: {
		"type":     "object",
		"required": []any{"group_columns", "aggregations"},
		"properties": map[string]any{
			"group_columns": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "minLength": 1},
			},
			"aggregations": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"column", "agg"},
					"properties": map[string]any{
						"column": map[string]any{"type": "string", "minLength": 1},
						"agg":    map[string]any{"enum": []any{"sum", "min", "max", "mean", "count", "n_unique", "first", "last"}},
						"alias":  map[string]any{"type": "string"},
					},
				},
			},
		},
	},
	model.KindJoin: {
		"type":     "object",
		"required": []any{"how", "left_on", "right_on"},
		"properties": map[string]any{
			"how": map[string]any{"enum": []any{"inner", "left", "right", "outer", "semi", "anti", "cross"}},
			"left_on": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "string", "minLength": 1},
			},
			"right_on": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "string", "minLength": 1},
			},
			"suffix": map[string]any{"type": "string"},
		},
	},
	model.KindCrossJoin: {
		"type": "object",
		"properties": map[string]any{
			"suffix": map[string]any{"type": "string"},
		},
	},
	model.KindFuzzyMatch: {
		"type":     "object",
		"required": []any{"mappings"},
		"properties": map[string]any{
			"mappings": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"left_column", "right_column", "threshold"},
					"properties": map[string]any{
						"left_column":  map[string]any{"type": "string", "minLength": 1},
						"right_column": map[string]any{"type": "string", "minLength": 1},
						"threshold":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"algorithm":    map[string]any{"enum": []any{"levenshtein", "jaro_winkler"}},
					},
				},
			},
			"how": map[string]any{"enum": []any{"inner", "left"}},
		},
	},
	model.KindUnion: {
		"type": "object",
		"properties": map[string]any{
			"strategy": map[string]any{"enum": []any{"relaxed", "strict"}},
		},
	},
	model.KindPivot: {
		"type":     "object",
		"required": []any{"index_columns", "pivot_column", "value_column"},
		"properties": map[string]any{
			"index_columns": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "string", "minLength": 1},
			},
			"pivot_column": map[string]any{"type": "string", "minLength": 1},
			"value_column": map[string]any{"type": "string", "minLength": 1},
			"agg":          map[string]any{"enum": []any{"sum", "min", "max", "mean", "count", "first"}},
		},
	},
	model.KindUnpivot: {
		"type":     "object",
		"required": []any{"index_columns", "value_columns"},
		"properties": map[string]any{
			"index_columns": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "minLength": 1},
			},
			"value_columns": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "string", "minLength": 1},
			},
			"variable_name": map[string]any{"type": "string"},
			"value_name":    map[string]any{"type": "string"},
		},
	},
	model.KindRecordID: {
		"type":     "object",
		"required": []any{"column_name"},
		"properties": map[string]any{
			"column_name": map[string]any{"type": "string", "minLength": 1},
			"offset":      map[string]any{"type": "integer"},
			"group_by": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "minLength": 1},
			},
		},
	},
	model.KindFormula: {
		"type":     "object",
		"required": []any{"column", "expression"},
		"properties": map[string]any{
			"column":     map[string]any{"type": "string", "minLength": 1},
			"expression": map[string]any{"type": "string", "minLength": 1},
		},
	},
	model.KindPolarsCode: {
		"type":     "object",
		"required": []any{"code"},
		"properties": map[string]any{
			"code": map[string]any{"type": "string", "minLength": 1},
		},
	},
	model.KindPythonScript: {
		"type":     "object",
		"required": []any{"code", "kernel_id"},
		"properties": map[string]any{
			"code":            map[string]any{"type": "string", "minLength": 1},
			"kernel_id":       map[string]any{"type": "string", "minLength": 1},
			"timeout_seconds": map[string]any{"type": "integer", "minimum": 0},
		},
	},
	model.KindOutput: {
		"type":     "object",
		"required": []any{"path", "format"},
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "minLength": 1},
			"format":     map[string]any{"enum": []any{"csv", "parquet", "arrow", "json"}},
			"write_mode": map[string]any{"enum": []any{"overwrite", "append", "error"}},
		},
	},
	model.KindCache: {
		"type": "object",
	},
	model.KindUserDefined: {
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name":   map[string]any{"type": "string", "minLength": 1},
			"params": map[string]any{"type": "object"},
		},
	},
}

var columnListSchema = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type":     "object",
		"required": []any{"name", "dtype"},
		"properties": map[string]any{
			"name":  map[string]any{"type": "string", "minLength": 1},
			"dtype": map[string]any{"type": "string", "minLength": 1},
		},
	},
}

var (
	schemaMu       sync.Mutex
	compiledByKind = map[model.NodeKind]*jsonschema.Schema{}
)

func schemaFor(kind model.NodeKind) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := compiledByKind[kind]; ok {
		return s, nil
	}
	raw, ok := kindSchemas[kind]
	if !ok {
		return nil, fmt.Errorf("no settings schema for kind %q", kind)
	}
	s, err := compileSchema(string(kind), raw)
	if err != nil {
		return nil, err
	}
	compiledByKind[kind] = s
	return s, nil
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
