// Package fileio loads and saves flow files. YAML and JSON carry the same
// document shape; decoding is strict so typos fail loudly instead of
// producing half-configured graphs. Legacy pickle files are refused with a
// migration hint.
package fileio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowfile/flowfile/internal/flow/model"
)

// ErrLegacyPickle is returned for .flowfile pickle archives, which this
// implementation does not deserialise. Re-export the flow as YAML or JSON.
var ErrLegacyPickle = errors.New("legacy pickle flow file; re-export as yaml or json")

const currentVersion = "1"

type flowDoc struct {
	Version  string      `yaml:"flowfile_version" json:"flowfile_version"`
	ID       int64       `yaml:"flowfile_id" json:"flowfile_id"`
	Name     string      `yaml:"flowfile_name" json:"flowfile_name"`
	Settings settingsDoc `yaml:"flowfile_settings" json:"flowfile_settings"`
	Nodes    []nodeDoc   `yaml:"nodes" json:"nodes"`
}

type settingsDoc struct {
	Description          string `yaml:"description,omitempty" json:"description,omitempty"`
	ExecutionMode        string `yaml:"execution_mode,omitempty" json:"execution_mode,omitempty"`
	ExecutionLocation    string `yaml:"execution_location,omitempty" json:"execution_location,omitempty"`
	AutoSave             bool   `yaml:"auto_save,omitempty" json:"auto_save,omitempty"`
	ShowDetailedProgress bool   `yaml:"show_detailed_progress,omitempty" json:"show_detailed_progress,omitempty"`
	MaxParallelWorkers   int    `yaml:"max_parallel_workers,omitempty" json:"max_parallel_workers,omitempty"`
	TimeoutSeconds       int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

type nodeDoc struct {
	ID           int64          `yaml:"id" json:"id"`
	Type         string         `yaml:"type" json:"type"`
	IsStart      bool           `yaml:"is_start_node,omitempty" json:"is_start_node,omitempty"`
	Description  string         `yaml:"description,omitempty" json:"description,omitempty"`
	XPosition    float64        `yaml:"x_position,omitempty" json:"x_position,omitempty"`
	YPosition    float64        `yaml:"y_position,omitempty" json:"y_position,omitempty"`
	CacheResults bool           `yaml:"cache_results,omitempty" json:"cache_results,omitempty"`
	TimeoutSecs  int            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	LeftInputID  int64          `yaml:"left_input_id,omitempty" json:"left_input_id,omitempty"`
	RightInputID int64          `yaml:"right_input_id,omitempty" json:"right_input_id,omitempty"`
	InputIDs     []int64        `yaml:"input_ids,omitempty" json:"input_ids,omitempty"`
	Outputs      []int64        `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	SettingInput map[string]any `yaml:"setting_input,omitempty" json:"setting_input,omitempty"`
}

// Load reads a flow file from disk, upgrades legacy field spellings, and
// builds the graph.
func Load(path string) (*model.Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(b)
	case ".json":
		return loadJSON(b)
	case ".flowfile":
		return nil, fmt.Errorf("%s: %w", path, ErrLegacyPickle)
	default:
		// Sniff: JSON documents start with '{'.
		trimmed := bytes.TrimLeft(b, " \t\r\n")
		if len(trimmed) > 0 && trimmed[0] == '{' {
			return loadJSON(b)
		}
		return loadYAML(b)
	}
}

func loadYAML(b []byte) (*model.Graph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var doc flowDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("flow file: %w", err)
	}
	return buildGraph(&doc)
}

func loadJSON(b []byte) (*model.Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var doc flowDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("flow file: %w", err)
	}
	if err := dec.Decode(new(any)); err != io.EOF {
		return nil, fmt.Errorf("flow file: trailing data")
	}
	return buildGraph(&doc)
}

// Legacy node type spellings from older exports.
var legacyKindAliases = map[string]string{
	"external_source": "read",
	"csv_reader":      "read",
	"dataset_output":  "output",
	"unique":          "group_by",
	"add_record_id":   "record_id",
}

// Legacy settings keys renamed over time.
var legacySettingKeys = map[string]string{
	"file_path":   "path",
	"file_type":   "format",
	"output_path": "path",
	"filter_expression": "expression",
	"function": "expression",
}

func upgradeNode(d *nodeDoc) {
	if alias, ok := legacyKindAliases[d.Type]; ok {
		d.Type = alias
	}
	if d.SettingInput == nil {
		return
	}
	for oldKey, newKey := range legacySettingKeys {
		v, ok := d.SettingInput[oldKey]
		if !ok {
			continue
		}
		if _, exists := d.SettingInput[newKey]; !exists {
			d.SettingInput[newKey] = v
		}
		delete(d.SettingInput, oldKey)
	}
}

func buildGraph(doc *flowDoc) (*model.Graph, error) {
	g := model.NewGraph(doc.ID, doc.Name)
	g.Settings = model.FlowSettings{
		Description:          doc.Settings.Description,
		ExecutionMode:        model.ExecutionMode(doc.Settings.ExecutionMode),
		ExecutionLocation:    model.ExecutionLocation(doc.Settings.ExecutionLocation),
		AutoSave:             doc.Settings.AutoSave,
		ShowDetailedProgress: doc.Settings.ShowDetailedProgress,
		MaxParallelWorkers:   doc.Settings.MaxParallelWorkers,
		TimeoutSeconds:       doc.Settings.TimeoutSeconds,
	}
	g.Settings.ApplyDefaults()

	for i := range doc.Nodes {
		upgradeNode(&doc.Nodes[i])
	}
	for _, nd := range doc.Nodes {
		kind, ok := model.ParseKind(nd.Type)
		if !ok {
			return nil, fmt.Errorf("node %d: unknown node type %q", nd.ID, nd.Type)
		}
		if _, err := g.AddNode(model.NodePromise{
			ID:             nd.ID,
			Kind:           kind,
			Description:    nd.Description,
			PositionX:      nd.XPosition,
			PositionY:      nd.YPosition,
			IsStart:        nd.IsStart,
			CacheResults:   nd.CacheResults,
			TimeoutSeconds: nd.TimeoutSecs,
		}); err != nil {
			return nil, err
		}
	}
	for _, nd := range doc.Nodes {
		n := g.Node(nd.ID)
		if nd.SettingInput != nil {
			s, err := model.DecodeSettings(n.Kind, normalizeDoc(nd.SettingInput))
			if err != nil {
				return nil, fmt.Errorf("node %d: %w", nd.ID, err)
			}
			n.Settings = s
		}
	}
	for _, nd := range doc.Nodes {
		for _, from := range nd.InputIDs {
			if err := g.Connect(from, nd.ID, model.SlotMain); err != nil {
				return nil, fmt.Errorf("node %d: %w", nd.ID, err)
			}
		}
		if nd.LeftInputID != 0 {
			if err := g.Connect(nd.LeftInputID, nd.ID, model.SlotLeft); err != nil {
				return nil, fmt.Errorf("node %d: %w", nd.ID, err)
			}
		}
		if nd.RightInputID != 0 {
			if err := g.Connect(nd.RightInputID, nd.ID, model.SlotRight); err != nil {
				return nil, fmt.Errorf("node %d: %w", nd.ID, err)
			}
		}
	}
	return g, nil
}

// normalizeDoc converts YAML's map[any]any shapes to JSON-compatible maps.
func normalizeDoc(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeDoc(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = normalizeValue(el)
		}
		return out
	default:
		return v
	}
}

// Save writes the graph as a flow file. Extension picks the encoding:
// .json for JSON, anything else YAML.
func Save(g *model.Graph, path string) error {
	doc, err := buildDoc(g)
	if err != nil {
		return err
	}
	var b []byte
	if strings.EqualFold(filepath.Ext(path), ".json") {
		b, err = json.MarshalIndent(doc, "", "  ")
	} else {
		b, err = yaml.Marshal(doc)
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0o644)
}

func buildDoc(g *model.Graph) (*flowDoc, error) {
	doc := &flowDoc{
		Version: currentVersion,
		ID:      g.FlowID,
		Name:    g.Name,
		Settings: settingsDoc{
			Description:          g.Settings.Description,
			ExecutionMode:        string(g.Settings.ExecutionMode),
			ExecutionLocation:    string(g.Settings.ExecutionLocation),
			AutoSave:             g.Settings.AutoSave,
			ShowDetailedProgress: g.Settings.ShowDetailedProgress,
			MaxParallelWorkers:   g.Settings.MaxParallelWorkers,
			TimeoutSeconds:       g.Settings.TimeoutSeconds,
		},
	}
	for _, n := range g.Nodes() {
		main, left, right := g.InputIDs(n.ID)
		nd := nodeDoc{
			ID:           n.ID,
			Type:         string(n.Kind),
			IsStart:      n.IsStart,
			Description:  n.Description,
			XPosition:    n.PositionX,
			YPosition:    n.PositionY,
			CacheResults: n.CacheResults,
			TimeoutSecs:  n.TimeoutSeconds,
			LeftInputID:  left,
			RightInputID: right,
			InputIDs:     main,
			Outputs:      g.Outputs(n.ID),
		}
		if n.Settings != nil {
			enc, err := model.EncodeSettings(n.Settings)
			if err != nil {
				return nil, fmt.Errorf("node %d: %w", n.ID, err)
			}
			nd.SettingInput = enc
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	return doc, nil
}
