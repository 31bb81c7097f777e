// Package validate checks node settings against per-kind JSON Schemas and
// reports structured diagnostics. Validation never mutates the graph.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowfile/flowfile/internal/flow/model"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one structured validation finding: a field path and a reason,
// never a free-form blob.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	NodeID   int64    `json:"node_id,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Field != "" {
		return fmt.Sprintf("%s: %s: %s", d.Rule, d.Field, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Rule, d.Message)
}

// CheckSettings validates a typed settings payload for kind. It returns only
// ERROR-severity findings for schema violations; expression checks come back
// as errors too since a non-compiling predicate can never execute.
func CheckSettings(kind model.NodeKind, s model.Settings) []Diagnostic {
	if s == nil {
		return []Diagnostic{{Rule: "settings_missing", Severity: SeverityError, Message: "node has no settings"}}
	}
	if s.SettingsKind() != kind {
		return []Diagnostic{{
			Rule:     "settings_kind",
			Severity: SeverityError,
			Message:  fmt.Sprintf("settings are for %s, node is %s", s.SettingsKind(), kind),
		}}
	}
	doc, err := model.EncodeSettings(s)
	if err != nil {
		// json.Marshal rejects NaN/Inf floats, which the fingerprint contract
		// forbids in settings.
		return []Diagnostic{{Rule: "settings_encode", Severity: SeverityError, Message: err.Error()}}
	}

	var diags []Diagnostic
	schema, err := schemaFor(kind)
	if err != nil {
		return []Diagnostic{{Rule: "settings_schema", Severity: SeverityError, Message: err.Error()}}
	}
	if schema != nil {
		// The schema validates the generic JSON form, so round-trip through
		// encoding/json's default types.
		b, _ := json.Marshal(doc)
		var generic any
		_ = json.Unmarshal(b, &generic)
		if err := schema.Validate(generic); err != nil {
			diags = append(diags, schemaDiagnostics(err)...)
		}
	}
	diags = append(diags, checkExpressions(s)...)
	return diags
}

// CheckNode validates a node in graph context: settings plus input shape.
func CheckNode(g *model.Graph, id int64) []Diagnostic {
	n := g.Node(id)
	if n == nil {
		return []Diagnostic{{Rule: "node_missing", Severity: SeverityError, NodeID: id, Message: "node not found"}}
	}
	diags := CheckSettings(n.Kind, n.Settings)
	for i := range diags {
		diags[i].NodeID = id
	}
	if !g.HasRequiredInputs(id) {
		diags = append(diags, Diagnostic{
			Rule:     "inputs_incomplete",
			Severity: SeverityError,
			NodeID:   id,
			Message:  fmt.Sprintf("%s node is missing required inputs", n.Kind),
		})
	}
	return diags
}

// RefreshCorrectness recomputes is_correct for every node: settings valid AND
// required inputs present AND every direct input itself correct. Returns the
// ids whose is_correct value changed.
func RefreshCorrectness(g *model.Graph) []int64 {
	valid := map[int64]bool{}
	for _, n := range g.Nodes() {
		valid[n.ID] = len(CheckNode(g, n.ID)) == 0
	}
	// Propagate incorrectness downstream to a fixpoint. The graph is acyclic
	// so one pass in topological order would do; iterate instead to stay
	// independent of ordering.
	changedInPass := true
	for changedInPass {
		changedInPass = false
		for _, n := range g.Nodes() {
			if !valid[n.ID] {
				continue
			}
			for _, in := range g.AllInputs(n.ID) {
				if !valid[in] {
					valid[n.ID] = false
					changedInPass = true
					break
				}
			}
		}
	}
	var changed []int64
	for _, n := range g.Nodes() {
		if n.IsCorrect != valid[n.ID] {
			n.IsCorrect = valid[n.ID]
			changed = append(changed, n.ID)
		}
	}
	return changed
}

func schemaDiagnostics(err error) []Diagnostic {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Diagnostic{{Rule: "settings_schema", Severity: SeverityError, Message: err.Error()}}
	}
	leaves := leafCauses(ve)
	out := make([]Diagnostic, 0, len(leaves))
	for _, c := range leaves {
		field := strings.TrimPrefix(c.InstanceLocation, "/")
		field = strings.ReplaceAll(field, "/", ".")
		out = append(out, Diagnostic{
			Rule:     "settings_schema",
			Severity: SeverityError,
			Field:    field,
			Message:  c.Message,
		})
	}
	return out
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

// checkExpressions compiles filter/formula expressions so malformed
// predicates fail at edit time, not mid-run. Column references are unknown
// until execution, so undefined variables are allowed here.
func checkExpressions(s model.Settings) []Diagnostic {
	check := func(field, src string) *Diagnostic {
		if strings.TrimSpace(src) == "" {
			return nil
		}
		if _, err := expr.Compile(src, expr.AllowUndefinedVariables()); err != nil {
			return &Diagnostic{
				Rule:     "expression_syntax",
				Severity: SeverityError,
				Field:    field,
				Message:  err.Error(),
			}
		}
		return nil
	}
	var diags []Diagnostic
	switch v := s.(type) {
	case *model.FilterSettings:
		if d := check("expression", v.Expression); d != nil {
			diags = append(diags, *d)
		}
	case *model.FormulaSettings:
		if d := check("expression", v.Expression); d != nil {
			diags = append(diags, *d)
		}
	}
	return diags
}
