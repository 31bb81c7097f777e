package lazyplan

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowfile/flowfile/internal/flow/model"
)

// Plan is one deferred step and its inputs. A step carries the node kind and
// the JSON form of the node settings; a literal step carries a materialised
// table instead (Kind empty). Plans are immutable after construction.
type Plan struct {
	Kind     model.NodeKind `msgpack:"kind,omitempty"`
	Settings []byte         `msgpack:"settings,omitempty"`
	Data     *Table         `msgpack:"data,omitempty"`
	Inputs   []*Plan        `msgpack:"inputs,omitempty"`
}

// Step builds a plan node from typed settings and input plans. Input order is
// positional: main inputs in edge order, or left then right for binary kinds.
func Step(kind model.NodeKind, settings model.Settings, inputs ...*Plan) (*Plan, error) {
	doc, err := model.EncodeSettings(settings)
	if err != nil {
		return nil, fmt.Errorf("plan step %s: %w", kind, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("plan step %s: %w", kind, err)
	}
	return &Plan{Kind: kind, Settings: raw, Inputs: inputs}, nil
}

// Literal wraps an already materialised table, the shape cached results take
// when they re-enter a plan.
func Literal(t *Table) *Plan {
	return &Plan{Data: t}
}

// IsLiteral reports whether the plan is a materialised table.
func (p *Plan) IsLiteral() bool { return p.Data != nil && p.Kind == "" }

// DecodeStepSettings returns the typed settings of a non-literal step.
func (p *Plan) DecodeStepSettings() (model.Settings, error) {
	var doc map[string]any
	if err := json.Unmarshal(p.Settings, &doc); err != nil {
		return nil, fmt.Errorf("plan step %s: %w", p.Kind, err)
	}
	return model.DecodeSettings(p.Kind, doc)
}

// Depth returns the longest step chain in the plan, literals counting zero.
func (p *Plan) Depth() int {
	if p.IsLiteral() {
		return 0
	}
	max := 0
	for _, in := range p.Inputs {
		if d := in.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// Encode serialises the plan tree for the worker wire and the memory cache.
func Encode(p *Plan) ([]byte, error) {
	return msgpack.Marshal(p)
}

func Decode(b []byte) (*Plan, error) {
	var p Plan
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}
