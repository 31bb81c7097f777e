package model

import "strings"

// NodeKind identifies a node's behaviour. The set is closed: unknown kinds
// fail validation rather than falling back to a default executor.
type NodeKind string

const (
	KindManualInput  NodeKind = "manual_input"
	KindRead         NodeKind = "read"
	KindFilter       NodeKind = "filter"
	KindSelect       NodeKind = "select"
	KindSort         NodeKind = "sort"
	KindGroupBy      NodeKind = "group_by"
	KindJoin         NodeKind = "join"
	KindCrossJoin    NodeKind = "cross_join"
	KindFuzzyMatch   NodeKind = "fuzzy_match"
	KindUnion        NodeKind = "union"
	KindPivot        NodeKind = "pivot"
	KindUnpivot      NodeKind = "unpivot"
	KindRecordID     NodeKind = "record_id"
	KindFormula      NodeKind = "formula"
	KindPolarsCode   NodeKind = "polars_code"
	KindPythonScript NodeKind = "python_script"
	KindOutput       NodeKind = "output"
	KindCache        NodeKind = "cache"
	KindUserDefined  NodeKind = "user_defined"
)

// InputShape declares which input slots a kind accepts. Exactly one of the
// two forms applies: a variadic MAIN list, or LEFT/RIGHT named slots.
type InputShape struct {
	// MinMain/MaxMain bound the MAIN input list. MaxMain < 0 means unbounded.
	MinMain int
	MaxMain int
	// LeftRight selects the named two-input form (join-like kinds).
	LeftRight bool
}

var kindShapes = map[NodeKind]InputShape{
	KindManualInput:  {MinMain: 0, MaxMain: 0},
	KindRead:         {MinMain: 0, MaxMain: 0},
	KindFilter:       {MinMain: 1, MaxMain: 1},
	KindSelect:       {MinMain: 1, MaxMain: 1},
	KindSort:         {MinMain: 1, MaxMain: 1},
	KindGroupBy:      {MinMain: 1, MaxMain: 1},
	KindJoin:         {LeftRight: true},
	KindCrossJoin:    {LeftRight: true},
	KindFuzzyMatch:   {LeftRight: true},
	KindUnion:        {MinMain: 1, MaxMain: -1},
	KindPivot:        {MinMain: 1, MaxMain: 1},
	KindUnpivot:      {MinMain: 1, MaxMain: 1},
	KindRecordID:     {MinMain: 1, MaxMain: 1},
	KindFormula:      {MinMain: 1, MaxMain: 1},
	KindPolarsCode:   {MinMain: 0, MaxMain: -1},
	KindPythonScript: {MinMain: 0, MaxMain: -1},
	KindOutput:       {MinMain: 1, MaxMain: 1},
	KindCache:        {MinMain: 1, MaxMain: 1},
	KindUserDefined:  {MinMain: 0, MaxMain: -1},
}

func (k NodeKind) Valid() bool {
	_, ok := kindShapes[k]
	return ok
}

func (k NodeKind) Shape() InputShape {
	return kindShapes[k]
}

// IsSource reports whether the kind produces data without graph inputs.
func (k NodeKind) IsSource() bool {
	sh := kindShapes[k]
	return !sh.LeftRight && sh.MaxMain == 0
}

// NodeState is the transient per-run state of a node.
type NodeState string

const (
	StateIdle    NodeState = "IDLE"
	StatePlanned NodeState = "PLANNED"
	StateRunning NodeState = "RUNNING"
	StateDone    NodeState = "DONE"
	StateSkipped NodeState = "SKIPPED"
	StateFailed  NodeState = "FAILED"
)

// NodePromise creates a node before its settings are known. Until settings
// are supplied the node is present in the graph but is_correct=false.
type NodePromise struct {
	ID             int64
	Kind           NodeKind
	Description    string
	PositionX      float64
	PositionY      float64
	IsStart        bool
	CacheResults   bool
	TimeoutSeconds int
}

type Node struct {
	ID           int64
	Kind         NodeKind
	Settings     Settings // nil until the typed setter runs
	CacheResults bool
	IsCorrect    bool
	IsStart      bool
	// TimeoutSeconds bounds this node's execution; 0 means no limit.
	TimeoutSeconds int

	// UI-only, preserved verbatim through save/load.
	Description string
	PositionX   float64
	PositionY   float64

	// Transient run state.
	State       NodeState
	Fingerprint string
	LastError   string
	WasCached   bool
}

func (n *Node) Reset() {
	n.State = StateIdle
	n.LastError = ""
	n.WasCached = false
}

func ParseKind(s string) (NodeKind, bool) {
	k := NodeKind(strings.ToLower(strings.TrimSpace(s)))
	if k.Valid() {
		return k, true
	}
	return "", false
}
