package lazyplan

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowfile/flowfile/internal/flow/model"
)

// ErrNeedsRemote marks steps the in-memory evaluator cannot run; the engine
// routes those to a worker or kernel instead.
var ErrNeedsRemote = errors.New("step requires remote execution")

// ErrSchemaMismatch is returned by strict unions over unequal schemas.
var ErrSchemaMismatch = errors.New("union inputs have different schemas")

// Eval materialises a plan tree in memory. Steps are evaluated bottom-up;
// ctx is checked between steps, not mid-step.
func Eval(ctx context.Context, p *Plan) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.IsLiteral() {
		return p.Data, nil
	}
	inputs := make([]*Table, len(p.Inputs))
	for i, in := range p.Inputs {
		t, err := Eval(ctx, in)
		if err != nil {
			return nil, err
		}
		inputs[i] = t
	}
	s, err := p.DecodeStepSettings()
	if err != nil {
		return nil, err
	}
	out, err := evalStep(p.Kind, s, inputs)
	if err != nil {
		return nil, fmt.Errorf("eval %s: %w", p.Kind, err)
	}
	return out, nil
}

func evalStep(kind model.NodeKind, s model.Settings, inputs []*Table) (*Table, error) {
	switch v := s.(type) {
	case *model.ManualInputSettings:
		return evalManualInput(v), nil
	case *model.ReadSettings:
		return evalRead(v)
	case *model.FilterSettings:
		return evalFilter(v, one(inputs))
	case *model.SelectSettings:
		return evalSelect(v, one(inputs))
	case *model.SortSettings:
		return evalSort(v, one(inputs)), nil
	case *model.GroupBySettings:
		return evalGroupBy(v, one(inputs))
	case *model.JoinSettings:
		l, r := pair(inputs)
		return evalJoin(v, l, r)
	case *model.CrossJoinSettings:
		l, r := pair(inputs)
		return crossJoin(l, r, v.Suffix), nil
	case *model.FuzzyMatchSettings:
		l, r := pair(inputs)
		return evalFuzzyMatch(v, l, r)
	case *model.UnionSettings:
		return evalUnion(v, inputs)
	case *model.PivotSettings:
		return evalPivot(v, one(inputs))
	case *model.UnpivotSettings:
		return evalUnpivot(v, one(inputs)), nil
	case *model.RecordIDSettings:
		return evalRecordID(v, one(inputs)), nil
	case *model.FormulaSettings:
		return evalFormula(v, one(inputs))
	case *model.OutputSettings, *model.CacheSettings:
		// Materialisation side effects happen in the engine; the plan value
		// is the unchanged input.
		return one(inputs), nil
	case *model.PolarsCodeSettings, *model.PythonScriptSettings, *model.UserDefinedSettings:
		return nil, ErrNeedsRemote
	default:
		return nil, fmt.Errorf("unsupported step kind %s", kind)
	}
}

func one(inputs []*Table) *Table {
	if len(inputs) == 0 {
		return NewTable()
	}
	return inputs[0]
}

func pair(inputs []*Table) (*Table, *Table) {
	l, r := NewTable(), NewTable()
	if len(inputs) > 0 {
		l = inputs[0]
	}
	if len(inputs) > 1 {
		r = inputs[1]
	}
	return l, r
}

func evalManualInput(s *model.ManualInputSettings) *Table {
	var schema []string
	for _, c := range s.Schema {
		schema = append(schema, c.Name)
	}
	return TableFromMaps(s.Data, schema)
}

func evalRead(s *model.ReadSettings) (*Table, error) {
	switch s.Format {
	case "csv":
		return readCSV(s.Path)
	case "json":
		return readJSON(s.Path)
	case "arrow":
		b, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, err
		}
		return DecodeTable(b)
	default:
		// parquet needs a worker-side reader.
		return nil, fmt.Errorf("format %q: %w", s.Format, ErrNeedsRemote)
	}
}

func readCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return NewTable(), nil
	}
	t := NewTable(records[0]...)
	for _, rec := range records[1:] {
		row := make([]any, len(t.Columns))
		for i := range t.Columns {
			if i < len(rec) {
				row[i] = inferCell(rec[i])
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// inferCell promotes CSV text to number or bool when it parses cleanly.
func inferCell(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func readJSON(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("%s: expected an array of objects: %w", path, err)
	}
	return TableFromMaps(rows, nil), nil
}

func compileExpr(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.AllowUndefinedVariables())
}

func evalFilter(s *model.FilterSettings, in *Table) (*Table, error) {
	prog, err := compileExpr(s.Expression)
	if err != nil {
		return nil, err
	}
	out := NewTable(in.Columns...)
	for i := range in.Rows {
		v, err := expr.Run(prog, in.RowMap(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		keep, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("row %d: filter expression returned %T, want bool", i, v)
		}
		if keep {
			out.Rows = append(out.Rows, in.Rows[i])
		}
	}
	return out, nil
}

func evalSelect(s *model.SelectSettings, in *Table) (*Table, error) {
	idx := make([]int, len(s.Columns))
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		j := in.ColumnIndex(c)
		if j < 0 {
			return nil, fmt.Errorf("column %q not found", c)
		}
		idx[i] = j
		names[i] = c
		if renamed, ok := s.Rename[c]; ok {
			names[i] = renamed
		}
	}
	out := NewTable(names...)
	for _, r := range in.Rows {
		row := make([]any, len(idx))
		for i, j := range idx {
			row[i] = r[j]
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func evalSort(s *model.SortSettings, in *Table) *Table {
	out := in.Clone()
	keys := make([]int, 0, len(s.By))
	desc := make([]bool, 0, len(s.By))
	for _, f := range s.By {
		if j := out.ColumnIndex(f.Column); j >= 0 {
			keys = append(keys, j)
			desc = append(desc, f.Descending)
		}
	}
	sort.SliceStable(out.Rows, func(a, b int) bool {
		for k, j := range keys {
			c := compareCells(out.Rows[a][j], out.Rows[b][j])
			if c == 0 {
				continue
			}
			if desc[k] {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out
}

func evalGroupBy(s *model.GroupBySettings, in *Table) (*Table, error) {
	keyIdx := make([]int, len(s.GroupColumns))
	for i, c := range s.GroupColumns {
		j := in.ColumnIndex(c)
		if j < 0 {
			return nil, fmt.Errorf("group column %q not found", c)
		}
		keyIdx[i] = j
	}
	cols := append([]string{}, s.GroupColumns...)
	for _, a := range s.Aggregations {
		cols = append(cols, aggAlias(a))
	}
	out := NewTable(cols...)

	type group struct {
		key  []any
		accs []*aggState
	}
	groups := map[string]*group{}
	var order []string
	for _, r := range in.Rows {
		key := make([]any, len(keyIdx))
		for i, j := range keyIdx {
			key[i] = r[j]
		}
		ks := cellKey(key)
		g, ok := groups[ks]
		if !ok {
			g = &group{key: key, accs: make([]*aggState, len(s.Aggregations))}
			for i := range g.accs {
				g.accs[i] = &aggState{}
			}
			groups[ks] = g
			order = append(order, ks)
		}
		for i, a := range s.Aggregations {
			j := in.ColumnIndex(a.Column)
			if j < 0 {
				return nil, fmt.Errorf("aggregation column %q not found", a.Column)
			}
			g.accs[i].add(r[j])
		}
	}
	for _, ks := range order {
		g := groups[ks]
		row := append([]any{}, g.key...)
		for i, a := range s.Aggregations {
			v, err := g.accs[i].result(a.Agg)
			if err != nil {
				return nil, err
			}
			row = append(row, v)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func aggAlias(a model.Aggregation) string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.Column + "_" + a.Agg
}

type aggState struct {
	count  int64
	sum    float64
	numOK  bool
	min    any
	max    any
	first  any
	last   any
	seen   bool
	unique map[string]bool
}

func (a *aggState) add(v any) {
	if !a.seen {
		a.first = v
		a.seen = true
	}
	a.last = v
	if v == nil {
		return
	}
	a.count++
	if f, ok := toFloat(v); ok {
		a.sum += f
		a.numOK = true
	}
	if a.min == nil || compareCells(v, a.min) < 0 {
		a.min = v
	}
	if a.max == nil || compareCells(v, a.max) > 0 {
		a.max = v
	}
	if a.unique == nil {
		a.unique = map[string]bool{}
	}
	a.unique[cellKey([]any{v})] = true
}

func (a *aggState) result(agg string) (any, error) {
	switch agg {
	case "sum":
		return a.sum, nil
	case "mean":
		if a.count == 0 || !a.numOK {
			return nil, nil
		}
		return a.sum / float64(a.count), nil
	case "min":
		return a.min, nil
	case "max":
		return a.max, nil
	case "count":
		return a.count, nil
	case "n_unique":
		return int64(len(a.unique)), nil
	case "first":
		return a.first, nil
	case "last":
		return a.last, nil
	default:
		return nil, fmt.Errorf("unknown aggregation %q", agg)
	}
}

func evalJoin(s *model.JoinSettings, left, right *Table) (*Table, error) {
	if s.How == "cross" {
		return crossJoin(left, right, s.Suffix), nil
	}
	if len(s.LeftOn) != len(s.RightOn) {
		return nil, fmt.Errorf("left_on and right_on lengths differ")
	}
	lIdx := make([]int, len(s.LeftOn))
	rIdx := make([]int, len(s.RightOn))
	for i := range s.LeftOn {
		if lIdx[i] = left.ColumnIndex(s.LeftOn[i]); lIdx[i] < 0 {
			return nil, fmt.Errorf("left column %q not found", s.LeftOn[i])
		}
		if rIdx[i] = right.ColumnIndex(s.RightOn[i]); rIdx[i] < 0 {
			return nil, fmt.Errorf("right column %q not found", s.RightOn[i])
		}
	}
	rightByKey := map[string][]int{}
	for i, r := range right.Rows {
		key := make([]any, len(rIdx))
		for k, j := range rIdx {
			key[k] = r[j]
		}
		ks := cellKey(key)
		rightByKey[ks] = append(rightByKey[ks], i)
	}

	semi := s.How == "semi" || s.How == "anti"
	suffix := s.Suffix
	if suffix == "" {
		suffix = "_right"
	}
	var rightCols []string
	var rightKeep []int
	if !semi {
		for j, c := range right.Columns {
			name := c
			for left.HasColumn(name) || contains(rightCols, name) {
				name += suffix
			}
			rightCols = append(rightCols, name)
			rightKeep = append(rightKeep, j)
		}
	}
	out := NewTable(append(append([]string{}, left.Columns...), rightCols...)...)

	matchedRight := map[int]bool{}
	for _, l := range left.Rows {
		key := make([]any, len(lIdx))
		for k, j := range lIdx {
			key[k] = l[j]
		}
		matches := rightByKey[cellKey(key)]
		switch s.How {
		case "semi":
			if len(matches) > 0 {
				out.Rows = append(out.Rows, l)
			}
		case "anti":
			if len(matches) == 0 {
				out.Rows = append(out.Rows, l)
			}
		default:
			if len(matches) == 0 {
				if s.How == "left" || s.How == "outer" {
					out.Rows = append(out.Rows, padRow(l, len(rightCols)))
				}
				continue
			}
			for _, ri := range matches {
				matchedRight[ri] = true
				row := append([]any{}, l...)
				for _, j := range rightKeep {
					row = append(row, right.Rows[ri][j])
				}
				out.Rows = append(out.Rows, row)
			}
		}
	}
	if s.How == "right" || s.How == "outer" {
		for ri, r := range right.Rows {
			if matchedRight[ri] {
				continue
			}
			row := make([]any, len(left.Columns), len(out.Columns))
			for _, j := range rightKeep {
				row = append(row, r[j])
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func crossJoin(left, right *Table, suffix string) *Table {
	if suffix == "" {
		suffix = "_right"
	}
	var rightCols []string
	for _, c := range right.Columns {
		name := c
		for left.HasColumn(name) || contains(rightCols, name) {
			name += suffix
		}
		rightCols = append(rightCols, name)
	}
	out := NewTable(append(append([]string{}, left.Columns...), rightCols...)...)
	for _, l := range left.Rows {
		for _, r := range right.Rows {
			out.Rows = append(out.Rows, append(append([]any{}, l...), r...))
		}
	}
	return out
}

func evalFuzzyMatch(s *model.FuzzyMatchSettings, left, right *Table) (*Table, error) {
	type mapping struct {
		li, ri    int
		threshold float64
		sim       func(a, b string) float64
	}
	mappings := make([]mapping, len(s.Mappings))
	for i, m := range s.Mappings {
		li := left.ColumnIndex(m.LeftColumn)
		ri := right.ColumnIndex(m.RightColumn)
		if li < 0 || ri < 0 {
			return nil, fmt.Errorf("fuzzy mapping %s/%s: column not found", m.LeftColumn, m.RightColumn)
		}
		sim := levenshteinSimilarity
		if m.Algorithm == "jaro_winkler" {
			sim = jaroWinkler
		}
		mappings[i] = mapping{li: li, ri: ri, threshold: m.Threshold, sim: sim}
	}
	suffix := "_right"
	var rightCols []string
	for _, c := range right.Columns {
		name := c
		for left.HasColumn(name) || contains(rightCols, name) {
			name += suffix
		}
		rightCols = append(rightCols, name)
	}
	cols := append(append([]string{}, left.Columns...), rightCols...)
	cols = append(cols, "fuzzy_score")
	out := NewTable(cols...)

	for _, l := range left.Rows {
		matched := false
		for _, r := range right.Rows {
			total := 0.0
			ok := true
			for _, m := range mappings {
				score := m.sim(cellString(l[m.li]), cellString(r[m.ri]))
				if score < m.threshold {
					ok = false
					break
				}
				total += score
			}
			if !ok {
				continue
			}
			matched = true
			row := append(append([]any{}, l...), r...)
			row = append(row, total/float64(len(mappings)))
			out.Rows = append(out.Rows, row)
		}
		if !matched && s.How == "left" {
			row := padRow(l, len(rightCols))
			row = append(row, nil)
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func evalUnion(s *model.UnionSettings, inputs []*Table) (*Table, error) {
	if len(inputs) == 0 {
		return NewTable(), nil
	}
	if s.Strategy == "strict" {
		first := inputs[0].Columns
		for _, t := range inputs[1:] {
			if !equalColumns(first, t.Columns) {
				return nil, ErrSchemaMismatch
			}
		}
		out := NewTable(first...)
		for _, t := range inputs {
			out.Rows = append(out.Rows, t.Rows...)
		}
		return out, nil
	}
	// Relaxed: column union in first-seen order, missing cells nil.
	var cols []string
	for _, t := range inputs {
		for _, c := range t.Columns {
			if !contains(cols, c) {
				cols = append(cols, c)
			}
		}
	}
	out := NewTable(cols...)
	for _, t := range inputs {
		idx := make([]int, len(cols))
		for i, c := range cols {
			idx[i] = t.ColumnIndex(c)
		}
		for _, r := range t.Rows {
			row := make([]any, len(cols))
			for i, j := range idx {
				if j >= 0 {
					row[i] = r[j]
				}
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func evalPivot(s *model.PivotSettings, in *Table) (*Table, error) {
	pi := in.ColumnIndex(s.PivotColumn)
	vi := in.ColumnIndex(s.ValueColumn)
	if pi < 0 || vi < 0 {
		return nil, fmt.Errorf("pivot or value column not found")
	}
	idxIdx := make([]int, len(s.IndexColumns))
	for i, c := range s.IndexColumns {
		if idxIdx[i] = in.ColumnIndex(c); idxIdx[i] < 0 {
			return nil, fmt.Errorf("index column %q not found", c)
		}
	}
	agg := s.Agg
	if agg == "" {
		agg = "first"
	}
	// Pivot column values become new columns in first-seen order.
	var pivotVals []string
	rowsByKey := map[string]map[string]*aggState{}
	keyVals := map[string][]any{}
	var keyOrder []string
	for _, r := range in.Rows {
		key := make([]any, len(idxIdx))
		for i, j := range idxIdx {
			key[i] = r[j]
		}
		ks := cellKey(key)
		if _, ok := rowsByKey[ks]; !ok {
			rowsByKey[ks] = map[string]*aggState{}
			keyVals[ks] = key
			keyOrder = append(keyOrder, ks)
		}
		pv := cellString(r[pi])
		if !contains(pivotVals, pv) {
			pivotVals = append(pivotVals, pv)
		}
		st, ok := rowsByKey[ks][pv]
		if !ok {
			st = &aggState{}
			rowsByKey[ks][pv] = st
		}
		st.add(r[vi])
	}
	out := NewTable(append(append([]string{}, s.IndexColumns...), pivotVals...)...)
	for _, ks := range keyOrder {
		row := append([]any{}, keyVals[ks]...)
		for _, pv := range pivotVals {
			if st, ok := rowsByKey[ks][pv]; ok {
				v, err := st.result(agg)
				if err != nil {
					return nil, err
				}
				row = append(row, v)
			} else {
				row = append(row, nil)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func evalUnpivot(s *model.UnpivotSettings, in *Table) *Table {
	variable := s.VariableName
	if variable == "" {
		variable = "variable"
	}
	value := s.ValueName
	if value == "" {
		value = "value"
	}
	cols := append(append([]string{}, s.IndexColumns...), variable, value)
	out := NewTable(cols...)
	idxIdx := make([]int, len(s.IndexColumns))
	for i, c := range s.IndexColumns {
		idxIdx[i] = in.ColumnIndex(c)
	}
	for _, r := range in.Rows {
		base := make([]any, len(idxIdx))
		for i, j := range idxIdx {
			if j >= 0 {
				base[i] = r[j]
			}
		}
		for _, vc := range s.ValueColumns {
			j := in.ColumnIndex(vc)
			if j < 0 {
				continue
			}
			row := append(append([]any{}, base...), vc, r[j])
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

func evalRecordID(s *model.RecordIDSettings, in *Table) *Table {
	out := NewTable(append([]string{s.ColumnName}, in.Columns...)...)
	offset := s.Offset
	if offset == 0 {
		offset = 1
	}
	groupIdx := make([]int, 0, len(s.GroupBy))
	for _, c := range s.GroupBy {
		if j := in.ColumnIndex(c); j >= 0 {
			groupIdx = append(groupIdx, j)
		}
	}
	counters := map[string]int64{}
	for _, r := range in.Rows {
		var n int64
		if len(groupIdx) > 0 {
			key := make([]any, len(groupIdx))
			for i, j := range groupIdx {
				key[i] = r[j]
			}
			ks := cellKey(key)
			counters[ks]++
			n = counters[ks] + offset - 1
		} else {
			counters[""]++
			n = counters[""] + offset - 1
		}
		out.Rows = append(out.Rows, append([]any{n}, r...))
	}
	return out
}

func evalFormula(s *model.FormulaSettings, in *Table) (*Table, error) {
	prog, err := compileExpr(s.Expression)
	if err != nil {
		return nil, err
	}
	replace := in.ColumnIndex(s.Column)
	cols := append([]string{}, in.Columns...)
	if replace < 0 {
		cols = append(cols, s.Column)
	}
	out := NewTable(cols...)
	for i := range in.Rows {
		v, err := expr.Run(prog, in.RowMap(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		row := append([]any{}, in.Rows[i]...)
		if replace >= 0 {
			row[replace] = v
		} else {
			row = append(row, v)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func padRow(r []any, extra int) []any {
	row := append([]any{}, r...)
	for i := 0; i < extra; i++ {
		row = append(row, nil)
	}
	return row
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// compareCells orders nil first, then numbers, then everything else as text.
func compareCells(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(cellString(a), cellString(b))
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// cellKey builds a hashable key for a tuple of cells. Numbers are normalised
// so int64(1) and float64(1) land in the same group.
func cellKey(vals []any) string {
	var b strings.Builder
	for _, v := range vals {
		if f, ok := toFloat(v); ok {
			b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		} else {
			b.WriteString(cellString(v))
		}
		b.WriteByte(0)
	}
	return b.String()
}
