// Package fingerprint computes the structural content hash of a node and its
// upstream lineage. The fingerprint is the cache key for every intermediate
// result, so the encoding must stay byte-stable across versions; bump
// Version when it changes.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flowfile/flowfile/internal/flow/model"
)

// Version is prepended to every hash input. Bump on any change to the
// canonical encoding or the hash layout.
const Version byte = 0x01

// CanonicalBytes returns a stable deterministic encoding of a settings
// payload: object fields in lexicographic order, numbers in their JSON form.
// NaN/Inf never reach this point; json.Marshal rejects them upstream.
func CanonicalBytes(s model.Settings) ([]byte, error) {
	doc, err := model.EncodeSettings(s)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical encoding: unsupported type %T", v)
	}
	return nil
}

// Compute hashes one node: kind, canonical settings, and the input
// fingerprints. Each input is tagged with its slot and the tagged set is
// sorted, so representation order never affects the hash but swapping
// left/right inputs does.
func Compute(kind model.NodeKind, settings model.Settings, inputs []TaggedInput) (string, error) {
	canonical, err := CanonicalBytes(settings)
	if err != nil {
		return "", err
	}
	tags := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in.Fingerprint == "" {
			return "", fmt.Errorf("input %d has no fingerprint", in.NodeID)
		}
		tags = append(tags, string(in.Slot)+":"+in.Fingerprint)
	}
	sort.Strings(tags)

	h := sha256.New()
	h.Write([]byte{Version})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	for _, t := range tags {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TaggedInput is one predecessor's contribution to a node's hash.
type TaggedInput struct {
	NodeID      int64
	Slot        model.Slot
	Fingerprint string
}

// Refresh recomputes fingerprints for the whole graph in dependency order.
// Read nodes re-stat their file first so external changes invalidate the
// chain. Nodes without settings, or with an unfingerprintable input, get an
// empty fingerprint. Returns the ids whose fingerprint changed.
func Refresh(g *model.Graph) ([]int64, error) {
	order, err := topoOrder(g)
	if err != nil {
		return nil, err
	}
	var changed []int64
	for _, id := range order {
		n := g.Node(id)
		prev := n.Fingerprint
		n.Fingerprint = ""
		if n.Settings == nil {
			if prev != "" {
				changed = append(changed, id)
			}
			continue
		}
		if rs, ok := n.Settings.(*model.ReadSettings); ok {
			rs.RefreshStat()
		}
		inputs, ok := taggedInputs(g, id)
		if ok {
			fp, err := Compute(n.Kind, n.Settings, inputs)
			if err == nil {
				n.Fingerprint = fp
			}
		}
		if n.Fingerprint != prev {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func taggedInputs(g *model.Graph, id int64) ([]TaggedInput, bool) {
	main, left, right := g.InputIDs(id)
	var out []TaggedInput
	add := func(nid int64, slot model.Slot) bool {
		n := g.Node(nid)
		if n == nil || n.Fingerprint == "" {
			return false
		}
		out = append(out, TaggedInput{NodeID: nid, Slot: slot, Fingerprint: n.Fingerprint})
		return true
	}
	for _, m := range main {
		if !add(m, model.SlotMain) {
			return nil, false
		}
	}
	if left != 0 && !add(left, model.SlotLeft) {
		return nil, false
	}
	if right != 0 && !add(right, model.SlotRight) {
		return nil, false
	}
	return out, true
}

func topoOrder(g *model.Graph) ([]int64, error) {
	indeg := map[int64]int{}
	for _, id := range g.NodeIDs() {
		indeg[id] = len(g.AllInputs(id))
	}
	var ready []int64
	for _, id := range g.NodeIDs() {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	var order []int64
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, succ := range g.Outputs(id) {
			indeg[succ]--
			if indeg[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}
	if len(order) != g.Len() {
		return nil, model.ErrCycleDetected
	}
	return order, nil
}
