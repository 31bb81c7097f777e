package fingerprint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowfile/flowfile/internal/flow/model"
)

func buildChain(t *testing.T) *model.Graph {
	t.Helper()
	g := model.NewGraph(1, "t")
	for _, p := range []model.NodePromise{
		{ID: 1, Kind: model.KindManualInput},
		{ID: 2, Kind: model.KindFilter},
		{ID: 3, Kind: model.KindFormula},
	} {
		if _, err := g.AddNode(p); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := g.Connect(1, 2, model.SlotMain); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := g.Connect(2, 3, model.SlotMain); err != nil {
		t.Fatalf("connect: %v", err)
	}
	g.Node(1).Settings = &model.ManualInputSettings{Data: []map[string]any{{"a": 1}}}
	g.Node(2).Settings = &model.FilterSettings{Expression: "a > 1"}
	g.Node(3).Settings = &model.FormulaSettings{Column: "b", Expression: "a * 2"}
	return g
}

func TestRefresh_DeterministicAcrossRuns(t *testing.T) {
	g1 := buildChain(t)
	g2 := buildChain(t)
	if _, err := Refresh(g1); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := Refresh(g2); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	for id := int64(1); id <= 3; id++ {
		if g1.Node(id).Fingerprint == "" {
			t.Fatalf("node %d has empty fingerprint", id)
		}
		if g1.Node(id).Fingerprint != g2.Node(id).Fingerprint {
			t.Fatalf("node %d fingerprint differs across identical graphs", id)
		}
	}
}

func TestRefresh_SettingsChangeInvalidatesDownstream(t *testing.T) {
	g := buildChain(t)
	if _, err := Refresh(g); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	fp1, fp2, fp3 := g.Node(1).Fingerprint, g.Node(2).Fingerprint, g.Node(3).Fingerprint

	g.Node(2).Settings = &model.FilterSettings{Expression: "a > 2"}
	changed, err := Refresh(g)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if g.Node(1).Fingerprint != fp1 {
		t.Fatalf("upstream fingerprint must not change")
	}
	if g.Node(2).Fingerprint == fp2 || g.Node(3).Fingerprint == fp3 {
		t.Fatalf("changed node and its descendant must both refingerprint")
	}
	if len(changed) != 2 {
		t.Fatalf("changed ids: got %v want nodes 2 and 3", changed)
	}
}

func TestCompute_MainInputOrderIrrelevant(t *testing.T) {
	s := &model.UnionSettings{}
	a := TaggedInput{NodeID: 1, Slot: model.SlotMain, Fingerprint: "aaa"}
	b := TaggedInput{NodeID: 2, Slot: model.SlotMain, Fingerprint: "bbb"}
	fp1, err := Compute(model.KindUnion, s, []TaggedInput{a, b})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	fp2, err := Compute(model.KindUnion, s, []TaggedInput{b, a})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("main input order must not affect the fingerprint")
	}
}

func TestCompute_LeftRightSwapChangesFingerprint(t *testing.T) {
	s := &model.JoinSettings{How: "inner", LeftOn: []string{"id"}, RightOn: []string{"id"}}
	l := TaggedInput{NodeID: 1, Slot: model.SlotLeft, Fingerprint: "aaa"}
	r := TaggedInput{NodeID: 2, Slot: model.SlotRight, Fingerprint: "bbb"}
	fp1, err := Compute(model.KindJoin, s, []TaggedInput{l, r})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	swapped := []TaggedInput{
		{NodeID: 1, Slot: model.SlotLeft, Fingerprint: "bbb"},
		{NodeID: 2, Slot: model.SlotRight, Fingerprint: "aaa"},
	}
	fp2, err := Compute(model.KindJoin, s, swapped)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if fp1 == fp2 {
		t.Fatalf("swapping left and right inputs must change the fingerprint")
	}
}

func TestCanonicalBytes_KeyOrderStable(t *testing.T) {
	s1 := &model.UserDefinedSettings{Name: "x", Params: map[string]any{"b": 2, "a": 1}}
	s2 := &model.UserDefinedSettings{Name: "x", Params: map[string]any{"a": 1, "b": 2}}
	b1, err := CanonicalBytes(s1)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	b2, err := CanonicalBytes(s2)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("canonical bytes differ for equal settings:\n%s\n%s", b1, b2)
	}
}

func TestRefresh_ReadNodeFoldsFileStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(path, []byte("a\n1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	g := model.NewGraph(1, "t")
	if _, err := g.AddNode(model.NodePromise{ID: 1, Kind: model.KindRead}); err != nil {
		t.Fatalf("add: %v", err)
	}
	g.Node(1).Settings = &model.ReadSettings{Path: path, Format: "csv"}

	if _, err := Refresh(g); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	fp1 := g.Node(1).Fingerprint
	if fp1 == "" {
		t.Fatalf("read node should fingerprint")
	}

	// Grow the file and push mtime forward so both stat fields move.
	if err := os.WriteFile(path, []byte("a\n1\n2\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if _, err := Refresh(g); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if g.Node(1).Fingerprint == fp1 {
		t.Fatalf("file change must invalidate the read node fingerprint")
	}
}

func TestRefresh_MissingSettingsBlocksDownstream(t *testing.T) {
	g := buildChain(t)
	g.Node(2).Settings = nil
	if _, err := Refresh(g); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if g.Node(1).Fingerprint == "" {
		t.Fatalf("root should still fingerprint")
	}
	if g.Node(2).Fingerprint != "" || g.Node(3).Fingerprint != "" {
		t.Fatalf("nodes without a full lineage must not fingerprint")
	}
}
