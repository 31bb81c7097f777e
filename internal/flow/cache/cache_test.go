package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowfile/flowfile/internal/flow/lazyplan"
	"github.com/flowfile/flowfile/internal/flow/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func sampleTable() *lazyplan.Table {
	t := lazyplan.NewTable("a", "b")
	t.Rows = [][]any{{int64(1), "x"}, {int64(2), "y"}}
	return t
}

const fp = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestSealAndGetTable(t *testing.T) {
	s := newStore(t)
	if _, err := s.GetTable(1, fp); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := s.SealTable(1, fp, sampleTable()); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !s.HasTable(1, fp) {
		t.Fatalf("sealed entry should exist")
	}
	got, err := s.GetTable(1, fp)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NumRows() != 2 || got.Columns[1] != "b" {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestGetTable_CorruptEntryIsDiscarded(t *testing.T) {
	s := newStore(t)
	if err := s.SealTable(1, fp, sampleTable()); err != nil {
		t.Fatalf("seal: %v", err)
	}
	path := filepath.Join(s.Dir(), "1", fp+".arrow")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := s.GetTable(1, fp); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	// The entry is gone; the next read is a plain miss, so the builder
	// recomputes instead of failing again.
	if _, err := s.GetTable(1, fp); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after discard, got %v", err)
	}
}

func TestPlanLevel(t *testing.T) {
	s := newStore(t)
	p, err := lazyplan.Step(model.KindFilter, &model.FilterSettings{Expression: "a > 1"},
		lazyplan.Literal(sampleTable()))
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if err := s.PutPlan(fp, p); err != nil {
		t.Fatalf("put plan: %v", err)
	}
	back, ok := s.GetPlan(fp)
	if !ok {
		t.Fatalf("plan should be cached")
	}
	if back.Kind != model.KindFilter || len(back.Inputs) != 1 {
		t.Fatalf("decoded plan mismatch: %+v", back)
	}
	s.DropPlans(fp)
	if _, ok := s.GetPlan(fp); ok {
		t.Fatalf("plan should be dropped")
	}
}

func TestInvalidate(t *testing.T) {
	s := newStore(t)
	if err := s.SealTable(1, fp, sampleTable()); err != nil {
		t.Fatalf("seal: %v", err)
	}
	s.Invalidate(1, fp)
	if s.HasTable(1, fp) {
		t.Fatalf("entry should be gone after invalidate")
	}
}

func TestSweep(t *testing.T) {
	s := newStore(t)
	other := "ffff6789abcdef0123456789abcdef0123456789abcdef0123456789abcdef00"
	if err := s.SealTable(1, fp, sampleTable()); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := s.SealTable(2, other, sampleTable()); err != nil {
		t.Fatalf("seal: %v", err)
	}
	removed, err := s.Sweep(func(flowID int64, f string) bool { return flowID == 1 })
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed: got %d want 1", removed)
	}
	if !s.HasTable(1, fp) || s.HasTable(2, other) {
		t.Fatalf("sweep kept the wrong entries")
	}
	// The orphaned sidecar goes too.
	if _, err := os.Stat(filepath.Join(s.Dir(), "2", other+".arrow.b3")); !os.IsNotExist(err) {
		t.Fatalf("sidecar should be swept: %v", err)
	}
}

func TestRemoveFlow(t *testing.T) {
	s := newStore(t)
	if err := s.SealTable(7, fp, sampleTable()); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := s.RemoveFlow(7); err != nil {
		t.Fatalf("remove flow: %v", err)
	}
	if s.HasTable(7, fp) {
		t.Fatalf("flow entries should be gone")
	}
}
