// Package cache stores intermediate results keyed by lineage fingerprint.
// Two levels: encoded lazy plans in memory, sealed tables on disk. A disk
// entry is {cache_dir}/{flow_id}/{fp}.arrow plus a blake3 sidecar; entries
// are written to a temp file and renamed so readers never see a partial
// write.
package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/flowfile/flowfile/internal/flow/lazyplan"
)

var (
	// ErrMiss means no sealed entry exists for the fingerprint.
	ErrMiss = errors.New("cache miss")
	// ErrCorrupt means the entry failed its checksum; the entry is removed
	// before this is returned so the caller can rebuild.
	ErrCorrupt = errors.New("cache entry corrupt")
)

const (
	tableExt    = ".arrow"
	checksumExt = ".b3"
)

// Store is safe for concurrent use. Build serialisation (at most one writer
// per fingerprint) is the caller's job via a keyed mutex; the store only
// guarantees that sealed entries are complete.
type Store struct {
	dir string
	log *log.Logger

	mu    sync.RWMutex
	plans map[string][]byte
}

func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{dir: dir, log: logger, plans: map[string][]byte{}}, nil
}

func (s *Store) Dir() string { return s.dir }

// PutPlan stores the encoded lazy plan for a fingerprint in memory.
func (s *Store) PutPlan(fp string, p *lazyplan.Plan) error {
	b, err := lazyplan.Encode(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.plans[fp] = b
	s.mu.Unlock()
	return nil
}

// GetPlan returns the cached lazy plan for a fingerprint, if any.
func (s *Store) GetPlan(fp string) (*lazyplan.Plan, bool) {
	s.mu.RLock()
	b, ok := s.plans[fp]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p, err := lazyplan.Decode(b)
	if err != nil {
		s.mu.Lock()
		delete(s.plans, fp)
		s.mu.Unlock()
		return nil, false
	}
	return p, true
}

// DropPlans removes the given fingerprints from the memory level.
func (s *Store) DropPlans(fps ...string) {
	s.mu.Lock()
	for _, fp := range fps {
		delete(s.plans, fp)
	}
	s.mu.Unlock()
}

func (s *Store) flowDir(flowID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(flowID, 10))
}

func (s *Store) tablePath(flowID int64, fp string) string {
	return filepath.Join(s.flowDir(flowID), fp+tableExt)
}

// SealTable writes a materialised table to disk: temp file, checksum sidecar,
// then rename. A crash mid-write leaves only temp debris, never a half entry.
func (s *Store) SealTable(flowID int64, fp string, t *lazyplan.Table) error {
	b, err := lazyplan.EncodeTable(t)
	if err != nil {
		return err
	}
	dir := s.flowDir(flowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+fp+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	sum := checksum(b)
	final := s.tablePath(flowID, fp)
	if err := os.WriteFile(final+checksumExt, []byte(sum), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(final + checksumExt)
		return err
	}
	s.log.Printf("sealed %s/%s (%d rows)", strconv.FormatInt(flowID, 10), short(fp), t.NumRows())
	return nil
}

// GetTable loads a sealed table. A checksum mismatch removes the entry and
// returns ErrCorrupt; a missing entry returns ErrMiss.
func (s *Store) GetTable(flowID int64, fp string) (*lazyplan.Table, error) {
	path := s.tablePath(flowID, fp)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, err
	}
	want, err := os.ReadFile(path + checksumExt)
	if err != nil {
		s.discard(flowID, fp)
		return nil, fmt.Errorf("%s: missing checksum: %w", short(fp), ErrCorrupt)
	}
	if got := checksum(b); got != strings.TrimSpace(string(want)) {
		s.discard(flowID, fp)
		return nil, fmt.Errorf("%s: %w", short(fp), ErrCorrupt)
	}
	t, err := lazyplan.DecodeTable(b)
	if err != nil {
		s.discard(flowID, fp)
		return nil, fmt.Errorf("%s: %w", short(fp), ErrCorrupt)
	}
	return t, nil
}

// HasTable reports whether a sealed entry exists without reading it.
func (s *Store) HasTable(flowID int64, fp string) bool {
	_, err := os.Stat(s.tablePath(flowID, fp))
	return err == nil
}

// Invalidate removes entries (both levels) for the given fingerprints.
func (s *Store) Invalidate(flowID int64, fps ...string) {
	s.DropPlans(fps...)
	for _, fp := range fps {
		s.discard(flowID, fp)
	}
}

func (s *Store) discard(flowID int64, fp string) {
	path := s.tablePath(flowID, fp)
	os.Remove(path)
	os.Remove(path + checksumExt)
}

// RemoveFlow deletes every disk entry for a flow.
func (s *Store) RemoveFlow(flowID int64) error {
	return os.RemoveAll(s.flowDir(flowID))
}

// Sweep walks all sealed entries and removes those the keep predicate
// rejects, plus temp debris and orphaned sidecars. Returns removed count.
func (s *Store) Sweep(keep func(flowID int64, fp string) bool) (int, error) {
	fsys := os.DirFS(s.dir)
	matches, err := doublestar.Glob(fsys, "*/*"+tableExt)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		flowStr, base := filepath.Split(m)
		flowID, err := strconv.ParseInt(strings.TrimSuffix(flowStr, "/"), 10, 64)
		if err != nil {
			continue
		}
		fp := strings.TrimSuffix(base, tableExt)
		if keep != nil && keep(flowID, fp) {
			continue
		}
		s.discard(flowID, fp)
		removed++
	}
	debris, err := doublestar.Glob(fsys, "*/.*.tmp-*")
	if err == nil {
		for _, m := range debris {
			os.Remove(filepath.Join(s.dir, m))
		}
	}
	// Sidecars whose table is gone.
	sidecars, err := doublestar.Glob(fsys, "*/*"+tableExt+checksumExt)
	if err == nil {
		for _, m := range sidecars {
			table := strings.TrimSuffix(m, checksumExt)
			if _, statErr := fs.Stat(fsys, table); errors.Is(statErr, fs.ErrNotExist) {
				os.Remove(filepath.Join(s.dir, m))
			}
		}
	}
	if removed > 0 {
		s.log.Printf("swept %d cache entries", removed)
	}
	return removed, nil
}

func checksum(b []byte) string {
	h := blake3.New()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
