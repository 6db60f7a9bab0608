package wisckv

import (
	"bytes"
	"os"
	"testing"

	"github.com/guycipher/wisckv/skl"
	"github.com/guycipher/wisckv/sstable"
)

func newTestLevelsController(t *testing.T, dir string) (*levelsController, *manifestFile) {
	t.Helper()
	mf, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("openOrCreateManifest: %v", err)
	}
	opt := DefaultOptions(dir)
	lc, err := newLevelsController(dir, opt, mf)
	if err != nil {
		t.Fatalf("newLevelsController: %v", err)
	}
	return lc, mf
}

func memTableWith(entries map[string]string) *memTable {
	mt := &memTable{sl: skl.NewSkiplist(compareKeys, 1<<20)}
	for k, v := range entries {
		vs := ValueStruct{Value: []byte(v)}
		mt.sl.Put(keyWithTs([]byte(k), 1), vs.Encode())
	}
	return mt
}

func TestLevelsControllerFlushAndGet(t *testing.T) {
	dir := t.TempDir()
	lc, mf := newTestLevelsController(t, dir)
	defer mf.close()
	defer lc.close()

	mt := memTableWith(map[string]string{"a": "1", "b": "2", "c": "3"})
	if err := lc.flush(mt); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(lc.levels) == 0 || len(lc.levels[0]) != 1 {
		t.Fatalf("expected one L0 table after flush, levels = %+v", lc.levels)
	}

	for k, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		vs, ok := lc.get(keyWithTs([]byte(k), 1))
		if !ok {
			t.Fatalf("key %q not found after flush", k)
		}
		if !bytes.Equal(vs.Value, []byte(want)) {
			t.Fatalf("key %q = %q, want %q", k, vs.Value, want)
		}
	}

	if _, ok := lc.get(keyWithTs([]byte("missing"), 1)); ok {
		t.Fatalf("expected a key never written to be absent")
	}
}

func TestLevelsControllerFlushEmptyMemtableIsNoop(t *testing.T) {
	dir := t.TempDir()
	lc, mf := newTestLevelsController(t, dir)
	defer mf.close()
	defer lc.close()

	mt := memTableWith(nil)
	if err := lc.flush(mt); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(lc.levels) != 0 {
		t.Fatalf("expected no tables created from flushing an empty memtable, got levels = %+v", lc.levels)
	}
}

func TestLevelsControllerReconcilesManifestOnReopen(t *testing.T) {
	dir := t.TempDir()
	lc, mf := newTestLevelsController(t, dir)

	mt := memTableWith(map[string]string{"x": "1"})
	if err := lc.flush(mt); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := lc.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mf.close(); err != nil {
		t.Fatalf("close manifest: %v", err)
	}

	mf2, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("reopen manifest: %v", err)
	}
	defer mf2.close()
	opt := DefaultOptions(dir)
	lc2, err := newLevelsController(dir, opt, mf2)
	if err != nil {
		t.Fatalf("reopen levels controller: %v", err)
	}
	defer lc2.close()

	vs, ok := lc2.get(keyWithTs([]byte("x"), 1))
	if !ok {
		t.Fatalf("key x not found after reopen")
	}
	if !bytes.Equal(vs.Value, []byte("1")) {
		t.Fatalf("key x = %q after reopen, want 1", vs.Value)
	}
}

func TestLevelsControllerRemovesOrphanedTable(t *testing.T) {
	dir := t.TempDir()
	lc, mf := newTestLevelsController(t, dir)

	mt := memTableWith(map[string]string{"x": "1"})
	if err := lc.flush(mt); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := lc.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Drop an .sst file on disk that the manifest never recorded; a
	// reconciliation pass should treat it as orphaned and remove it.
	orphanPath := sstablePath(dir, 999)
	b := sstable.NewBuilder(sstable.Options{BlockSize: 4096, BloomFalsePositive: 0.01})
	b.Add(keyWithTs([]byte("orphan"), 1), ValueStruct{Value: []byte("1")}.Encode(), keyHash([]byte("orphan")), 1)
	data, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := os.WriteFile(orphanPath, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opt := DefaultOptions(dir)
	lc2, err := newLevelsController(dir, opt, mf)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	defer lc2.close()
	defer mf.close()

	if len(lc2.levels) == 0 || len(lc2.levels[0]) != 1 {
		t.Fatalf("expected reconciliation to keep only the one manifest-known table, got %+v", lc2.levels)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatalf("expected the orphaned sstable to be removed from disk, stat err = %v", err)
	}
}
