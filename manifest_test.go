package wisckv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/guycipher/wisckv/pb"
)

func TestOpenOrCreateManifestCreatesEmpty(t *testing.T) {
	dir := t.TempDir()
	mf, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("openOrCreateManifest: %v", err)
	}
	defer mf.close()

	if len(mf.manifest.Tables) != 0 {
		t.Fatalf("expected a fresh manifest to have no tables, got %d", len(mf.manifest.Tables))
	}
	if _, err := os.Stat(filepath.Join(dir, manifestFilename)); err != nil {
		t.Fatalf("MANIFEST file was not created: %v", err)
	}
}

func TestAddChangesAppliesCreateAndDelete(t *testing.T) {
	dir := t.TempDir()
	mf, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("openOrCreateManifest: %v", err)
	}
	defer mf.close()

	if err := mf.addChanges([]*pb.ManifestChange{pb.NewCreateChange(1, 0, 0)}); err != nil {
		t.Fatalf("addChanges create: %v", err)
	}
	if tm, ok := mf.manifest.Tables[1]; !ok || tm.Level != 0 {
		t.Fatalf("table 1 not recorded at level 0 after create, got %+v, ok=%v", tm, ok)
	}

	if err := mf.addChanges([]*pb.ManifestChange{pb.NewDeleteChange(1)}); err != nil {
		t.Fatalf("addChanges delete: %v", err)
	}
	if _, ok := mf.manifest.Tables[1]; ok {
		t.Fatalf("table 1 still present after delete")
	}
}

func TestAddChangesRejectsDoubleCreate(t *testing.T) {
	dir := t.TempDir()
	mf, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("openOrCreateManifest: %v", err)
	}
	defer mf.close()

	if err := mf.addChanges([]*pb.ManifestChange{pb.NewCreateChange(5, 0, 0)}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := mf.addChanges([]*pb.ManifestChange{pb.NewCreateChange(5, 0, 0)}); err == nil {
		t.Fatalf("expected creating table 5 twice to fail")
	}
}

func TestAddChangesRejectsDeleteBeforeCreate(t *testing.T) {
	dir := t.TempDir()
	mf, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("openOrCreateManifest: %v", err)
	}
	defer mf.close()

	if err := mf.addChanges([]*pb.ManifestChange{pb.NewDeleteChange(9)}); err == nil {
		t.Fatalf("expected deleting an unknown table to fail")
	}
}

func TestManifestReopenReplaysChanges(t *testing.T) {
	dir := t.TempDir()
	mf, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("openOrCreateManifest: %v", err)
	}
	changes := []*pb.ManifestChange{
		pb.NewCreateChange(1, 0, 0),
		pb.NewCreateChange(2, 1, 0),
		pb.NewCreateChange(3, 1, 0),
	}
	for _, c := range changes {
		if err := mf.addChanges([]*pb.ManifestChange{c}); err != nil {
			t.Fatalf("addChanges: %v", err)
		}
	}
	if err := mf.addChanges([]*pb.ManifestChange{pb.NewDeleteChange(2)}); err != nil {
		t.Fatalf("addChanges delete: %v", err)
	}
	if err := mf.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mf2, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer mf2.close()

	if len(mf2.manifest.Tables) != 2 {
		t.Fatalf("expected 2 live tables after reopen, got %d", len(mf2.manifest.Tables))
	}
	if _, ok := mf2.manifest.Tables[1]; !ok {
		t.Fatalf("table 1 missing after reopen")
	}
	if _, ok := mf2.manifest.Tables[3]; !ok {
		t.Fatalf("table 3 missing after reopen")
	}
	if _, ok := mf2.manifest.Tables[2]; ok {
		t.Fatalf("deleted table 2 resurrected after reopen")
	}
}

func TestManifestExternalMagicMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	mf, err := openOrCreateManifest(dir, 7)
	if err != nil {
		t.Fatalf("openOrCreateManifest: %v", err)
	}
	if err := mf.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := openOrCreateManifest(dir, 8); err != ErrManifestExtMagicMismatch {
		t.Fatalf("expected ErrManifestExtMagicMismatch for a mismatched external magic, got %v", err)
	}
}

func TestManifestTruncatesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	mf, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("openOrCreateManifest: %v", err)
	}
	if err := mf.addChanges([]*pb.ManifestChange{pb.NewCreateChange(1, 0, 0)}); err != nil {
		t.Fatalf("addChanges: %v", err)
	}
	if err := mf.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, manifestFilename)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	goodSize := info.Size()

	fp, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	// Append a torn, half-written record after the valid tail.
	if _, err := fp.WriteAt([]byte{0, 0, 0, 20, 1, 2, 3, 4, 9, 9}, goodSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := fp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mf2, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("reopen over a torn tail: %v", err)
	}
	defer mf2.close()

	if _, ok := mf2.manifest.Tables[1]; !ok {
		t.Fatalf("expected table 1 (written before the torn tail) to survive recovery")
	}

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat after reopen: %v", err)
	}
	if info2.Size() != goodSize {
		t.Fatalf("manifest size after recovery = %d, want the torn tail truncated back to %d", info2.Size(), goodSize)
	}
}

func TestManifestRewriteTriggeredByDeletionRatio(t *testing.T) {
	dir := t.TempDir()
	mf, err := openOrCreateManifest(dir, 0)
	if err != nil {
		t.Fatalf("openOrCreateManifest: %v", err)
	}
	defer mf.close()

	for i := uint64(1); i <= 5; i++ {
		if err := mf.addChanges([]*pb.ManifestChange{pb.NewCreateChange(i, 0, 0)}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	// Force the bookkeeping counters past the rewrite thresholds directly,
	// rather than issuing thousands of real deletions, then let the next
	// addChanges call observe them and rewrite.
	mf.mu.Lock()
	mf.manifest.Deletions = manifestDeletionsRewriteThreshold + 1
	mf.manifest.Creations = mf.manifest.Deletions + 1
	mf.mu.Unlock()

	if err := mf.addChanges([]*pb.ManifestChange{pb.NewDeleteChange(5)}); err != nil {
		t.Fatalf("addChanges triggering rewrite: %v", err)
	}

	if mf.manifest.Deletions != 0 {
		t.Fatalf("expected rewrite to reset Deletions to 0, got %d", mf.manifest.Deletions)
	}
	if mf.manifest.Creations != len(mf.manifest.Tables) {
		t.Fatalf("expected rewrite to reset Creations to the live table count %d, got %d",
			len(mf.manifest.Tables), mf.manifest.Creations)
	}
}
