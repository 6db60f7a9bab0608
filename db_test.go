package wisckv

import (
	"bytes"
	"fmt"
	"testing"
)

func testOptions(dir string) Options {
	opt := DefaultOptions(dir)
	opt.Logger = discardLogger{}
	return opt
}

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenWriteCommitReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)

	if err := db.Update(func(txn *Txn) error {
		return txn.Set([]byte("hello"), []byte("world"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := db.View(func(txn *Txn) error {
		e, err := txn.Get([]byte("hello"))
		if err != nil {
			return err
		}
		if !bytes.Equal(e.Value, []byte("world")) {
			t.Fatalf("Get value = %q, want %q", e.Value, "world")
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestReadYourOwnWritesWithinATransaction(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)

	err := db.Update(func(txn *Txn) error {
		if err := txn.Set([]byte("k"), []byte("v1")); err != nil {
			return err
		}
		e, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		if !bytes.Equal(e.Value, []byte("v1")) {
			t.Fatalf("pending write not visible within its own transaction: got %q", e.Value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestDeleteMakesKeyDisappear(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)

	if err := db.Update(func(txn *Txn) error { return txn.Set([]byte("k"), []byte("v")) }); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.Update(func(txn *Txn) error { return txn.Delete([]byte("k")) }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := db.View(func(txn *Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	if err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestMultiVersionReadsSeeSnapshotAtOpenTime(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)

	if err := db.Update(func(txn *Txn) error { return txn.Set([]byte("k"), []byte("v1")) }); err != nil {
		t.Fatalf("set v1: %v", err)
	}

	txn := db.NewTransaction(false)
	defer txn.Discard()

	if err := db.Update(func(t *Txn) error { return t.Set([]byte("k"), []byte("v2")) }); err != nil {
		t.Fatalf("set v2: %v", err)
	}

	e, err := txn.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get on pinned snapshot: %v", err)
	}
	if !bytes.Equal(e.Value, []byte("v1")) {
		t.Fatalf("snapshot read saw %q, want the pre-snapshot value v1", e.Value)
	}

	if err := db.View(func(t *Txn) error {
		e, err := t.Get([]byte("k"))
		if err != nil {
			return err
		}
		if !bytes.Equal(e.Value, []byte("v2")) {
			t.Fatalf("fresh read saw %q, want the latest value v2", e.Value)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestLargeValueRoutesThroughValueLog(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions(dir)
	opt.ValueThreshold = 32
	db, err := Open(opt)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	big := bytes.Repeat([]byte("v"), 1024)
	if err := db.Update(func(txn *Txn) error { return txn.Set([]byte("big"), big) }); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := db.View(func(txn *Txn) error {
		e, err := txn.Get([]byte("big"))
		if err != nil {
			return err
		}
		if !bytes.Equal(e.Value, big) {
			t.Fatalf("large value mismatch after read-back")
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestManyKeysWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	const n = 2000
	// All n keys go into one transaction, so the batch-count limit has to
	// admit them.
	opt := testOptions(dir)
	opt.MaxBatchCount = 2 * n
	db, err := Open(opt)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Update(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			if err := txn.Set([]byte(fmt.Sprintf("key-%05d", i)), []byte(fmt.Sprintf("val-%05d", i))); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("bulk update: %v", err)
	}

	if err := db.View(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			e, err := txn.Get([]byte(fmt.Sprintf("key-%05d", i)))
			if err != nil {
				return fmt.Errorf("key-%05d: %w", i, err)
			}
			want := fmt.Sprintf("val-%05d", i)
			if !bytes.Equal(e.Value, []byte(want)) {
				t.Fatalf("key-%05d = %q, want %q", i, e.Value, want)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("bulk read: %v", err)
	}
}

func TestReopenAfterCloseSeesPriorWrites(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Update(func(txn *Txn) error { return txn.Set([]byte("k"), []byte("v")) }); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	if err := db2.View(func(txn *Txn) error {
		e, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		if !bytes.Equal(e.Value, []byte("v")) {
			t.Fatalf("value after reopen = %q, want v", e.Value)
		}
		return nil
	}); err != nil {
		t.Fatalf("View after reopen: %v", err)
	}
}

func TestReopenAfterMemtableFlushOnClose(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions(dir)
	opt.MemTableSize = 1 << 10

	db, err := Open(opt)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	val := bytes.Repeat([]byte("z"), 256)
	if err := db.Update(func(txn *Txn) error {
		for i := 0; i < 50; i++ {
			if err := txn.Set([]byte(fmt.Sprintf("k%03d", i)), val); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("bulk set: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(opt)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	if err := db2.View(func(txn *Txn) error {
		e, err := txn.Get([]byte("k049"))
		if err != nil {
			return err
		}
		if !bytes.Equal(e.Value, val) {
			t.Fatalf("value mismatch for k049 after reopen through a flush")
		}
		return nil
	}); err != nil {
		t.Fatalf("View after reopen: %v", err)
	}
}

func TestBannedNamespaceRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions(dir)
	opt.NamespaceOffset = 0
	opt.BannedNamespaces = map[uint64]struct{}{1: {}}
	db, err := Open(opt)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bannedKey := make([]byte, 8)
	bannedKey[7] = 1
	err = db.Update(func(txn *Txn) error { return txn.Set(bannedKey, []byte("v")) })
	if err != ErrBannedKey {
		t.Fatalf("expected ErrBannedKey for a key under a banned namespace, got %v", err)
	}
}

func TestTxnTooBigIsRejected(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions(dir)
	opt.MaxBatchCount = 2
	db, err := Open(opt)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	err = db.Update(func(txn *Txn) error {
		for i := 0; i < 5; i++ {
			if err := txn.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != ErrTxnTooBig {
		t.Fatalf("expected ErrTxnTooBig once MaxBatchCount is crossed, got %v", err)
	}
}
