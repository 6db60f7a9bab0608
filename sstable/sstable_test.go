package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/guycipher/wisckv/bloom"
)

// internalKey mirrors the root package's keyWithTs: a user key followed by
// the big-endian complement of its version, so higher versions of the same
// user key sort first.
func internalKey(userKey string, version uint64) []byte {
	out := make([]byte, len(userKey)+8)
	n := copy(out, userKey)
	binary.BigEndian.PutUint64(out[n:], ^version)
	return out
}

func stripVersion(key []byte) []byte {
	return key[:len(key)-8]
}

func cmp(a, b []byte) int {
	ua, ub := stripVersion(a), stripVersion(b)
	if c := bytes.Compare(ua, ub); c != 0 {
		return c
	}
	return bytes.Compare(a[len(a)-8:], b[len(b)-8:])
}

func encodeValue(v string) []byte {
	out := make([]byte, 2+1+len(v))
	out[0], out[1] = 0, 0
	out[2] = 0
	copy(out[3:], v)
	return out
}

func buildTable(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	b := NewBuilder(Options{BlockSize: 256, BloomFalsePositive: 0.01})

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		ik := internalKey(k, 1)
		b.Add(ik, encodeValue(entries[k]), bloom.Hash([]byte(k)), 1)
	}

	data, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if data == nil {
		t.Fatalf("Finish returned nil for a non-empty builder")
	}
	return data
}

func openTestTable(t *testing.T, data []byte) *Table {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tbl, err := OpenTable(path, 1)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func TestBuilderEmpty(t *testing.T) {
	b := NewBuilder(Options{BlockSize: 256, BloomFalsePositive: 0.01})
	if !b.Empty() {
		t.Fatalf("new builder should be empty")
	}
	data, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if data != nil {
		t.Fatalf("Finish on an empty builder should return nil")
	}
}

func TestBuilderAndIteratorRoundTrip(t *testing.T) {
	entries := map[string]string{
		"apple":      "fruit",
		"banana":     "fruit2",
		"carrot":     "vegetable",
		"date":       "fruit3",
		"eggplant":   "vegetable2",
		"fig":        "fruit4",
		"grapefruit": "fruit5",
	}
	data := buildTable(t, entries)
	tbl := openTestTable(t, data)

	if tbl.KeyCount() != uint32(len(entries)) {
		t.Fatalf("KeyCount() = %d, want %d", tbl.KeyCount(), len(entries))
	}
	if tbl.MaxVersion() != 1 {
		t.Fatalf("MaxVersion() = %d, want 1", tbl.MaxVersion())
	}

	it := NewIterator(tbl, cmp)
	if !it.SeekToFirst() {
		t.Fatalf("SeekToFirst failed: %v", it.Err())
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	i := 0
	for it.Valid() {
		want := keys[i]
		gotKey := string(stripVersion(it.Key()))
		if gotKey != want {
			t.Fatalf("entry %d: got key %q, want %q", i, gotKey, want)
		}
		i++
		it.Next()
	}
	if i != len(keys) {
		t.Fatalf("iterator produced %d entries, want %d", i, len(keys))
	}
}

func TestIteratorSeek(t *testing.T) {
	entries := map[string]string{
		"a": "1", "c": "3", "e": "5", "g": "7", "i": "9",
	}
	data := buildTable(t, entries)
	tbl := openTestTable(t, data)

	it := NewIterator(tbl, cmp)
	if !it.Seek(internalKey("d", 1)) {
		t.Fatalf("Seek(d) failed: %v", it.Err())
	}
	if got := string(stripVersion(it.Key())); got != "e" {
		t.Fatalf("Seek(d) landed on %q, want e", got)
	}

	if it.Seek(internalKey("z", 1)) {
		t.Fatalf("Seek past the last key should fail")
	}
}

func TestTableDoesNotHave(t *testing.T) {
	entries := map[string]string{}
	for i := 0; i < 200; i++ {
		entries[fmt.Sprintf("key-%04d", i)] = "v"
	}
	data := buildTable(t, entries)
	tbl := openTestTable(t, data)

	for k := range entries {
		hash := bloom.Hash([]byte(k))
		if tbl.DoesNotHave(hash) {
			t.Fatalf("bloom filter incorrectly reports %q absent", k)
		}
	}

	absentFP := 0
	absentTotal := 500
	for i := 0; i < absentTotal; i++ {
		k := fmt.Sprintf("absent-%04d", i)
		hash := bloom.Hash([]byte(k))
		if !tbl.DoesNotHave(hash) {
			absentFP++
		}
	}
	if rate := float64(absentFP) / float64(absentTotal); rate > 0.1 {
		t.Fatalf("false positive rate too high: %f", rate)
	}
}

func TestTableSmallestAndBiggest(t *testing.T) {
	entries := map[string]string{"a": "1", "m": "2", "z": "3"}
	data := buildTable(t, entries)
	tbl := openTestTable(t, data)

	if got := string(stripVersion(tbl.Smallest())); got != "a" {
		t.Fatalf("Smallest() = %q, want a", got)
	}
	if got := string(stripVersion(tbl.Biggest())); got != "z" {
		t.Fatalf("Biggest() = %q, want z", got)
	}
}

func TestMultiBlockTable(t *testing.T) {
	entries := map[string]string{}
	for i := 0; i < 500; i++ {
		entries[fmt.Sprintf("key-%05d", i)] = fmt.Sprintf("value-%05d-padding-to-grow-blocks", i)
	}
	data := buildTable(t, entries)
	tbl := openTestTable(t, data)

	if len(tbl.index.Offsets) <= 1 {
		t.Fatalf("expected entries to span multiple blocks, got %d", len(tbl.index.Offsets))
	}

	it := NewIterator(tbl, cmp)
	count := 0
	for ok := it.SeekToFirst(); ok; ok = it.Next() {
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if count != len(entries) {
		t.Fatalf("iterated %d entries, want %d", count, len(entries))
	}
}
