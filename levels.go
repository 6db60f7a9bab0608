package wisckv

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/guycipher/wisckv/bloom"
	"github.com/guycipher/wisckv/pb"
	"github.com/guycipher/wisckv/sstable"
)

const sstableFileExt = ".sst"

// keyHash is the bloom-filter hash of a user key, shared between the
// sstable builder (on flush) and point lookups (on read) so a table's
// filter is built and queried under the exact same hash function.
func keyHash(userKey []byte) uint32 {
	return bloom.Hash(userKey)
}

// levelsController is the minimal read-path collaborator for an external
// compaction policy and executor: compaction policy and the level-N>0
// merge algorithm are explicitly out of scope. This implementation owns
// just enough to satisfy the contract a real compactor would sit behind --
// reconciling the manifest with on-disk tables at Open, serving point
// lookups across every level, and accepting newly flushed L0 tables --
// without performing any background compaction of its own.
type levelsController struct {
	mu   sync.RWMutex
	dir  string
	opt  Options
	mf   *manifestFile

	// levels[0] is L0: overlapping tables, scanned newest-first. Every
	// other level is treated as a flat, possibly-overlapping set too,
	// since nothing in this package ever merges tables into sorted,
	// non-overlapping runs.
	levels [][]*sstable.Table

	nextFid uint64
}

func sstablePath(dir string, id uint64) string {
	return filepath.Join(dir, strconv.FormatUint(id, 10)+sstableFileExt)
}

// newLevelsController reconciles the manifest's recorded tables against
// the .sst files actually present in dir: a table
// the manifest lists but that is missing on disk is fatal corruption; an
// .sst file the manifest doesn't know about is orphaned and removed.
func newLevelsController(dir string, opt Options, mf *manifestFile) (*levelsController, error) {
	lc := &levelsController{dir: dir, opt: opt, mf: mf}

	onDisk := make(map[uint64]bool)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "while listing %s", dir)
	}
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), sstableFileExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(f.Name(), sstableFileExt), 10, 64)
		if err != nil {
			return nil, errors.Errorf("wisckv: unable to parse sstable id from %s", f.Name())
		}
		onDisk[id] = true
	}

	for id, tm := range mf.manifest.Tables {
		if !onDisk[id] {
			return nil, errors.Errorf("wisckv: manifest lists table %d at level %d but it is missing from %s", id, tm.Level, dir)
		}
		delete(onDisk, id)
	}
	for id := range onDisk {
		if err := os.Remove(sstablePath(dir, id)); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "while removing orphaned sstable %d", id)
		}
	}

	for id, tm := range mf.manifest.Tables {
		t, err := sstable.OpenTable(sstablePath(dir, id), id)
		if err != nil {
			return nil, errors.Wrapf(err, "while opening sstable %d", id)
		}
		lc.ensureLevel(int(tm.Level))
		lc.levels[tm.Level] = append(lc.levels[tm.Level], t)
		if id >= lc.nextFid {
			lc.nextFid = id + 1
		}
	}
	for _, lvl := range lc.levels {
		sort.Slice(lvl, func(i, j int) bool { return lvl[i].ID() < lvl[j].ID() })
	}
	return lc, nil
}

func (lc *levelsController) ensureLevel(level int) {
	for len(lc.levels) <= level {
		lc.levels = append(lc.levels, nil)
	}
}

// get resolves key (already version-suffixed by the caller) against every
// level, newest table first within a level, returning the first match.
func (lc *levelsController) get(key []byte) (ValueStruct, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	hash := keyHash(parseKey(key))
	for _, lvl := range lc.levels {
		for i := len(lvl) - 1; i >= 0; i-- {
			t := lvl[i]
			if t.DoesNotHave(hash) {
				continue
			}
			vs, ok := tableGet(t, key)
			if ok {
				return vs, true
			}
		}
	}
	return ValueStruct{}, false
}

// tableGet seeks the first entry with internal key >= key inside t and
// checks that it matches the same user key. This composes the table
// iterator's capability set into a point lookup rather than a range scan.
func tableGet(t *sstable.Table, key []byte) (ValueStruct, bool) {
	it := sstable.NewIterator(t, compareKeys)
	if !it.Seek(key) {
		return ValueStruct{}, false
	}
	if compareBytes(parseKey(it.Key()), parseKey(key)) != 0 {
		return ValueStruct{}, false
	}
	var vs ValueStruct
	vs.Decode(it.Value())
	vs.Version = parseTs(it.Key())
	return vs, true
}

// flush writes mt's skiplist out as a new L0 table and records its
// creation in the manifest, the tail end of the atomic swap from active
// memtable to immutable queue to flushed table.
func (lc *levelsController) flush(mt *memTable) error {
	b := sstable.NewBuilder(sstable.Options{
		BlockSize:          lc.opt.BlockSize,
		BloomFalsePositive: lc.opt.BloomFalsePositive,
	})

	it := mt.sl.NewIterator()
	it.SeekToFirst()
	for it.Valid() {
		key := it.Key()
		b.Add(key, it.Value(), keyHash(parseKey(key)), parseTs(key))
		it.Next()
	}
	if b.Empty() {
		return nil
	}

	data, err := b.Finish()
	if err != nil {
		return errors.Wrap(err, "while building flushed sstable")
	}

	lc.mu.Lock()
	id := lc.nextFid
	lc.nextFid++
	lc.mu.Unlock()

	path := sstablePath(lc.dir, id)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrapf(err, "while writing %s", path)
	}

	t, err := sstable.OpenTable(path, id)
	if err != nil {
		return errors.Wrapf(err, "while reopening flushed sstable %s", path)
	}

	if err := lc.mf.addChanges([]*pb.ManifestChange{pb.NewCreateChange(id, 0, 0)}); err != nil {
		return err
	}

	lc.mu.Lock()
	lc.ensureLevel(0)
	lc.levels[0] = append(lc.levels[0], t)
	lc.mu.Unlock()
	return nil
}

func (lc *levelsController) close() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	var firstErr error
	for _, lvl := range lc.levels {
		for _, t := range lvl {
			if err := t.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
