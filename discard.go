package wisckv

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/guycipher/wisckv/mmapfile"
)

const discardFileName = "DISCARD"
const discardInitialSize = 1 << 20

// discardStats tracks, per vlog file id, how many bytes are known-stale
// (overwritten or deleted) so the garbage collector can pick the file
// with the best space/rewrite-cost ratio, grounded on
// original_source/src/vlog/discard.rs: a flat array of (fid, discard)
// uint64 pairs in a growable mmap'd file, kept sorted by fid so lookups
// are a binary search.
type discardStats struct {
	mu            sync.Mutex
	mf            *mmapfile.File
	nextEmptySlot int
}

func openDiscardStats(dir string) (*discardStats, error) {
	path := filepath.Join(dir, discardFileName)
	mf, err := mmapfile.Open(path, os.O_RDWR|os.O_CREATE, discardInitialSize)
	isNew := err == mmapfile.ErrNewFile
	if err != nil && !isNew {
		return nil, errors.Wrapf(err, "while opening %s", path)
	}

	ds := &discardStats{mf: mf}
	if isNew {
		ds.zeroOut()
	}

	for slot := 0; slot < ds.maxSlot(); slot++ {
		if ds.get(16 * slot) == 0 {
			ds.nextEmptySlot = slot
			break
		}
	}
	ds.sort()
	return ds, nil
}

// Update adds discard bytes to fid's running total (or clears it when
// discard is negative, or merely reads it when discard is zero), growing
// and re-sorting the backing file as needed.
func (ds *discardStats) Update(fid uint32, discard int64) int64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	idx := sort.Search(ds.nextEmptySlot, func(i int) bool {
		return ds.get(i*16) >= uint64(fid)
	})
	if idx < ds.nextEmptySlot && ds.get(idx*16) == uint64(fid) {
		off := idx*16 + 8
		cur := ds.get(off)
		switch {
		case discard == 0:
			return int64(cur)
		case discard < 0:
			ds.set(off, 0)
			return 0
		default:
			ds.set(off, cur+uint64(discard))
			return int64(cur) + discard
		}
	}

	if discard <= 0 {
		return 0
	}

	idx = ds.nextEmptySlot
	ds.set(idx*16, uint64(fid))
	ds.set(idx*16+8, uint64(discard))
	ds.nextEmptySlot++

	for ds.nextEmptySlot*16+16 > ds.mf.Size() {
		if err := ds.mf.Truncate(int64(ds.mf.Size() * 2)); err != nil {
			panic(errors.Wrap(err, "wisckv: failed to grow DISCARD file"))
		}
	}
	ds.zeroOut()
	ds.sort()
	return discard
}

// Iterate calls fn for every tracked (fid, discard) pair.
func (ds *discardStats) Iterate(fn func(fid uint32, discard uint64)) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for slot := 0; slot < ds.nextEmptySlot; slot++ {
		idx := 16 * slot
		fn(uint32(ds.get(idx)), ds.get(idx+8))
	}
}

// MaxDiscard returns the fid with the largest discard total, for GC
// candidate selection.
func (ds *discardStats) MaxDiscard() (fid uint32, discard uint64) {
	ds.Iterate(func(f uint32, d uint64) {
		if d > discard {
			discard = d
			fid = f
		}
	})
	return fid, discard
}

func (ds *discardStats) zeroOut() {
	x := ds.nextEmptySlot
	ds.set(x*16, 0)
	ds.set(x*16+8, 0)
}

func (ds *discardStats) maxSlot() int { return ds.mf.Size() / 16 }

func (ds *discardStats) get(offset int) uint64 {
	b, err := ds.mf.Read(offset, 8)
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (ds *discardStats) set(offset int, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	ds.mf.WriteSlice(offset, b[:])
}

// sort reorders the live [0, nextEmptySlot) slots by fid so Update's
// binary search stays valid.
func (ds *discardStats) sort() {
	n := ds.nextEmptySlot
	type pair struct{ fid, discard uint64 }
	pairs := make([]pair, n)
	for i := 0; i < n; i++ {
		pairs[i] = pair{ds.get(i * 16), ds.get(i*16 + 8)}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].fid < pairs[j].fid })
	for i, p := range pairs {
		ds.set(i*16, p.fid)
		ds.set(i*16+8, p.discard)
	}
}

func (ds *discardStats) Close() error {
	return ds.mf.Close()
}
