// Package mmapfile implements a length-fixed, remappable, shared-read/
// exclusive-write view over a regular file.
//
// It plays the same role as guycipher-k4/v2/pager.Pager -- a struct owning
// an *os.File plus bookkeeping for concurrent access -- but backs reads and
// writes with a real mmap(2) mapping via golang.org/x/sys/unix instead of a
// fixed-page, header-chunked file format: callers need a single
// byte-addressable mapping they can grow and remap in place, not a
// page-linked-list file.
package mmapfile

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrNewFile is returned by Open when the file did not previously exist
// (including when it existed but was empty), so callers can distinguish
// "bootstrap me" from "replay me".
var ErrNewFile = errors.New("file did not exist, created")

// File owns a file descriptor and its mmap'd view jointly.
type File struct {
	Fd   *os.File
	Data []byte

	lock sync.RWMutex
	path string
}

// Open maps path, creating it (and growing it to size) if absent. flag is
// passed to os.OpenFile verbatim (e.g. os.O_RDWR|os.O_CREATE).
func Open(path string, flag int, size int) (*File, error) {
	fd, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "while opening %s", path)
	}

	fi, err := fd.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "while stat'ing %s", path)
	}

	isNew := fi.Size() == 0
	if isNew && size > 0 {
		if err := fd.Truncate(int64(size)); err != nil {
			fd.Close()
			return nil, errors.Wrapf(err, "while truncating new file %s", path)
		}
		fi, err = fd.Stat()
		if err != nil {
			fd.Close()
			return nil, err
		}
		syncParentDir(path)
	}

	mf := &File{Fd: fd, path: path}
	if fi.Size() > 0 {
		if err := mf.mmap(int(fi.Size())); err != nil {
			fd.Close()
			return nil, err
		}
	}

	if isNew {
		return mf, ErrNewFile
	}
	return mf, nil
}

func (f *File) mmap(size int) error {
	data, err := unix.Mmap(int(f.Fd.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "while mmap'ing %s (size=%d)", f.path, size)
	}
	f.Data = data
	return nil
}

func (f *File) munmap() error {
	if f.Data == nil {
		return nil
	}
	if err := unix.Munmap(f.Data); err != nil {
		return errors.Wrapf(err, "while munmap'ing %s", f.path)
	}
	f.Data = nil
	return nil
}

// Read returns a slice of the mapping covering [offset, offset+length).
// The returned slice aliases the mapping; callers must not retain it past
// a Truncate/Delete.
func (f *File) Read(offset, length int) ([]byte, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	if offset < 0 || length < 0 || offset+length > len(f.Data) {
		return nil, errors.Errorf("read [%d,%d) out of bounds (len=%d)", offset, offset+length, len(f.Data))
	}
	return f.Data[offset : offset+length], nil
}

// WriteSlice copies b into the mapping starting at offset. It panics if the
// range escapes the map: this is a programmer error, not a recoverable I/O
// failure.
func (f *File) WriteSlice(offset int, b []byte) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	if offset < 0 || offset+len(b) > len(f.Data) {
		panic(errors.Errorf("write [%d,%d) escapes map of length %d", offset, offset+len(b), len(f.Data)))
	}
	copy(f.Data[offset:offset+len(b)], b)
}

// Sync flushes the mapping to disk with msync(2).
func (f *File) Sync() error {
	f.lock.RLock()
	defer f.lock.RUnlock()
	if len(f.Data) == 0 {
		return nil
	}
	return unix.Msync(f.Data, unix.MS_SYNC)
}

// Truncate flushes, resizes the underlying file, and remaps it -- possibly
// at a different virtual address.
func (f *File) Truncate(newLen int64) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.syncLocked(); err != nil {
		return err
	}
	if err := f.munmap(); err != nil {
		return err
	}
	if err := f.Fd.Truncate(newLen); err != nil {
		return errors.Wrapf(err, "while truncating %s to %d", f.path, newLen)
	}
	if newLen == 0 {
		return nil
	}
	return f.mmap(int(newLen))
}

func (f *File) syncLocked() error {
	if len(f.Data) == 0 {
		return nil
	}
	return unix.Msync(f.Data, unix.MS_SYNC)
}

// Delete truncates the file to zero, unmaps it, closes, and removes it.
// It is idempotent on an already-absent file but surfaces other I/O
// errors.
func (f *File) Delete() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.munmap(); err != nil {
		return err
	}
	path := f.path
	if err := f.Fd.Truncate(0); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "while truncating %s before delete", path)
	}
	if err := f.Fd.Close(); err != nil {
		return errors.Wrapf(err, "while closing %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "while removing %s", path)
	}
	return nil
}

// Close flushes and unmaps the file, then closes the descriptor (the file
// itself is left on disk).
func (f *File) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.syncLocked(); err != nil {
		return err
	}
	if err := f.munmap(); err != nil {
		return err
	}
	return f.Fd.Close()
}

// Size reports the current length of the mapping.
func (f *File) Size() int {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return len(f.Data)
}

// syncParentDir best-effort fsyncs the directory entry for a freshly
// created file; failures are not fatal.
func syncParentDir(path string) {
	go func() {
		dir, err := os.Open(parentDir(path))
		if err != nil {
			return
		}
		defer dir.Close()
		_ = dir.Sync()
	}()
}

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != os.PathSeparator {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}
