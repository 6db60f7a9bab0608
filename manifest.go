package wisckv

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/guycipher/wisckv/pb"
)

// manifestFilename and manifestRewriteFilename name the append-only table
// of contents and its atomically-swapped compacted snapshot.
const (
	manifestFilename        = "MANIFEST"
	manifestRewriteFilename = "MANIFEST-REWRITE"
	manifestDeletionsRewriteThreshold = 10000
	manifestDeletionsRatio             = 10
)

var magicText = [4]byte{'B', 'd', 'g', 'r'}

const manifestFormatVersion = 8

// tableManifest is the per-table bookkeeping the manifest tracks: which
// level it lives on and which encryption key id encoded it.
type tableManifest struct {
	Level uint32
	KeyID uint64
}

// Manifest is the in-memory replica of the MANIFEST file's current state,
// rebuilt by replaying every change set on Open.
type Manifest struct {
	Levels    []levelManifest
	Tables    map[uint64]tableManifest
	Creations int
	Deletions int
}

type levelManifest struct {
	Tables map[uint64]struct{}
}

func newManifest() Manifest {
	return Manifest{Tables: make(map[uint64]tableManifest)}
}

// manifestFile is the append-only on-disk log backing a Manifest:
// magic("Bdgr") | external_magic(u16 BE) | format_version (u16 BE) header,
// followed by a stream of
// length(u32 BE) | crc32c(u32 BE) | pb.ManifestChangeSet records. Rewrites
// replace the whole file atomically via a MANIFEST-REWRITE + rename.
type manifestFile struct {
	mu           sync.Mutex
	fp           *os.File
	dir          string
	externalMagic uint16
	manifest     Manifest
}

func openOrCreateManifest(dir string, externalMagic uint16) (*manifestFile, error) {
	path := filepath.Join(dir, manifestFilename)
	fp, err := os.OpenFile(path, os.O_RDWR, 0600)
	if os.IsNotExist(err) {
		m := newManifest()
		mf := &manifestFile{dir: dir, externalMagic: externalMagic, manifest: m}
		if err := mf.writeSnapshot(); err != nil {
			return nil, err
		}
		fp, err = os.OpenFile(path, os.O_RDWR, 0600)
		if err != nil {
			return nil, errors.Wrapf(err, "while reopening %s", path)
		}
		mf.fp = fp
		return mf, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "while opening %s", path)
	}

	m, truncOffset, err := replayManifestFile(fp, externalMagic)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Truncate(truncOffset); err != nil {
		fp.Close()
		return nil, errors.Wrapf(err, "while truncating manifest to valid tail %d", truncOffset)
	}
	if _, err := fp.Seek(0, io.SeekEnd); err != nil {
		fp.Close()
		return nil, err
	}

	return &manifestFile{fp: fp, dir: dir, externalMagic: externalMagic, manifest: m}, nil
}

// replayManifestFile reads the header and every well-formed change set,
// returning the reconstructed Manifest and the byte offset of the last
// fully-verified record (so a torn tail left by a crash can be truncated
// away, mirroring logFile.iterate's truncation contract, P6).
func replayManifestFile(fp *os.File, externalMagic uint16) (Manifest, int64, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(fp, hdr[:]); err != nil {
		return Manifest{}, 0, errors.Wrap(err, "wisckv: manifest header truncated")
	}
	if !bytes.Equal(hdr[0:4], magicText[:]) {
		return Manifest{}, 0, ErrManifestBadMagic
	}
	gotExternal := binary.BigEndian.Uint16(hdr[4:6])
	if gotExternal != externalMagic {
		return Manifest{}, 0, ErrManifestExtMagicMismatch
	}
	version := binary.BigEndian.Uint16(hdr[6:8])
	if version != manifestFormatVersion {
		return Manifest{}, 0, ErrManifestVersionUnsupported
	}

	m := newManifest()
	offset := int64(8)
	for {
		var lenCrc [8]byte
		n, err := io.ReadFull(fp, lenCrc[:])
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err != nil {
			break
		}
		length := binary.BigEndian.Uint32(lenCrc[0:4])
		wantCRC := binary.BigEndian.Uint32(lenCrc[4:8])
		if length > 64<<20 {
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(fp, payload); err != nil {
			break
		}
		if crc32cOf(payload) != uint64(wantCRC) {
			break
		}

		cs, err := pb.UnmarshalChangeSet(payload)
		if err != nil {
			break
		}
		if err := m.apply(cs); err != nil {
			return Manifest{}, 0, err
		}
		offset += 8 + int64(length)
	}
	return m, offset, nil
}

// apply folds a change set into the manifest's in-memory table: Create
// registers a table's level and key id; Delete removes it. Applying a
// Delete for an id that was never created, or a
// Create for an id that already exists, is a corrupt-manifest error.
func (m *Manifest) apply(cs *pb.ManifestChangeSet) error {
	for _, c := range cs.Changes {
		if err := m.applyOne(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manifest) applyOne(c *pb.ManifestChange) error {
	switch c.Op {
	case pb.ManifestCreate:
		if _, ok := m.Tables[c.ID]; ok {
			return errors.Errorf("wisckv: manifest invariant violated: table %d created twice", c.ID)
		}
		m.ensureLevel(int(c.Level))
		m.Levels[c.Level].Tables[c.ID] = struct{}{}
		m.Tables[c.ID] = tableManifest{Level: c.Level, KeyID: c.KeyID}
		m.Creations++
	case pb.ManifestDelete:
		tm, ok := m.Tables[c.ID]
		if !ok {
			return errors.Errorf("wisckv: manifest invariant violated: table %d deleted before creation", c.ID)
		}
		delete(m.Levels[tm.Level].Tables, c.ID)
		delete(m.Tables, c.ID)
		m.Deletions++
	default:
		return errors.Errorf("wisckv: unknown manifest change op %d", c.Op)
	}
	return nil
}

func (m *Manifest) ensureLevel(level int) {
	for len(m.Levels) <= level {
		m.Levels = append(m.Levels, levelManifest{Tables: make(map[uint64]struct{})})
	}
}

// addChanges appends changes as a single atomic change set record, then
// rewrites the whole manifest from scratch once deletions pile up past the
// configured threshold.
func (mf *manifestFile) addChanges(changes []*pb.ManifestChange) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	cs := &pb.ManifestChangeSet{Changes: changes}
	if err := mf.manifest.apply(cs); err != nil {
		return err
	}

	payload := cs.Marshal()
	var lenCrc [8]byte
	binary.BigEndian.PutUint32(lenCrc[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(lenCrc[4:8], uint32(crc32cOf(payload)))

	if _, err := mf.fp.Write(lenCrc[:]); err != nil {
		return errors.Wrap(err, "while appending manifest record header")
	}
	if _, err := mf.fp.Write(payload); err != nil {
		return errors.Wrap(err, "while appending manifest record")
	}
	if err := mf.fp.Sync(); err != nil {
		return errors.Wrap(err, "while syncing manifest")
	}

	if mf.manifest.Deletions > manifestDeletionsRewriteThreshold &&
		mf.manifest.Deletions > manifestDeletionsRatio*(mf.manifest.Creations-mf.manifest.Deletions) {
		return mf.rewriteLocked()
	}
	return nil
}

// writeSnapshot (re)writes the manifest's header plus one change set
// reconstructing every live table, used both for brand-new manifests and
// for rewrite compaction.
func (mf *manifestFile) writeSnapshot() error {
	path := filepath.Join(mf.dir, manifestFilename)
	rewritePath := filepath.Join(mf.dir, manifestRewriteFilename)

	fp, err := os.OpenFile(rewritePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "while creating %s", rewritePath)
	}

	var hdr [8]byte
	copy(hdr[0:4], magicText[:])
	binary.BigEndian.PutUint16(hdr[4:6], mf.externalMagic)
	binary.BigEndian.PutUint16(hdr[6:8], manifestFormatVersion)
	if _, err := fp.Write(hdr[:]); err != nil {
		fp.Close()
		return err
	}

	var changes []*pb.ManifestChange
	for id, tm := range mf.manifest.Tables {
		changes = append(changes, pb.NewCreateChange(id, tm.Level, tm.KeyID))
	}
	if len(changes) > 0 {
		cs := &pb.ManifestChangeSet{Changes: changes}
		payload := cs.Marshal()
		var lenCrc [8]byte
		binary.BigEndian.PutUint32(lenCrc[0:4], uint32(len(payload)))
		binary.BigEndian.PutUint32(lenCrc[4:8], uint32(crc32cOf(payload)))
		if _, err := fp.Write(lenCrc[:]); err != nil {
			fp.Close()
			return err
		}
		if _, err := fp.Write(payload); err != nil {
			fp.Close()
			return err
		}
	}

	if err := fp.Sync(); err != nil {
		fp.Close()
		return err
	}
	if err := fp.Close(); err != nil {
		return err
	}

	if err := os.Rename(rewritePath, path); err != nil {
		return errors.Wrap(err, "while installing rewritten manifest")
	}
	return syncDir(mf.dir)
}

func (mf *manifestFile) rewriteLocked() error {
	if mf.fp != nil {
		mf.fp.Close()
	}
	mf.manifest.Creations = len(mf.manifest.Tables)
	mf.manifest.Deletions = 0
	if err := mf.writeSnapshot(); err != nil {
		return err
	}
	fp, err := os.OpenFile(filepath.Join(mf.dir, manifestFilename), os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	if _, err := fp.Seek(0, io.SeekEnd); err != nil {
		fp.Close()
		return err
	}
	mf.fp = fp
	return nil
}

func (mf *manifestFile) close() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.fp.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
