package wisckv

import (
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// CompressionMode is accepted for wire-format compatibility with the
// manifest's per-table compression tag but is not implemented; compression
// codecs are out of scope.
type CompressionMode uint32

const (
	CompressionNone CompressionMode = iota
)

// VerificationMode controls when block/table checksums are verified.
type VerificationMode int

const (
	NoVerification VerificationMode = iota
	OnTableRead
	OnBlockRead
	OnTableAndBlockRead
)

// Options configures every tunable this engine exposes. Compaction-policy
// knobs (base_table_size, base_level_size, ...) are accepted and stored so
// the levels controller (an external collaborator from this engine's point
// of view) can read them off the DB, but this package does not act on them
// beyond validating shape.
type Options struct {
	Dir string

	SyncWrites        bool
	NumVersionsToKeep int

	MemTableSize int64

	BaseTableSize        int64
	BaseLevelSize        int64
	LevelSizeMultiplier  int
	TableSizeMultiplier  int
	MaxLevels            int
	NumCompactors        int
	CompactL0OnClose     bool
	LmaxCompaction       bool
	ZSTDCompressionLevel int

	VLogPercentile float64
	ValueThreshold int64

	NumMemtables int

	BlockSize          int
	BloomFalsePositive float64

	NumLevelZeroTables      int
	NumLevelZeroTablesStall int

	ValueLogFileSize    int64
	ValueLogMaxEntries  uint32

	VerifyValueChecksum bool
	ChecksumVerifyMode  VerificationMode

	DetectConflicts bool

	NamespaceOffset int

	ExternalMagicVersion uint16

	MaxBatchCount int64
	MaxBatchSize  int64

	Logger Logger

	// BannedNamespaces is consulted by (*DB).isBanned when NamespaceOffset >= 0.
	BannedNamespaces map[uint64]struct{}

	writeChCapacity int
}

const (
	minValueLogFileSize = 1 << 20          // 1 MiB
	maxValueLogFileSize = (1 << 31) - 1    // just under 2 GiB
	defaultWriteChCap   = 1000
)

// DefaultOptions returns an Options populated with the defaults real-world
// embedders reach for: in-memory-cache-free, synchronous-free operation,
// conflict detection on.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                     dir,
		SyncWrites:              false,
		NumVersionsToKeep:       1,
		MemTableSize:            64 << 20,
		BaseTableSize:           2 << 20,
		BaseLevelSize:           10 << 20,
		LevelSizeMultiplier:     10,
		TableSizeMultiplier:     2,
		MaxLevels:               7,
		NumCompactors:           4,
		CompactL0OnClose:        false,
		LmaxCompaction:          false,
		ZSTDCompressionLevel:    0,
		VLogPercentile:          0,
		ValueThreshold:          1 << 20,
		NumMemtables:            5,
		BlockSize:               4 << 10,
		BloomFalsePositive:      0.01,
		NumLevelZeroTables:      5,
		NumLevelZeroTablesStall: 15,
		ValueLogFileSize:        1<<30 - 1,
		ValueLogMaxEntries:      1000000,
		VerifyValueChecksum:     false,
		ChecksumVerifyMode:      NoVerification,
		DetectConflicts:         true,
		NamespaceOffset:         -1,
		ExternalMagicVersion:    0,
		MaxBatchCount:           1000,
		MaxBatchSize:            10 << 20,
		Logger:                  defaultLogger(),
		writeChCapacity:         defaultWriteChCap,
	}
}

// Validate checks the subset of options this engine itself depends on for
// correctness.
func (o Options) Validate() error {
	if o.Dir == "" {
		return errors.New("Dir cannot be empty")
	}
	if o.ValueLogFileSize < minValueLogFileSize || o.ValueLogFileSize > maxValueLogFileSize {
		return errors.Wrapf(ErrValueLogSize, "value_log_file_size=%s must be in [%s, %s)",
			humanize.IBytes(uint64(o.ValueLogFileSize)),
			humanize.IBytes(uint64(minValueLogFileSize)),
			humanize.IBytes(uint64(maxValueLogFileSize)))
	}
	if o.NumLevelZeroTablesStall <= o.NumLevelZeroTables {
		return errors.New("num_level_zero_tables_stall must be greater than num_level_zero_tables")
	}
	if o.ValueThreshold <= 0 {
		return errors.Wrap(ErrThresholdZero, "value_threshold must be positive")
	}
	if o.MaxBatchSize <= 0 || o.MaxBatchCount <= 0 {
		return errors.New("max_batch_size and max_batch_count must be positive")
	}
	if o.writeChCapacity <= 0 {
		return errors.New("write channel capacity must be positive")
	}
	return nil
}
