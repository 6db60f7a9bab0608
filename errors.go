package wisckv

import "github.com/pkg/errors"

// Error taxonomy surfaced to callers. Sentinels are compared
// with errors.Cause/errors.Is after any wrapping performed internally.
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrTxnTooBig        = errors.New("transaction too big to fit into one request")
	ErrConflict         = errors.New("transaction conflict")
	ErrReadOnlyTxn      = errors.New("no sets or deletes are allowed in a read-only transaction")
	ErrDiscardedTxn     = errors.New("this transaction has been discarded, create a new one")
	ErrEmptyKey         = errors.New("key cannot be empty")
	ErrInvalidKey       = errors.New("key is using a reserved !wisckv! prefix")
	ErrBannedKey        = errors.New("key not allowed under the configured namespace ban list")
	ErrThresholdZero    = errors.New("value threshold cannot be zero")
	ErrNoRewrite        = errors.New("value log GC rewrite attempted when file has no stale data")
	ErrRejected         = errors.New("value log GC request rejected")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrManagedTxn       = errors.New("managed transactions cannot use ReadTs/CommitAt")
	ErrNamespaceMode    = errors.New("namespace mode is not enabled")
	ErrInvalidDump      = errors.New("dump file is not in a valid format")
	ErrZeroBandwidth    = errors.New("rate limiter bandwidth cannot be zero")
	ErrTruncateNeeded   = errors.New("log requires truncation; valid data was found past the reported end")
	ErrBlockedWrites    = errors.New("writes are blocked, possibly due to DB being closed")
	ErrEncryptionMismatch = errors.New("encryption key mismatch")
	ErrInvalidDataKeyID = errors.New("invalid data key id")
	ErrInvalidEncryptionKey = errors.New("invalid encryption key")
	ErrGCInMemoryMode   = errors.New("value log GC not supported in in-memory mode")
	ErrDBClosed         = errors.New("database is closed")

	ErrManifestBadMagic           = errors.New("manifest has bad magic")
	ErrManifestBadChecksum        = errors.New("manifest has bad checksum")
	ErrManifestVersionUnsupported = errors.New("manifest version unsupported")
	ErrManifestExtMagicMismatch   = errors.New("manifest external magic mismatch")
	ErrValueLogSize               = errors.New("invalid value log file size, must be in range [1MB, 2GB)")

	// errTruncate is returned internally by log iteration when a record is
	// short, corrupt, or oversized; it signals "stop reading and truncate the
	// file at the last valid offset" rather than a hard I/O failure.
	errTruncate = errors.New("log truncation required")
)
