package qhat

import "errors"


var (
	// ErrStoreNotOpen is returned when an operation is attempted on a Store that has not been opened or has been closed.
	ErrStoreNotOpen = errors.New("qhat: store is not open")
	// ErrStoreAlreadyOpen is returned by Create/Open when a directory lock is already held by this process.
	ErrStoreAlreadyOpen = errors.New("qhat: store is already open")
	// ErrBadSignature is returned when a map or meta file's on-disk signature does not match what qhat expects.
	ErrBadSignature = errors.New("qhat: bad file signature")
	// ErrCorruptMeta is returned when the meta file fails the recover()-wrapped decode.
	ErrCorruptMeta = errors.New("qhat: corrupt meta file")
	// ErrOutOfSpace is returned by the paged allocator when no map can satisfy a request and growth is disallowed or exhausted.
	ErrOutOfSpace = errors.New("qhat: out of space")
	// ErrInvalidHandle is returned when a handle does not resolve to a live slot.
	ErrInvalidHandle = errors.New("qhat: invalid handle")
	// ErrDoubleFree is returned when a handle or page is released twice.
	ErrDoubleFree = errors.New("qhat: double free")
	// ErrSnapshotInProgress is returned by operations (Backup, another Snapshot) that must not run concurrently with an in-flight snapshot.
	ErrSnapshotInProgress = errors.New("qhat: snapshot already in progress")
	// ErrSnapshotTimedOut is delivered to the injectable watchdog handler, not returned directly to callers.
	ErrSnapshotTimedOut = errors.New("qhat: snapshot exceeded its maximum duration")
	// ErrKeyNotFound is returned by Get when the key has no entry (nullable tries distinguish this from a stored zero).
	ErrKeyNotFound = errors.New("qhat: key not found")
	// ErrValueWidthMismatch is returned when a value of the wrong width is supplied for a trie's configured value width.
	ErrValueWidthMismatch = errors.New("qhat: value width mismatch")
	// ErrAllocTooLarge is returned by the small-object allocator for requests above ALLOC_MAX.
	ErrAllocTooLarge = errors.New("qhat: allocation request exceeds ALLOC_MAX")
	// ErrLeakCheckFailed is returned by CheckLeaks when unreachable pages or handles were found.
	ErrLeakCheckFailed = errors.New("qhat: leak check found unreachable state")
	// ErrConsistencyCheckFailed is returned by CheckConsistency when a structural invariant does not hold.
	ErrConsistencyCheckFailed = errors.New("qhat: consistency check failed")
)
