package qhat

import (
	"os"
	"time"
)


// StoreOpts configures Create/Open of a Store: the full directory-of-files
// contract C1 needs.
type StoreOpts struct {
	// Path: the directory holding meta, pg.*, and mem.* files.
	Path string
	// Name: a short label used in log lines and backup subdirectory naming.
	Name string
	// Mode: the file mode new store files are created with.
	Mode os.FileMode
	// UserPreamble: an opaque, caller-supplied byte slice stashed in the
	// meta file at creation and handed back unchanged by Store.Preamble on
	// every later Open. Capped at MetaPreambleMaxLen bytes.
	UserPreamble []byte
	// NodePoolSize: the maximum size of the QHAT node pool, which is
	// pre-seeded to half of it.
	NodePoolSize int64
	// CompactAtVersion: any non-zero value runs a GC sweep of superseded
	// map files after every committed snapshot; 0 disables automatic GC.
	CompactAtVersion uint64
	// SnapshotMaxDuration: the watchdog bound on a single snapshot.
	SnapshotMaxDuration time.Duration
	// OnSnapshotTimeout: injectable fatal handler, called instead of
	// os.Exit when a snapshot outruns SnapshotMaxDuration.
	OnSnapshotTimeout func(generation uint64)
}

// DefaultSnapshotMaxDuration is the watchdog default applied when
// StoreOpts.SnapshotMaxDuration is left unset.
const DefaultSnapshotMaxDuration = 3600 * time.Second

// DefaultMode is the file mode new store files are created with when
// StoreOpts.Mode is left unset.
const DefaultMode = os.FileMode(0o644)

func defaultedOpts(opts StoreOpts) StoreOpts {
	if opts.NodePoolSize <= 0 {
		opts.NodePoolSize = nodePoolDefaultMaxSize
	}

	if opts.SnapshotMaxDuration <= 0 {
		opts.SnapshotMaxDuration = DefaultSnapshotMaxDuration
	}

	if opts.OnSnapshotTimeout == nil {
		opts.OnSnapshotTimeout = func(generation uint64) {
			cLog.Error("snapshot exceeded maximum duration at generation:", generation)
		}
	}

	if opts.Mode == 0 {
		opts.Mode = DefaultMode
	}

	if len(opts.UserPreamble) > MetaPreambleMaxLen {
		opts.UserPreamble = opts.UserPreamble[:MetaPreambleMaxLen]
	}

	return opts
}
