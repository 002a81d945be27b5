package wal

// ============================================================================
// WAL Error Definitions
// Purpose: Define all WAL-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates the log holds no readable event
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates WAL is closed, cannot perform operation
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates fsync failed (critical error)
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed event
	Expected uint32 // Expected checksum
	Actual   uint32 // Actual checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}
