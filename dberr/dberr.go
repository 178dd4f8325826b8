// Package dberr names the error kinds surfaced by the storage engine.
//
// These are kinds, not exception hierarchies: callers compare with
// errors.Is against the sentinels below, while the underlying cause is
// still available via errors.Cause / %+v (github.com/pkg/errors).
package dberr

import "github.com/pkg/errors"

var (
	// ErrNotInitialized is returned when an operation is attempted on a
	// truck before its data/index files have been loaded.
	ErrNotInitialized = errors.New("truckdb: truck not initialized")

	// ErrIntegrity marks a CRC32 mismatch on a V2 record. The caller sees
	// the tag as absent; recovery logs and skips the record.
	ErrIntegrity = errors.New("truckdb: record failed CRC32 check")

	// ErrCodec marks a codec-level failure: unsupported type on encode,
	// unknown type tag or non-string map key on decode, malformed length.
	ErrCodec = errors.New("truckdb: value codec error")

	// ErrTimeout marks a worker request/response call that exceeded its
	// deadline. The worker may still complete the request later.
	ErrTimeout = errors.New("truckdb: request timed out")

	// ErrReservedBox is returned when a caller addresses the reserved
	// __SYS__ box directly.
	ErrReservedBox = errors.New("truckdb: __SYS__ is a reserved box id")

	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("truckdb: truck is closed")
)

// Wrap annotates err with msg using github.com/pkg/errors, preserving the
// stack trace of the original cause. Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
