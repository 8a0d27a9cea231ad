// Package errdefs defines the error categories shared across cdn-defender.
//
// Callers classify failures with errors.Is against the sentinels below;
// concrete errors wrap them with context (day, domain, checksum, status).
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks malformed user input: policy strings, date ranges,
	// configuration values. Always reported before any network call.
	ErrConfig = errors.New("configuration error")

	// ErrTransport marks a non-success status or unparsable body from an
	// upstream call.
	ErrTransport = errors.New("transport error")

	// ErrCacheIO marks a filesystem or cache backend failure.
	ErrCacheIO = errors.New("cache i/o error")

	// ErrDecode marks a log object that could not be decompressed.
	ErrDecode = errors.New("decode error")
)

// Configf returns an ErrConfig carrying a formatted message.
func Configf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// CacheIO wraps err as an ErrCacheIO for the given operation.
func CacheIO(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCacheIO, op, err)
}

// Decode wraps err as an ErrDecode for the named object.
func Decode(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
}
