package gpures

import "github.com/pkg/errors"

// Configuration errors reported by NewGroup. They are wrapped with detail, match
// with errors.Is.
var (
	// ErrEmptyDeviceList means the device map lists no accelerators for this
	// process.
	ErrEmptyDeviceList = errors.New("empty device list")

	// ErrDeviceCountMismatch means the device map disagrees with itself about how
	// many accelerators this process owns.
	ErrDeviceCountMismatch = errors.New("local device count mismatch")

	// ErrInvalidDeviceID means the device map names a device the driver does not
	// have.
	ErrInvalidDeviceID = errors.New("invalid device id")
)
