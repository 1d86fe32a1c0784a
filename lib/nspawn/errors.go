package nspawn

import "errors"

var (
	// ErrToolMissing is returned when systemd-nspawn is not installed.
	ErrToolMissing = errors.New("systemd-nspawn not found")

	// ErrUnsafePermission is returned when a dangerous permission grant is
	// requested without the global opt-in.
	ErrUnsafePermission = errors.New("dangerous permission requested without global opt-in")

	// ErrBootTimeout is returned when a booted instance never reports ready.
	ErrBootTimeout = errors.New("instance did not finish booting in time")
)
