package osbase

import "errors"

var (
	// ErrNotFound is returned when the image for an identity does not exist.
	ErrNotFound = errors.New("image does not exist")

	// ErrAlreadyExists is returned when creating an identity that already
	// has an image.
	ErrAlreadyExists = errors.New("image already exists")

	// ErrManifestMissing is returned by recreate when no manifest was
	// persisted for the image.
	ErrManifestMissing = errors.New("image manifest does not exist")

	// ErrNameMismatch is returned when a custom image name disagrees with
	// the persisted manifest, indicating configuration drift.
	ErrNameMismatch = errors.New("image name does not match persisted manifest")

	// ErrNoMirror is returned when no package mirror was given and none
	// could be detected from the bootstrapped tree.
	ErrNoMirror = errors.New("could not detect package mirror URL")
)
