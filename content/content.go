// Package content resolves inbound requests into sized, ordered content
// descriptors backed by ISO images and library files.
package content

import "errors"

var (
	// ErrNotFound covers unknown aliases, unknown composites and inner
	// paths that do not exist. Maps to HTTP 404.
	ErrNotFound = errors.New("content: not found")

	// ErrForbidden means a whole-image request for an alias without the
	// downloadable marker. Maps to HTTP 403.
	ErrForbidden = errors.New("content: not downloadable")

	// ErrConfig means a table references an image or file that does not
	// exist on disk. Maps to HTTP 500 and is logged with the offender.
	ErrConfig = errors.New("content: configuration error")
)
