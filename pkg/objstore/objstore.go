// Package objstore abstracts the remote object store a block store writes
// through: a flat key/value namespace with bounded, prefix-scoped listing.
package objstore

import (
	"context"
	"io"
)

// DefaultPageSize bounds a single listing page when a backend config does
// not say otherwise.
const DefaultPageSize = 1000

// Object describes one listed key.
type Object struct {
	Key  string
	Size int64
}

// Page is one bounded slice of a listing. A nil Objects field signals a
// malformed response; a backend reporting a legitimately empty page returns
// an empty non-nil slice. When Truncated is set the caller resumes with the
// last key of the page (or NextMarker, when the backend supplies one).
type Page struct {
	Objects    []Object
	Truncated  bool
	NextMarker string
}

// Client is the capability consumed by the block store. A Head against the
// empty key probes the container root. Implementations classify their
// failures through pkg/xerrors kinds: KindNotFound for missing keys,
// KindPermission for denied access; anything else is backend-specific and
// passed through untouched.
type Client interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Head(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix, marker string) (*Page, error)
	CreateBucket(ctx context.Context) error
}
