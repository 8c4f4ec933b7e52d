// Package storage defines the pluggable backend interface for datafile
// blobs, plus the URI form used to address them from manifests.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360/askflow/errors"
)

// Store is the backend interface for datafile storage.
//
// Keys are hierarchical strings with "/" separators; values are opaque
// bytes. Implementations must be safe for concurrent use.
type Store interface {
	// Put stores data at key, overwriting any existing value.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the data at key. A missing key returns an error
	// matching errors.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys with the given prefix, lexicographically
	// ordered. No matches returns an empty slice.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the data at key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
}

// URIScheme is the scheme used for bus-hosted datafile URIs.
const URIScheme = "nats"

// URI addresses a blob as nats://<bucket>/<key>.
type URI struct {
	Bucket string
	Key    string
}

// String renders the URI in its canonical form.
func (u URI) String() string {
	return fmt.Sprintf("%s://%s/%s", URIScheme, u.Bucket, u.Key)
}

// ParseURI parses a nats://bucket/key URI.
func ParseURI(raw string) (URI, error) {
	prefix := URIScheme + "://"
	if !strings.HasPrefix(raw, prefix) {
		return URI{}, errors.WrapInvalid(
			fmt.Errorf("URI %q does not use scheme %s", raw, URIScheme),
			"URI", "ParseURI", "check scheme")
	}

	rest := strings.TrimPrefix(raw, prefix)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return URI{}, errors.WrapInvalid(
			fmt.Errorf("URI %q missing bucket or key", raw),
			"URI", "ParseURI", "split bucket and key")
	}

	return URI{Bucket: bucket, Key: key}, nil
}
