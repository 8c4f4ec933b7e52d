// Package objectstore backs the storage.Store interface with a NATS
// JetStream object store bucket, letting datasets live on the same bus
// that carries questions and answers.
package objectstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/natsclient"
	"github.com/c360/askflow/storage"
)

// Store implements storage.Store over a JetStream object store bucket.
type Store struct {
	bucket string
	os     jetstream.ObjectStore
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the named bucket on the client's
// connection.
func New(ctx context.Context, client *natsclient.Client, bucket string) (*Store, error) {
	if bucket == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty bucket name"),
			"Store", "New", "validate bucket")
	}

	os, err := client.ObjectStore(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return &Store{bucket: bucket, os: os}, nil
}

// Bucket returns the bucket name this store is bound to.
func (s *Store) Bucket() string {
	return s.bucket
}

// URI returns the canonical URI addressing key in this store's bucket.
func (s *Store) URI(key string) string {
	return storage.URI{Bucket: s.bucket, Key: key}.String()
}

// Put stores data at key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errors.WrapInvalid(fmt.Errorf("empty key"), "Store", "Put", "validate key")
	}
	if _, err := s.os.PutBytes(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "Store", "Put",
			fmt.Sprintf("store %s in bucket %s", key, s.bucket))
	}
	return nil
}

// Get retrieves the data at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.os.GetBytes(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s in bucket %s", errors.ErrNotFound, key, s.bucket),
				"Store", "Get", "look up object")
		}
		return nil, errors.WrapTransient(err, "Store", "Get",
			fmt.Sprintf("fetch %s from bucket %s", key, s.bucket))
	}
	return data, nil
}

// List returns all keys with the given prefix in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := s.os.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "Store", "List",
			fmt.Sprintf("list bucket %s", s.bucket))
	}

	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Deleted {
			continue
		}
		if strings.HasPrefix(info.Name, prefix) {
			keys = append(keys, info.Name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the data at key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.os.Delete(ctx, key); err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "Store", "Delete",
			fmt.Sprintf("delete %s from bucket %s", key, s.bucket))
	}
	return nil
}

// ReadURI fetches the blob addressed by a nats://bucket/key URI. The URI's
// bucket must match this store's bucket.
func (s *Store) ReadURI(ctx context.Context, rawURI string) ([]byte, error) {
	u, err := storage.ParseURI(rawURI)
	if err != nil {
		return nil, err
	}
	if u.Bucket != s.bucket {
		return nil, errors.WrapInvalid(
			fmt.Errorf("URI bucket %q does not match store bucket %q", u.Bucket, s.bucket),
			"Store", "ReadURI", "check bucket")
	}
	return s.Get(ctx, u.Key)
}

// WriteURI stores data at key and returns the URI addressing it.
func (s *Store) WriteURI(ctx context.Context, key string, data []byte) (string, error) {
	if err := s.Put(ctx, key, data); err != nil {
		return "", err
	}
	return s.URI(key), nil
}
