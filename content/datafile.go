// Package content models addressable file collections with integrity
// metadata: datafiles, datasets, and the manifests that describe an
// analysis's inputs and outputs.
package content

import (
	"fmt"
	"hash/crc32"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/c360/askflow/errors"
)

// castagnoli is the CRC32C polynomial table used for datafile checksums,
// matching the checksum family used by cloud object stores.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C checksum of data as lowercase hex.
func Checksum(data []byte) string {
	return fmt.Sprintf("%08x", crc32.Checksum(data, castagnoli))
}

// Datafile is a single addressable file with integrity metadata. Datafiles
// are immutable once registered into a dataset.
type Datafile struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	URI          string            `json:"uri,omitempty"`
	Size         int64             `json:"size"`
	Checksum     string            `json:"checksum"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Tags         []string          `json:"tags,omitempty"`

	// localPath is set for files registered from the local filesystem.
	// It never crosses the bus; serialization requires a URI.
	localPath string
}

// Remote reports whether the datafile is addressed by an absolute URI and
// is therefore safe to reference across the bus.
func (d Datafile) Remote() bool {
	return d.URI != ""
}

// LocalPath returns the local filesystem path the datafile was registered
// from, if any.
func (d Datafile) LocalPath() string {
	return d.localPath
}

// RegisterOption configures datafile registration.
type RegisterOption func(*registration)

type registration struct {
	id               string
	name             string
	declaredChecksum string
	metadata         map[string]string
	tags             []string
}

// WithDeclaredChecksum asserts the expected CRC32C of the content. A
// mismatch against the computed checksum is a hard registration error.
func WithDeclaredChecksum(checksum string) RegisterOption {
	return func(r *registration) { r.declaredChecksum = checksum }
}

// WithName overrides the name derived from the path or URI.
func WithName(name string) RegisterOption {
	return func(r *registration) { r.name = name }
}

// WithID sets an explicit datafile ID instead of a generated one.
func WithID(id string) RegisterOption {
	return func(r *registration) { r.id = id }
}

// WithMetadata attaches free-form key/value metadata.
func WithMetadata(metadata map[string]string) RegisterOption {
	return func(r *registration) { r.metadata = metadata }
}

// WithTags attaches tags.
func WithTags(tags ...string) RegisterOption {
	return func(r *registration) { r.tags = tags }
}

// RegisterFile registers a local file as a datafile, computing its CRC32C
// checksum from the file content. Registration fails with
// ErrChecksumMismatch when a declared checksum does not match the computed
// one.
func RegisterFile(filePath string, opts ...RegisterOption) (Datafile, error) {
	reg := applyOptions(opts)

	data, err := os.ReadFile(filePath)
	if err != nil {
		return Datafile{}, errors.WrapInvalid(err, "Datafile", "RegisterFile", "read file")
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return Datafile{}, errors.WrapInvalid(err, "Datafile", "RegisterFile", "stat file")
	}

	name := reg.name
	if name == "" {
		name = filepath.Base(filePath)
	}

	df, err := build(reg, name, data, info.ModTime())
	if err != nil {
		return Datafile{}, err
	}
	df.localPath = filePath
	return df, nil
}

// RegisterBytes registers remote content already addressed by an absolute
// URI, computing its checksum from the given bytes. Use it with
// storage.ReadBytes to register object-store content.
func RegisterBytes(uri string, data []byte, opts ...RegisterOption) (Datafile, error) {
	if uri == "" {
		return Datafile{}, errors.WrapInvalid(
			fmt.Errorf("empty URI"), "Datafile", "RegisterBytes", "validate URI")
	}
	reg := applyOptions(opts)

	name := reg.name
	if name == "" {
		name = path.Base(uri)
	}

	df, err := build(reg, name, data, time.Now().UTC())
	if err != nil {
		return Datafile{}, err
	}
	df.URI = uri
	return df, nil
}

func applyOptions(opts []RegisterOption) *registration {
	reg := &registration{}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

func build(reg *registration, name string, data []byte, modified time.Time) (Datafile, error) {
	computed := Checksum(data)
	if reg.declaredChecksum != "" && reg.declaredChecksum != computed {
		return Datafile{}, errors.WrapInvalid(
			fmt.Errorf("%w: declared %s, computed %s for %q",
				errors.ErrChecksumMismatch, reg.declaredChecksum, computed, name),
			"Datafile", "Register", "verify checksum")
	}

	id := reg.id
	if id == "" {
		id = uuid.New().String()
	}

	return Datafile{
		ID:           id,
		Name:         name,
		Size:         int64(len(data)),
		Checksum:     computed,
		LastModified: modified.UTC(),
		Metadata:     reg.metadata,
		Tags:         reg.tags,
	}, nil
}
