package content

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/askflow/errors"
)

// Dataset is an unordered collection of datafiles with unique names.
type Dataset struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Files []Datafile `json:"files"`
	Tags  []string   `json:"tags,omitempty"`
}

// DatasetOption configures dataset construction.
type DatasetOption func(*Dataset)

// WithDatasetID sets an explicit dataset ID instead of a generated one.
func WithDatasetID(id string) DatasetOption {
	return func(d *Dataset) { d.ID = id }
}

// WithDatasetTags attaches tags to the dataset.
func WithDatasetTags(tags ...string) DatasetOption {
	return func(d *Dataset) { d.Tags = tags }
}

// NewDataset builds a dataset from registered datafiles. Datafile names
// must be unique within the dataset; a collision fails with
// ErrDuplicateName.
func NewDataset(name string, files []Datafile, opts ...DatasetOption) (Dataset, error) {
	if name == "" {
		return Dataset{}, errors.WrapInvalid(
			fmt.Errorf("dataset name cannot be empty"), "Dataset", "NewDataset", "validate name")
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if seen[f.Name] {
			return Dataset{}, errors.WrapInvalid(
				fmt.Errorf("%w: datafile %q appears more than once in dataset %q",
					errors.ErrDuplicateName, f.Name, name),
				"Dataset", "NewDataset", "check name uniqueness")
		}
		seen[f.Name] = true
	}

	ds := Dataset{
		ID:    uuid.New().String(),
		Name:  name,
		Files: append([]Datafile(nil), files...),
	}
	for _, opt := range opts {
		opt(&ds)
	}
	return ds, nil
}

// Add returns a copy of the dataset with the datafile appended, failing
// with ErrDuplicateName on a name collision.
func (d Dataset) Add(file Datafile) (Dataset, error) {
	if _, ok := d.FileByName(file.Name); ok {
		return Dataset{}, errors.WrapInvalid(
			fmt.Errorf("%w: datafile %q already in dataset %q",
				errors.ErrDuplicateName, file.Name, d.Name),
			"Dataset", "Add", "check name uniqueness")
	}
	out := d
	out.Files = append(append([]Datafile(nil), d.Files...), file)
	return out, nil
}

// FileByName looks up a datafile by its unique name.
func (d Dataset) FileByName(name string) (Datafile, bool) {
	for _, f := range d.Files {
		if f.Name == name {
			return f, true
		}
	}
	return Datafile{}, false
}

// AllRemote reports whether every datafile is addressed by an absolute URI.
func (d Dataset) AllRemote() bool {
	for _, f := range d.Files {
		if !f.Remote() {
			return false
		}
	}
	return true
}
