package content

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/askflow/errors"
)

// Manifest describes the datasets an analysis consumes or produces, keyed
// by a logical role such as "input" or "diagnostics". Manifests are built
// by the caller before a question is sent and are immutable once validated.
type Manifest struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	Datasets  map[string]Dataset `json:"datasets"`
}

// NewManifest builds a manifest over the given datasets.
func NewManifest(datasetsByKey map[string]Dataset) (Manifest, error) {
	if len(datasetsByKey) == 0 {
		return Manifest{}, errors.WrapInvalid(
			fmt.Errorf("manifest needs at least one dataset"),
			"Manifest", "NewManifest", "validate datasets")
	}
	for key, ds := range datasetsByKey {
		if len(ds.Files) == 0 && ds.Name == "" {
			return Manifest{}, errors.WrapInvalid(
				fmt.Errorf("dataset for key %q is empty", key),
				"Manifest", "NewManifest", "validate datasets")
		}
	}

	datasets := make(map[string]Dataset, len(datasetsByKey))
	for key, ds := range datasetsByKey {
		datasets[key] = ds
	}

	return Manifest{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Datasets:  datasets,
	}, nil
}

// Dataset returns the dataset registered under the given logical key.
func (m Manifest) Dataset(key string) (Dataset, bool) {
	ds, ok := m.Datasets[key]
	return ds, ok
}

// AllRemote reports whether every datafile in every dataset is addressed by
// an absolute URI. The invoker refuses to send manifests that fail this
// check: local paths must not leak across the bus.
func (m Manifest) AllRemote() bool {
	for _, ds := range m.Datasets {
		if !ds.AllRemote() {
			return false
		}
	}
	return true
}

// Serialize converts the manifest to its transport-safe JSON form. It fails
// with ErrLocalPath if any datafile lacks an absolute URI.
func (m Manifest) Serialize() ([]byte, error) {
	for key, ds := range m.Datasets {
		for _, f := range ds.Files {
			if !f.Remote() {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: datafile %q in dataset %q (key %q) has no URI",
						errors.ErrLocalPath, f.Name, ds.Name, key),
					"Manifest", "Serialize", "check transport safety")
			}
		}
	}
	return json.Marshal(m)
}

// Deserialize parses a manifest from its transport form.
func Deserialize(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.WrapInvalid(err, "Manifest", "Deserialize", "parse manifest")
	}
	if m.ID == "" || len(m.Datasets) == 0 {
		return Manifest{}, errors.WrapInvalid(
			fmt.Errorf("manifest missing id or datasets"),
			"Manifest", "Deserialize", "validate manifest")
	}
	return m, nil
}
