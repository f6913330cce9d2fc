package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ManifestFileName is the name of the manifest file within the cache directory.
const ManifestFileName = "manifest.json"

// Entry records one saved checkpoint.
type Entry struct {
	ID string `json:"id"`

	// Epoch is the zero-based index of the epoch after which the checkpoint was saved.
	Epoch int `json:"epoch"`

	ValLoss float64 `json:"val_loss"`
	ValAcc  float64 `json:"val_acc"`

	// Path of the checkpoint, relative to the cache directory.
	Path string `json:"path"`

	SavedAt time.Time `json:"saved_at"`
}

// Manifest lists the checkpoints saved in a cache directory, in the order they were saved.
type Manifest struct {
	dir     string
	Entries []Entry `json:"entries"`
}

// LoadManifest reads the manifest of the cache directory dir.
// A missing manifest file returns an empty Manifest.
func LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{dir: dir}
	manifestPath := filepath.Join(dir, ManifestFileName)
	contents, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.Wrapf(err, "failed to read checkpoints manifest %q", manifestPath)
	}
	if err = json.Unmarshal(contents, m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoints manifest %q", manifestPath)
	}
	return m, nil
}

// Dir returns the cache directory of the manifest.
func (m *Manifest) Dir() string { return m.dir }

// Path returns the path to the checkpoint of the entry.
func (m *Manifest) Path(e Entry) string {
	if filepath.IsAbs(e.Path) {
		return e.Path
	}
	return filepath.Join(m.dir, e.Path)
}

// Add records a new checkpoint saved at ckptPath, and returns the new entry.
// Call Save to persist the manifest.
func (m *Manifest) Add(epoch int, valLoss, valAcc float64, ckptPath string) Entry {
	if rel, err := filepath.Rel(m.dir, ckptPath); err == nil {
		ckptPath = rel
	}
	e := Entry{
		ID:      uuid.NewString(),
		Epoch:   epoch,
		ValLoss: valLoss,
		ValAcc:  valAcc,
		Path:    ckptPath,
		SavedAt: time.Now(),
	}
	m.Entries = append(m.Entries, e)
	return e
}

// Best returns the entry with the lowest validation loss. If the manifest is empty it returns false.
func (m *Manifest) Best() (best Entry, found bool) {
	for _, e := range m.Entries {
		if !found || e.ValLoss < best.ValLoss {
			best, found = e, true
		}
	}
	return
}

// Save writes the manifest to the cache directory. It writes to a temporary file first, and then
// renames it over the previous manifest.
func (m *Manifest) Save() error {
	contents, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize checkpoints manifest")
	}
	err = os.MkdirAll(m.dir, DirPermMode)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoints cache directory %q", m.dir)
	}
	manifestPath := filepath.Join(m.dir, ManifestFileName)
	tmpPath := manifestPath + ".tmp"
	if err = os.WriteFile(tmpPath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write checkpoints manifest %q", tmpPath)
	}
	if err = os.Rename(tmpPath, manifestPath); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, manifestPath)
	}
	return nil
}
