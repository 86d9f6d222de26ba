package engine

import (
	"fmt"
	"io"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/tanq16/segget/internal/storage"
)

// StateFile is where the snapshot of a stopped download for target is kept
// between runs.
func (c Config) StateFile(target string) string {
	return path.Join(c.withDefaults().TempDir, target+".state")
}

func SaveSnapshot(dir storage.Directory, name string, snap Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("error encoding snapshot: %w", err)
	}
	store, err := dir.Open(name)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Truncate(0); err != nil {
		return err
	}
	if _, err := store.Write(data); err != nil {
		return err
	}
	return store.Close()
}

// LoadSnapshot reads a snapshot written by SaveSnapshot. A missing file
// returns an error wrapping fs.ErrNotExist.
func LoadSnapshot(dir storage.Directory, name string) (Snapshot, error) {
	var snap Snapshot
	if _, err := dir.Stat(name); err != nil {
		return snap, err
	}
	store, err := dir.Open(name)
	if err != nil {
		return snap, err
	}
	defer store.Close()
	data, err := io.ReadAll(store)
	if err != nil {
		return snap, err
	}
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("error decoding snapshot %s: %w", name, err)
	}
	return snap, nil
}
