package scan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const metadataFile = "metadata.json"

// writeSnapshot persists a scan's metadata.json atomically inside its
// run directory.
func writeSnapshot(dir string, snap Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFile)); err != nil {
		return fmt.Errorf("committing metadata: %w", err)
	}
	return nil
}

// readSnapshot loads a scan's metadata.json from its run directory.
func readSnapshot(dir string) (Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading metadata: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding metadata: %w", err)
	}
	if snap.ScanID == "" || !snap.Status.Valid() {
		return Snapshot{}, fmt.Errorf("metadata missing scan id or status")
	}
	return snap, nil
}
