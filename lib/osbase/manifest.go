package osbase

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// manifestVersion is bumped when the manifest schema changes incompatibly.
const manifestVersion = 1

// Manifest is the persisted record of how an image was created. It carries
// everything needed to regenerate the image byte-for-byte-equivalent later.
type Manifest struct {
	Version          int       `json:"version"`
	Name             string    `json:"name"`
	Suite            string    `json:"suite"`
	BaseSuite        string    `json:"base_suite,omitempty"`
	Architecture     string    `json:"architecture"`
	Variant          string    `json:"variant,omitempty"`
	Mirror           string    `json:"mirror,omitempty"`
	Components       []string  `json:"components,omitempty"`
	ExtraSuites      []string  `json:"extra_suites,omitempty"`
	ExtraSourceLines []string  `json:"extra_source_lines,omitempty"`
	AllowRecommends  bool      `json:"allow_recommends"`
	CreatedAt        time.Time `json:"created_at"`
}

// writeManifest persists the manifest atomically via temp file + rename.
func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// readManifest loads and validates a manifest.
func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestMissing
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}
