package tree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadSubmission reads metadata documents (array or Submission object) from disk.
func LoadSubmission(path string) (*Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	return ParseDocuments(data)
}

// SaveDocuments writes the configuration's documents to disk as JSON.
func SaveDocuments(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for metadata: %w", err)
	}

	data, err := json.MarshalIndent(cfg.Documents(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	return nil
}

// SaveCanonical writes the canonical form to disk.
func SaveCanonical(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for canonical form: %w", err)
	}
	if err := os.WriteFile(path, cfg.canonical, 0o644); err != nil {
		return fmt.Errorf("writing canonical form: %w", err)
	}
	return nil
}
