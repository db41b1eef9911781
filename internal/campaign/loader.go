package campaign

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Index is the campaign registry index (index.json).
type Index struct {
	Version   string                `json:"version"`
	Campaigns map[string]IndexEntry `json:"campaigns"`
}

// IndexEntry is a single entry in the campaign index.
type IndexEntry struct {
	File       string  `json:"file"`
	Enabled    bool    `json:"enabled"`
	LastRun    *string `json:"lastRun"`
	LastResult *string `json:"lastResult"`
}

// LoadIndex reads the campaign index from a JSON file.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var index Index
	if err := json5.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return &index, nil
}

// LoadFile reads a single campaign definition. Definitions are JSON; the
// JSON5 parser additionally tolerates comments and trailing commas in
// hand-edited files.
func LoadFile(path string) (*Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Campaign
	if err := json5.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse campaign: %w", err)
	}
	return &c, nil
}

// LoadDir loads all enabled campaign definitions listed in <dir>/index.json
// and returns a map keyed by campaign ID.
//
// Per-file errors are logged and the entry skipped; only a missing or
// unparseable index is fatal. Entries whose parsed ID disagrees with the
// index key are skipped. When the relative path from the index does not
// exist, the basename at the directory root is tried — config-map mounts
// flatten subdirectories.
func LoadDir(dir string) (map[string]*Campaign, error) {
	indexPath := filepath.Join(dir, "index.json")
	index, err := LoadIndex(indexPath)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", indexPath, err)
	}

	registry := make(map[string]*Campaign)
	for id, entry := range index.Campaigns {
		if !entry.Enabled {
			continue
		}
		defPath := filepath.Join(dir, entry.File)
		if _, statErr := os.Stat(defPath); os.IsNotExist(statErr) {
			defPath = filepath.Join(dir, filepath.Base(entry.File))
		}
		c, err := LoadFile(defPath)
		if err != nil {
			slog.Warn("campaign.load_error", "campaign", id, "path", defPath, "error", err)
			continue
		}
		if c.ID != id {
			slog.Warn("campaign.id_mismatch", "index_key", id, "file_id", c.ID)
			continue
		}
		registry[id] = c
	}
	slog.Info("campaign.registry_loaded", "dir", dir, "count", len(registry))
	return registry, nil
}
