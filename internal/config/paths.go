// Package config provides configuration loading and data-directory layout for relayd.
package config

import (
	"os"
	"path/filepath"
)

// Paths contains the standard filesystem layout for relayd's data directory.
type Paths struct {
	Data string // base data directory, e.g. ~/.relayd
}

// GetPaths resolves the data directory from $RELAYD_DATA_DIR, falling back
// to ~/.relayd.
func GetPaths() *Paths {
	if dir := os.Getenv("RELAYD_DATA_DIR"); dir != "" {
		return &Paths{Data: dir}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Paths{Data: filepath.Join(home, ".relayd")}
}

// EnsurePaths creates the data directory if it does not exist.
func (p *Paths) EnsurePaths() error {
	return os.MkdirAll(p.Data, 0755)
}

// HistoryDBPath returns the path to the history store's bbolt file.
func (p *Paths) HistoryDBPath() string {
	return filepath.Join(p.Data, "history.db")
}

// EventLogDBPath returns the path to the event log's bbolt file.
func (p *Paths) EventLogDBPath() string {
	return filepath.Join(p.Data, "eventlog.db")
}

// SearchIndexPath returns the path to the bleve full-text index directory.
func (p *Paths) SearchIndexPath() string {
	return filepath.Join(p.Data, "search.bleve")
}

// LogFilePath returns the path to the daemon's log file directory.
func (p *Paths) LogFilePath() string {
	return filepath.Join(p.Data, "logs")
}

// ConfigFilePath returns the path to the daemon's config file.
func (p *Paths) ConfigFilePath() string {
	return filepath.Join(p.Data, "relayd.yaml")
}
