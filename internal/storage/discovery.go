package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath is where the SQLite database lives relative to the project.
const DefaultPath = ".plinth/plinth.db"

// DiscoverDatabase returns the SQLite database path to use.
//
// PLINTH_DB_PATH wins when set (":memory:" included), which keeps tests
// isolated from a developer's real database. Otherwise the first *.db
// file in ./.plinth is used, and failing that the default path, which
// is created on first open.
func DiscoverDatabase() (string, error) {
	if dbPath := os.Getenv("PLINTH_DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return discoverDatabaseInDir(dir)
}

// discoverDatabaseInDir checks dir/.plinth only; parent directories are
// never searched so a nested project cannot pick up its parent's state.
func discoverDatabaseInDir(dir string) (string, error) {
	stateDir := filepath.Join(dir, ".plinth")

	entries, err := os.ReadDir(stateDir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".db") {
				return filepath.Abs(filepath.Join(stateDir, entry.Name()))
			}
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read %s: %w", stateDir, err)
	}

	return filepath.Abs(filepath.Join(dir, DefaultPath))
}
