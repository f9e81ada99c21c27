package platform

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/aretw0/loamdb/pkg/adapters/fs"
)

// ErrRootNotFound is returned by FindRoot when no store marker exists above the start directory.
var ErrRootNotFound = errors.New("store root not found")

// FindRoot looks upwards from startDir for a store root. Indicators are the
// system directory (".loamdb" unless systemDir is given) or a loamdb.yaml file.
func FindRoot(startDir, systemDir string) (string, error) {
	if systemDir == "" {
		systemDir = fs.DefaultSystemDir
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if hasFile(dir, systemDir) || hasFile(dir, SettingsFile) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrRootNotFound
		}
		dir = parent
	}
}

func hasFile(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
