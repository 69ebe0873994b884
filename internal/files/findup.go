package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and then each of its parents, returning the path of the first match.
// It returns "" if no directory up to the root contains name.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
