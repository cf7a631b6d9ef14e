package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadFile parses one JSON policy file and loads it into the engine.
func (e *Engine) LoadFile(path string) (*SpendPolicy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config, not request input
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var p SpendPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := e.LoadPolicy(&p); err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	return &p, nil
}

// LoadDir loads every .json file in the directory, sorted by name so the
// load order (and therefore decision tie-breaking) is reproducible across
// restarts. Returns the number of policies loaded.
func (e *Engine) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read policy dir: %w", err)
	}

	var files []string
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".json") {
			files = append(files, ent.Name())
		}
	}
	sort.Strings(files)

	for i, name := range files {
		if _, err := e.LoadFile(filepath.Join(dir, name)); err != nil {
			return i, err
		}
	}
	return len(files), nil
}
