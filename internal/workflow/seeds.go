package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"steward/internal/logging"
)

// seedFile is the on-disk YAML shape of a workflow seed.
// One file may declare several workflows.
type seedFile struct {
	Workflows []Definition `yaml:"workflows"`
}

// LoadSeedFile parses workflow definitions from a YAML seed file.
func LoadSeedFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}

	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for i := range sf.Workflows {
		sf.Workflows[i].Origin = "seed"
		if err := sf.Workflows[i].Validate(); err != nil {
			return nil, fmt.Errorf("seed file %s: %w", path, err)
		}
	}
	return sf.Workflows, nil
}

// LoadSeedDir loads every *.yaml / *.yml seed in the directory into the
// registry, skipping workflows whose id already has a registered version
// (seeds never override learned state). A missing directory is not an error.
func LoadSeedDir(r *Registry, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read seed dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		defs, err := LoadSeedFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, err
		}
		for _, d := range defs {
			if _, exists := r.Latest(d.ID); exists {
				logging.RegistryDebug("Seed %s skipped: workflow %s already registered", name, d.ID)
				continue
			}
			if _, err := r.Register(d); err != nil {
				return loaded, fmt.Errorf("seed %s: %w", name, err)
			}
			loaded++
		}
	}

	if loaded > 0 {
		logging.Registry("Loaded %d seed workflows from %s", loaded, dir)
	}
	return loaded, nil
}
