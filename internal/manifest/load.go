package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FileNames are the manifest names looked for in a plugin directory, in order.
var FileNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// LoadError reports a plugin directory whose manifest could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Parse decodes a manifest. Unknown fields are rejected so typos in a
// manifest surface at load time instead of silently disabling a feature.
func Parse(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}
	m.ID = strings.TrimSpace(m.ID)
	for i := range m.Hooks {
		if m.Hooks[i].Priority == 0 {
			m.Hooks[i].Priority = DefaultPriority
		}
	}
	return &m, nil
}

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported manifest extension %q", filepath.Ext(path))
}

// LoadFile reads and parses a manifest file. The result is not validated.
func LoadFile(path string) (*Manifest, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

// FindFile returns the manifest path inside a plugin directory.
func FindFile(dir string) (string, bool) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// LoadDir loads one manifest per immediate subdirectory of dir. A missing
// dir yields no manifests. Subdirectories without a manifest are skipped;
// manifests that fail to parse are returned as LoadErrors while the rest
// still load. Results are sorted by plugin id.
func LoadDir(dir string) ([]*Manifest, []*LoadError, error) {
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("getting home directory: %w", err)
		}
		dir = filepath.Join(home, dir[2:])
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading plugin dir %s: %w", dir, err)
	}

	var manifests []*Manifest
	var problems []*LoadError
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path, ok := FindFile(filepath.Join(dir, entry.Name()))
		if !ok {
			continue
		}
		m, err := LoadFile(path)
		if err != nil {
			problems = append(problems, &LoadError{Path: path, Err: err})
			continue
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, problems, nil
}
