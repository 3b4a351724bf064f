package feature

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the ordered list of feature names the model was trained on.
// It is immutable once loaded; Names returns a copy.
type Manifest struct {
	names []string
	index map[string]int
}

func NewManifest(names []string) (*Manifest, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("feature manifest is empty")
	}
	m := &Manifest{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, fmt.Errorf("feature manifest entry %d is blank", i+1)
		}
		if _, dup := m.index[n]; dup {
			return nil, fmt.Errorf("feature manifest lists %q twice", n)
		}
		m.names[i] = n
		m.index[n] = i
	}
	return m, nil
}

func (m *Manifest) Len() int { return len(m.names) }

func (m *Manifest) Names() []string { return append([]string(nil), m.names...) }

func (m *Manifest) Name(i int) string { return m.names[i] }

type manifestYAML struct {
	Features []string `yaml:"features"`
}

// LoadManifest reads a manifest from path. A .yaml/.yml file holds a
// "features" list; anything else is read as CSV whose header row is the
// feature list (the layout written by pandas for a zero-row frame).
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature manifest: %w", err)
	}

	var names []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc manifestYAML
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse feature manifest %s: %w", path, err)
		}
		names = doc.Features
	default:
		r := csv.NewReader(strings.NewReader(strings.TrimPrefix(string(data), "\ufeff")))
		header, err := r.Read()
		if err != nil {
			return nil, fmt.Errorf("parse feature manifest %s: %w", path, err)
		}
		names = header
	}

	m, err := NewManifest(names)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("loaded feature manifest", "path", path, "features", m.Len())
	return m, nil
}
