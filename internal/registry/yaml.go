package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// patternFile is the on-disk shape of an operator-provided rule file.
type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// LoadFile registers every pattern from a YAML rule file. Patterns with an
// ID already present replace the existing rule, so operators can override
// the built-in guards.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading pattern file: %w", err)
	}

	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing pattern file %q: %w", path, err)
	}

	for _, p := range file.Patterns {
		if p.ID == "" {
			return fmt.Errorf("pattern file %q: pattern with empty id", path)
		}
		if p.Condition == "" {
			p.Condition = "*"
		}
		r.Register(p)
	}
	return nil
}
