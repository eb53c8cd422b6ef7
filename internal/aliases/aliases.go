// Package aliases loads operator-supplied search names for circuits whose
// OSM name differs from the Wikipedia one.
package aliases

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/circuit-geo/internal/model"
)

// Set maps a circuit name to extra search names.
type Set map[string][]string

// Load reads the alias file at path. A missing file yields an empty set.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Set{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "aliases: read %s", path)
	}

	var wrapper struct {
		Aliases map[string][]string `yaml:"aliases"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "aliases: parse %s", path)
	}

	set := make(Set, len(wrapper.Aliases))
	for name, names := range wrapper.Aliases {
		name = strings.TrimSpace(name)
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				set[name] = append(set[name], n)
			}
		}
	}
	return set, nil
}

// Apply attaches aliases to matching circuits in place and returns how many
// circuits received at least one alias.
func (s Set) Apply(circuits []model.Circuit) int {
	n := 0
	for i := range circuits {
		if names, ok := s[circuits[i].Name]; ok && len(names) > 0 {
			circuits[i].Aliases = append(circuits[i].Aliases, names...)
			n++
		}
	}
	return n
}
