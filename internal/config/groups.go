package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GroupDecl is one statically declared remote node group, as read from the
// YAML file at GroupsConfigPath.
type GroupDecl struct {
	Name         string `yaml:"name"`
	Coverage     int    `yaml:"coverage"`
	FullDelivery bool   `yaml:"full_delivery"`
	Database     string `yaml:"database"`
	BatchSize    int    `yaml:"batch_size"`
}

type groupsYAML struct {
	Groups []GroupDecl `yaml:"groups"`
}

// LoadGroups reads and parses the group declarations file at path.
func LoadGroups(path string) ([]GroupDecl, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied config file, not user input.
	if err != nil {
		return nil, fmt.Errorf("config: read groups file %s: %w", path, err)
	}
	var doc groupsYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("config: parse groups file %s: %w", path, err)
	}
	if len(doc.Groups) == 0 {
		return nil, fmt.Errorf("config: groups file %s declares no groups", path)
	}
	for i, g := range doc.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("config: group at index %d is missing a name", i)
		}
		if g.Coverage <= 0 || g.Coverage > 100 {
			return nil, fmt.Errorf("config: group %q has invalid coverage %d, must be in (0, 100]", g.Name, g.Coverage)
		}
		if g.Database == "" {
			return nil, fmt.Errorf("config: group %q is missing a database", g.Name)
		}
	}
	return doc.Groups, nil
}
