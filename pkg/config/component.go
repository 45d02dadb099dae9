package config

import (
	"fmt"

	"github.com/machina-io/machina/pkg/model"
)

// LoadComponent loads and validates a declarative component document
// (YAML or JSON) into the engine's model.
func LoadComponent(path string) (*model.Component, error) {
	var component model.Component
	if err := Load(path, &component); err != nil {
		return nil, err
	}
	if err := model.Validate(&component); err != nil {
		return nil, fmt.Errorf("config: component %s: %w", path, err)
	}
	return &component, nil
}

// LoadComponents loads a list of component documents.
func LoadComponents(paths []string) ([]*model.Component, error) {
	out := make([]*model.Component, 0, len(paths))
	for _, path := range paths {
		c, err := LoadComponent(path)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
