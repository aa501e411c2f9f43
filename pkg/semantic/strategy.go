package semantic

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Strategy describes one per-kind extraction strategy: what to ask for and
// which node/edge kinds the response may contain.
type Strategy struct {
	Name         string   `yaml:"name"`
	System       string   `yaml:"system"`
	Instructions string   `yaml:"instructions"`
	// AllowedNodeKinds and AllowedEdgeKinds bound response validation: a
	// payload proposing anything outside them is malformed.
	AllowedNodeKinds []string `yaml:"allowed_node_kinds"`
	AllowedEdgeKinds []string `yaml:"allowed_edge_kinds"`
}

//go:embed strategies.yaml
var strategiesYAML []byte

type strategyFile struct {
	Strategies map[string]Strategy `yaml:"strategies"`
}

// LoadStrategies parses the embedded strategy descriptors, keyed by artifact
// kind ("view", "controller", "service").
func LoadStrategies() (map[string]Strategy, error) {
	var file strategyFile
	if err := yaml.Unmarshal(strategiesYAML, &file); err != nil {
		return nil, fmt.Errorf("parse strategy descriptors: %w", err)
	}
	if len(file.Strategies) == 0 {
		return nil, fmt.Errorf("no strategies defined")
	}
	for kind, s := range file.Strategies {
		if s.Name == "" || s.Instructions == "" {
			return nil, fmt.Errorf("strategy %q incomplete", kind)
		}
	}
	return file.Strategies, nil
}
