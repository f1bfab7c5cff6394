package auth

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed permissions.yaml
var defaultPermissions []byte

// PermissionTable decides workflow transitions from a role x entity x
// target-state table.
type PermissionTable struct {
	Superusers []string                       `yaml:"superusers"`
	Entities   map[string]map[string][]string `yaml:"entities"`
}

// LoadPermissions reads the table from path, or the embedded default when
// path is empty.
func LoadPermissions(path string) (*PermissionTable, error) {
	data := defaultPermissions
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read permissions file: %w", err)
		}
		data = b
	}
	return ParsePermissions(data)
}

func ParsePermissions(data []byte) (*PermissionTable, error) {
	var t PermissionTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse permissions: %w", err)
	}
	if len(t.Entities) == 0 {
		return nil, fmt.Errorf("permissions: no entities defined")
	}
	return &t, nil
}

// CanTransition reports whether actor may move entity from one state to
// another. Unknown entities and targets are denied.
func (t *PermissionTable) CanTransition(_ context.Context, actor Actor, entity, from, to string) bool {
	for _, su := range t.Superusers {
		for _, r := range actor.Roles {
			if r == su {
				return true
			}
		}
	}
	allowed := t.Entities[entity][to]
	for _, role := range allowed {
		for _, r := range actor.Roles {
			if r == role {
				return true
			}
		}
	}
	return false
}
