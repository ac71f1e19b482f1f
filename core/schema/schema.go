// Package schema embeds the versioned JSON Schemas for provchain documents.
package schema

import (
	"embed"
	"fmt"
)

const (
	CommandPolicyV1    = "v1/command_policy.schema.json"
	ConstraintPolicyV1 = "v1/constraint_policy.schema.json"
	ChainV1            = "v1/chain.schema.json"
)

//go:embed v1/*.schema.json
var files embed.FS

// Load returns the raw bytes of an embedded schema.
func Load(name string) ([]byte, error) {
	data, err := files.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	return data, nil
}
