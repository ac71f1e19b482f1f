package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/scan"
	"github.com/davidahmann/provchain/core/schema"
	"github.com/davidahmann/provchain/core/schema/validate"
)

type OSConstraints struct {
	Kernel  string `json:"kernel,omitempty"`
	Release string `json:"release,omitempty"`
	Version string `json:"version,omitempty"`
}

// Constraints are checked against every step. Empty fields are not checked.
type Constraints struct {
	ReturnCode   *int           `json:"return_code,omitempty"`
	CPUArch      string         `json:"cpu_arch,omitempty"`
	OS           OSConstraints  `json:"os"`
	CommandFlags []string       `json:"command_flags,omitempty"`
	WordLists    scan.WordLists `json:"word_lists"`
}

type constraintPolicyDocument struct {
	Constraints struct {
		ReturnCode *int    `json:"return_code"`
		CPUArch    *string `json:"cpu_arch"`
		OS         *struct {
			Kernel  *string `json:"kernel"`
			Release *string `json:"release"`
			Version *string `json:"version"`
		} `json:"os"`
		CommandFlags []string `json:"command_flags"`
	} `json:"constraints"`
	SuppliedData struct {
		WordLists scan.WordLists `json:"word_lists"`
	} `json:"supplied_data"`
}

func ParseConstraintPolicy(data []byte) (Constraints, error) {
	if err := validate.ValidateEmbedded(schema.ConstraintPolicyV1, data); err != nil {
		return Constraints{}, coreerrors.Configuration(fmt.Errorf("constraint policy: %w", err), "constraint_policy_schema")
	}
	var document constraintPolicyDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return Constraints{}, coreerrors.Configuration(fmt.Errorf("decode constraint policy: %w", err), "constraint_policy_decode")
	}
	constraints := Constraints{
		ReturnCode: document.Constraints.ReturnCode,
		CPUArch:    deref(document.Constraints.CPUArch),
		WordLists:  document.SuppliedData.WordLists,
	}
	if osFields := document.Constraints.OS; osFields != nil {
		constraints.OS = OSConstraints{
			Kernel:  deref(osFields.Kernel),
			Release: deref(osFields.Release),
			Version: deref(osFields.Version),
		}
	}
	for _, flag := range document.Constraints.CommandFlags {
		if trimmed := strings.TrimSpace(flag); trimmed != "" {
			constraints.CommandFlags = append(constraints.CommandFlags, trimmed)
		}
	}
	return constraints, nil
}

func LoadConstraintPolicy(path string) (Constraints, error) {
	// #nosec G304 -- policy path is explicit user input.
	data, err := os.ReadFile(path)
	if err != nil {
		return Constraints{}, coreerrors.Configuration(fmt.Errorf("read constraint policy: %w", err), "constraint_policy_read")
	}
	return ParseConstraintPolicy(data)
}
