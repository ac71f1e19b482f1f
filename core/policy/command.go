// Package policy holds the typed command and constraint policies that drive
// a run. Documents are validated against the embedded JSON Schemas before
// they are decoded, so malformed policies are rejected before execution.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/schema"
	"github.com/davidahmann/provchain/core/schema/validate"
)

// ReservedName is the name of the aggregate chain document.
const ReservedName = "main"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// InputSource selects a step's input: an explicit file or the previous
// step's output archive. The zero value means no input.
type InputSource struct {
	Path        string `json:"path,omitempty"`
	UsePrevious bool   `json:"use_previous_output,omitempty"`
}

func (s InputSource) Declared() bool {
	return s.UsePrevious || strings.TrimSpace(s.Path) != ""
}

type CommandSpec struct {
	Name          string      `json:"name"`
	Command       string      `json:"command"`
	VerifyCommand string      `json:"verify_command,omitempty"`
	Input         InputSource `json:"input"`
	OutputPath    string      `json:"output,omitempty"`
}

// Validate checks a single command spec in isolation.
func (s CommandSpec) Validate() error {
	name := s.Name
	switch {
	case strings.TrimSpace(name) == "":
		return coreerrors.Configuration(fmt.Errorf("command name is required"), "command_name_missing")
	case strings.EqualFold(name, ReservedName):
		return coreerrors.Configuration(fmt.Errorf("command name %q is reserved for the chain document", s.Name), "command_name_reserved")
	case !namePattern.MatchString(name):
		return coreerrors.Configuration(fmt.Errorf("command name %q must match %s", s.Name, namePattern), "command_name_invalid")
	case strings.TrimSpace(s.Command) == "":
		return coreerrors.Configuration(fmt.Errorf("command %q has no command text", s.Name), "command_text_missing")
	case s.Input.UsePrevious && strings.TrimSpace(s.Input.Path) != "":
		return coreerrors.Configuration(fmt.Errorf("command %q declares both an input path and use of the previous output", s.Name), "command_input_conflict")
	}
	return nil
}

// ValidateSequence checks an ordered list of specs as a whole.
func ValidateSequence(specs []CommandSpec) error {
	if len(specs) == 0 {
		return coreerrors.Configuration(fmt.Errorf("command policy declares no commands"), "command_policy_empty")
	}
	seen := make(map[string]int, len(specs))
	for index, spec := range specs {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("command %d: %w", index, err)
		}
		if first, ok := seen[spec.Name]; ok {
			return coreerrors.Configuration(
				fmt.Errorf("command %d: name %q already used by command %d", index, spec.Name, first),
				"command_name_duplicate",
			)
		}
		seen[spec.Name] = index
	}
	if specs[0].Input.UsePrevious {
		return coreerrors.Configuration(
			fmt.Errorf("command 0 (%s): use of the previous output requires a preceding command", specs[0].Name),
			"command_missing_predecessor",
		)
	}
	for index := 1; index < len(specs); index++ {
		if specs[index].Input.UsePrevious && strings.TrimSpace(specs[index-1].OutputPath) == "" {
			return coreerrors.Configuration(
				fmt.Errorf("command %d (%s): previous command %q declares no output", index, specs[index].Name, specs[index-1].Name),
				"command_predecessor_no_output",
			)
		}
	}
	return nil
}

type commandPolicyDocument struct {
	Commands []json.RawMessage `json:"commands"`
}

type taggedCommand struct {
	Name              string  `json:"name"`
	Command           string  `json:"command"`
	VerifyCommand     *string `json:"verify_command"`
	Input             *string `json:"input"`
	UsePreviousOutput bool    `json:"use_previous_output"`
	Output            *string `json:"output"`
}

// ParseCommandPolicy decodes a command policy document. Entries are either
// positional arrays [command, verify_command, name, input, use_previous_output,
// output] or tagged objects with the same fields.
func ParseCommandPolicy(data []byte) ([]CommandSpec, error) {
	if err := validate.ValidateEmbedded(schema.CommandPolicyV1, data); err != nil {
		return nil, coreerrors.Configuration(fmt.Errorf("command policy: %w", err), "command_policy_schema")
	}
	var document commandPolicyDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, coreerrors.Configuration(fmt.Errorf("decode command policy: %w", err), "command_policy_decode")
	}
	specs := make([]CommandSpec, 0, len(document.Commands))
	for index, raw := range document.Commands {
		spec, err := decodeCommand(raw)
		if err != nil {
			return nil, coreerrors.Configuration(fmt.Errorf("decode command %d: %w", index, err), "command_policy_decode")
		}
		specs = append(specs, spec)
	}
	if err := ValidateSequence(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func LoadCommandPolicy(path string) ([]CommandSpec, error) {
	// #nosec G304 -- policy path is explicit user input.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerrors.Configuration(fmt.Errorf("read command policy: %w", err), "command_policy_read")
	}
	return ParseCommandPolicy(data)
}

func decodeCommand(raw json.RawMessage) (CommandSpec, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return decodePositional(trimmed)
	}
	var tagged taggedCommand
	if err := json.Unmarshal(trimmed, &tagged); err != nil {
		return CommandSpec{}, err
	}
	return CommandSpec{
		Name:          strings.TrimSpace(tagged.Name),
		Command:       tagged.Command,
		VerifyCommand: deref(tagged.VerifyCommand),
		Input: InputSource{
			Path:        deref(tagged.Input),
			UsePrevious: tagged.UsePreviousOutput,
		},
		OutputPath: deref(tagged.Output),
	}, nil
}

func decodePositional(raw []byte) (CommandSpec, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return CommandSpec{}, err
	}
	if len(fields) != 6 {
		return CommandSpec{}, fmt.Errorf("positional command has %d fields, want 6", len(fields))
	}
	var (
		command     string
		verify      *string
		name        string
		input       *string
		usePrevious bool
		output      *string
	)
	targets := []any{&command, &verify, &name, &input, &usePrevious, &output}
	for index, target := range targets {
		if err := json.Unmarshal(fields[index], target); err != nil {
			return CommandSpec{}, fmt.Errorf("field %d: %w", index, err)
		}
	}
	return CommandSpec{
		Name:          strings.TrimSpace(name),
		Command:       command,
		VerifyCommand: deref(verify),
		Input:         InputSource{Path: deref(input), UsePrevious: usePrevious},
		OutputPath:    deref(output),
	}, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
