// Package constraint checks a finished step against the constraint policy.
package constraint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/davidahmann/provchain/core/envsnap"
	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/policy"
)

const (
	FieldReturnCode  = "return_code"
	FieldCPUArch     = "cpu_arch"
	FieldOSKernel    = "os.kernel"
	FieldOSRelease   = "os.release"
	FieldOSVersion   = "os.version"
	FieldCommandFlag = "command_flags"
)

// Subject is what a step recorded: the command text, its exit status and
// the host it ran on.
type Subject struct {
	ReturnCode  int
	Command     string
	Environment envsnap.Snapshot
}

type Violation struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("constraint %s violated: expected %q, got %q", v.Field, v.Expected, v.Actual)
}

// Validate returns the first violated constraint, classified as a policy
// violation. Fields that the policy leaves empty are skipped.
func Validate(subject Subject, constraints policy.Constraints) error {
	if violation := firstViolation(subject, constraints); violation != nil {
		return coreerrors.Wrap(
			violation,
			coreerrors.CategoryPolicyViolation,
			"constraint_"+strings.ReplaceAll(violation.Field, ".", "_"),
			"the step ran outside the declared constraint policy",
			false,
		)
	}
	return nil
}

// AsViolation extracts the violation carried by err, if any.
func AsViolation(err error) (*Violation, bool) {
	var violation *Violation
	if errors.As(err, &violation) {
		return violation, true
	}
	return nil, false
}

func firstViolation(subject Subject, constraints policy.Constraints) *Violation {
	if constraints.ReturnCode != nil && *constraints.ReturnCode != subject.ReturnCode {
		return &Violation{
			Field:    FieldReturnCode,
			Expected: strconv.Itoa(*constraints.ReturnCode),
			Actual:   strconv.Itoa(subject.ReturnCode),
		}
	}
	env := subject.Environment
	checks := []struct {
		field    string
		expected string
		actual   string
	}{
		{field: FieldCPUArch, expected: constraints.CPUArch, actual: env.CPUArch},
		{field: FieldOSKernel, expected: constraints.OS.Kernel, actual: env.OS.Kernel},
		{field: FieldOSRelease, expected: constraints.OS.Release, actual: env.OS.Release},
		{field: FieldOSVersion, expected: constraints.OS.Version, actual: env.OS.Version},
	}
	for _, check := range checks {
		if check.expected != "" && check.expected != check.actual {
			return &Violation{Field: check.field, Expected: check.expected, Actual: check.actual}
		}
	}
	for _, flag := range constraints.CommandFlags {
		if flag != "" && !strings.Contains(subject.Command, flag) {
			return &Violation{Field: FieldCommandFlag, Expected: flag, Actual: subject.Command}
		}
	}
	return nil
}
