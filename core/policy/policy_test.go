package policy

import (
	"path/filepath"
	"testing"

	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandPolicyPositionalAndTagged(t *testing.T) {
	doc := `{"commands":[
		["make build", "test -f dist/app", "build", "src.tar", false, "dist"],
		{"name": "package", "command": "tar cf pkg.tar .", "use_previous_output": true, "output": "pkg.tar"},
		["echo done", null, "report", null, false, null]
	]}`
	specs, err := ParseCommandPolicy([]byte(doc))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, CommandSpec{
		Name:          "build",
		Command:       "make build",
		VerifyCommand: "test -f dist/app",
		Input:         InputSource{Path: "src.tar"},
		OutputPath:    "dist",
	}, specs[0])
	assert.Equal(t, "package", specs[1].Name)
	assert.True(t, specs[1].Input.UsePrevious)
	assert.Equal(t, "pkg.tar", specs[1].OutputPath)
	assert.False(t, specs[2].Input.Declared())
	assert.Empty(t, specs[2].VerifyCommand)
}

func TestParseCommandPolicyRejectsBeforeExecution(t *testing.T) {
	cases := map[string]struct {
		doc  string
		code string
	}{
		"schema":        {doc: `{"commands":[["echo",null,"a"]]}`, code: "command_policy_schema"},
		"not_json":      {doc: `{"commands":`, code: "command_policy_schema"},
		"reserved":      {doc: `{"commands":[["echo",null,"main",null,false,null]]}`, code: "command_name_reserved"},
		"reserved_case": {doc: `{"commands":[["echo",null,"MAIN",null,false,null]]}`, code: "command_name_reserved"},
		"bad_name":      {doc: `{"commands":[["echo",null,"../up",null,false,null]]}`, code: "command_name_invalid"},
		"duplicate":     {doc: `{"commands":[["echo",null,"a",null,false,null],["echo",null,"a",null,false,null]]}`, code: "command_name_duplicate"},
		"first_uses_previous": {
			doc:  `{"commands":[["echo",null,"a",null,true,null]]}`,
			code: "command_missing_predecessor",
		},
		"predecessor_no_output": {
			doc:  `{"commands":[["echo nothing",null,"build",null,false,null],["cat",null,"test",null,true,null]]}`,
			code: "command_predecessor_no_output",
		},
		"input_conflict": {
			doc:  `{"commands":[["echo",null,"a",null,false,"out"],["cat",null,"b","x.txt",true,null]]}`,
			code: "command_input_conflict",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCommandPolicy([]byte(tc.doc))
			require.Error(t, err)
			assert.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
			assert.Equal(t, tc.code, coreerrors.CodeOf(err))
		})
	}
}

func TestValidateSequenceEmpty(t *testing.T) {
	err := ValidateSequence(nil)
	require.Error(t, err)
	assert.Equal(t, "command_policy_empty", coreerrors.CodeOf(err))
}

func TestCommandSpecValidate(t *testing.T) {
	require.NoError(t, CommandSpec{Name: "unit-tests_1.0", Command: "go test"}.Validate())
	assert.Equal(t, "command_name_missing", coreerrors.CodeOf(CommandSpec{Name: " ", Command: "x"}.Validate()))
	assert.Equal(t, "command_text_missing", coreerrors.CodeOf(CommandSpec{Name: "a", Command: " "}.Validate()))
}

func TestCommandSpecValidateRejectsPaddedName(t *testing.T) {
	err := CommandSpec{Name: " build", Command: "make"}.Validate()
	require.Error(t, err)
	assert.Equal(t, "command_name_invalid", coreerrors.CodeOf(err))
	assert.Equal(t, "command_name_invalid", coreerrors.CodeOf(CommandSpec{Name: "build ", Command: "make"}.Validate()))
}

func TestParseCommandPolicyTrimsNames(t *testing.T) {
	doc := `{"commands":[
		["make", null, " build", null, false, "dist"],
		{"name": "test ", "command": "make test", "use_previous_output": true}
	]}`
	specs, err := ParseCommandPolicy([]byte(doc))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "build", specs[0].Name)
	assert.Equal(t, "test", specs[1].Name)

	_, err = ParseCommandPolicy([]byte(`{"commands":[["make",null," a",null,false,null],["make",null,"a ",null,false,null]]}`))
	require.Error(t, err)
	assert.Equal(t, "command_name_duplicate", coreerrors.CodeOf(err))
}

func TestValidateSequencePredecessorWithoutOutput(t *testing.T) {
	err := ValidateSequence([]CommandSpec{
		{Name: "build", Command: "echo nothing"},
		{Name: "test", Command: "cat", Input: InputSource{UsePrevious: true}},
	})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
	assert.Equal(t, "command_predecessor_no_output", coreerrors.CodeOf(err))

	require.NoError(t, ValidateSequence([]CommandSpec{
		{Name: "build", Command: "echo built", OutputPath: "dist"},
		{Name: "test", Command: "cat", Input: InputSource{UsePrevious: true}},
	}))
}

func TestLoadCommandPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	testutil.WriteFile(t, path, []byte(`{"commands":[{"name":"greet","command":"echo hi"}]}`))
	specs, err := LoadCommandPolicy(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "greet", specs[0].Name)

	_, err = LoadCommandPolicy(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Equal(t, "command_policy_read", coreerrors.CodeOf(err))
}

func TestParseConstraintPolicy(t *testing.T) {
	doc := `{
		"constraints": {
			"return_code": 0,
			"cpu_arch": "arm64",
			"os": {"kernel": "Linux", "release": null, "version": ""},
			"command_flags": ["--locked", " -v "]
		},
		"supplied_data": {"word_lists": {"success": ["green"], "failure": [], "warning": null}}
	}`
	constraints, err := ParseConstraintPolicy([]byte(doc))
	require.NoError(t, err)

	require.NotNil(t, constraints.ReturnCode)
	assert.Equal(t, 0, *constraints.ReturnCode)
	assert.Equal(t, "arm64", constraints.CPUArch)
	assert.Equal(t, OSConstraints{Kernel: "Linux"}, constraints.OS)
	assert.Equal(t, []string{"--locked", "-v"}, constraints.CommandFlags)
	assert.Equal(t, []string{"green"}, constraints.WordLists.Success)
	assert.Empty(t, constraints.WordLists.Failure)
}

func TestParseConstraintPolicyEmptyDocument(t *testing.T) {
	constraints, err := ParseConstraintPolicy([]byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, constraints.ReturnCode)
	assert.Empty(t, constraints.CPUArch)
	assert.Empty(t, constraints.CommandFlags)
}

func TestParseConstraintPolicyRejectsInvalid(t *testing.T) {
	_, err := ParseConstraintPolicy([]byte(`{"constraints":{"return_code":"0"}}`))
	require.Error(t, err)
	assert.Equal(t, "constraint_policy_schema", coreerrors.CodeOf(err))

	_, err = LoadConstraintPolicy(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Equal(t, "constraint_policy_read", coreerrors.CodeOf(err))
}
