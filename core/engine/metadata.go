package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/davidahmann/provchain/core/artifact"
	"github.com/davidahmann/provchain/core/envsnap"
	"github.com/davidahmann/provchain/core/jcs"
	"github.com/davidahmann/provchain/core/scan"
)

const (
	MetadataSchemaID      = "provchain.step"
	MetadataSchemaVersion = "1.0.0"
	MetadataFile          = "metadata.json"
)

// Metadata is the payload of a step's signed metadata document.
type Metadata struct {
	SchemaID      string      `json:"schema_id"`
	SchemaVersion string      `json:"schema_version"`
	Application   Application `json:"application"`
	Variables     Variables   `json:"variables"`
	OutputData    scan.Result `json:"output_data"`
	ErrData       scan.Result `json:"err_data"`
}

type Application struct {
	Sequence            int      `json:"sequence"`
	CmdName             string   `json:"cmd_name"`
	Command             string   `json:"command"`
	ReturnCode          int      `json:"return_code"`
	TimedOut            bool     `json:"timed_out"`
	UsesPreviousOutput  bool     `json:"uses_previous_output"`
	InputPath           *string  `json:"input_path"`
	InputHash           *string  `json:"input_hash"`
	OutputTarPath       *string  `json:"output_tar_path"`
	OutputTarHash       *string  `json:"output_tar_hash"`
	OutputPath          string   `json:"output_path"`
	OutputHash          string   `json:"output_hash"`
	ErrPath             string   `json:"err_path"`
	ErrHash             string   `json:"err_hash"`
	VerifyCmd           *string  `json:"verify_cmd"`
	VerifyCmdRan        bool     `json:"verify_cmd_ran"`
	VerifyCmdReturnCode *int     `json:"verify_cmd_return_code"`
	VerifyCmdPassed     bool     `json:"verify_cmd_passed"`
	VerifyCmdOutput     string   `json:"verify_cmd_output"`
	StagingErrors       []string `json:"staging_errors"`
}

type Variables struct {
	OS          envsnap.OSInfo `json:"os"`
	Hostname    string         `json:"hostname"`
	CPUArch     string         `json:"cpu_arch"`
	User        string         `json:"user"`
	Cwd         string         `json:"cwd"`
	Timestamp   time.Time      `json:"timestamp"`
	ToolVersion string         `json:"tool_version"`
}

// MetadataFor projects a record onto its metadata document payload.
func MetadataFor(record StepRecord) Metadata {
	stagingErrors := record.StagingErrors
	if stagingErrors == nil {
		stagingErrors = []string{}
	}
	app := Application{
		Sequence:            record.Sequence,
		CmdName:             record.Name,
		Command:             record.Command,
		ReturnCode:          record.ReturnCode,
		TimedOut:            record.TimedOut,
		UsesPreviousOutput:  record.UsesPreviousOutput,
		OutputPath:          record.Stdout.Path,
		OutputHash:          record.Stdout.Digest,
		ErrPath:             record.Stderr.Path,
		ErrHash:             record.Stderr.Digest,
		VerifyCmdRan:        record.Verify.Ran,
		VerifyCmdReturnCode: record.Verify.ReturnCode,
		VerifyCmdPassed:     record.Verify.Passed,
		VerifyCmdOutput:     record.Verify.CapturedText,
		StagingErrors:       stagingErrors,
	}
	app.InputPath, app.InputHash = refFields(record.Input)
	app.OutputTarPath, app.OutputTarHash = refFields(record.Output)
	if record.Verify.Command != "" {
		verify := record.Verify.Command
		app.VerifyCmd = &verify
	}
	env := record.Environment
	return Metadata{
		SchemaID:      MetadataSchemaID,
		SchemaVersion: MetadataSchemaVersion,
		Application:   app,
		Variables: Variables{
			OS:          env.OS,
			Hostname:    env.Hostname,
			CPUArch:     env.CPUArch,
			User:        env.User,
			Cwd:         env.Cwd,
			Timestamp:   env.Timestamp,
			ToolVersion: env.ToolVersion,
		},
		OutputData: record.StdoutScan,
		ErrData:    record.StderrScan,
	}
}

// MetadataPayload is the canonical JSON of MetadataFor(record).
func MetadataPayload(record StepRecord) ([]byte, error) {
	payload, err := jcs.Marshal(MetadataFor(record))
	if err != nil {
		return nil, fmt.Errorf("encode step metadata: %w", err)
	}
	return payload, nil
}

// ReadMetadata decodes the payload members of a metadata document.
func ReadMetadata(raw []byte) (Metadata, error) {
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("decode step metadata: %w", err)
	}
	if metadata.SchemaID != MetadataSchemaID {
		return Metadata{}, fmt.Errorf("unexpected step metadata schema_id %q", metadata.SchemaID)
	}
	return metadata, nil
}

func refFields(ref *artifact.Ref) (*string, *string) {
	if ref == nil {
		return nil, nil
	}
	path, digest := ref.Path, ref.Digest
	return &path, &digest
}
