package engine

import (
	"github.com/davidahmann/provchain/core/artifact"
	"github.com/davidahmann/provchain/core/envsnap"
	"github.com/davidahmann/provchain/core/scan"
)

// VerifyOutcome is tri-state: Ran=false means no verify command was
// declared; otherwise Passed reports a zero return code and CapturedText
// holds stdout on success and stderr on failure.
type VerifyOutcome struct {
	Command      string `json:"command,omitempty"`
	Ran          bool   `json:"ran"`
	ReturnCode   *int   `json:"return_code"`
	Passed       bool   `json:"passed"`
	TimedOut     bool   `json:"timed_out,omitempty"`
	CapturedText string `json:"captured_text"`
}

// StepRecord is everything recorded about one executed step. Artifact
// paths are relative to the run root.
type StepRecord struct {
	Sequence           int              `json:"sequence"`
	Name               string           `json:"name"`
	Command            string           `json:"command"`
	ReturnCode         int              `json:"return_code"`
	TimedOut           bool             `json:"timed_out"`
	UsesPreviousOutput bool             `json:"uses_previous_output"`
	Input              *artifact.Ref    `json:"input"`
	Output             *artifact.Ref    `json:"output"`
	Stdout             artifact.Ref     `json:"stdout"`
	Stderr             artifact.Ref     `json:"stderr"`
	Verify             VerifyOutcome    `json:"verify"`
	Environment        envsnap.Snapshot `json:"environment"`
	StdoutScan         scan.Result      `json:"stdout_scan"`
	StderrScan         scan.Result      `json:"stderr_scan"`
	StagingErrors      []string         `json:"staging_errors"`
	Metadata           artifact.Ref     `json:"metadata"`
}
