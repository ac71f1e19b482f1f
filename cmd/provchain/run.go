package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/provchain/core/engine"
	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/pipeline"
	"github.com/davidahmann/provchain/core/policy"
	"github.com/spf13/cobra"
)

type runFlags struct {
	input         string
	policyPath    string
	constraints   string
	name          string
	verifyCommand string
	output        string
	outDir        string
	timeout       time.Duration
	workDir       string
	noKeystore    bool
}

type runStepOutput struct {
	Sequence      int    `json:"sequence"`
	Name          string `json:"name"`
	ReturnCode    int    `json:"return_code"`
	TimedOut      bool   `json:"timed_out,omitempty"`
	Metadata      string `json:"metadata"`
	Output        string `json:"output_tar,omitempty"`
	StagingErrors int    `json:"staging_errors,omitempty"`
}

type runOutput struct {
	OK            bool            `json:"ok"`
	RunID         string          `json:"run_id,omitempty"`
	State         string          `json:"state,omitempty"`
	RunRoot       string          `json:"run_root,omitempty"`
	Chain         string          `json:"chain,omitempty"`
	ChainDigest   string          `json:"chain_digest,omitempty"`
	Steps         []runStepOutput `json:"steps,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorCategory string          `json:"error_category,omitempty"`
	Hint          string          `json:"hint,omitempty"`
}

func (a *app) runCommand() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [COMMAND]",
		Short: "Run a command, or every command in a policy, and sign the chain",
		Long: `Run executes commands in order, archives their declared outputs,
hands each archive to the next step when asked to, signs per-step metadata
and writes a signed chain document (main_metadata.json) into a fresh run
directory.

Example:
  provchain run --name build --output dist "make dist"
  provchain run --policy commands.json --constraints constraints.json`,
		Args: maximumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRun(cmd, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.input, "input", "", "input file or archive for a single command")
	cmd.Flags().StringVar(&flags.policyPath, "policy", "", "command policy document (JSON)")
	cmd.Flags().StringVar(&flags.constraints, "constraints", "", "constraint policy document (JSON)")
	cmd.Flags().StringVar(&flags.name, "name", "step", "name of a single command")
	cmd.Flags().StringVar(&flags.verifyCommand, "verify-command", "", "verify command for a single command")
	cmd.Flags().StringVar(&flags.output, "output", "", "output path archived after a single command")
	cmd.Flags().StringVar(&flags.outDir, "out-dir", "", "artifacts root; each run gets a subdirectory")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-command timeout (0 uses the config value)")
	cmd.Flags().StringVar(&flags.workDir, "workdir", "", "directory commands run in")
	cmd.Flags().BoolVar(&flags.noKeystore, "no-keystore", false, "do not record private keys in the keystore")
	return cmd
}

func (a *app) runRun(cmd *cobra.Command, flags *runFlags, args []string) error {
	request, err := runRequest(flags, args)
	if err != nil {
		return err
	}
	timeout := flags.timeout
	if timeout == 0 {
		if timeout, err = a.config.TimeoutDuration(); err != nil {
			return coreerrors.Configuration(err, "config_invalid")
		}
	}
	if timeout < 0 {
		return usageError(fmt.Errorf("--timeout must not be negative"))
	}
	signer, err := a.buildSigner(flags.noKeystore)
	if err != nil {
		return err
	}
	runLedger := a.optionalLedger()
	defer a.closeLedger(runLedger)

	p, err := pipeline.New(pipeline.Options{
		ArtifactsRoot:   firstNonEmpty(flags.outDir, a.config.Artifacts.Root, defaultArtifactsRoot),
		Signer:          signer,
		Runner:          engine.ShellRunner{Shell: a.config.Execution.Shell},
		WorkDir:         firstNonEmpty(flags.workDir, a.config.Execution.WorkDir),
		Timeout:         timeout,
		ProducerVersion: version,
		Ledger:          runLedger,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	result, err := p.Run(ctx, request)
	output := runOutputFor(result)
	if err != nil {
		failure := errorOutputFor(err)
		output.Error = failure.Error
		output.ErrorCode = failure.ErrorCode
		output.ErrorCategory = failure.ErrorCategory
		output.Hint = failure.Hint
		if a.jsonOutput {
			a.report(output, "", exitCodeForError(err, exitInternalFailure))
			return nil
		}
		return err
	}
	output.OK = true
	a.report(output, renderRun(output), exitOK)
	return nil
}

func runRequest(flags *runFlags, args []string) (pipeline.RunRequest, error) {
	request := pipeline.RunRequest{ConstraintPolicyPath: strings.TrimSpace(flags.constraints)}
	policyPath := strings.TrimSpace(flags.policyPath)
	switch {
	case policyPath != "" && len(args) > 0:
		return request, usageError(fmt.Errorf("pass either a command or --policy, not both"))
	case policyPath != "":
		if flags.input != "" || flags.verifyCommand != "" || flags.output != "" {
			return request, usageError(fmt.Errorf("--input, --verify-command and --output apply to a single command; declare them in the policy instead"))
		}
		request.CommandPolicyPath = policyPath
	case len(args) == 1:
		request.Specs = []policy.CommandSpec{{
			Name:          strings.TrimSpace(flags.name),
			Command:       args[0],
			VerifyCommand: flags.verifyCommand,
			Input:         policy.InputSource{Path: strings.TrimSpace(flags.input)},
			OutputPath:    strings.TrimSpace(flags.output),
		}}
	default:
		return request, usageError(fmt.Errorf("a command or --policy is required"))
	}
	return request, nil
}

func runOutputFor(result pipeline.RunResult) runOutput {
	output := runOutput{
		RunID:       result.RunID,
		State:       string(result.State),
		RunRoot:     result.RunRoot,
		Chain:       result.ChainPath,
		ChainDigest: result.Chain.Digest,
	}
	for _, record := range result.Records {
		step := runStepOutput{
			Sequence:      record.Sequence,
			Name:          record.Name,
			ReturnCode:    record.ReturnCode,
			TimedOut:      record.TimedOut,
			Metadata:      record.Metadata.Path,
			StagingErrors: len(record.StagingErrors),
		}
		if record.Output != nil {
			step.Output = record.Output.Path
		}
		output.Steps = append(output.Steps, step)
	}
	return output
}

func renderRun(output runOutput) string {
	var builder strings.Builder
	for _, step := range output.Steps {
		status := fmt.Sprintf("rc=%d", step.ReturnCode)
		if step.TimedOut {
			status += " timed out"
		}
		if step.StagingErrors > 0 {
			status += fmt.Sprintf(" staging_errors=%d", step.StagingErrors)
		}
		fmt.Fprintf(&builder, "%03d %-16s %s\n", step.Sequence, step.Name, status)
	}
	fmt.Fprintf(&builder, "run %s signed\nchain: %s\n", output.RunID, output.Chain)
	return builder.String()
}
