// Package engine runs command specs in order, hands each step's output
// archive to the next step, and records every step as a signed metadata
// document inside the run's artifact store.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/provchain/core/artifact"
	"github.com/davidahmann/provchain/core/constraint"
	"github.com/davidahmann/provchain/core/envsnap"
	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/policy"
	"github.com/davidahmann/provchain/core/scan"
	"github.com/davidahmann/provchain/core/sign"
)

const (
	EnvStepDir  = "PROVCHAIN_STEP_DIR"
	EnvInputDir = "PROVCHAIN_INPUT_DIR"

	stdoutFile = "stdout.txt"
	stderrFile = "stderr.txt"
	workDir    = "work"
)

// DocumentSigner signs a JSON object payload.
type DocumentSigner interface {
	Sign(payload []byte) (sign.SignedDocument, error)
}

type Options struct {
	Store       *artifact.Store
	Signer      DocumentSigner
	Constraints policy.Constraints
	Runner      Runner
	Capture     envsnap.Capturer
	// WorkDir is where commands run and where relative input and output
	// paths resolve. Defaults to the process working directory.
	WorkDir     string
	Timeout     time.Duration
	ToolVersion string
	Logger      *slog.Logger
	// OnStepStart is called before each step runs. An error aborts the run
	// before that step.
	OnStepStart func(index int, spec policy.CommandSpec) error
}

type Engine struct {
	store       *artifact.Store
	signer      DocumentSigner
	constraints policy.Constraints
	scanner     *scan.Scanner
	runner      Runner
	capture     envsnap.Capturer
	workDir     string
	timeout     time.Duration
	logger      *slog.Logger
	onStepStart func(index int, spec policy.CommandSpec) error
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: artifact store is required")
	}
	if opts.Signer == nil {
		return nil, fmt.Errorf("engine: signer is required")
	}
	dir := strings.TrimSpace(opts.WorkDir)
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("engine: resolve working directory: %w", err)
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve working directory: %w", err)
	}
	runner := opts.Runner
	if runner == nil {
		runner = ShellRunner{}
	}
	capture := opts.Capture
	if capture == nil {
		capture = envsnap.HostCapturer(opts.ToolVersion, dir)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       opts.Store,
		signer:      opts.Signer,
		constraints: opts.Constraints,
		scanner:     scan.New(opts.Constraints.WordLists),
		runner:      runner,
		capture:     capture,
		workDir:     dir,
		timeout:     opts.Timeout,
		logger:      logger,
		onStepStart: opts.OnStepStart,
	}, nil
}

// Run executes specs strictly in order. A command's own failure is recorded
// and the run continues; a configuration error or constraint violation
// stops the run and the records finalized so far are returned with it.
func (e *Engine) Run(ctx context.Context, specs []policy.CommandSpec) ([]StepRecord, error) {
	if err := policy.ValidateSequence(specs); err != nil {
		return nil, err
	}
	records := make([]StepRecord, 0, len(specs))
	for index, spec := range specs {
		var previous *StepRecord
		if index > 0 {
			previous = &records[index-1]
		}
		if e.onStepStart != nil {
			if err := e.onStepStart(index, spec); err != nil {
				return records, fmt.Errorf("step %d (%s): %w", index, spec.Name, err)
			}
		}
		record, err := e.runStep(ctx, index, spec, previous)
		if err != nil {
			return records, fmt.Errorf("step %d (%s): %w", index, spec.Name, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (e *Engine) runStep(ctx context.Context, index int, spec policy.CommandSpec, previous *StepRecord) (StepRecord, error) {
	logger := e.logger.With("sequence", index, "step", spec.Name)
	stepDir := artifact.StepDir(index, spec.Name)
	absStepDir, err := e.store.MkdirAll(stepDir)
	if err != nil {
		return StepRecord{}, coreerrors.IO(err, "step_dir_create")
	}
	environment, err := e.capture()
	if err != nil {
		return StepRecord{}, coreerrors.IO(err, "environment_capture")
	}
	record := StepRecord{
		Sequence:           index,
		Name:               spec.Name,
		Command:            spec.Command,
		UsesPreviousOutput: spec.Input.UsePrevious,
		Environment:        environment,
		StagingErrors:      []string{},
	}
	logger.Info("step started", "command", spec.Command)

	source, err := e.resolveInput(index, spec, previous)
	if err != nil {
		return StepRecord{}, err
	}
	if source.missing != "" {
		e.stagingError(&record, logger, source.missing)
	}
	staged := e.stageInput(&record, stepDir, source, logger)

	env := []string{EnvStepDir + "=" + absStepDir}
	if staged.unpackDir != "" {
		env = append(env, EnvInputDir+"="+staged.unpackDir)
	}
	invocation := Invocation{
		Command: spec.Command,
		Dir:     e.workDir,
		Env:     env,
		Timeout: e.timeout,
	}
	if staged.stdinPath != "" {
		stdin, openErr := os.Open(staged.stdinPath)
		if openErr != nil {
			return StepRecord{}, coreerrors.IO(fmt.Errorf("open staged input: %w", openErr), "input_open")
		}
		defer func() {
			_ = stdin.Close()
		}()
		invocation.Stdin = stdin
	}
	outcome, err := e.runner.Run(ctx, invocation)
	if err != nil {
		return StepRecord{}, coreerrors.IO(err, "command_run")
	}
	record.ReturnCode = outcome.ReturnCode
	record.TimedOut = outcome.TimedOut
	if outcome.TimedOut {
		logger.Warn("command timed out", "timeout", e.timeout)
	}

	if record.Stdout, err = e.store.Put(artifact.Join(stepDir, stdoutFile), outcome.Stdout); err != nil {
		return StepRecord{}, coreerrors.IO(err, "stdout_write")
	}
	if record.Stderr, err = e.store.Put(artifact.Join(stepDir, stderrFile), outcome.Stderr); err != nil {
		return StepRecord{}, coreerrors.IO(err, "stderr_write")
	}

	if spec.VerifyCommand != "" {
		record.Verify, err = e.runVerify(ctx, spec.VerifyCommand, env)
		if err != nil {
			return StepRecord{}, err
		}
	}

	if spec.OutputPath != "" {
		e.archiveOutput(&record, stepDir, spec, logger)
	}

	// Scanning is advisory: a scan problem is recorded, never fatal.
	if record.StdoutScan, err = e.scanner.ScanReader(bytes.NewReader(outcome.Stdout)); err != nil {
		e.stagingError(&record, logger, fmt.Sprintf("stdout scan: %v", err))
	}
	if record.StderrScan, err = e.scanner.ScanReader(bytes.NewReader(outcome.Stderr)); err != nil {
		e.stagingError(&record, logger, fmt.Sprintf("stderr scan: %v", err))
	}

	subject := constraint.Subject{ReturnCode: record.ReturnCode, Command: record.Command, Environment: record.Environment}
	if err := constraint.Validate(subject, e.constraints); err != nil {
		logger.Error("constraint violated", "error", err)
		return StepRecord{}, err
	}

	if record.Metadata, err = e.writeMetadata(stepDir, record); err != nil {
		return StepRecord{}, err
	}
	logger.Info("step finished",
		"return_code", record.ReturnCode,
		"staging_errors", len(record.StagingErrors),
		"duration", outcome.Duration,
	)
	return record, nil
}

// inputSource is the resolved input. missing is set when a declared
// hand-off has nothing to hand over.
type inputSource struct {
	path    string
	archive bool
	missing string
}

func (e *Engine) resolveInput(index int, spec policy.CommandSpec, previous *StepRecord) (inputSource, error) {
	switch {
	case spec.Input.UsePrevious:
		if index == 0 || previous == nil {
			return inputSource{}, coreerrors.Configuration(
				fmt.Errorf("use of the previous output requires a preceding command"),
				"command_missing_predecessor",
			)
		}
		if previous.Output == nil {
			return inputSource{missing: fmt.Sprintf("input: previous command %q produced no output archive", previous.Name)}, nil
		}
		absolute, err := e.store.Abs(previous.Output.Path)
		if err != nil {
			return inputSource{}, coreerrors.IO(err, "input_resolve")
		}
		return inputSource{path: absolute, archive: true}, nil
	case spec.Input.Path != "":
		return inputSource{path: e.resolve(spec.Input.Path), archive: artifact.IsArchive(spec.Input.Path)}, nil
	default:
		return inputSource{}, nil
	}
}

type stagedInput struct {
	stdinPath string
	unpackDir string
}

// stageInput copies the input into the step directory and unpacks archives.
// Failures are recorded on the record and never abort the step.
func (e *Engine) stageInput(record *StepRecord, stepDir string, source inputSource, logger *slog.Logger) stagedInput {
	if source.path == "" {
		return stagedInput{}
	}
	ext := filepath.Ext(source.path)
	if source.archive {
		ext = artifact.ArchiveExt
	}
	ref, err := e.store.PutFile(artifact.Join(stepDir, "input"+ext), source.path)
	if err != nil {
		e.stagingError(record, logger, fmt.Sprintf("input %s: %v", source.path, err))
		return stagedInput{}
	}
	record.Input = &ref
	staged, err := e.store.Abs(ref.Path)
	if err != nil {
		e.stagingError(record, logger, fmt.Sprintf("input %s: %v", ref.Path, err))
		return stagedInput{}
	}
	if !source.archive {
		return stagedInput{stdinPath: staged}
	}
	unpackDir, err := e.store.MkdirAll(artifact.Join(stepDir, workDir, record.Name))
	if err != nil {
		e.stagingError(record, logger, fmt.Sprintf("unpack %s: %v", ref.Path, err))
		return stagedInput{}
	}
	if err := artifact.Unpack(staged, unpackDir); err != nil {
		e.stagingError(record, logger, fmt.Sprintf("unpack %s: %v", ref.Path, err))
		return stagedInput{}
	}
	return stagedInput{unpackDir: unpackDir}
}

func (e *Engine) archiveOutput(record *StepRecord, stepDir string, spec policy.CommandSpec, logger *slog.Logger) {
	source := e.resolve(spec.OutputPath)
	if _, err := os.Stat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.stagingError(record, logger, fmt.Sprintf("output %s: declared output does not exist", spec.OutputPath))
			return
		}
		e.stagingError(record, logger, fmt.Sprintf("output %s: %v", spec.OutputPath, err))
		return
	}
	ref, err := e.store.PutArchive(artifact.Join(stepDir, spec.Name+artifact.ArchiveExt), source, filepath.Base(source))
	if err != nil {
		e.stagingError(record, logger, fmt.Sprintf("output %s: %v", spec.OutputPath, err))
		return
	}
	record.Output = &ref
}

func (e *Engine) runVerify(ctx context.Context, command string, env []string) (VerifyOutcome, error) {
	outcome, err := e.runner.Run(ctx, Invocation{
		Command: command,
		Dir:     e.workDir,
		Env:     env,
		Timeout: e.timeout,
	})
	if err != nil {
		return VerifyOutcome{}, coreerrors.IO(err, "verify_command_run")
	}
	returnCode := outcome.ReturnCode
	verify := VerifyOutcome{
		Command:    command,
		Ran:        true,
		ReturnCode: &returnCode,
		Passed:     returnCode == 0 && !outcome.TimedOut,
		TimedOut:   outcome.TimedOut,
	}
	if verify.Passed {
		verify.CapturedText = string(outcome.Stdout)
	} else {
		verify.CapturedText = string(outcome.Stderr)
	}
	return verify, nil
}

// writeMetadata signs the step's metadata document and stores it. It runs
// last so an interrupted step never leaves a metadata document behind.
func (e *Engine) writeMetadata(stepDir string, record StepRecord) (artifact.Ref, error) {
	payload, err := MetadataPayload(record)
	if err != nil {
		return artifact.Ref{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "metadata_encode", "", false)
	}
	doc, err := e.signer.Sign(payload)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("sign step metadata: %w", err)
	}
	raw, err := doc.MarshalJSON()
	if err != nil {
		return artifact.Ref{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "metadata_encode", "", false)
	}
	ref, err := e.store.Put(artifact.Join(stepDir, MetadataFile), raw)
	if err != nil {
		return artifact.Ref{}, coreerrors.IO(err, "metadata_write")
	}
	return ref, nil
}

func (e *Engine) stagingError(record *StepRecord, logger *slog.Logger, message string) {
	record.StagingErrors = append(record.StagingErrors, message)
	logger.Warn("staging error", "detail", message)
}

func (e *Engine) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workDir, path)
}
