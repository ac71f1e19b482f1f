// Package pipeline drives a complete run: load policies, execute every
// step, record and sign the chain document, and log the outcome to the
// ledger. It also drives chain verification.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/provchain/core/artifact"
	"github.com/davidahmann/provchain/core/chain"
	"github.com/davidahmann/provchain/core/engine"
	"github.com/davidahmann/provchain/core/envsnap"
	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/ledger"
	"github.com/davidahmann/provchain/core/policy"
	"github.com/google/uuid"
)

type Options struct {
	// ArtifactsRoot holds one directory per run, named by run id.
	ArtifactsRoot   string
	Signer          engine.DocumentSigner
	Runner          engine.Runner
	Capture         envsnap.Capturer
	WorkDir         string
	Timeout         time.Duration
	ProducerVersion string
	// Ledger is optional.
	Ledger   *ledger.Ledger
	Logger   *slog.Logger
	Now      func() time.Time
	NewRunID func() (string, error)
}

// RunRequest names the commands to run. Specs take precedence over
// CommandPolicyPath; Constraints over ConstraintPolicyPath.
type RunRequest struct {
	Specs                []policy.CommandSpec
	CommandPolicyPath    string
	Constraints          *policy.Constraints
	ConstraintPolicyPath string
}

type RunResult struct {
	RunID     string              `json:"run_id"`
	RunRoot   string              `json:"run_root"`
	State     State               `json:"state"`
	Records   []engine.StepRecord `json:"steps"`
	Chain     artifact.Ref        `json:"chain"`
	ChainPath string              `json:"chain_path,omitempty"`
	History   []State             `json:"history"`
}

type VerifyResult struct {
	chain.Result
	State State `json:"state"`
}

type Pipeline struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	newID  func() (string, error)
}

func New(opts Options) (*Pipeline, error) {
	if strings.TrimSpace(opts.ArtifactsRoot) == "" {
		return nil, coreerrors.Configuration(fmt.Errorf("artifacts root is required"), "artifacts_root_missing")
	}
	if opts.Signer == nil {
		return nil, fmt.Errorf("pipeline: signer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewRunID
	if newID == nil {
		newID = newRunID
	}
	return &Pipeline{opts: opts, logger: logger, now: now, newID: newID}, nil
}

func newRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

// Run executes req and writes the signed chain document into a fresh run
// root. On error the returned result carries whatever was finalized before
// the failure; nothing already on disk is removed.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	started := p.now()
	runID, err := p.newID()
	if err != nil {
		return RunResult{}, err
	}
	logger := p.logger.With("run_id", runID)
	m := newMachine(func(from, to State) {
		logger.Debug("run state", "from", string(from), "to", string(to))
	})
	result := RunResult{RunID: runID, RunRoot: filepath.Join(p.opts.ArtifactsRoot, runID)}

	finish := func(err error) (RunResult, error) {
		result.State = m.state
		result.History = append([]State(nil), m.history...)
		p.record(ctx, logger, result, started, err)
		return result, err
	}

	if err := m.to(StateLoadingPolicy); err != nil {
		return finish(err)
	}
	specs, constraints, err := loadRequest(req)
	if err != nil {
		return finish(err)
	}

	store, err := artifact.NewStore(result.RunRoot)
	if err != nil {
		return finish(coreerrors.IO(err, "run_root_create"))
	}
	result.RunRoot = store.Root()
	eng, err := engine.New(engine.Options{
		Store:       store,
		Signer:      p.opts.Signer,
		Constraints: constraints,
		Runner:      p.opts.Runner,
		Capture:     p.opts.Capture,
		WorkDir:     p.opts.WorkDir,
		Timeout:     p.opts.Timeout,
		ToolVersion: p.opts.ProducerVersion,
		Logger:      logger,
		OnStepStart: func(int, policy.CommandSpec) error {
			return m.to(StateExecutingStep)
		},
	})
	if err != nil {
		return finish(err)
	}

	logger.Info("run started", "steps", len(specs), "run_root", result.RunRoot)
	records, err := eng.Run(ctx, specs)
	result.Records = records
	if err != nil {
		return finish(err)
	}

	if err := m.to(StateFinalizing); err != nil {
		return finish(err)
	}
	recorder := chain.Recorder{RunID: runID, ProducerVersion: p.opts.ProducerVersion, Now: p.now}
	doc, err := recorder.Finalize(records)
	if err != nil {
		return finish(err)
	}
	ref, err := chain.Write(store, p.opts.Signer, doc)
	if err != nil {
		return finish(err)
	}
	result.Chain = ref
	if result.ChainPath, err = store.Abs(ref.Path); err != nil {
		return finish(coreerrors.IO(err, "chain_path"))
	}
	if err := m.to(StateSigned); err != nil {
		return finish(err)
	}
	logger.Info("run signed", "steps", len(records), "chain", result.ChainPath, "digest", ref.Digest)
	return finish(nil)
}

// Verify checks the chain document at chainPath against the artifacts in
// its directory. Trust failures end in CHAIN_BROKEN, not in an error.
func (p *Pipeline) Verify(ctx context.Context, chainPath string) (VerifyResult, error) {
	return Verify(ctx, chainPath, VerifyOptions{Ledger: p.opts.Ledger, Logger: p.logger, Now: p.now})
}

type VerifyOptions struct {
	Ledger *ledger.Ledger
	Logger *slog.Logger
	Now    func() time.Time
	// SkipMetadataSignatures disables the per-step metadata check.
	SkipMetadataSignatures bool
}

func Verify(ctx context.Context, chainPath string, opts VerifyOptions) (VerifyResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := newMachine(nil)
	if err := m.to(StateVerifying); err != nil {
		return VerifyResult{}, err
	}
	absolute, err := filepath.Abs(chainPath)
	if err != nil {
		return VerifyResult{State: m.state}, coreerrors.Configuration(fmt.Errorf("resolve chain path: %w", err), "chain_path_invalid")
	}
	verifier := chain.Verifier{CheckSignatures: !opts.SkipMetadataSignatures}
	result, err := verifier.VerifyFile(absolute)
	if err != nil {
		return VerifyResult{State: m.state}, err
	}
	next := StateVerified
	if !result.OK {
		next = StateChainBroken
	}
	if err := m.to(next); err != nil {
		return VerifyResult{State: m.state}, err
	}
	if result.OK {
		logger.Info("chain verified", "run_id", result.RunID, "steps", result.StepsChecked)
	} else {
		logger.Warn("chain broken", "run_id", result.RunID, "failure", result.Failure.String())
	}

	if opts.Ledger != nil {
		entry := ledger.VerificationEntry{
			RunID:        result.RunID,
			ChainPath:    absolute,
			VerifiedAt:   now(),
			OK:           result.OK,
			StepsChecked: result.StepsChecked,
		}
		if result.Failure != nil {
			entry.FailureCheck = string(result.Failure.Check)
			entry.FailureReason = result.Failure.Reason
			if result.Failure.Sequence >= 0 {
				sequence := result.Failure.Sequence
				entry.FailureSequence = &sequence
			}
		}
		if err := opts.Ledger.RecordVerification(ctx, entry); err != nil {
			logger.Warn("ledger update failed", "error", err)
		}
	}
	return VerifyResult{Result: result, State: m.state}, nil
}

func loadRequest(req RunRequest) ([]policy.CommandSpec, policy.Constraints, error) {
	specs := req.Specs
	if len(specs) == 0 {
		if strings.TrimSpace(req.CommandPolicyPath) == "" {
			return nil, policy.Constraints{}, coreerrors.Configuration(fmt.Errorf("no commands to run"), "command_policy_empty")
		}
		loaded, err := policy.LoadCommandPolicy(req.CommandPolicyPath)
		if err != nil {
			return nil, policy.Constraints{}, err
		}
		specs = loaded
	}
	if err := policy.ValidateSequence(specs); err != nil {
		return nil, policy.Constraints{}, err
	}
	var constraints policy.Constraints
	switch {
	case req.Constraints != nil:
		constraints = *req.Constraints
	case strings.TrimSpace(req.ConstraintPolicyPath) != "":
		loaded, err := policy.LoadConstraintPolicy(req.ConstraintPolicyPath)
		if err != nil {
			return nil, policy.Constraints{}, err
		}
		constraints = loaded
	}
	return specs, constraints, nil
}

// record writes the run outcome to the ledger. Ledger problems are logged,
// never returned: the chain on disk is the source of truth.
func (p *Pipeline) record(ctx context.Context, logger *slog.Logger, result RunResult, started time.Time, runErr error) {
	if runErr != nil {
		logger.Error("run aborted", "state", string(result.State), "steps", len(result.Records), "error", runErr)
	}
	if p.opts.Ledger == nil {
		return
	}
	entry := ledger.RunEntry{
		RunID:       result.RunID,
		StartedAt:   started,
		FinishedAt:  p.now(),
		RunRoot:     result.RunRoot,
		ChainPath:   result.ChainPath,
		ChainDigest: result.Chain.Digest,
		Steps:       len(result.Records),
		State:       string(result.State),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := p.opts.Ledger.RecordRun(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("ledger update failed", "error", err)
	}
}
