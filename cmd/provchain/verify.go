package main

import (
	"fmt"
	"os"

	"github.com/davidahmann/provchain/core/chain"
	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/jcs"
	"github.com/davidahmann/provchain/core/pipeline"
	"github.com/davidahmann/provchain/core/sign"
	"github.com/spf13/cobra"
)

type verifyOutput struct {
	OK           bool           `json:"ok"`
	Path         string         `json:"path"`
	RunID        string         `json:"run_id,omitempty"`
	State        string         `json:"state"`
	StepsChecked int            `json:"steps_checked"`
	Failure      *chain.Failure `json:"failure,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type verifyDocOutput struct {
	OK            bool   `json:"ok"`
	Path          string `json:"path"`
	KeyID         string `json:"keyid,omitempty"`
	Method        string `json:"method,omitempty"`
	PayloadDigest string `json:"payload_digest,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (a *app) verifyCommand() *cobra.Command {
	var skipMetadata bool
	cmd := &cobra.Command{
		Use:   "verify CHAIN",
		Short: "Verify a chain document against the artifacts of its run",
		Long: `Verify checks the chain document's signature, then the integrity of every
tracked artifact, hand-off continuity between steps, the rolling digests,
and the signed metadata of every step. The run directory is the directory
holding the chain document.

Exit code 2 means the chain is broken.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runLedger := a.optionalLedger()
			defer a.closeLedger(runLedger)
			result, err := pipeline.Verify(cmd.Context(), args[0], pipeline.VerifyOptions{
				Ledger:                 runLedger,
				Logger:                 a.logger,
				SkipMetadataSignatures: skipMetadata,
			})
			if err != nil {
				return err
			}
			output := verifyOutput{
				OK:           result.OK,
				Path:         args[0],
				RunID:        result.RunID,
				State:        string(result.State),
				StepsChecked: result.StepsChecked,
				Failure:      result.Failure,
			}
			if result.OK {
				a.report(output, fmt.Sprintf("verified run %s: %d steps\n", result.RunID, result.StepsChecked), exitOK)
				return nil
			}
			output.Error = result.Failure.String()
			a.report(output, fmt.Sprintf("chain broken: %s\n", result.Failure), exitVerifyFailed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipMetadata, "skip-metadata", false, "skip per-step metadata signature checks")
	return cmd
}

func (a *app) verifyDocCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-doc FILE",
		Short: "Verify the signature of a single signed document",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// #nosec G304 -- document path is explicit user input.
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return coreerrors.IO(fmt.Errorf("read document: %w", err), "document_read")
			}
			doc, err := sign.ParseDocument(raw)
			if err != nil {
				return err
			}
			ok, err := doc.Verify()
			if err != nil {
				return err
			}
			digest, err := jcs.DigestJCS(doc.Payload)
			if err != nil {
				return coreerrors.Format(err, "document_payload")
			}
			output := verifyDocOutput{OK: ok, Path: args[0], KeyID: doc.Signed.KeyID, Method: doc.Signatures.Method, PayloadDigest: digest}
			if ok {
				a.report(output, fmt.Sprintf("signature ok: %s (keyid %s)\n", args[0], doc.Signed.KeyID), exitOK)
				return nil
			}
			output.Error = "signature does not match document content"
			a.report(output, fmt.Sprintf("signature mismatch: %s\n", args[0]), exitVerifyFailed)
			return nil
		},
	}
}
