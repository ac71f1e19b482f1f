package chain

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/davidahmann/provchain/core/artifact"
	"github.com/davidahmann/provchain/core/engine"
	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/sign"
)

type Check string

const (
	CheckStructure         Check = "structure"
	CheckDocumentSignature Check = "document_signature"
	CheckIntegrity         Check = "artifact_integrity"
	CheckContinuity        Check = "handoff_continuity"
	CheckRolling           Check = "rolling_digest"
	CheckMetadata          Check = "metadata_signature"
)

// Failure pinpoints the first problem found. Sequence is -1 for problems
// that are not tied to one step.
type Failure struct {
	Check        Check  `json:"check"`
	Sequence     int    `json:"sequence"`
	ArtifactType string `json:"artifact_type,omitempty"`
	Path         string `json:"path,omitempty"`
	Reason       string `json:"reason"`
}

func (f Failure) String() string {
	if f.Sequence < 0 {
		return fmt.Sprintf("%s: %s", f.Check, f.Reason)
	}
	return fmt.Sprintf("%s: sequence %d %s %s: %s", f.Check, f.Sequence, f.ArtifactType, f.Path, f.Reason)
}

// Result is the trust outcome of a verification. A broken chain is a
// normal result, not an error.
type Result struct {
	OK           bool     `json:"ok"`
	RunID        string   `json:"run_id,omitempty"`
	StepsChecked int      `json:"steps_checked"`
	Failure      *Failure `json:"failure,omitempty"`
}

// Verifier recomputes a chain from the artifacts in Store.
type Verifier struct {
	Store *artifact.Store
	// CheckSignatures also verifies every step metadata document and
	// cross-checks it against the chain entry.
	CheckSignatures bool
}

type stepDigests map[string]string

// Verify runs, in order and stopping at the first failure: per-artifact
// integrity, hand-off continuity, rolling digest equality and, when
// enabled, step metadata signatures.
func (v Verifier) Verify(doc Document) Result {
	result := Result{RunID: doc.RunID}
	entries, err := doc.Entries()
	if err != nil {
		return fail(result, Failure{Check: CheckStructure, Sequence: -1, Reason: err.Error()})
	}
	if v.Store == nil {
		return fail(result, Failure{Check: CheckStructure, Sequence: -1, Reason: "no artifact store to verify against"})
	}

	digests := make([]stepDigests, len(entries))
	for index, entry := range entries {
		digests[index] = stepDigests{}
		for _, tracked := range trackedRefs(entry) {
			if tracked.path == nil {
				continue
			}
			if tracked.hash == nil {
				return fail(result, Failure{Check: CheckIntegrity, Sequence: index, ArtifactType: tracked.kind, Path: *tracked.path, Reason: "recorded path has no digest"})
			}
			actual, failure := v.digest(index, tracked.kind, *tracked.path)
			if failure != nil {
				return fail(result, *failure)
			}
			if !artifact.EqualDigest(actual, *tracked.hash) {
				return fail(result, Failure{
					Check:        CheckIntegrity,
					Sequence:     index,
					ArtifactType: tracked.kind,
					Path:         *tracked.path,
					Reason:       fmt.Sprintf("digest %s does not match recorded %s", actual, *tracked.hash),
				})
			}
			digests[index][tracked.kind] = actual
		}
		result.StepsChecked = index + 1
	}

	for index, entry := range entries {
		if !entry.UsesPreviousOutput {
			continue
		}
		if failure := checkContinuity(index, entries, digests); failure != nil {
			return fail(result, *failure)
		}
	}

	for _, artifactType := range TrackedArtifacts {
		rolling := artifact.NewRolling()
		for index := range entries {
			if digest, ok := digests[index][artifactType]; ok {
				rolling.Add(digest)
			}
		}
		if stored := doc.Cumulative(artifactType); !artifact.EqualDigest(rolling.Sum(), stored) {
			return fail(result, Failure{
				Check:        CheckRolling,
				Sequence:     -1,
				ArtifactType: artifactType,
				Reason:       fmt.Sprintf("recomputed %s does not match stored %s", rolling.Sum(), stored),
			})
		}
	}

	if v.CheckSignatures {
		for index, entry := range entries {
			if failure := v.checkMetadata(index, entry); failure != nil {
				return fail(result, *failure)
			}
		}
	}
	result.OK = true
	return result
}

// VerifyFile verifies the chain document at path, then the chain it
// describes. The run root defaults to the document's directory. Unreadable
// or malformed documents are errors; a forged document is a failed result.
func (v Verifier) VerifyFile(path string) (Result, error) {
	// #nosec G304 -- chain path is explicit user input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, coreerrors.IO(fmt.Errorf("read chain document: %w", err), "chain_read")
	}
	doc, err := ParseDocument(raw)
	if err != nil {
		return Result{}, err
	}
	ok, err := sign.VerifyDocument(raw)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return fail(Result{RunID: doc.RunID}, Failure{Check: CheckDocumentSignature, Sequence: -1, Path: path, Reason: "chain document signature does not match its content"}), nil
	}
	if v.Store == nil {
		store, err := artifact.NewStore(filepath.Dir(path))
		if err != nil {
			return Result{}, coreerrors.IO(err, "chain_store")
		}
		v.Store = store
	}
	return v.Verify(doc), nil
}

func checkContinuity(index int, entries []Entry, digests []stepDigests) *Failure {
	entry := entries[index]
	if index == 0 {
		return &Failure{Check: CheckContinuity, Sequence: index, ArtifactType: ArtifactInput, Reason: "first step cannot consume a previous output"}
	}
	input, ok := digests[index][ArtifactInput]
	if !ok {
		return &Failure{Check: CheckContinuity, Sequence: index, ArtifactType: ArtifactInput, Reason: "declared hand-off has no input artifact"}
	}
	output, ok := digests[index-1][ArtifactOutputTar]
	if !ok {
		return &Failure{Check: CheckContinuity, Sequence: index, ArtifactType: ArtifactInput, Path: deref(entry.InputPath), Reason: "previous step recorded no output archive"}
	}
	if !artifact.EqualDigest(input, output) {
		return &Failure{
			Check:        CheckContinuity,
			Sequence:     index,
			ArtifactType: ArtifactInput,
			Path:         deref(entry.InputPath),
			Reason:       fmt.Sprintf("input %s does not match previous output %s", input, output),
		}
	}
	return nil
}

func (v Verifier) checkMetadata(index int, entry Entry) *Failure {
	failure := func(reason string) *Failure {
		return &Failure{Check: CheckMetadata, Sequence: index, ArtifactType: ArtifactMetadata, Path: entry.MetadataPath, Reason: reason}
	}
	raw, err := v.Store.Get(entry.MetadataPath)
	if err != nil {
		return failure(err.Error())
	}
	ok, err := sign.VerifyDocument(raw)
	if err != nil {
		return failure(err.Error())
	}
	if !ok {
		return failure("signature does not match content")
	}
	metadata, err := engine.ReadMetadata(raw)
	if err != nil {
		return failure(err.Error())
	}
	app := metadata.Application
	switch {
	case app.Sequence != entry.Sequence:
		return failure(fmt.Sprintf("metadata records sequence %d", app.Sequence))
	case app.CmdName != entry.CmdName:
		return failure(fmt.Sprintf("metadata records command %q", app.CmdName))
	case app.UsesPreviousOutput != entry.UsesPreviousOutput:
		return failure("metadata disagrees on use of the previous output")
	case !sameOptional(app.OutputTarHash, entry.OutputTarHash):
		return failure("metadata records a different output archive digest")
	case !sameOptional(app.InputHash, entry.InputHash):
		return failure("metadata records a different input digest")
	}
	captures := []struct {
		kind   string
		path   string
		digest string
	}{
		{kind: ArtifactStdout, path: app.OutputPath, digest: app.OutputHash},
		{kind: ArtifactStderr, path: app.ErrPath, digest: app.ErrHash},
	}
	for _, capture := range captures {
		actual, digestFailure := v.digest(index, capture.kind, capture.path)
		if digestFailure != nil {
			digestFailure.Check = CheckMetadata
			return digestFailure
		}
		if !artifact.EqualDigest(actual, capture.digest) {
			return &Failure{
				Check:        CheckMetadata,
				Sequence:     index,
				ArtifactType: capture.kind,
				Path:         capture.path,
				Reason:       fmt.Sprintf("digest %s does not match recorded %s", actual, capture.digest),
			}
		}
	}
	return nil
}

func (v Verifier) digest(index int, kind string, path string) (string, *Failure) {
	actual, err := v.Store.Digest(path)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, fs.ErrNotExist) {
			reason = "artifact is missing"
		}
		return "", &Failure{Check: CheckIntegrity, Sequence: index, ArtifactType: kind, Path: path, Reason: reason}
	}
	return actual, nil
}

type trackedRef struct {
	kind string
	path *string
	hash *string
}

func trackedRefs(entry Entry) []trackedRef {
	metadataPath, metadataHash := entry.MetadataPath, entry.MetadataHash
	return []trackedRef{
		{kind: ArtifactMetadata, path: &metadataPath, hash: &metadataHash},
		{kind: ArtifactOutputTar, path: entry.OutputTarPath, hash: entry.OutputTarHash},
		{kind: ArtifactInput, path: entry.InputPath, hash: entry.InputHash},
	}
}

func fail(result Result, failure Failure) Result {
	result.OK = false
	result.Failure = &failure
	return result
}

func sameOptional(first, second *string) bool {
	if first == nil || second == nil {
		return first == nil && second == nil
	}
	return artifact.EqualDigest(*first, *second)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
