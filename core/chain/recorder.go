package chain

import (
	"fmt"
	"time"

	"github.com/davidahmann/provchain/core/artifact"
	"github.com/davidahmann/provchain/core/engine"
	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/jcs"
)

type Recorder struct {
	RunID           string
	ProducerVersion string
	Now             func() time.Time
}

// Finalize builds the chain document for records in order. Each tracked
// artifact type keeps one rolling digest; a step without that artifact
// contributes nothing to it.
func (r Recorder) Finalize(records []engine.StepRecord) (Document, error) {
	if r.RunID == "" {
		return Document{}, fmt.Errorf("chain: run id is required")
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	rolling := map[string]*artifact.Rolling{}
	for _, artifactType := range TrackedArtifacts {
		rolling[artifactType] = artifact.NewRolling()
	}
	application := make(map[string]Entry, len(records))
	for index, record := range records {
		if record.Sequence != index {
			return Document{}, fmt.Errorf("chain: record %d carries sequence %d", index, record.Sequence)
		}
		if record.Metadata.Path == "" || record.Metadata.Digest == "" {
			return Document{}, fmt.Errorf("chain: record %d has no metadata document", index)
		}
		entry := Entry{
			Sequence:           index,
			CmdName:            record.Name,
			UsesPreviousOutput: record.UsesPreviousOutput,
			MetadataPath:       record.Metadata.Path,
			MetadataHash:       record.Metadata.Digest,
		}
		rolling[ArtifactMetadata].Add(record.Metadata.Digest)
		if record.Output != nil {
			entry.OutputTarPath, entry.OutputTarHash = refFields(*record.Output)
			rolling[ArtifactOutputTar].Add(record.Output.Digest)
		}
		if record.Input != nil {
			entry.InputPath, entry.InputHash = refFields(*record.Input)
			rolling[ArtifactInput].Add(record.Input.Digest)
		}
		application[SequenceKey(index)] = entry
	}
	return Document{
		SchemaID:                SchemaID,
		SchemaVersion:           SchemaVersion,
		RunID:                   r.RunID,
		ProducerVersion:         r.ProducerVersion,
		Application:             application,
		CumulativeMetadataHash:  rolling[ArtifactMetadata].Sum(),
		CumulativeOutputTarHash: rolling[ArtifactOutputTar].Sum(),
		CumulativeInputHash:     rolling[ArtifactInput].Sum(),
		Timestamp:               now().UTC(),
	}, nil
}

// Write signs doc and stores it as DocumentFile in the run root.
func Write(store *artifact.Store, signer engine.DocumentSigner, doc Document) (artifact.Ref, error) {
	payload, err := jcs.Marshal(doc)
	if err != nil {
		return artifact.Ref{}, coreerrors.Wrap(fmt.Errorf("encode chain document: %w", err), coreerrors.CategoryInternalFailure, "chain_encode", "", false)
	}
	signed, err := signer.Sign(payload)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("sign chain document: %w", err)
	}
	raw, err := signed.MarshalJSON()
	if err != nil {
		return artifact.Ref{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "chain_encode", "", false)
	}
	ref, err := store.Put(DocumentFile, raw)
	if err != nil {
		return artifact.Ref{}, coreerrors.IO(err, "chain_write")
	}
	return ref, nil
}

func refFields(ref artifact.Ref) (*string, *string) {
	path, digest := ref.Path, ref.Digest
	return &path, &digest
}
