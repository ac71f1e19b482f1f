// Package chain aggregates step records into a signed chain document and
// re-verifies a persisted chain against the artifacts on disk.
package chain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/schema"
	"github.com/davidahmann/provchain/core/schema/validate"
)

const (
	SchemaID      = "provchain.chain"
	SchemaVersion = "1.0.0"
	// DocumentFile is the chain document's name inside the run root.
	DocumentFile = "main_metadata.json"

	ArtifactMetadata  = "metadata"
	ArtifactOutputTar = "output_tar"
	ArtifactInput     = "input"
	ArtifactStdout    = "stdout"
	ArtifactStderr    = "stderr"

	sequencePrefix = "sequence_"
)

// TrackedArtifacts are the artifact types with a rolling digest, in
// document order.
var TrackedArtifacts = []string{ArtifactMetadata, ArtifactOutputTar, ArtifactInput}

type Entry struct {
	Sequence           int     `json:"sequence"`
	CmdName            string  `json:"cmd_name"`
	UsesPreviousOutput bool    `json:"uses_previous_output"`
	MetadataPath       string  `json:"metadata_path"`
	MetadataHash       string  `json:"metadata_hash"`
	OutputTarPath      *string `json:"output_tar_path"`
	OutputTarHash      *string `json:"output_tar_hash"`
	InputPath          *string `json:"input_path"`
	InputHash          *string `json:"input_hash"`
}

// Document is the chain payload. Application is keyed "sequence_<i>".
type Document struct {
	SchemaID                string           `json:"schema_id"`
	SchemaVersion           string           `json:"schema_version"`
	RunID                   string           `json:"run_id"`
	ProducerVersion         string           `json:"producer_version"`
	Application             map[string]Entry `json:"application"`
	CumulativeMetadataHash  string           `json:"cumulative_metadata_hash"`
	CumulativeOutputTarHash string           `json:"cumulative_output_tar_hash"`
	CumulativeInputHash     string           `json:"cumulative_input_hash"`
	Timestamp               time.Time        `json:"timestamp"`
}

func SequenceKey(index int) string {
	return sequencePrefix + strconv.Itoa(index)
}

// Entries returns the entries in sequence order. Keys must run contiguously
// from sequence_0 and agree with each entry's own sequence number.
func (d Document) Entries() ([]Entry, error) {
	entries := make([]Entry, len(d.Application))
	seen := make([]bool, len(d.Application))
	for key, entry := range d.Application {
		index, err := strconv.Atoi(strings.TrimPrefix(key, sequencePrefix))
		if !strings.HasPrefix(key, sequencePrefix) || err != nil || index < 0 {
			return nil, fmt.Errorf("unexpected application key %q", key)
		}
		if index >= len(entries) {
			return nil, fmt.Errorf("application key %q leaves a gap in the sequence", key)
		}
		if entry.Sequence != index {
			return nil, fmt.Errorf("application key %q holds sequence %d", key, entry.Sequence)
		}
		entries[index] = entry
		seen[index] = true
	}
	for index, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("sequence %d is missing", index)
		}
	}
	return entries, nil
}

// Cumulative returns the stored rolling digest for a tracked artifact type.
func (d Document) Cumulative(artifactType string) string {
	switch artifactType {
	case ArtifactMetadata:
		return d.CumulativeMetadataHash
	case ArtifactOutputTar:
		return d.CumulativeOutputTarHash
	case ArtifactInput:
		return d.CumulativeInputHash
	default:
		return ""
	}
}

// ParseDocument validates raw against the chain schema and decodes it.
// Signing members, if present, are ignored.
func ParseDocument(raw []byte) (Document, error) {
	if err := validate.ValidateEmbedded(schema.ChainV1, raw); err != nil {
		return Document{}, coreerrors.Format(fmt.Errorf("chain document: %w", err), "chain_schema")
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, coreerrors.Format(fmt.Errorf("decode chain document: %w", err), "chain_decode")
	}
	return doc, nil
}
