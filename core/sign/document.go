package sign

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/jcs"
)

const (
	fieldSigned     = "signed"
	fieldSignatures = "signatures"
)

// SignedKey describes the key a document was signed with. PrivateKey is
// always empty outside the signer.
type SignedKey struct {
	KeyType    string `json:"keytype"`
	KeyID      string `json:"keyid"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

type DocumentSignature struct {
	KeyID  string `json:"keyid"`
	Method string `json:"method"`
	Sig    string `json:"sig"`
}

// SignedDocument is a JSON object payload with its signing key and
// signature merged in as the "signed" and "signatures" members.
type SignedDocument struct {
	Payload    json.RawMessage
	Signed     SignedKey
	Signatures DocumentSignature
}

// MarshalJSON emits the canonical form of the merged object.
func (d SignedDocument) MarshalJSON() ([]byte, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(d.Payload, &object); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if object == nil {
		object = map[string]json.RawMessage{}
	}
	signed, err := json.Marshal(d.Signed)
	if err != nil {
		return nil, err
	}
	signatures, err := json.Marshal(d.Signatures)
	if err != nil {
		return nil, err
	}
	object[fieldSigned] = signed
	object[fieldSignatures] = signatures
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	return jcs.CanonicalizeJSON(raw)
}

// Signer signs payloads with keys from Keys and records every private key
// in Keystore when one is configured.
type Signer struct {
	Keys     KeyProvider
	Keystore *Keystore
}

func NewSigner(keys KeyProvider, keystore *Keystore) *Signer {
	if keys == nil {
		keys = EphemeralKeys{}
	}
	return &Signer{Keys: keys, Keystore: keystore}
}

// Sign signs the sha256 digest of the canonical payload. The payload must
// be a JSON object without "signed" or "signatures" members.
func (s *Signer) Sign(payload []byte) (SignedDocument, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil || object == nil {
		return SignedDocument{}, coreerrors.Wrap(fmt.Errorf("payload must be a json object"), coreerrors.CategoryInvalidInput, "sign_payload_invalid", "", false)
	}
	for _, reserved := range []string{fieldSigned, fieldSignatures} {
		if _, ok := object[reserved]; ok {
			return SignedDocument{}, coreerrors.Wrap(fmt.Errorf("payload already carries %q", reserved), coreerrors.CategoryInvalidInput, "sign_payload_reserved", "", false)
		}
	}
	canonical, err := jcs.CanonicalizeJSON(payload)
	if err != nil {
		return SignedDocument{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	keys := s.Keys
	if keys == nil {
		keys = EphemeralKeys{}
	}
	pair, err := keys.KeyPair()
	if err != nil {
		return SignedDocument{}, fmt.Errorf("obtain signing key: %w", err)
	}
	keyID := KeyID(pair.Public)
	sig := signDigest(pair.Private, sha256.Sum256(canonical))
	if s.Keystore != nil {
		if err := s.Keystore.Append(keyID, pair.Private); err != nil {
			return SignedDocument{}, err
		}
	}
	return SignedDocument{
		Payload: canonical,
		Signed: SignedKey{
			KeyType:   KeyTypeEd25519,
			KeyID:     keyID,
			PublicKey: hex.EncodeToString(pair.Public),
		},
		Signatures: DocumentSignature{
			KeyID:  keyID,
			Method: MethodEd25519,
			Sig:    hex.EncodeToString(sig),
		},
	}, nil
}

// ParseDocument splits a signed document into payload and signing fields.
// Missing or mistyped signing fields are format errors.
func ParseDocument(raw []byte) (SignedDocument, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return SignedDocument{}, coreerrors.Format(fmt.Errorf("decode signed document: %w", err), "document_decode")
	}
	if object == nil {
		return SignedDocument{}, coreerrors.Format(fmt.Errorf("signed document is not an object"), "document_decode")
	}
	var doc SignedDocument
	signedRaw, ok := object[fieldSigned]
	if !ok {
		return SignedDocument{}, coreerrors.Format(fmt.Errorf("signed document has no %q member", fieldSigned), "signed_missing")
	}
	if err := json.Unmarshal(signedRaw, &doc.Signed); err != nil {
		return SignedDocument{}, coreerrors.Format(fmt.Errorf("decode %q: %w", fieldSigned, err), "signed_decode")
	}
	signaturesRaw, ok := object[fieldSignatures]
	if !ok {
		return SignedDocument{}, coreerrors.Format(fmt.Errorf("signed document has no %q member", fieldSignatures), "signatures_missing")
	}
	if err := json.Unmarshal(signaturesRaw, &doc.Signatures); err != nil {
		return SignedDocument{}, coreerrors.Format(fmt.Errorf("decode %q: %w", fieldSignatures, err), "signatures_decode")
	}
	payload, err := jcs.CanonicalizeWithout(raw, fieldSigned, fieldSignatures)
	if err != nil {
		return SignedDocument{}, coreerrors.Format(fmt.Errorf("canonicalize payload: %w", err), "document_decode")
	}
	doc.Payload = payload
	return doc, nil
}

// VerifyDocument parses and verifies raw. Malformed material is returned as
// an error; a signature that does not match the payload is (false, nil).
func VerifyDocument(raw []byte) (bool, error) {
	doc, err := ParseDocument(raw)
	if err != nil {
		return false, err
	}
	return doc.Verify()
}

// Verify checks the signature against the embedded public key.
func (d SignedDocument) Verify() (bool, error) {
	if d.Signed.PrivateKey != "" {
		return false, coreerrors.Crypto(fmt.Errorf("signed document carries a private key"), "private_key_present")
	}
	pubRaw, err := hex.DecodeString(d.Signed.PublicKey)
	if err != nil {
		return false, coreerrors.Format(fmt.Errorf("decode public key: %w", err), "public_key_encoding")
	}
	sigRaw, err := hex.DecodeString(d.Signatures.Sig)
	if err != nil {
		return false, coreerrors.Format(fmt.Errorf("decode signature: %w", err), "signature_encoding")
	}
	if d.Signed.KeyType != KeyTypeEd25519 {
		return false, coreerrors.Crypto(fmt.Errorf("unsupported keytype: %q", d.Signed.KeyType), "keytype_unsupported")
	}
	if d.Signatures.Method != MethodEd25519 {
		return false, coreerrors.Crypto(fmt.Errorf("unsupported signature method: %q", d.Signatures.Method), "method_unsupported")
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return false, coreerrors.Crypto(fmt.Errorf("invalid public key length: %d", len(pubRaw)), "public_key_size")
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return false, coreerrors.Crypto(fmt.Errorf("invalid signature length: %d", len(sigRaw)), "signature_size")
	}
	pub := ed25519.PublicKey(pubRaw)
	if d.Signed.KeyID != KeyID(pub) || d.Signatures.KeyID != d.Signed.KeyID {
		return false, coreerrors.Crypto(fmt.Errorf("key id does not match public key"), "keyid_mismatch")
	}
	canonical, err := jcs.CanonicalizeJSON(d.Payload)
	if err != nil {
		return false, coreerrors.Format(fmt.Errorf("canonicalize payload: %w", err), "document_decode")
	}
	digest := sha256.Sum256(canonical)
	return ed25519.Verify(pub, digest[:], sigRaw), nil
}
