package sign

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	coreerrors "github.com/davidahmann/provchain/core/errors"
)

func signRaw(t *testing.T, signer *Signer, payload string) []byte {
	t.Helper()
	doc, err := signer.Sign([]byte(payload))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal signed document: %v", err)
	}
	return raw
}

func mutate(t *testing.T, raw []byte, change func(map[string]any)) []byte {
	t.Helper()
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		t.Fatalf("decode signed document: %v", err)
	}
	change(object)
	out, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("encode mutated document: %v", err)
	}
	return out
}

func section(object map[string]any, name string) map[string]any {
	return object[name].(map[string]any)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := NewSigner(nil, nil)
	payloads := []string{
		`{}`,
		`{"application":{"command":"make","return_code":0}}`,
		`{"b":[1,2,{"z":null,"a":"x"}],"a":"é","n":1.5}`,
	}
	for _, payload := range payloads {
		raw := signRaw(t, signer, payload)
		ok, err := VerifyDocument(raw)
		if err != nil {
			t.Fatalf("verify %s: %v", payload, err)
		}
		if !ok {
			t.Fatalf("expected %s to verify", payload)
		}
	}
}

func TestSignNeverExposesPrivateKey(t *testing.T) {
	signer := NewSigner(nil, nil)
	doc, err := signer.Sign([]byte(`{"step":1}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if doc.Signed.PrivateKey != "" {
		t.Fatalf("expected empty private key, got %q", doc.Signed.PrivateKey)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"private_key":""`)) {
		t.Fatalf("expected empty private_key member in %s", raw)
	}
}

func TestSignEphemeralKeysDifferPerCall(t *testing.T) {
	signer := NewSigner(EphemeralKeys{}, nil)
	first, err := signer.Sign([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("sign first: %v", err)
	}
	second, err := signer.Sign([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("sign second: %v", err)
	}
	if first.Signed.KeyID == second.Signed.KeyID {
		t.Fatalf("expected a fresh key per signature")
	}
	if first.Signatures.KeyID != first.Signed.KeyID {
		t.Fatalf("signature keyid does not match signed keyid")
	}
}

func TestSignedDocumentIsCanonical(t *testing.T) {
	signer := NewSigner(nil, nil)
	doc, err := signer.Sign([]byte(`{"z":1, "a": {"y":2,"b":3}}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if string(doc.Payload) != `{"a":{"b":3,"y":2},"z":1}` {
		t.Fatalf("unexpected canonical payload: %s", doc.Payload)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.HasPrefix(string(raw), `{"a":{"b":3,"y":2},"signatures":{`) {
		t.Fatalf("expected members in canonical order: %s", raw)
	}
}

func TestSignRejectsInvalidPayloads(t *testing.T) {
	signer := NewSigner(nil, nil)
	cases := map[string]string{
		"array":      `[1,2]`,
		"null":       `null`,
		"garbage":    `{`,
		"signed":     `{"signed":{}}`,
		"signatures": `{"signatures":{}}`,
	}
	for name, payload := range cases {
		if _, err := signer.Sign([]byte(payload)); err == nil {
			t.Fatalf("%s: expected sign to fail", name)
		} else if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
			t.Fatalf("%s: unexpected category %q", name, coreerrors.CategoryOf(err))
		}
	}
}

func TestVerifyTamperedPayloadReturnsFalse(t *testing.T) {
	raw := signRaw(t, NewSigner(nil, nil), `{"application":{"return_code":0}}`)

	added := mutate(t, raw, func(object map[string]any) {
		object["injected"] = "value"
	})
	ok, err := VerifyDocument(added)
	if err != nil {
		t.Fatalf("added key: unexpected error %v", err)
	}
	if ok {
		t.Fatalf("added key: expected verification to fail")
	}

	changed := mutate(t, raw, func(object map[string]any) {
		section(object, "application")["return_code"] = 1
	})
	ok, err = VerifyDocument(changed)
	if err != nil || ok {
		t.Fatalf("changed value: expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestVerifyRejectsMalformedMaterial(t *testing.T) {
	raw := signRaw(t, NewSigner(nil, nil), `{"a":1}`)
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	cases := []struct {
		name     string
		change   func(map[string]any)
		category coreerrors.Category
		code     string
	}{
		{
			name:     "non_hex_signature",
			change:   func(o map[string]any) { section(o, "signatures")["sig"] = "not-hex!" },
			category: coreerrors.CategoryFormat,
			code:     "signature_encoding",
		},
		{
			name:     "short_signature",
			change:   func(o map[string]any) { section(o, "signatures")["sig"] = "abcd" },
			category: coreerrors.CategoryCrypto,
			code:     "signature_size",
		},
		{
			name:     "non_hex_public_key",
			change:   func(o map[string]any) { section(o, "signed")["public_key"] = "zz" },
			category: coreerrors.CategoryFormat,
			code:     "public_key_encoding",
		},
		{
			name:     "short_public_key",
			change:   func(o map[string]any) { section(o, "signed")["public_key"] = "00ff" },
			category: coreerrors.CategoryCrypto,
			code:     "public_key_size",
		},
		{
			name: "swapped_public_key",
			change: func(o map[string]any) {
				section(o, "signed")["public_key"] = hex.EncodeToString(other.Public)
			},
			category: coreerrors.CategoryCrypto,
			code:     "keyid_mismatch",
		},
		{
			name:     "private_key_present",
			change:   func(o map[string]any) { section(o, "signed")["private_key"] = "00" },
			category: coreerrors.CategoryCrypto,
			code:     "private_key_present",
		},
		{
			name:     "unsupported_method",
			change:   func(o map[string]any) { section(o, "signatures")["method"] = "rsa" },
			category: coreerrors.CategoryCrypto,
			code:     "method_unsupported",
		},
		{
			name:     "missing_signed",
			change:   func(o map[string]any) { delete(o, "signed") },
			category: coreerrors.CategoryFormat,
			code:     "signed_missing",
		},
		{
			name:     "signatures_not_object",
			change:   func(o map[string]any) { o["signatures"] = "sig" },
			category: coreerrors.CategoryFormat,
			code:     "signatures_decode",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := VerifyDocument(mutate(t, raw, tc.change))
			if err == nil {
				t.Fatalf("expected error, got ok=%v", ok)
			}
			if ok {
				t.Fatalf("expected ok=false alongside error")
			}
			if got := coreerrors.CategoryOf(err); got != tc.category {
				t.Fatalf("unexpected category: got %q want %q (%v)", got, tc.category, err)
			}
			if got := coreerrors.CodeOf(err); got != tc.code {
				t.Fatalf("unexpected code: got %q want %q", got, tc.code)
			}
		})
	}
}

func TestVerifyDocumentNotJSON(t *testing.T) {
	_, err := VerifyDocument([]byte("not json"))
	if coreerrors.CategoryOf(err) != coreerrors.CategoryFormat {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestParsePrivateKeyBase64AcceptsSeed(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	priv, err := ParsePrivateKeyBase64(base64.StdEncoding.EncodeToString(kp.Private.Seed()))
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	if !priv.Equal(kp.Private) {
		t.Fatalf("seed did not reproduce private key")
	}
	if _, err := ParsePrivateKeyBase64(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatalf("expected short key to fail")
	}
	if _, err := ParsePublicKeyBase64("not-base64"); err == nil {
		t.Fatalf("expected invalid public key to fail")
	}
}
