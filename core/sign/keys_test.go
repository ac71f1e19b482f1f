package sign

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewKeyProviderDefaultsToEphemeral(t *testing.T) {
	provider, err := NewKeyProvider(KeyConfig{})
	if err != nil {
		t.Fatalf("new key provider: %v", err)
	}
	if _, ok := provider.(EphemeralKeys); !ok {
		t.Fatalf("expected ephemeral provider, got %T", provider)
	}
}

func TestNewKeyProviderEphemeralRejectsKeySources(t *testing.T) {
	cfg := KeyConfig{Mode: ModeEphemeral, PrivateKeyEnv: "PROVCHAIN_PRIVATE_KEY"}
	if _, err := NewKeyProvider(cfg); err == nil {
		t.Fatalf("expected error for ephemeral mode with explicit keys")
	}
}

func TestNewKeyProviderStaticMissing(t *testing.T) {
	if _, err := NewKeyProvider(KeyConfig{Mode: ModeStatic}); err == nil {
		t.Fatalf("expected error for missing static key")
	}
}

func TestNewKeyProviderUnsupportedMode(t *testing.T) {
	if _, err := NewKeyProvider(KeyConfig{Mode: "hsm"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestNewKeyProviderStaticEnv(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	t.Setenv("PROVCHAIN_PRIVATE_KEY", base64.StdEncoding.EncodeToString(kp.Private))
	t.Setenv("PROVCHAIN_PUBLIC_KEY", base64.StdEncoding.EncodeToString(kp.Public))

	provider, err := NewKeyProvider(KeyConfig{
		Mode:          "STATIC",
		PrivateKeyEnv: "PROVCHAIN_PRIVATE_KEY",
		PublicKeyEnv:  "PROVCHAIN_PUBLIC_KEY",
	})
	if err != nil {
		t.Fatalf("new key provider: %v", err)
	}
	loaded, err := provider.KeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	if !loaded.Private.Equal(kp.Private) || !loaded.Public.Equal(kp.Public) {
		t.Fatalf("loaded keypair mismatch")
	}
}

func TestNewKeyProviderStaticMismatch(t *testing.T) {
	kp1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	kp2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	t.Setenv("PROVCHAIN_PRIVATE_KEY", base64.StdEncoding.EncodeToString(kp1.Private))
	t.Setenv("PROVCHAIN_PUBLIC_KEY", base64.StdEncoding.EncodeToString(kp2.Public))

	_, err = NewKeyProvider(KeyConfig{
		Mode:          ModeStatic,
		PrivateKeyEnv: "PROVCHAIN_PRIVATE_KEY",
		PublicKeyEnv:  "PROVCHAIN_PUBLIC_KEY",
	})
	if err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestNewKeyProviderStaticPathSignsWithOneIdentity(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	privPath := filepath.Join(t.TempDir(), "signing.key")
	if err := os.WriteFile(privPath, []byte(base64.StdEncoding.EncodeToString(kp.Private)+"\n"), 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	provider, err := NewKeyProvider(KeyConfig{Mode: ModeStatic, PrivateKeyPath: privPath})
	if err != nil {
		t.Fatalf("new key provider: %v", err)
	}
	signer := NewSigner(provider, nil)
	first, err := signer.Sign([]byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("sign first: %v", err)
	}
	second, err := signer.Sign([]byte(`{"n":2}`))
	if err != nil {
		t.Fatalf("sign second: %v", err)
	}
	if first.Signed.KeyID != KeyID(kp.Public) || second.Signed.KeyID != first.Signed.KeyID {
		t.Fatalf("expected both signatures to use the configured key")
	}
	raw, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ok, err := VerifyDocument(raw)
	if err != nil || !ok {
		t.Fatalf("expected static-key document to verify: ok=%v err=%v", ok, err)
	}
}

func TestNewKeyProviderConflictingSources(t *testing.T) {
	cfg := KeyConfig{
		Mode:           ModeStatic,
		PrivateKeyPath: "signing.key",
		PrivateKeyEnv:  "PROVCHAIN_PRIVATE_KEY",
	}
	if _, err := NewKeyProvider(cfg); err == nil {
		t.Fatalf("expected error for path and env together")
	}
}
