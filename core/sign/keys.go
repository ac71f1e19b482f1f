package sign

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"
)

type KeyMode string

const (
	// ModeEphemeral generates a fresh key pair for every signature.
	ModeEphemeral KeyMode = "ephemeral"
	// ModeStatic signs everything with one configured key.
	ModeStatic KeyMode = "static"
)

// KeyProvider hands out the key pair for one signature.
type KeyProvider interface {
	KeyPair() (KeyPair, error)
}

// EphemeralKeys never reuses a key pair, so every signed document is
// self-contained and no signer identity links two runs.
type EphemeralKeys struct{}

func (EphemeralKeys) KeyPair() (KeyPair, error) {
	return GenerateKeyPair()
}

// StaticKeys returns the same key pair for every call.
type StaticKeys struct {
	pair KeyPair
}

func NewStaticKeys(pair KeyPair) (*StaticKeys, error) {
	if len(pair.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("static key: private key required")
	}
	derived := pair.Private.Public().(ed25519.PublicKey)
	if len(pair.Public) != 0 && !derived.Equal(pair.Public) {
		return nil, fmt.Errorf("public key does not match private key")
	}
	return &StaticKeys{pair: KeyPair{Public: derived, Private: pair.Private}}, nil
}

func (k *StaticKeys) KeyPair() (KeyPair, error) {
	return k.pair, nil
}

type KeyConfig struct {
	Mode           KeyMode
	PrivateKeyPath string
	PublicKeyPath  string
	PrivateKeyEnv  string
	PublicKeyEnv   string
}

// NewKeyProvider resolves cfg into a provider. An empty mode selects
// ephemeral keys.
func NewKeyProvider(cfg KeyConfig) (KeyProvider, error) {
	mode := KeyMode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeEphemeral
	}
	switch mode {
	case ModeEphemeral:
		if cfg.hasAnyKeySource() {
			return nil, fmt.Errorf("ephemeral mode does not accept explicit key sources")
		}
		return EphemeralKeys{}, nil
	case ModeStatic:
		if !cfg.hasPrivateSource() {
			return nil, fmt.Errorf("static mode requires a private key source")
		}
		priv, err := loadPrivateKey(cfg)
		if err != nil {
			return nil, err
		}
		pair := KeyPair{Private: priv}
		if cfg.hasPublicSource() {
			pub, err := loadPublicKey(cfg)
			if err != nil {
				return nil, err
			}
			pair.Public = pub
		}
		return NewStaticKeys(pair)
	default:
		return nil, fmt.Errorf("unsupported key mode: %q", cfg.Mode)
	}
}

func (cfg KeyConfig) hasPrivateSource() bool {
	return cfg.PrivateKeyPath != "" || cfg.PrivateKeyEnv != ""
}

func (cfg KeyConfig) hasPublicSource() bool {
	return cfg.PublicKeyPath != "" || cfg.PublicKeyEnv != ""
}

func (cfg KeyConfig) hasAnyKeySource() bool {
	return cfg.hasPrivateSource() || cfg.hasPublicSource()
}

func loadPrivateKey(cfg KeyConfig) (ed25519.PrivateKey, error) {
	if cfg.PrivateKeyPath != "" && cfg.PrivateKeyEnv != "" {
		return nil, fmt.Errorf("private key source: set either path or env")
	}
	if cfg.PrivateKeyPath != "" {
		return LoadPrivateKeyBase64(cfg.PrivateKeyPath)
	}
	encoded, ok := readEnvValue(cfg.PrivateKeyEnv)
	if !ok {
		return nil, fmt.Errorf("private key env not set: %s", cfg.PrivateKeyEnv)
	}
	return ParsePrivateKeyBase64(encoded)
}

func loadPublicKey(cfg KeyConfig) (ed25519.PublicKey, error) {
	if cfg.PublicKeyPath != "" && cfg.PublicKeyEnv != "" {
		return nil, fmt.Errorf("public key source: set either path or env")
	}
	if cfg.PublicKeyPath != "" {
		return LoadPublicKeyBase64(cfg.PublicKeyPath)
	}
	encoded, ok := readEnvValue(cfg.PublicKeyEnv)
	if !ok {
		return nil, fmt.Errorf("public key env not set: %s", cfg.PublicKeyEnv)
	}
	return ParsePublicKeyBase64(encoded)
}

func readEnvValue(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	return val, val != ""
}
