package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/fsx"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	KDFScrypt    = "scrypt"
	CipherSecret = "nacl-secretbox"
	saltSize     = 16
	nonceSize    = 24
)

type KDFParams struct {
	N int `json:"n"`
	R int `json:"r"`
	P int `json:"p"`
}

var DefaultKDF = KDFParams{N: 1 << 15, R: 8, P: 1}

// KeystoreEntry is one line of the keystore. It never holds the public key;
// the seed is sealed under a key derived from the passphrase and Salt.
type KeystoreEntry struct {
	KeyID     string    `json:"keyid"`
	CreatedAt time.Time `json:"created_at"`
	KDF       string    `json:"kdf"`
	Params    KDFParams `json:"kdf_params"`
	Cipher    string    `json:"cipher"`
	Salt      string    `json:"salt"`
	Nonce     string    `json:"nonce"`
	Sealed    string    `json:"sealed"`
}

type KeystoreOptions struct {
	KDF KDFParams
	Now func() time.Time
}

// Keystore is an append-only log of passphrase-sealed private keys.
type Keystore struct {
	path       string
	passphrase []byte
	kdf        KDFParams
	now        func() time.Time
}

func NewKeystore(path string, passphrase []byte, opts KeystoreOptions) (*Keystore, error) {
	if path == "" {
		return nil, coreerrors.Configuration(fmt.Errorf("keystore path is required"), "keystore_path_missing")
	}
	if len(passphrase) == 0 {
		return nil, coreerrors.Wrap(
			fmt.Errorf("keystore passphrase is empty"),
			coreerrors.CategoryInvalidInput,
			"keystore_passphrase_missing",
			"set the keystore passphrase environment variable or disable the keystore",
			false,
		)
	}
	kdf := opts.KDF
	if kdf.N == 0 {
		kdf = DefaultKDF
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Keystore{
		path:       path,
		passphrase: append([]byte(nil), passphrase...),
		kdf:        kdf,
		now:        now,
	}, nil
}

func (k *Keystore) Path() string {
	return k.path
}

// Append seals priv and appends it as one entry.
func (k *Keystore) Append(keyID string, priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("keystore: invalid private key length: %d", len(priv))
	}
	var salt [saltSize]byte
	var nonce [nonceSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("keystore salt: %w", err)
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("keystore nonce: %w", err)
	}
	key, err := k.deriveKey(salt[:], k.kdf)
	if err != nil {
		return err
	}
	sealed := secretbox.Seal(nil, priv.Seed(), &nonce, &key)
	entry := KeystoreEntry{
		KeyID:     keyID,
		CreatedAt: k.now().UTC(),
		KDF:       KDFScrypt,
		Params:    k.kdf,
		Cipher:    CipherSecret,
		Salt:      hex.EncodeToString(salt[:]),
		Nonce:     hex.EncodeToString(nonce[:]),
		Sealed:    hex.EncodeToString(sealed),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode keystore entry: %w", err)
	}
	if err := fsx.AppendLineLocked(k.path, line, 0o600); err != nil {
		return coreerrors.IO(fmt.Errorf("append keystore entry: %w", err), "keystore_append")
	}
	return nil
}

func (k *Keystore) Entries() ([]KeystoreEntry, error) {
	return ReadKeystore(k.path)
}

// ReadKeystore decodes every entry of the keystore at path. It needs no
// passphrase.
func ReadKeystore(path string) ([]KeystoreEntry, error) {
	lines, err := fsx.ReadLines(path)
	if err != nil {
		return nil, coreerrors.IO(err, "keystore_read")
	}
	entries := make([]KeystoreEntry, 0, len(lines))
	for index, line := range lines {
		var entry KeystoreEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, coreerrors.Format(fmt.Errorf("keystore line %d: %w", index+1, err), "keystore_entry_decode")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Open recovers the private key sealed in entry.
func (k *Keystore) Open(entry KeystoreEntry) (ed25519.PrivateKey, error) {
	if entry.KDF != KDFScrypt || entry.Cipher != CipherSecret {
		return nil, coreerrors.Crypto(fmt.Errorf("unsupported keystore entry %s/%s", entry.KDF, entry.Cipher), "keystore_entry_unsupported")
	}
	salt, err := hex.DecodeString(entry.Salt)
	if err != nil {
		return nil, coreerrors.Format(fmt.Errorf("decode keystore salt: %w", err), "keystore_entry_decode")
	}
	nonceRaw, err := hex.DecodeString(entry.Nonce)
	if err != nil || len(nonceRaw) != nonceSize {
		return nil, coreerrors.Format(fmt.Errorf("decode keystore nonce"), "keystore_entry_decode")
	}
	sealed, err := hex.DecodeString(entry.Sealed)
	if err != nil {
		return nil, coreerrors.Format(fmt.Errorf("decode keystore ciphertext: %w", err), "keystore_entry_decode")
	}
	key, err := k.deriveKey(salt, entry.Params)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], nonceRaw)
	seed, ok := secretbox.Open(nil, sealed, &nonce, &key)
	if !ok || len(seed) != ed25519.SeedSize {
		return nil, coreerrors.Crypto(fmt.Errorf("keystore entry %s does not open with this passphrase", entry.KeyID), "keystore_entry_sealed")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	if KeyID(priv.Public().(ed25519.PublicKey)) != entry.KeyID {
		return nil, coreerrors.Crypto(fmt.Errorf("keystore entry %s holds a different key", entry.KeyID), "keystore_keyid_mismatch")
	}
	return priv, nil
}

func (k *Keystore) deriveKey(salt []byte, params KDFParams) ([32]byte, error) {
	var key [32]byte
	derived, err := scrypt.Key(k.passphrase, salt, params.N, params.R, params.P, len(key))
	if err != nil {
		return key, coreerrors.Crypto(fmt.Errorf("derive keystore key: %w", err), "keystore_kdf")
	}
	copy(key[:], derived)
	return key, nil
}
