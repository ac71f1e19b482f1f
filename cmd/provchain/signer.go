package main

import (
	"fmt"

	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/sign"
)

const (
	defaultKeystorePath  = ".provchain/keystore.jsonl"
	defaultPassphraseEnv = "PROVCHAIN_KEYSTORE_PASSPHRASE"
)

// buildSigner resolves the signing keys and, unless disabled, the keystore
// that records every private key used by the run.
func (a *app) buildSigner(noKeystore bool) (*sign.Signer, error) {
	signing := a.config.Signing
	keys, err := sign.NewKeyProvider(sign.KeyConfig{
		Mode:           sign.KeyMode(signing.KeyMode),
		PrivateKeyPath: signing.PrivateKey,
		PrivateKeyEnv:  signing.PrivateKeyEnv,
		PublicKeyPath:  signing.PublicKey,
		PublicKeyEnv:   signing.PublicKeyEnv,
	})
	if err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("signing keys: %w", err), coreerrors.CategoryInvalidInput, "signing_keys_invalid", "check the signing section of the project config", false)
	}
	if noKeystore {
		a.logger.Warn("keystore disabled; private signing keys will not be recoverable")
		return sign.NewSigner(keys, nil), nil
	}
	passphraseEnv := firstNonEmpty(signing.PassphraseEnv, defaultPassphraseEnv)
	passphrase, _ := a.lookupEnv(passphraseEnv)
	keystore, err := sign.NewKeystore(firstNonEmpty(signing.Keystore, defaultKeystorePath), []byte(passphrase), sign.KeystoreOptions{})
	if err != nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("keystore: %w", err),
			coreerrors.CategoryInvalidInput,
			coreerrors.CodeOf(err),
			fmt.Sprintf("set %s or pass --no-keystore", passphraseEnv),
			false,
		)
	}
	return sign.NewSigner(keys, keystore), nil
}
