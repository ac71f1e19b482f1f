package projectconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const DefaultPath = ".provchain/config.yaml"

type Config struct {
	Artifacts ArtifactDefaults  `yaml:"artifacts"`
	Signing   SigningDefaults   `yaml:"signing"`
	Execution ExecutionDefaults `yaml:"execution"`
	Ledger    LedgerDefaults    `yaml:"ledger"`
}

type ArtifactDefaults struct {
	Root string `yaml:"root"`
}

type SigningDefaults struct {
	KeyMode       string `yaml:"key_mode"`
	PrivateKey    string `yaml:"private_key"` // #nosec G117 -- config key name documents expected secret input.
	PrivateKeyEnv string `yaml:"private_key_env"`
	PublicKey     string `yaml:"public_key"`
	PublicKeyEnv  string `yaml:"public_key_env"`
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

type ExecutionDefaults struct {
	Shell   string `yaml:"shell"`
	Timeout string `yaml:"timeout"`
	WorkDir string `yaml:"workdir"`
}

type LedgerDefaults struct {
	Path string `yaml:"path"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	if err := configuration.validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

// TimeoutDuration parses execution.timeout. An empty value means no timeout.
func (configuration Config) TimeoutDuration() (time.Duration, error) {
	if configuration.Execution.Timeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(configuration.Execution.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parse execution.timeout: %w", err)
	}
	if timeout < 0 {
		return 0, fmt.Errorf("execution.timeout must not be negative")
	}
	return timeout, nil
}

func (configuration *Config) normalize() {
	configuration.Artifacts.Root = strings.TrimSpace(configuration.Artifacts.Root)
	configuration.Signing.KeyMode = strings.ToLower(strings.TrimSpace(configuration.Signing.KeyMode))
	configuration.Signing.PrivateKey = strings.TrimSpace(configuration.Signing.PrivateKey)
	configuration.Signing.PrivateKeyEnv = strings.TrimSpace(configuration.Signing.PrivateKeyEnv)
	configuration.Signing.PublicKey = strings.TrimSpace(configuration.Signing.PublicKey)
	configuration.Signing.PublicKeyEnv = strings.TrimSpace(configuration.Signing.PublicKeyEnv)
	configuration.Signing.Keystore = strings.TrimSpace(configuration.Signing.Keystore)
	configuration.Signing.PassphraseEnv = strings.TrimSpace(configuration.Signing.PassphraseEnv)
	configuration.Execution.Shell = strings.TrimSpace(configuration.Execution.Shell)
	configuration.Execution.Timeout = strings.TrimSpace(configuration.Execution.Timeout)
	configuration.Execution.WorkDir = strings.TrimSpace(configuration.Execution.WorkDir)
	configuration.Ledger.Path = strings.TrimSpace(configuration.Ledger.Path)
}

func (configuration Config) validate() error {
	switch configuration.Signing.KeyMode {
	case "", "ephemeral", "static":
	default:
		return fmt.Errorf("unsupported signing.key_mode %q (expected ephemeral or static)", configuration.Signing.KeyMode)
	}
	if _, err := configuration.TimeoutDuration(); err != nil {
		return err
	}
	return nil
}
