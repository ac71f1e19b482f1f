package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/provchain/core/sign"
	"github.com/davidahmann/provchain/internal/testutil"
)

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// projectConfig writes a config that keeps every artifact inside a temp dir.
func projectConfig(t *testing.T) (string, string) {
	t.Helper()
	testutil.RequireShell(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	testutil.WriteFile(t, configPath, []byte(strings.Join([]string{
		"artifacts:",
		"  root: " + filepath.Join(dir, "runs"),
		"signing:",
		"  keystore: " + filepath.Join(dir, "keystore.jsonl"),
		"  passphrase_env: PROVCHAIN_TEST_PASSPHRASE",
		"execution:",
		"  workdir: " + dir,
		"ledger:",
		"  path: " + filepath.Join(dir, "ledger.db"),
		"",
	}, "\n")))
	return dir, configPath
}

func decodeJSON(t *testing.T, text string) map[string]any {
	t.Helper()
	output := map[string]any{}
	if err := json.Unmarshal([]byte(text), &output); err != nil {
		t.Fatalf("decode json output %q: %v", text, err)
	}
	return output
}

func TestVersion(t *testing.T) {
	result := runCLI(t, "version")
	if result.code != exitOK {
		t.Fatalf("unexpected exit code %d: %s", result.code, result.stderr)
	}
	if !strings.Contains(result.stdout, "provchain "+version) {
		t.Fatalf("unexpected version output %q", result.stdout)
	}

	result = runCLI(t, "version", "--json")
	output := decodeJSON(t, result.stdout)
	if output["version"] != version || output["ok"] != true {
		t.Fatalf("unexpected json version output %v", output)
	}
}

func TestRunVerifyAndHistory(t *testing.T) {
	dir, configPath := projectConfig(t)
	t.Setenv("PROVCHAIN_TEST_PASSPHRASE", "correct horse")
	policyPath := filepath.Join(dir, "commands.json")
	testutil.WriteFile(t, policyPath, []byte(`{"commands":[
		{"name":"build","command":"mkdir -p dist && echo artifact > dist/app.txt","output":"dist"},
		{"name":"test","command":"cat \"$PROVCHAIN_INPUT_DIR\"/dist/app.txt","use_previous_output":true}
	]}`))

	result := runCLI(t, "--config", configPath, "--json", "run", "--policy", policyPath)
	if result.code != exitOK {
		t.Fatalf("run exit code %d\nstdout: %s\nstderr: %s", result.code, result.stdout, result.stderr)
	}
	output := decodeJSON(t, result.stdout)
	if output["state"] != "SIGNED" {
		t.Fatalf("unexpected run state %v", output["state"])
	}
	chainPath, _ := output["chain"].(string)
	if chainPath == "" {
		t.Fatalf("run output has no chain path: %v", output)
	}
	steps, _ := output["steps"].([]any)
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %v", output["steps"])
	}

	entries, err := sign.ReadKeystore(filepath.Join(dir, "keystore.jsonl"))
	if err != nil {
		t.Fatalf("read keystore: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected one keystore entry per signed document, got %d", len(entries))
	}

	result = runCLI(t, "--config", configPath, "verify", chainPath)
	if result.code != exitOK {
		t.Fatalf("verify exit code %d\nstdout: %s\nstderr: %s", result.code, result.stdout, result.stderr)
	}
	if !strings.Contains(result.stdout, "verified run") {
		t.Fatalf("unexpected verify output %q", result.stdout)
	}

	result = runCLI(t, "--config", configPath, "verify-doc", chainPath)
	if result.code != exitOK {
		t.Fatalf("verify-doc exit code %d: %s", result.code, result.stderr)
	}

	result = runCLI(t, "--config", configPath, "--json", "history")
	if result.code != exitOK {
		t.Fatalf("history exit code %d: %s", result.code, result.stderr)
	}
	history := decodeJSON(t, result.stdout)
	runs, _ := history["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("expected one recorded run, got %v", history["runs"])
	}
}

func TestVerifyBrokenChainExitCode(t *testing.T) {
	dir, configPath := projectConfig(t)
	result := runCLI(t, "--config", configPath, "--json", "run", "--no-keystore", "--name", "build", "--output", "out.txt", "echo data > out.txt")
	if result.code != exitOK {
		t.Fatalf("run exit code %d\nstdout: %s\nstderr: %s", result.code, result.stdout, result.stderr)
	}
	output := decodeJSON(t, result.stdout)
	runRoot, _ := output["run_root"].(string)
	chainPath, _ := output["chain"].(string)
	if !strings.HasPrefix(runRoot, filepath.Join(dir, "runs")) {
		t.Fatalf("run root %q outside configured artifacts root", runRoot)
	}

	archive := filepath.Join(runRoot, "000_build", "build.tar")
	testutil.FlipByte(t, archive, -1)

	result = runCLI(t, "--config", configPath, "--json", "verify", chainPath)
	if result.code != exitVerifyFailed {
		t.Fatalf("expected exit %d, got %d: %s", exitVerifyFailed, result.code, result.stdout)
	}
	verify := decodeJSON(t, result.stdout)
	if verify["state"] != "CHAIN_BROKEN" {
		t.Fatalf("unexpected state %v", verify["state"])
	}
	failure, _ := verify["failure"].(map[string]any)
	if failure["check"] != "artifact_integrity" || failure["artifact_type"] != "output_tar" {
		t.Fatalf("unexpected failure %v", failure)
	}
	if verify["error_category"] != "verification_failed" {
		t.Fatalf("missing error envelope: %v", verify)
	}
}

func TestRunConstraintViolationExitCode(t *testing.T) {
	dir, configPath := projectConfig(t)
	constraintsPath := filepath.Join(dir, "constraints.json")
	testutil.WriteFile(t, constraintsPath, []byte(`{"constraints":{"return_code":0}}`))

	result := runCLI(t, "--config", configPath, "--json", "run", "--no-keystore", "--constraints", constraintsPath, "exit 4")
	if result.code != exitPolicyViolation {
		t.Fatalf("expected exit %d, got %d\nstdout: %s\nstderr: %s", exitPolicyViolation, result.code, result.stdout, result.stderr)
	}
	output := decodeJSON(t, result.stdout)
	if output["ok"] != false || output["error_category"] != "policy_violation" {
		t.Fatalf("unexpected output %v", output)
	}
	if output["error_code"] != "constraint_return_code" {
		t.Fatalf("unexpected error code %v", output["error_code"])
	}
}

func TestRunRequiresPassphraseUnlessKeystoreDisabled(t *testing.T) {
	_, configPath := projectConfig(t)
	result := runCLI(t, "--config", configPath, "run", "true")
	if result.code != exitInvalidInput {
		t.Fatalf("expected exit %d, got %d: %s", exitInvalidInput, result.code, result.stderr)
	}
	if !strings.Contains(result.stderr, "PROVCHAIN_TEST_PASSPHRASE") {
		t.Fatalf("expected passphrase hint, got %q", result.stderr)
	}
}

func staticKeyConfig(t *testing.T, publicKey ed25519.PublicKey) (string, string, sign.KeyPair) {
	t.Helper()
	dir, configPath := projectConfig(t)
	pair, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if publicKey == nil {
		publicKey = pair.Public
	}
	privatePath := filepath.Join(dir, "signing.key")
	publicPath := filepath.Join(dir, "signing.pub")
	testutil.WriteFile(t, privatePath, []byte(base64.StdEncoding.EncodeToString(pair.Private)))
	testutil.WriteFile(t, publicPath, []byte(base64.StdEncoding.EncodeToString(publicKey)))
	config := testutil.MustReadFile(t, configPath)
	config = bytes.Replace(config, []byte("signing:\n"), []byte("signing:\n  key_mode: static\n  private_key: "+privatePath+"\n  public_key: "+publicPath+"\n"), 1)
	testutil.WriteFile(t, configPath, config)
	return dir, configPath, pair
}

func TestRunStaticKeyPairFromConfig(t *testing.T) {
	_, configPath, pair := staticKeyConfig(t, nil)
	result := runCLI(t, "--config", configPath, "--json", "run", "--no-keystore", "echo built")
	if result.code != exitOK {
		t.Fatalf("run exit code %d\nstdout: %s\nstderr: %s", result.code, result.stdout, result.stderr)
	}
	chainPath, _ := decodeJSON(t, result.stdout)["chain"].(string)
	if chainPath == "" {
		t.Fatalf("expected chain path in %s", result.stdout)
	}

	result = runCLI(t, "--config", configPath, "--json", "verify-doc", chainPath)
	if result.code != exitOK {
		t.Fatalf("verify-doc exit code %d: %s", result.code, result.stdout)
	}
	if keyID := decodeJSON(t, result.stdout)["keyid"]; keyID != sign.KeyID(pair.Public) {
		t.Fatalf("expected chain signed by configured key, got %v", keyID)
	}
}

func TestRunRejectsMismatchedPublicKey(t *testing.T) {
	other, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	_, configPath, _ := staticKeyConfig(t, other.Public)
	result := runCLI(t, "--config", configPath, "run", "--no-keystore", "echo built")
	if result.code != exitInvalidInput {
		t.Fatalf("expected exit %d, got %d: %s", exitInvalidInput, result.code, result.stderr)
	}
	if !strings.Contains(result.stderr, "public key does not match private key") {
		t.Fatalf("expected key mismatch message, got %q", result.stderr)
	}
}

func TestUsageErrors(t *testing.T) {
	_, configPath := projectConfig(t)
	cases := [][]string{
		{"--config", configPath, "run"},
		{"--config", configPath, "run", "--policy", "p.json", "echo hi"},
		{"--config", configPath, "verify"},
		{"--config", configPath, "run", "--bogus"},
		{"--config", configPath, "frobnicate"},
		{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "version"},
	}
	for _, args := range cases {
		result := runCLI(t, args...)
		if result.code != exitInvalidInput {
			t.Fatalf("%v: expected exit %d, got %d: %s", args, exitInvalidInput, result.code, result.stderr)
		}
	}
}

func TestVerifyDocDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	signer := sign.NewSigner(sign.EphemeralKeys{}, nil)
	doc, err := signer.Sign([]byte(`{"build":"ok"}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := doc.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "doc.json")
	testutil.WriteFile(t, path, bytes.Replace(raw, []byte(`"ok"`), []byte(`"no"`), 1))

	result := runCLI(t, "--config", filepath.Join(dir, "none.yaml"), "verify-doc", path)
	if result.code != exitInvalidInput {
		t.Fatalf("missing explicit config should be invalid input, got %d", result.code)
	}
	result = runCLI(t, "--json", "verify-doc", path)
	if result.code != exitVerifyFailed {
		t.Fatalf("expected exit %d, got %d: %s", exitVerifyFailed, result.code, result.stdout)
	}
	output := decodeJSON(t, result.stdout)
	if output["ok"] != false {
		t.Fatalf("unexpected output %v", output)
	}
	if digest, _ := output["payload_digest"].(string); len(digest) != 64 {
		t.Fatalf("expected payload digest, got %v", output["payload_digest"])
	}
}
