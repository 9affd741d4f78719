package e2e

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/internal/testutil"
)

type cliEnv struct {
	binary string
	env    []string
	dir    string
}

func newCLIEnv(t *testing.T, backend *testutil.Backend) cliEnv {
	t.Helper()
	home := t.TempDir()
	env := append(os.Environ(),
		"HOME="+home,
		"USERPROFILE="+home,
		"AGENTGATE_ENCRYPT_CREDENTIALS=false",
		"AGENTGATE_CREDENTIALS_PATH="+filepath.Join(home, "credentials.json"),
		"AGENTGATE_AGENT_ID=agt-1",
	)
	if backend != nil {
		env = append(env, "AGENTGATE_BASE_URL="+backend.URL())
	}
	return cliEnv{
		binary: testutil.BuildAgentgateBinary(t, testutil.RepoRoot(t)),
		env:    env,
		dir:    home,
	}
}

func (c cliEnv) run(args ...string) ([]byte, error) {
	// #nosec G204 -- test binary built from this repository.
	command := exec.Command(c.binary, args...)
	command.Dir = c.dir
	command.Env = c.env
	return command.Output()
}

func TestCLIKeysAndVerifyAgainstBackend(t *testing.T) {
	backend := testutil.NewBackend(t)
	cli := newCLIEnv(t, backend)

	out, err := cli.run("keys", "init", "--json")
	if err != nil {
		t.Fatalf("keys init: %v\n%s", err, out)
	}
	var keys struct {
		OK             bool   `json:"ok"`
		PrivateKeyPath string `json:"private_key_path"`
	}
	if err := json.Unmarshal(out, &keys); err != nil || !keys.OK {
		t.Fatalf("parse keys init output: %v\n%s", err, out)
	}
	cli.env = append(cli.env, "AGENTGATE_PRIVATE_KEY_PATH="+filepath.Join(cli.dir, keys.PrivateKeyPath))

	out, err = cli.run("verify", "action", "--type", "read_database", "--resource", "users_table", "--json")
	if err != nil {
		t.Fatalf("verify action: %v\n%s", err, out)
	}
	var approved struct {
		OK             bool   `json:"ok"`
		VerificationID string `json:"verification_id"`
	}
	if err := json.Unmarshal(out, &approved); err != nil || !approved.OK || approved.VerificationID != "ver-1" {
		t.Fatalf("unexpected verify output: %v\n%s", err, out)
	}

	backend.OnSubmit(func(verification.SignedRequest) verification.Response {
		return testutil.Denied("ver-2", "not on weekends")
	})
	out, err = cli.run("verify", "action", "--type", "delete_file", "--json")
	if code := testutil.CommandExitCode(t, err); code != 3 {
		t.Fatalf("denied exit = %d, want 3\n%s", code, out)
	}
	if !strings.Contains(string(out), `"denial_reason":"not on weekends"`) {
		t.Fatalf("denial reason missing: %s", out)
	}
}

func TestCLIExitCodes(t *testing.T) {
	cli := newCLIEnv(t, nil)

	out, err := cli.run("verify", "action", "--json")
	if code := testutil.CommandExitCode(t, err); code != 2 {
		t.Fatalf("missing --type exit = %d, want 2\n%s", code, out)
	}

	out, err = cli.run("token", "refresh", "--json")
	if code := testutil.CommandExitCode(t, err); code != 2 {
		t.Fatalf("token refresh without backend exit = %d, want 2\n%s", code, out)
	}

	out, err = cli.run("version")
	if err != nil || !strings.HasPrefix(string(out), "agentgate ") {
		t.Fatalf("version: %v\n%s", err, out)
	}
}
