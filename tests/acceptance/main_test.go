package acceptance

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestMain runs setup and teardown for acceptance tests
func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}

// acpBinary returns the path of the compiled binary, skipping the test
// when it has not been built yet.
func acpBinary(t *testing.T) string {
	t.Helper()

	path, err := filepath.Abs("../../bin/acp")
	if err != nil {
		t.Fatalf("Failed to resolve binary path: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("acp binary not found at %s, build it first", path)
	}
	return path
}

// runACP executes the binary with ACP_BASE_PATH pointing at basePath and
// returns the trimmed combined output.
func runACP(t *testing.T, basePath string, args ...string) (string, error) {
	t.Helper()

	cmd := exec.Command(acpBinary(t), args...)
	cmd.Env = append(os.Environ(), "ACP_BASE_PATH="+basePath)
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

// mustRunACP is runACP but fails the test on a non-zero exit.
func mustRunACP(t *testing.T, basePath string, args ...string) string {
	t.Helper()

	output, err := runACP(t, basePath, args...)
	if err != nil {
		t.Fatalf("acp %s failed: %v\n%s", strings.Join(args, " "), err, output)
	}
	return output
}

// newTestSession creates a session in a fresh store and returns its id
// with the base path.
func newTestSession(t *testing.T) (sessionID, basePath string) {
	t.Helper()

	basePath = t.TempDir()
	sessionID = mustRunACP(t, basePath, "session", "new", "--quiet")
	if sessionID == "" {
		t.Fatal("session new printed no session id")
	}
	return sessionID, basePath
}
