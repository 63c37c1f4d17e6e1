package acceptance

import (
	"strings"
	"testing"
)

func TestSessionNewAndList(t *testing.T) {
	basePath := t.TempDir()

	sessionID := mustRunACP(t, basePath, "session", "new", "--quiet", "--meta", "purpose=acceptance")
	if strings.ContainsAny(sessionID, " \n") {
		t.Errorf("session new --quiet should print only the session id, got: %q", sessionID)
	}

	listOutput := mustRunACP(t, basePath, "session", "list")
	if !strings.Contains(listOutput, sessionID) {
		t.Errorf("session list should contain %s, got: %s", sessionID, listOutput)
	}
	if !strings.Contains(listOutput, "purpose=acceptance") {
		t.Errorf("session list should show metadata, got: %s", listOutput)
	}
}

func TestSessionShow(t *testing.T) {
	sessionID, basePath := newTestSession(t)

	mustRunACP(t, basePath, "register", "migrate", "--session", sessionID)

	output := mustRunACP(t, basePath, "session", "show", sessionID)
	if !strings.Contains(output, sessionID) {
		t.Errorf("session show should contain the session id, got: %s", output)
	}
	if !strings.Contains(output, "migrate") {
		t.Errorf("session show should list the registered worker, got: %s", output)
	}
}

func TestSessionShowUnknown(t *testing.T) {
	basePath := t.TempDir()

	output, err := runACP(t, basePath, "session", "show", "no-such-session")
	if err == nil {
		t.Fatalf("session show of an unknown session should fail, got: %s", output)
	}
	if !strings.Contains(output, "not found") {
		t.Errorf("error should mention not found, got: %s", output)
	}
}

func TestSessionRequiredForWorkerCommands(t *testing.T) {
	basePath := t.TempDir()

	output, err := runACP(t, basePath, "register", "migrate")
	if err == nil {
		t.Fatalf("register without --session should fail, got: %s", output)
	}
	if !strings.Contains(output, "session") {
		t.Errorf("error should point at the missing session, got: %s", output)
	}
}
