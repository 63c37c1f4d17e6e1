package acceptance

import (
	"strings"
	"testing"
)

func TestEventAppendAndRead(t *testing.T) {
	sessionID, basePath := newTestSession(t)

	mustRunACP(t, basePath, "event", "finding",
		"--source", "auditor",
		"--payload", `{"finding":{"type":"missing_auth","severity":"high","title":"unauthenticated endpoint"}}`,
		"--session", sessionID)
	mustRunACP(t, basePath, "event", "status",
		"--source", "scanner",
		"--payload", `{"message":"scanning"}`,
		"--session", sessionID)

	output := mustRunACP(t, basePath, "events", "--session", sessionID)
	if !strings.Contains(output, "finding") || !strings.Contains(output, "auditor") {
		t.Errorf("events should show the finding event, got: %s", output)
	}
	if !strings.Contains(output, "scanner") {
		t.Errorf("events should show the status event, got: %s", output)
	}
}

func TestEventKindFilter(t *testing.T) {
	sessionID, basePath := newTestSession(t)

	mustRunACP(t, basePath, "event", "finding", "--source", "auditor",
		"--payload", `{"finding":{"type":"x","severity":"low","title":"t"}}`,
		"--session", sessionID)
	mustRunACP(t, basePath, "event", "status", "--source", "scanner",
		"--payload", `{"message":"hello"}`,
		"--session", sessionID)

	output := mustRunACP(t, basePath, "events", "--kind", "status", "--session", sessionID)
	if strings.Contains(output, "auditor") {
		t.Errorf("kind filter should hide the finding event, got: %s", output)
	}
	if !strings.Contains(output, "scanner") {
		t.Errorf("kind filter should keep the status event, got: %s", output)
	}
}

func TestEventRejectsInvalidPayload(t *testing.T) {
	sessionID, basePath := newTestSession(t)

	output, err := runACP(t, basePath, "event", "status",
		"--source", "scanner", "--payload", "{not json", "--session", sessionID)
	if err == nil {
		t.Fatalf("invalid payload should be rejected, got: %s", output)
	}
	if !strings.Contains(output, "JSON") {
		t.Errorf("error should mention JSON, got: %s", output)
	}
}
