// Package mcp exposes the coordination protocol as MCP tools over stdio,
// so agent runtimes drive sessions through their native tool-calling
// interface instead of shelling out to the CLI.
package mcp

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/coordination"
	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/types/protocol"
	"github.com/comzine/acp/pkg/version"
)

// Server wraps a coordination store behind an MCP tool surface. Every tool
// is session-scoped through a session_id argument, so one server instance
// serves any number of concurrent sessions.
type Server struct {
	store coordination.Store
	mcp   *server.MCPServer
}

// NewServer builds the tool surface over the given store.
func NewServer(store coordination.Store) *Server {
	s := &Server{store: store}

	m := server.NewMCPServer("acp", version.Get().Version)

	m.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a new coordination session and return its id"),
		mcp.WithString("metadata", mcp.Description("Optional JSON object of free-form session metadata")),
	), s.handleCreateSession)

	m.AddTool(mcp.NewTool("register_worker",
		mcp.WithDescription("Register a worker with optional dependencies (comma-separated worker names)"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to operate on")),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Worker name to register")),
		mcp.WithString("depends_on", mcp.Description("Comma-separated names of workers that must complete first")),
	), s.handleRegisterWorker)

	m.AddTool(mcp.NewTool("try_start",
		mcp.WithDescription("Atomically start the worker if all its dependencies completed; returns started=false while they are pending"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to operate on")),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Worker name to start")),
	), s.handleTryStart)

	m.AddTool(mcp.NewTool("complete_worker",
		mcp.WithDescription("Mark an in-progress worker completed, recording its report reference"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to operate on")),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Worker name to complete")),
		mcp.WithString("report_ref", mcp.Description("Report reference, defaults to the worker name")),
	), s.handleCompleteWorker)

	m.AddTool(mcp.NewTool("fail_worker",
		mcp.WithDescription("Mark a waiting or in-progress worker failed with an error detail"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to operate on")),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Worker name to fail")),
		mcp.WithString("error_detail", mcp.Required(), mcp.Description("Human-readable failure description")),
	), s.handleFailWorker)

	m.AddTool(mcp.NewTool("update_progress",
		mcp.WithDescription("Replace the progress note of a non-terminal worker"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to operate on")),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Worker name")),
		mcp.WithString("note", mcp.Required(), mcp.Description("Progress note")),
	), s.handleUpdateProgress)

	m.AddTool(mcp.NewTool("snapshot",
		mcp.WithDescription("Read a consistent snapshot of the session's coordination table"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to read")),
	), s.handleSnapshot)

	m.AddTool(mcp.NewTool("append_event",
		mcp.WithDescription("Append one event to the session's log"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to operate on")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Worker name emitting the event")),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Event kind, e.g. status, finding, data_artifact_created, error, completed")),
		mcp.WithString("payload", mcp.Description("Optional JSON payload")),
	), s.handleAppendEvent)

	m.AddTool(mcp.NewTool("read_events",
		mcp.WithDescription("Read events after the given cursor; returns the events and the next cursor"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to read")),
		mcp.WithString("from", mcp.Description("Cursor from a previous call, defaults to 0 for the whole log")),
	), s.handleReadEvents)

	m.AddTool(mcp.NewTool("write_report",
		mcp.WithDescription("Write the worker's single report document (write-once per worker)"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to operate on")),
		mcp.WithString("report", mcp.Required(), mcp.Description("The report as a JSON document")),
	), s.handleWriteReport)

	m.AddTool(mcp.NewTool("read_report",
		mcp.WithDescription("Read one worker's report"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to read")),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Worker whose report to read")),
	), s.handleReadReport)

	m.AddTool(mcp.NewTool("write_artifact",
		mcp.WithDescription("Store a keyed JSON artifact (write-once per key)"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to operate on")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Artifact key, slash-separated path segments")),
		mcp.WithString("content", mcp.Required(), mcp.Description("The artifact as a JSON document")),
	), s.handleWriteArtifact)

	m.AddTool(mcp.NewTool("read_artifact",
		mcp.WithDescription("Read the artifact stored under a key"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to read")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Artifact key")),
	), s.handleReadArtifact)

	m.AddTool(mcp.NewTool("list_artifacts",
		mcp.WithDescription("List artifact keys, optionally filtered by a glob pattern such as api/**"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to read")),
		mcp.WithString("pattern", mcp.Description("Optional glob pattern")),
	), s.handleListArtifacts)

	s.mcp = m
	return s
}

// ServeStdio serves the tool surface on stdin/stdout until EOF.
func (s *Server) ServeStdio(ctx context.Context) error {
	logger.G(ctx).Info("serving coordination tools over stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) openSession(ctx context.Context, id string) (*coordination.Session, error) {
	return coordination.OpenSession(ctx, s.store, id)
}

// createSession backs the create_session tool.
func (s *Server) createSession(ctx context.Context, metadataJSON string) (string, error) {
	var opts []coordination.SessionOption
	if metadataJSON != "" {
		var metadata map[string]string
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return "", errors.Wrap(err, "metadata is not a JSON object of strings")
		}
		opts = append(opts, coordination.WithMetadata(metadata))
	}

	sess, err := coordination.CreateSession(ctx, s.store, opts...)
	if err != nil {
		return "", err
	}
	return jsonResult(map[string]string{"sessionId": sess.ID()})
}

func (s *Server) registerWorker(ctx context.Context, sessionID, worker, dependsOn string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := sess.RegisterWorker(ctx, worker, splitList(dependsOn)...); err != nil {
		return "", err
	}
	return jsonResult(map[string]any{"registered": worker})
}

func (s *Server) tryStart(ctx context.Context, sessionID, worker string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	started, err := sess.TryStart(ctx, worker)
	if err != nil {
		return "", err
	}
	return jsonResult(map[string]bool{"started": started})
}

func (s *Server) completeWorker(ctx context.Context, sessionID, worker, reportRef string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if reportRef == "" {
		reportRef = worker
	}
	if err := sess.Complete(ctx, worker, reportRef); err != nil {
		return "", err
	}
	return jsonResult(map[string]string{"completed": worker, "reportRef": reportRef})
}

func (s *Server) failWorker(ctx context.Context, sessionID, worker, detail string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := sess.Fail(ctx, worker, detail); err != nil {
		return "", err
	}
	return jsonResult(map[string]string{"failed": worker})
}

func (s *Server) updateProgress(ctx context.Context, sessionID, worker, note string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := sess.UpdateProgress(ctx, worker, note); err != nil {
		return "", err
	}
	return jsonResult(map[string]string{"worker": worker, "progressNote": note})
}

func (s *Server) snapshot(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	table, err := sess.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return jsonResult(table)
}

func (s *Server) appendEvent(ctx context.Context, sessionID, source, kind, payload string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var raw json.RawMessage
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return "", errors.New("payload is not valid JSON")
		}
		raw = json.RawMessage(payload)
	}
	ev, err := protocol.NewEvent(source, protocol.EventKind(kind), nil)
	if err != nil {
		return "", err
	}
	ev.Payload = raw
	if err := sess.AppendEvent(ctx, ev); err != nil {
		return "", err
	}
	return jsonResult(map[string]string{"appended": string(ev.Kind)})
}

func (s *Server) readEvents(ctx context.Context, sessionID, from string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var cursor int64
	if from != "" {
		cursor, err = strconv.ParseInt(from, 10, 64)
		if err != nil {
			return "", errors.Wrapf(err, "bad cursor %q", from)
		}
	}
	events, next, err := sess.TailEvents(ctx, cursor)
	if err != nil {
		return "", err
	}
	return jsonResult(map[string]any{"events": events, "nextCursor": next})
}

func (s *Server) writeReport(ctx context.Context, sessionID, reportJSON string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var report protocol.Report
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return "", errors.Wrap(err, "report is not a valid JSON document")
	}
	if err := sess.WriteReport(ctx, &report); err != nil {
		return "", err
	}
	return jsonResult(map[string]string{"reportRef": report.WorkerName})
}

func (s *Server) readReport(ctx context.Context, sessionID, worker string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	report, err := sess.Report(ctx, worker)
	if err != nil {
		return "", err
	}
	return jsonResult(report)
}

func (s *Server) writeArtifact(ctx context.Context, sessionID, key, content string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := sess.WriteArtifact(ctx, key, json.RawMessage(content)); err != nil {
		return "", err
	}
	return jsonResult(map[string]string{"key": key})
}

func (s *Server) readArtifact(ctx context.Context, sessionID, key string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	doc, err := sess.ReadArtifact(ctx, key)
	if err != nil {
		return "", err
	}
	return string(doc), nil
}

func (s *Server) listArtifacts(ctx context.Context, sessionID, pattern string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	keys, err := sess.ListArtifacts(ctx, pattern)
	if err != nil {
		return "", err
	}
	return jsonResult(map[string]any{"keys": keys})
}

func jsonResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal result")
	}
	return string(data), nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
