package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comzine/acp/pkg/logger"
)

// toolResult converts a core method's (json, err) pair into an MCP tool
// result. Domain errors (duplicate registration, failed dependencies,
// contention) are reported inside the result so the calling agent sees
// them; they are not protocol failures.
func toolResult(ctx context.Context, tool, out string, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		logger.G(ctx).WithField("tool", tool).WithError(err).Debug("tool call failed")
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := s.createSession(ctx, request.GetString("metadata", ""))
	return toolResult(ctx, "create_session", out, err)
}

func (s *Server) handleRegisterWorker(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	worker, err := request.RequireString("worker")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.registerWorker(ctx, sessionID, worker, request.GetString("depends_on", ""))
	return toolResult(ctx, "register_worker", out, err)
}

func (s *Server) handleTryStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	worker, err := request.RequireString("worker")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.tryStart(ctx, sessionID, worker)
	return toolResult(ctx, "try_start", out, err)
}

func (s *Server) handleCompleteWorker(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	worker, err := request.RequireString("worker")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.completeWorker(ctx, sessionID, worker, request.GetString("report_ref", ""))
	return toolResult(ctx, "complete_worker", out, err)
}

func (s *Server) handleFailWorker(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	worker, err := request.RequireString("worker")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	detail, err := request.RequireString("error_detail")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.failWorker(ctx, sessionID, worker, detail)
	return toolResult(ctx, "fail_worker", out, err)
}

func (s *Server) handleUpdateProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	worker, err := request.RequireString("worker")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := request.RequireString("note")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.updateProgress(ctx, sessionID, worker, note)
	return toolResult(ctx, "update_progress", out, err)
}

func (s *Server) handleSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.snapshot(ctx, sessionID)
	return toolResult(ctx, "snapshot", out, err)
}

func (s *Server) handleAppendEvent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source, err := request.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := request.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.appendEvent(ctx, sessionID, source, kind, request.GetString("payload", ""))
	return toolResult(ctx, "append_event", out, err)
}

func (s *Server) handleReadEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.readEvents(ctx, sessionID, request.GetString("from", ""))
	return toolResult(ctx, "read_events", out, err)
}

func (s *Server) handleWriteReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, err := request.RequireString("report")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.writeReport(ctx, sessionID, report)
	return toolResult(ctx, "write_report", out, err)
}

func (s *Server) handleReadReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	worker, err := request.RequireString("worker")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.readReport(ctx, sessionID, worker)
	return toolResult(ctx, "read_report", out, err)
}

func (s *Server) handleWriteArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	key, err := request.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.writeArtifact(ctx, sessionID, key, content)
	return toolResult(ctx, "write_artifact", out, err)
}

func (s *Server) handleReadArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	key, err := request.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.readArtifact(ctx, sessionID, key)
	return toolResult(ctx, "read_artifact", out, err)
}

func (s *Server) handleListArtifacts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.listArtifacts(ctx, sessionID, request.GetString("pattern", ""))
	return toolResult(ctx, "list_artifacts", out, err)
}
