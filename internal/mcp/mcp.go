// Package mcp implements the Model Context Protocol server for Kanri.
//
// The MCP server exposes the human-in-the-loop surface (status, pending
// approvals, approve/reject) through MCP tools, so an operator's assistant
// can triage approval queues with the same semantics as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/service/approvals"
	"github.com/ashita-ai/kanri/internal/service/runs"
	"github.com/ashita-ai/kanri/internal/storage"
)

// Server wraps the MCP server with Kanri's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	runSvc      *runs.Service
	approvalSvc *approvals.Service
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(runSvc *runs.Service, approvalSvc *approvals.Service, logger *slog.Logger) *Server {
	s := &Server{
		runSvc:      runSvc,
		approvalSvc: approvalSvc,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kanri",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// kanri_status: the agent's current aggregate status.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_status",
			mcplib.WithDescription(`Get the agent's current status: idle, working, or waiting_approval.

waiting_approval means a tool call is blocked on a human decision and is the
most actionable state: call kanri_pending_approvals next to see what is
waiting.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("thread_id",
				mcplib.Description("Optional: scope the status to one conversation thread"),
			),
		),
		s.handleStatus,
	)

	// kanri_pending_approvals: the approval queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_pending_approvals",
			mcplib.WithDescription(`List approval requests waiting on a human decision.

Each entry names the tool, its risk tier, and when the request expires.
Expired requests can no longer be approved: resolve them before the
deadline or the tool call is dropped.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("thread_id",
				mcplib.Description("Optional: only approvals from one conversation thread"),
			),
		),
		s.handlePendingApprovals,
	)

	// kanri_resolve_approval: approve or reject a pending request.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_resolve_approval",
			mcplib.WithDescription(`Approve or reject a pending approval request.

Resolution is final: a resolved request cannot be re-resolved with a
different outcome. If the request's deadline already passed, the resolution
fails and the request is marked expired instead, whatever you asked for.
Repeating an identical resolution is a safe no-op.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("approval_id",
				mcplib.Description("The approval request id (from kanri_pending_approvals)"),
				mcplib.Required(),
			),
			mcplib.WithString("outcome",
				mcplib.Description("Either \"approved\" or \"rejected\""),
				mcplib.Required(),
				mcplib.Enum("approved", "rejected"),
			),
			mcplib.WithString("resolver",
				mcplib.Description("Who is deciding (audit trail identity)"),
				mcplib.Required(),
			),
		),
		s.handleResolveApproval,
	)

	// kanri_run: one run with its tool calls.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_run",
			mcplib.WithDescription("Get a run's current state and all of its tool calls."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("The run id"),
				mcplib.Required(),
			),
		),
		s.handleRun,
	)
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	resp, err := s.runSvc.Status(ctx, request.GetString("thread_id", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("status failed: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) handlePendingApprovals(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	list, err := s.approvalSvc.List(ctx, storage.ApprovalFilter{
		ThreadID: request.GetString("thread_id", ""),
		Outcome:  model.ApprovalPending,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("list approvals failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"approvals": list,
		"total":     len(list),
	})
}

func (s *Server) handleResolveApproval(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	approvalID, err := uuid.Parse(request.GetString("approval_id", ""))
	if err != nil {
		return errorResult("approval_id must be a valid UUID"), nil
	}
	resolver := request.GetString("resolver", "")
	if resolver == "" {
		return errorResult("resolver is required"), nil
	}
	var outcome model.ApprovalOutcome
	switch request.GetString("outcome", "") {
	case "approved":
		outcome = model.ApprovalApproved
	case "rejected":
		outcome = model.ApprovalRejected
	default:
		return errorResult(`outcome must be "approved" or "rejected"`), nil
	}

	resolved, err := s.approvalSvc.Resolve(ctx, approvalID, outcome, resolver)
	if err != nil {
		return errorResult(fmt.Sprintf("resolve failed: %v", err)), nil
	}
	return jsonResult(resolved)
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a valid UUID"), nil
	}
	run, calls, err := s.runSvc.GetRun(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"run":        run,
		"tool_calls": calls,
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
