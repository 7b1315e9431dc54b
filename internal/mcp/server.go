package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"attendanced/internal/core"
	"attendanced/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Engine is the part of the job coordinator exposed as tools.
type Engine interface {
	Trigger(ctx context.Context, action core.ActionKind) core.Ack
	Job(id string) (core.JobHandle, bool)
	Latest(action core.ActionKind) (core.JobHandle, bool)
}

// History reads the attempt ledger.
type History interface {
	ListAttempts(ctx context.Context, filter store.Filter, limit, offset int) ([]*core.Attempt, error)
}

// MCPServer exposes attendance triggers and history over the Model Context Protocol.
type MCPServer struct {
	engine   Engine
	history  History
	logger   *slog.Logger
	location *time.Location
	server   *server.MCPServer
}

// NewMCPServer creates the server and registers its tools. A nil engine
// reports every trigger as disabled.
func NewMCPServer(engine Engine, history History, logger *slog.Logger, location *time.Location, version string) *MCPServer {
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		engine:   engine,
		history:  history,
		logger:   logger,
		location: location,
		server: server.NewMCPServer(
			"attendanced",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Run serves the protocol on stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// HTTPHandler returns a streamable HTTP transport for mounting under /mcp.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("attendance_trigger",
		mcp.WithDescription("Start a sign-in or sign-out job. Returns immediately with a job id; poll attendance_job_status for the outcome."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Which attendance mark to make"),
			mcp.Enum(string(core.ActionSignIn), string(core.ActionSignOut)),
		),
	), s.handleTrigger)

	s.server.AddTool(mcp.NewTool("attendance_job_status",
		mcp.WithDescription("Show the state of a job by id, or the latest job for an action"),
		mcp.WithString("job_id",
			mcp.Description("Job id returned by attendance_trigger"),
		),
		mcp.WithString("action",
			mcp.Description("Show the latest job for this action when job_id is omitted"),
			mcp.Enum(string(core.ActionSignIn), string(core.ActionSignOut)),
		),
	), s.handleJobStatus)

	s.server.AddTool(mcp.NewTool("attendance_history",
		mcp.WithDescription("List recorded attendance attempts, newest first"),
		mcp.WithString("action",
			mcp.Description("Only attempts for this action"),
			mcp.Enum(string(core.ActionSignIn), string(core.ActionSignOut)),
		),
		mcp.WithString("day",
			mcp.Description("Only attempts for this day (YYYY-MM-DD)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of attempts to return, default 10"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleHistory)
}

func (s *MCPServer) handleTrigger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := core.ParseAction(mcp.ParseString(request, "action", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.engine == nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s rejected: %s", action, core.ReasonDisabled)), nil
	}
	ack := s.engine.Trigger(ctx, action)
	s.logger.Info("attendance trigger via mcp", "action", action, "accepted", ack.Accepted, "reason", ack.Reason)
	if !ack.Accepted {
		return mcp.NewToolResultText(fmt.Sprintf("%s rejected: %s", action, ack.Reason)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s accepted\nJob ID: %s", action, ack.JobID)), nil
}

func (s *MCPServer) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return mcp.NewToolResultError("automation engine is disabled"), nil
	}
	var (
		handle core.JobHandle
		ok     bool
	)
	if jobID := mcp.ParseString(request, "job_id", ""); jobID != "" {
		handle, ok = s.engine.Job(jobID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("job not found or expired: %s", jobID)), nil
		}
	} else {
		raw := mcp.ParseString(request, "action", "")
		if raw == "" {
			return mcp.NewToolResultError("job_id or action is required"), nil
		}
		action, err := core.ParseAction(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		handle, ok = s.engine.Latest(action)
		if !ok {
			return mcp.NewToolResultText(fmt.Sprintf("no recent %s job", action)), nil
		}
	}
	return mcp.NewToolResultText(s.describeJob(handle)), nil
}

func (s *MCPServer) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("attempt ledger is not configured"), nil
	}
	var filter store.Filter
	if raw := mcp.ParseString(request, "action", ""); raw != "" {
		action, err := core.ParseAction(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Action = action
	}
	if day := mcp.ParseString(request, "day", ""); day != "" {
		if _, err := time.Parse(core.DayLayout, day); err != nil {
			return mcp.NewToolResultError("day must be YYYY-MM-DD"), nil
		}
		filter.Day = day
	}
	limit := int(mcp.ParseFloat64(request, "limit", 10))

	attempts, err := s.history.ListAttempts(ctx, filter, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list attempts: %v", err)), nil
	}
	if len(attempts) == 0 {
		return mcp.NewToolResultText("no attempts recorded"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d attempts:\n\n", len(attempts))
	for _, a := range attempts {
		b.WriteString(s.describeAttempt(a))
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) describeJob(h core.JobHandle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s (%s)\n", h.ID, h.Action)
	fmt.Fprintf(&b, "State: %s\n", h.State)
	fmt.Fprintf(&b, "Accepted: %s\n", formatTime(h.AcceptedAt, s.location))
	if h.Attempt != nil && h.Attempt.FinishedAt != nil {
		b.WriteString(s.describeAttempt(h.Attempt))
	}
	return b.String()
}

func (s *MCPServer) describeAttempt(a *core.Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s on %s\n", outcomeIcon(a.Outcome.Kind), a.Action, a.Outcome, a.Day)
	fmt.Fprintf(&b, "    Attempt: %s\n", a.ID)
	if a.FinishedAt != nil {
		fmt.Fprintf(&b, "    Finished: %s\n", formatTime(*a.FinishedAt, s.location))
	}
	fmt.Fprintf(&b, "    Source: %s, tries: %d\n", a.Source, a.Tries)
	if a.Duplicate {
		b.WriteString("    Duplicate of an earlier success\n")
	}
	if a.Outcome.Detail != "" {
		fmt.Fprintf(&b, "    Detail: %s\n", truncateString(a.Outcome.Detail, 200))
	}
	return b.String()
}

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04:05 MST")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func outcomeIcon(kind core.OutcomeKind) string {
	switch kind {
	case core.OutcomeSuccess:
		return "✅"
	case core.OutcomeAlreadyMarked:
		return "☑️"
	case core.OutcomeAuthenticationFailed:
		return "🔒"
	case core.OutcomeBrowserFailure, core.OutcomeAPIFailure:
		return "❌"
	default:
		return "❓"
	}
}
