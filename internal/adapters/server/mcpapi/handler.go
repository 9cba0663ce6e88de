// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hylla/shiftsync/internal/adapters/server/common"
	"github.com/hylla/shiftsync/internal/domain"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// defaultDeadLetterLimit caps dead letter listings when the caller sends no limit.
const defaultDeadLetterLimit = 25

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Services lists the backends exposed as tools. Only Attendance is required.
type Services struct {
	Attendance  common.AttendanceService
	LiveStatus  common.LiveStatusReader
	DeadLetters common.DeadLetterReader
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter with attendance tools plus optional live status and dead letter tools.
func NewHandler(cfg Config, services Services) (*Handler, error) {
	if services.Attendance == nil {
		return nil, fmt.Errorf("attendance service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerCommandTools(mcpSrv, services.Attendance)
	registerSessionTool(mcpSrv, services.Attendance)
	if services.LiveStatus != nil {
		registerLiveStatusTool(mcpSrv, services.LiveStatus)
	}
	if services.DeadLetters != nil {
		registerDeadLetterTool(mcpSrv, services.DeadLetters)
	}

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "shiftsync"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// commandTools describes the four attendance command tools.
var commandTools = []struct {
	typ         domain.ActivityType
	description string
}{
	{typ: domain.ActivityClockIn, description: "Clock an employee in at a configured office site."},
	{typ: domain.ActivityClockOut, description: "Clock out of one open session."},
	{typ: domain.ActivityBreakStart, description: "Start a break on one working session."},
	{typ: domain.ActivityBreakEnd, description: "End the break on one session."},
}

// registerCommandTools registers `shiftsync.clock_in`, `shiftsync.clock_out`, `shiftsync.break_start`, and `shiftsync.break_end`.
func registerCommandTools(srv *mcpserver.MCPServer, attendance common.AttendanceService) {
	for _, spec := range commandTools {
		typ := spec.typ
		opts := []mcp.ToolOption{mcp.WithDescription(spec.description)}
		if typ == domain.ActivityClockIn {
			opts = append(opts,
				mcp.WithString("employee_id", mcp.Required(), mcp.Description("Employee identifier")),
				mcp.WithNumber("latitude", mcp.Required(), mcp.Description("Latitude in decimal degrees")),
				mcp.WithNumber("longitude", mcp.Required(), mcp.Description("Longitude in decimal degrees")),
			)
		} else {
			opts = append(opts,
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
				mcp.WithString("employee_id", mcp.Description("Optional owner check")),
				mcp.WithNumber("latitude", mcp.Description("Optional latitude in decimal degrees")),
				mcp.WithNumber("longitude", mcp.Description("Optional longitude in decimal degrees")),
			)
		}
		opts = append(opts,
			mcp.WithNumber("accuracy", mcp.Description("Reported accuracy in meters")),
			mcp.WithString("occurred_at", mcp.Description("RFC3339 timestamp; defaults to now")),
			mcp.WithString("note", mcp.Description("Optional note")),
			mcp.WithString("attachment_ref", mcp.Description("Optional attachment reference")),
			mcp.WithBoolean("async", mcp.Description("Queue the command instead of applying it inline")),
		)
		srv.AddTool(
			mcp.NewTool("shiftsync."+string(typ), opts...),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				cmdReq, err := commandRequestFrom(typ, req)
				if err != nil {
					return toolResultFromError(err), nil
				}
				out, err := attendance.Submit(ctx, cmdReq)
				if err != nil {
					return toolResultFromError(err), nil
				}
				result, err := mcp.NewToolResultJSON(out)
				if err != nil {
					return nil, fmt.Errorf("encode %s result: %w", typ, err)
				}
				return result, nil
			},
		)
	}
}

// commandRequestFrom maps tool arguments onto one command request.
func commandRequestFrom(typ domain.ActivityType, req mcp.CallToolRequest) (common.CommandRequest, error) {
	out := common.CommandRequest{
		Type:          typ,
		EmployeeID:    req.GetString("employee_id", ""),
		SessionID:     req.GetString("session_id", ""),
		Accuracy:      req.GetFloat("accuracy", 0),
		Note:          req.GetString("note", ""),
		AttachmentRef: req.GetString("attachment_ref", ""),
		Async:         req.GetBool("async", false),
	}
	if typ == domain.ActivityClockIn {
		if _, err := req.RequireString("employee_id"); err != nil {
			return common.CommandRequest{}, fmt.Errorf("%w: %v", common.ErrInvalidRequest, err)
		}
	} else if _, err := req.RequireString("session_id"); err != nil {
		return common.CommandRequest{}, fmt.Errorf("%w: %v", common.ErrInvalidRequest, err)
	}
	args := req.GetArguments()
	if _, ok := args["latitude"]; ok {
		lat := req.GetFloat("latitude", 0)
		out.Latitude = &lat
	}
	if _, ok := args["longitude"]; ok {
		lon := req.GetFloat("longitude", 0)
		out.Longitude = &lon
	}
	if raw := strings.TrimSpace(req.GetString("occurred_at", "")); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return common.CommandRequest{}, fmt.Errorf("%w: occurred_at must be RFC3339", domain.ErrInvalidTimestamp)
		}
		out.OccurredAt = &at
	}
	return out, nil
}

// registerSessionTool registers the `shiftsync.session` tool.
func registerSessionTool(srv *mcpserver.MCPServer, attendance common.AttendanceService) {
	srv.AddTool(
		mcp.NewTool(
			"shiftsync.session",
			mcp.WithDescription("Return one session with its activity events and worked time."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			sessionID, err := req.RequireString("session_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			detail, err := attendance.SessionDetail(ctx, sessionID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(detail)
			if err != nil {
				return nil, fmt.Errorf("encode session result: %w", err)
			}
			return result, nil
		},
	)
}

// registerLiveStatusTool registers the `shiftsync.live_status` tool.
func registerLiveStatusTool(srv *mcpserver.MCPServer, live common.LiveStatusReader) {
	srv.AddTool(
		mcp.NewTool(
			"shiftsync.live_status",
			mcp.WithDescription("Return the live presence snapshot, optionally for one employee."),
			mcp.WithString("employee_id", mcp.Description("Optional employee filter")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			resp := common.LiveStatusResponse{AsOf: time.Now().UTC()}
			if employeeID := strings.TrimSpace(req.GetString("employee_id", "")); employeeID != "" {
				status, err := live.EmployeeSnapshot(ctx, employeeID)
				if err != nil {
					return toolResultFromError(err), nil
				}
				resp.Statuses = []domain.LiveStatus{status}
			} else {
				statuses, err := live.Snapshot(ctx)
				if err != nil {
					return toolResultFromError(err), nil
				}
				resp.Statuses = statuses
			}
			if resp.Statuses == nil {
				resp.Statuses = []domain.LiveStatus{}
			}
			result, err := mcp.NewToolResultJSON(resp)
			if err != nil {
				return nil, fmt.Errorf("encode live_status result: %w", err)
			}
			return result, nil
		},
	)
}

// registerDeadLetterTool registers the `shiftsync.dead_letters` tool.
func registerDeadLetterTool(srv *mcpserver.MCPServer, letters common.DeadLetterReader) {
	srv.AddTool(
		mcp.NewTool(
			"shiftsync.dead_letters",
			mcp.WithDescription("List sync events that exhausted their retries, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum rows to return")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			limit := req.GetInt("limit", defaultDeadLetterLimit)
			if limit <= 0 {
				return toolResultFromError(fmt.Errorf("%w: limit must be positive", common.ErrInvalidRequest)), nil
			}
			rows, err := letters.ListDeadLetters(ctx, limit)
			if err != nil {
				return toolResultFromError(err), nil
			}
			if rows == nil {
				rows = []domain.DeadLetter{}
			}
			result, err := mcp.NewToolResultJSON(common.DeadLetterResponse{DeadLetters: rows})
			if err != nil {
				return nil, fmt.Errorf("encode dead_letters result: %w", err)
			}
			return result, nil
		},
	)
}

// toolResultFromError maps adapter errors into stable `code: message` tool failures.
func toolResultFromError(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("unknown error")
	}
	return mcp.NewToolResultError(common.Code(err) + ": " + err.Error())
}
