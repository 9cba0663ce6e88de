package mcpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hylla/shiftsync/internal/adapters/server/common"
	"github.com/hylla/shiftsync/internal/domain"
	"github.com/mark3labs/mcp-go/mcp"
)

// stubAttendance provides deterministic command responses for MCP tool tests.
type stubAttendance struct {
	result      common.CommandResult
	detail      common.SessionDetail
	err         error
	lastSubmit  common.CommandRequest
	lastSession string
}

// Submit records the latest request and returns one fixture result.
func (s *stubAttendance) Submit(_ context.Context, req common.CommandRequest) (common.CommandResult, error) {
	s.lastSubmit = req
	if s.err != nil {
		return common.CommandResult{}, s.err
	}
	return s.result, nil
}

// SessionDetail records the latest id and returns one fixture detail.
func (s *stubAttendance) SessionDetail(_ context.Context, id string) (common.SessionDetail, error) {
	s.lastSession = id
	if s.err != nil {
		return common.SessionDetail{}, s.err
	}
	return s.detail, nil
}

type stubLiveStatus struct {
	statuses []domain.LiveStatus
}

func (s *stubLiveStatus) Snapshot(context.Context) ([]domain.LiveStatus, error) {
	return s.statuses, nil
}

func (s *stubLiveStatus) EmployeeSnapshot(_ context.Context, employeeID string) (domain.LiveStatus, error) {
	return domain.LiveStatus{EmployeeID: employeeID, Status: domain.PresenceOffline}, nil
}

type stubDeadLetters struct {
	lastLimit int
}

func (s *stubDeadLetters) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	s.lastLimit = limit
	return nil, nil
}

// jsonRPCResponse models minimal JSON-RPC response fields used in MCP adapter tests.
type jsonRPCResponse struct {
	ID     float64        `json:"id"`
	Result map[string]any `json:"result"`
}

// callToolRequest constructs one deterministic tools/call JSON-RPC request payload.
func callToolRequest(id int, toolName string, arguments map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": arguments,
		},
	}
}

// toolResultText decodes the first text entry from one tool-call result payload.
func toolResultText(t *testing.T, result map[string]any) string {
	t.Helper()
	contentRaw, ok := result["content"].([]any)
	if !ok || len(contentRaw) == 0 {
		t.Fatalf("content missing in tool result: %#v", result)
	}
	first, ok := contentRaw[0].(map[string]any)
	if !ok {
		t.Fatalf("first content entry has unexpected type: %#v", contentRaw[0])
	}
	text, ok := first["text"].(string)
	if !ok {
		t.Fatalf("content text missing in tool result: %#v", first)
	}
	return text
}

// postJSONRPC sends one JSON-RPC payload and decodes the response body.
func postJSONRPC(t *testing.T, client *http.Client, url string, payload any) (*http.Response, jsonRPCResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	var decoded jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return resp, decoded
}

// initializeRequest builds a deterministic MCP initialize request payload.
func initializeRequest() map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"clientInfo": map[string]any{
				"name":    "shiftsync-test",
				"version": "1.0.0",
			},
		},
	}
}

// newTestServer starts one MCP adapter over httptest and runs initialize.
func newTestServer(t *testing.T, services Services) *httptest.Server {
	t.Helper()
	handler, err := NewHandler(Config{}, services)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	_, _ = postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	return server
}

func listToolNames(t *testing.T, server *httptest.Server) []string {
	t.Helper()
	_, toolsResp := postJSONRPC(t, server.Client(), server.URL, map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	})
	toolsRaw, ok := toolsResp.Result["tools"].([]any)
	if !ok {
		t.Fatalf("tools list payload missing tools: %#v", toolsResp.Result)
	}
	names := make([]string, 0, len(toolsRaw))
	for _, toolRaw := range toolsRaw {
		toolMap, ok := toolRaw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		names = append(names, name)
	}
	return names
}

// TestNewHandlerRequiresAttendance verifies construction fails closed without the command service.
func TestNewHandlerRequiresAttendance(t *testing.T) {
	if _, err := NewHandler(Config{}, Services{}); err == nil {
		t.Fatal("NewHandler() error = nil, want error")
	}
}

// TestHandlerUsesStatelessTransport verifies MCP transport does not issue session ids.
func TestHandlerUsesStatelessTransport(t *testing.T) {
	handler, err := NewHandler(Config{}, Services{Attendance: &stubAttendance{}})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, decoded := postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if decoded.ID != 1 {
		t.Fatalf("id = %v, want 1", decoded.ID)
	}
	if got := resp.Header.Get("Mcp-Session-Id"); got != "" {
		t.Fatalf("Mcp-Session-Id header = %q, want empty (stateless transport)", got)
	}
}

// TestHandlerRegistersTools verifies tool discovery tracks the configured services.
func TestHandlerRegistersTools(t *testing.T) {
	names := listToolNames(t, newTestServer(t, Services{Attendance: &stubAttendance{}}))
	for _, required := range []string{
		"shiftsync.clock_in",
		"shiftsync.clock_out",
		"shiftsync.break_start",
		"shiftsync.break_end",
		"shiftsync.session",
	} {
		if !slices.Contains(names, required) {
			t.Fatalf("tool list missing %s: %#v", required, names)
		}
	}
	if slices.Contains(names, "shiftsync.live_status") || slices.Contains(names, "shiftsync.dead_letters") {
		t.Fatalf("unexpected optional tools without services: %#v", names)
	}

	names = listToolNames(t, newTestServer(t, Services{
		Attendance:  &stubAttendance{},
		LiveStatus:  &stubLiveStatus{},
		DeadLetters: &stubDeadLetters{},
	}))
	if !slices.Contains(names, "shiftsync.live_status") || !slices.Contains(names, "shiftsync.dead_letters") {
		t.Fatalf("tool list missing optional tools: %#v", names)
	}
}

// TestHandlerClockInForwardsArguments verifies tool arguments map onto the command request.
func TestHandlerClockInForwardsArguments(t *testing.T) {
	session := domain.Session{ID: "s1", EmployeeID: "e1", Status: domain.SessionWorking}
	attendance := &stubAttendance{result: common.CommandResult{Accepted: true, Session: &session}}
	server := newTestServer(t, Services{Attendance: attendance})

	_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "shiftsync.clock_in", map[string]any{
		"employee_id": "e1",
		"latitude":    -6.2,
		"longitude":   106.816666,
		"accuracy":    9.5,
		"occurred_at": "2026-03-02T09:00:00Z",
		"note":        "gate b",
	}))
	if isErr, _ := resp.Result["isError"].(bool); isErr {
		t.Fatalf("unexpected tool error: %s", toolResultText(t, resp.Result))
	}
	got := attendance.lastSubmit
	if got.Type != domain.ActivityClockIn || got.EmployeeID != "e1" || got.Note != "gate b" {
		t.Fatalf("unexpected request %#v", got)
	}
	if got.Latitude == nil || *got.Latitude != -6.2 || got.Longitude == nil || got.Accuracy != 9.5 {
		t.Fatalf("unexpected coordinates %#v", got)
	}
	if got.OccurredAt == nil || !got.OccurredAt.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected occurred_at %#v", got.OccurredAt)
	}
	if !strings.Contains(toolResultText(t, resp.Result), `"s1"`) {
		t.Fatalf("expected session payload in result, got %s", toolResultText(t, resp.Result))
	}
}

// TestHandlerTransitionOmitsLocation verifies absent coordinates stay unset.
func TestHandlerTransitionOmitsLocation(t *testing.T) {
	attendance := &stubAttendance{result: common.CommandResult{Accepted: true, Queued: true, CommandID: "c1"}}
	server := newTestServer(t, Services{Attendance: attendance})

	_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "shiftsync.break_end", map[string]any{
		"session_id": "s1",
		"async":      true,
	}))
	if isErr, _ := resp.Result["isError"].(bool); isErr {
		t.Fatalf("unexpected tool error: %s", toolResultText(t, resp.Result))
	}
	got := attendance.lastSubmit
	if got.Type != domain.ActivityBreakEnd || got.SessionID != "s1" || !got.Async {
		t.Fatalf("unexpected request %#v", got)
	}
	if got.Latitude != nil || got.Longitude != nil {
		t.Fatalf("expected no coordinates, got %#v", got)
	}
}

// TestHandlerMapsErrors verifies tool failures carry stable error codes.
func TestHandlerMapsErrors(t *testing.T) {
	cases := []struct {
		name     string
		tool     string
		args     map[string]any
		err      error
		wantCode string
	}{
		{name: "rejection", tool: "shiftsync.clock_in", args: map[string]any{"employee_id": "e1", "latitude": 1.0, "longitude": 1.0}, err: domain.ErrOutOfRange, wantCode: "out_of_range"},
		{name: "already clocked in", tool: "shiftsync.clock_in", args: map[string]any{"employee_id": "e1", "latitude": 1.0, "longitude": 1.0}, err: domain.ErrAlreadyClockedIn, wantCode: "already_clocked_in"},
		{name: "missing session", tool: "shiftsync.clock_out", args: map[string]any{}, wantCode: "invalid_request"},
		{name: "bad timestamp", tool: "shiftsync.clock_out", args: map[string]any{"session_id": "s1", "occurred_at": "yesterday"}, wantCode: "invalid_request"},
		{name: "session not found", tool: "shiftsync.session", args: map[string]any{"session_id": "nope"}, err: common.ErrNotFound, wantCode: "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t, Services{Attendance: &stubAttendance{err: tc.err}})
			_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, tc.tool, tc.args))
			if isErr, _ := resp.Result["isError"].(bool); !isErr {
				t.Fatalf("expected tool error, got %#v", resp.Result)
			}
			if text := toolResultText(t, resp.Result); !strings.HasPrefix(text, tc.wantCode+": ") {
				t.Fatalf("expected %s prefix, got %q", tc.wantCode, text)
			}
		})
	}
}

// TestHandlerDeadLettersLimit verifies the default and explicit limits reach the reader.
func TestHandlerDeadLettersLimit(t *testing.T) {
	letters := &stubDeadLetters{}
	server := newTestServer(t, Services{Attendance: &stubAttendance{}, DeadLetters: letters})

	_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(5, "shiftsync.dead_letters", map[string]any{}))
	if isErr, _ := resp.Result["isError"].(bool); isErr {
		t.Fatalf("unexpected tool error: %s", toolResultText(t, resp.Result))
	}
	if letters.lastLimit != defaultDeadLetterLimit {
		t.Fatalf("limit = %d, want %d", letters.lastLimit, defaultDeadLetterLimit)
	}
	_, _ = postJSONRPC(t, server.Client(), server.URL, callToolRequest(6, "shiftsync.dead_letters", map[string]any{"limit": 3}))
	if letters.lastLimit != 3 {
		t.Fatalf("limit = %d, want 3", letters.lastLimit)
	}
}
