package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/civicrm-mcp/internal/apiv4"
	"github.com/xiy/civicrm-mcp/internal/civicrm"
	"github.com/xiy/civicrm-mcp/internal/config"
	"github.com/xiy/civicrm-mcp/internal/store"
	"github.com/xiy/civicrm-mcp/pkg/types"
)

type callFunc func(ctx context.Context, entity, action string, params map[string]any) (map[string]any, error)

type scriptedCaller struct{ fn callFunc }

func (c scriptedCaller) Call(ctx context.Context, entity, action string, params map[string]any) (map[string]any, error) {
	return c.fn(ctx, entity, action, params)
}

func (scriptedCaller) Close() error { return nil }

type captureSink struct {
	mu   sync.Mutex
	rows []store.MCPRequestLog
}

func (c *captureSink) InsertMCPRequestLog(_ context.Context, rec store.MCPRequestLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, rec)
	return nil
}

func (c *captureSink) snapshot() []store.MCPRequestLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.MCPRequestLog(nil), c.rows...)
}

func newTestServer(t *testing.T, fn callFunc, sink RequestLogSink) (*Server, *int32) {
	t.Helper()
	var opened int32
	factory := func() (civicrm.Caller, error) {
		atomic.AddInt32(&opened, 1)
		return scriptedCaller{fn: fn}, nil
	}
	logger := log.NewWithOptions(io.Discard, log.Options{})
	svc := civicrm.NewService(factory, nil, config.Default(), logger)
	return NewServer(svc, logger, sink), &opened
}

func noCRM(context.Context, string, string, map[string]any) (map[string]any, error) {
	return nil, errors.New("unexpected CRM call")
}

// serveLines runs Serve over JSON-line input and returns decoded responses keyed by id.
func serveLines(t *testing.T, srv *Server, lines ...string) map[string]map[string]any {
	t.Helper()
	in := bytes.NewBufferString(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	got := map[string]map[string]any{}
	for _, line := range bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var resp map[string]any
		if err := json.Unmarshal(line, &resp); err != nil {
			t.Fatalf("json.Unmarshal(%q) error = %v", line, err)
		}
		idRaw, _ := json.Marshal(resp["id"])
		got[string(idRaw)] = resp
	}
	return got
}

func toolResultOf(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	if resp == nil {
		t.Fatal("missing response")
	}
	if resp["error"] != nil {
		t.Fatalf("unexpected JSON-RPC error: %v", resp["error"])
	}
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp["result"])
	}
	return result
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, noCRM, nil)

	id := json.RawMessage(`1`)
	resp, ok := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "tools/list",
	})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	tools, ok := result["tools"].([]ToolDefinition)
	if !ok || len(tools) != 14 {
		t.Fatalf("expected 14 tools, got %d", len(tools))
	}
	byName := map[string]ToolDefinition{}
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	for _, name := range []string{"civicrm_update_confirmed", "civicrm_delete_confirmed"} {
		if a := byName[name].Annotations; a == nil || !a.DestructiveHint {
			t.Fatalf("expected %s to be marked destructive", name)
		}
	}
	if a := byName["civicrm_delete_request"].Annotations; a == nil || !a.ReadOnlyHint {
		t.Fatal("expected civicrm_delete_request to be read-only")
	}
}

func TestToolSchemasCompile(t *testing.T) {
	t.Parallel()
	for _, def := range toolDefinitions() {
		if _, ok := toolValidators[def.Name]; !ok {
			t.Fatalf("missing validator for %s", def.Name)
		}
	}
}

func TestValidateArguments(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		tool string
		args string
		ok   bool
	}{
		{"get ok", "civicrm_get", `{"entity":"Contact","id":5}`, true},
		{"get missing id", "civicrm_get", `{"entity":"Contact"}`, false},
		{"get zero id", "civicrm_get", `{"entity":"Contact","id":0}`, false},
		{"get string id", "civicrm_get", `{"entity":"Contact","id":"5"}`, false},
		{"search limit too high", "civicrm_search", `{"entity":"Contact","limit":1001}`, false},
		{"search negative offset", "civicrm_search", `{"entity":"Contact","offset":-1}`, false},
		{"batch bad action", "civicrm_batch", `{"operations":[{"entity":"Contact","action":"replace","params":{}}]}`, false},
		{"batch ok", "civicrm_batch", `{"operations":[{"entity":"Contact","action":"get","params":{}}]}`, true},
		{"empty entity", "civicrm_schema_fields", `{"entity":""}`, false},
		{"ping no args", "ping", `{}`, true},
	}
	for _, tc := range cases {
		err := validateArguments(tc.tool, json.RawMessage(tc.args))
		if tc.ok && err != nil {
			t.Fatalf("%s: validateArguments() error = %v", tc.name, err)
		}
		if !tc.ok {
			var inErr *civicrm.InputError
			if !errors.As(err, &inErr) {
				t.Fatalf("%s: expected InputError, got %v", tc.name, err)
			}
		}
	}
	if err := validateArguments("nope", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestReadWriteFramedMessage(t *testing.T) {
	t.Parallel()
	resp := response{JSONRPC: "2.0", ID: 1, Result: map[string]any{"ok": true}}
	var payloadBuf bytes.Buffer
	bw := bufio.NewWriter(&payloadBuf)
	if err := writeFramedMessage(bw, resp); err != nil {
		t.Fatalf("writeFramedMessage() error = %v", err)
	}
	br := bufio.NewReader(bytes.NewReader(payloadBuf.Bytes()))
	payload, err := readFramedMessage(br)
	if err != nil {
		t.Fatalf("readFramedMessage() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
}

func TestReadMessage_JSONLine(t *testing.T) {
	t.Parallel()
	raw := []byte("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n")
	br := bufio.NewReader(bytes.NewReader(raw))

	payload, mode, err := readMessage(br)
	if err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if mode != wireModeJSONLine {
		t.Fatalf("expected JSON-line mode, got %v", mode)
	}

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("json.Unmarshal(payload) error = %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
}

func TestServe_JSONLineInitialize(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, noCRM, nil)

	got := serveLines(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	result := toolResultOf(t, got["1"])
	info, _ := result["serverInfo"].(map[string]any)
	if info["name"] != "civicrm-mcp" {
		t.Fatalf("expected server name civicrm-mcp, got %v", info["name"])
	}
	if result["protocolVersion"] != "2024-11-05" {
		t.Fatalf("expected echoed protocol version, got %v", result["protocolVersion"])
	}
}

func TestServe_FramedPing(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, noCRM, nil)

	body := `{"jsonrpc":"2.0","id":3,"method":"ping"}`
	in := bytes.NewBufferString("Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body)
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if !bytes.HasPrefix(out.Bytes(), []byte("Content-Length:")) {
		t.Fatalf("expected framed response, got %q", out.String())
	}
}

func TestServe_ToolCallReturnsStructuredContent(t *testing.T) {
	t.Parallel()
	var gotParams map[string]any
	srv, opened := newTestServer(t, func(_ context.Context, entity, action string, params map[string]any) (map[string]any, error) {
		if entity != "Contact" || action != "get" {
			t.Errorf("unexpected call %s/%s", entity, action)
		}
		gotParams = params
		return map[string]any{"values": []any{map[string]any{"id": 5, "first_name": "Jane"}}}, nil
	}, nil)

	got := serveLines(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"civicrm_get","arguments":{"entity":"Contact","id":5}}}`)
	result := toolResultOf(t, got["1"])
	if result["isError"] != false {
		t.Fatalf("expected success, got %v", result)
	}
	sc, ok := result["structuredContent"].(map[string]any)
	if !ok {
		t.Fatalf("expected structuredContent object, got %T", result["structuredContent"])
	}
	if vals, _ := sc["values"].([]any); len(vals) != 1 {
		t.Fatalf("expected one value row, got %v", sc["values"])
	}
	if atomic.LoadInt32(opened) != 1 {
		t.Fatalf("expected one connection scope, got %d", *opened)
	}
	where, _ := json.Marshal(gotParams["where"])
	if string(where) != `[["id","=",5]]` {
		t.Fatalf("unexpected where %s", where)
	}
}

func TestServe_InvalidArgumentsNeverReachCRM(t *testing.T) {
	t.Parallel()
	srv, opened := newTestServer(t, noCRM, nil)

	got := serveLines(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"civicrm_delete_confirmed","arguments":{"entity":"Contact"}}}`)
	result := toolResultOf(t, got["1"])
	if result["isError"] != true {
		t.Fatalf("expected tool error, got %v", result)
	}
	sc, _ := result["structuredContent"].(map[string]any)
	desc, _ := sc["error"].(map[string]any)
	if desc["kind"] != "input" {
		t.Fatalf("expected input error kind, got %v", desc)
	}
	if n := atomic.LoadInt32(opened); n != 0 {
		t.Fatalf("expected no connection scope, got %d", n)
	}
}

func TestServe_ToolCallsRunConcurrently(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv, _ := newTestServer(t, func(ctx context.Context, entity, _ string, _ map[string]any) (map[string]any, error) {
		switch entity {
		case "Slow":
			select {
			case <-release:
				return map[string]any{"values": []any{}}, nil
			case <-time.After(5 * time.Second):
				return nil, errors.New("slow call was never released")
			}
		default:
			close(release)
			return map[string]any{"values": []any{}}, nil
		}
	}, nil)

	got := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"civicrm_search","arguments":{"entity":"Slow"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"civicrm_search","arguments":{"entity":"Fast"}}}`,
	)
	for _, id := range []string{"1", "2"} {
		if result := toolResultOf(t, got[id]); result["isError"] != false {
			t.Fatalf("request %s failed: %v", id, result)
		}
	}
}

func TestServe_CancelledNotificationAbortsCall(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, func(ctx context.Context, _, _ string, _ map[string]any) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("call was not cancelled")
		}
	}, nil)

	got := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":"call-9","method":"tools/call","params":{"name":"civicrm_schema_entities","arguments":{}}}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"call-9","reason":"user abort"}}`,
	)
	result := toolResultOf(t, got[`"call-9"`])
	if result["isError"] != true {
		t.Fatalf("expected tool error, got %v", result)
	}
	sc, _ := result["structuredContent"].(map[string]any)
	desc, _ := sc["error"].(map[string]any)
	if desc["kind"] != "cancelled" {
		t.Fatalf("expected cancelled kind, got %v", desc)
	}
	if cached, ok := srv.svc.Cache().Entities(); ok || cached != nil {
		t.Fatalf("expected nothing cached after cancelled call, got %v", cached)
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv, _ := newTestServer(t, noCRM, sink)

	serveLines(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"civicrm_get","arguments":{"entity":"Contact"}}}`)

	rows := sink.snapshot()
	if len(rows) != 1 {
		t.Fatalf("expected 1 request log row, got %d", len(rows))
	}
	got := rows[0]
	if got.Method != "tools/call" {
		t.Fatalf("expected method tools/call, got %q", got.Method)
	}
	if got.ToolName != "civicrm_get" {
		t.Fatalf("expected tool civicrm_get, got %q", got.ToolName)
	}
	if got.Success {
		t.Fatalf("expected failed request due to missing id")
	}
	if !strings.HasPrefix(got.ErrorText, "civicrm_get failed:") {
		t.Fatalf("unexpected error text %q", got.ErrorText)
	}
}

func TestServe_RequestLogOmitsCRMResponseBody(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv, _ := newTestServer(t, func(context.Context, string, string, map[string]any) (map[string]any, error) {
		return nil, &apiv4.TransportError{Entity: "Contact", Action: "get", Status: 500, Body: "jane.doe@example.org internal failure"}
	}, sink)

	got := serveLines(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"civicrm_get","arguments":{"entity":"Contact","id":5}}}`)
	sc, _ := toolResultOf(t, got["1"])["structuredContent"].(map[string]any)
	if desc, _ := sc["error"].(map[string]any); desc["status"] != float64(500) {
		t.Fatalf("expected status 500 reported to the host, got %v", desc)
	}

	rows := sink.snapshot()
	if len(rows) != 1 {
		t.Fatalf("expected 1 request log row, got %d", len(rows))
	}
	if want := "civicrm_get failed: HTTP 500 for Contact/get"; rows[0].ErrorText != want {
		t.Fatalf("ErrorText = %q, want %q", rows[0].ErrorText, want)
	}
}

func TestErrorSummary(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "batch with decode failure",
			err: &toolCallError{Tool: "civicrm_batch", Err: &civicrm.BatchError{
				Index:     1,
				Total:     2,
				Operation: types.BatchOperation{Entity: "Contact", Action: "create"},
				Completed: []map[string]any{{"count": 1}},
				Err:       &apiv4.DecodeError{Entity: "Contact", Action: "create", Body: "<html>jane.doe</html>"},
			}},
			want: "civicrm_batch failed: batch operation 2 of 2 (Contact/create) failed after 1 completed: invalid JSON response for Contact/create",
		},
		{
			name: "input",
			err:  &toolCallError{Tool: "civicrm_get", Err: &civicrm.InputError{Field: "entity", Reason: "is required"}},
			want: "civicrm_get failed: invalid input: entity is required",
		},
		{
			name: "cancelled",
			err:  &toolCallError{Tool: "civicrm_get", Err: &apiv4.TransportError{Entity: "Contact", Action: "get", Err: context.Canceled}},
			want: "civicrm_get failed: cancelled",
		},
	}
	for _, tc := range cases {
		if got := errorSummary(tc.err); got != tc.want {
			t.Fatalf("%s: errorSummary() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestServe_CancelReachesEveryCallSharingAnID(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, func(ctx context.Context, _, _ string, _ map[string]any) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("call was not cancelled")
		}
	}, nil)

	call := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"civicrm_search","arguments":{"entity":"Contact"}}}`
	in := bytes.NewBufferString(strings.Join([]string{
		call,
		call,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7}}`,
	}, "\n") + "\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(lines))
	}
	for _, line := range lines {
		var resp map[string]any
		if err := json.Unmarshal(line, &resp); err != nil {
			t.Fatalf("json.Unmarshal(%q) error = %v", line, err)
		}
		sc, _ := toolResultOf(t, resp)["structuredContent"].(map[string]any)
		if desc, _ := sc["error"].(map[string]any); desc["kind"] != "cancelled" {
			t.Fatalf("expected both calls cancelled, got %v", desc)
		}
	}
	if n := srv.Snapshot()["inflight"]; n != 0 {
		t.Fatalf("expected no in-flight calls, got %v", n)
	}
}

func TestServe_ContextCancelInterruptsBlockedRead(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, noCRM, nil)
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, pr, io.Discard) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancellation")
	}
}

func TestServe_UnknownMethod(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, noCRM, nil)

	got := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":4,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","method":"notifications/unknown"}`,
	)
	if len(got) != 1 {
		t.Fatalf("expected a single response, got %d", len(got))
	}
	rpcErr, _ := got["4"]["error"].(map[string]any)
	if rpcErr["code"] != float64(-32601) {
		t.Fatalf("expected method not found, got %v", got["4"])
	}
}

func TestDescribeError_BatchCarriesCompleted(t *testing.T) {
	t.Parallel()
	err := &civicrm.BatchError{Index: 1, Total: 3, Completed: []map[string]any{{"count": 1}}, Err: errors.New("boom")}
	desc := describeError(err)
	if desc["operationIndex"] != 1 {
		t.Fatalf("expected operation index 1, got %v", desc["operationIndex"])
	}
	if completed, _ := desc["completed"].([]map[string]any); len(completed) != 1 {
		t.Fatalf("expected completed results, got %v", desc["completed"])
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestSnapshot_CountsRequestsAndErrors(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, noCRM, nil)

	serveLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"civicrm_get","arguments":{}}}`,
	)
	snap := srv.Snapshot()
	if snap["requests"] != uint64(2) || snap["errors"] != uint64(1) {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	if snap["inflight"] != 0 {
		t.Fatalf("expected no in-flight calls, got %v", snap["inflight"])
	}
}
