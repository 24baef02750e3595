package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiy/civicrm-mcp/internal/civicrm"
	"github.com/xiy/civicrm-mcp/internal/store"
	"github.com/xiy/civicrm-mcp/pkg/types"
)

const (
	jsonRPCVersion = "2.0"
	serverVersion  = "0.1.0"
)

// Server handles MCP JSON-RPC messages over stdio. Tool calls run concurrently.
type Server struct {
	svc    *civicrm.Service
	logger *log.Logger
	sink   RequestLogSink
	tracer trace.Tracer

	mu       sync.Mutex
	inflight map[string]map[uint64]context.CancelFunc
	nextCall uint64

	requests uint64
	errors   uint64
}

// RequestLogSink receives summarized MCP request events. It must be safe for concurrent use.
type RequestLogSink interface {
	InsertMCPRequestLog(ctx context.Context, rec store.MCPRequestLog) error
}

// NewServer creates an MCP server.
func NewServer(svc *civicrm.Service, logger *log.Logger, sink RequestLogSink) *Server {
	return &Server{
		svc:      svc,
		logger:   logger,
		sink:     sink,
		tracer:   otel.Tracer("github.com/xiy/civicrm-mcp/internal/mcp"),
		inflight: map[string]map[uint64]context.CancelFunc{},
	}
}

type inbound struct {
	payload []byte
	mode    wireMode
	err     error
}

// Serve starts MCP handling over the provided streams. It returns after the
// input is exhausted or ctx is done, once every in-flight tool call has answered.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	w := &responseWriter{bw: bufio.NewWriter(out)}
	defer w.flush()

	var wg sync.WaitGroup
	defer wg.Wait()

	// Reads block outside ctx control, so they run on their own goroutine.
	// It is left blocked on the reader when ctx ends first.
	done := make(chan struct{})
	defer close(done)
	msgs := make(chan inbound)
	go func() {
		br := bufio.NewReader(in)
		for {
			payload, mode, err := readMessage(br)
			select {
			case msgs <- inbound{payload: payload, mode: mode, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var msg inbound
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-msgs:
		}
		if msg.err != nil {
			if errors.Is(msg.err, io.EOF) {
				return nil
			}
			return msg.err
		}

		var req request
		if err := json.Unmarshal(msg.payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			s.recordRequest(ctx, request{Method: "parse_error"}, response{
				Error: &rpcError{
					Code:    -32700,
					Message: "parse error",
					Data:    err.Error(),
				},
			}, 0)
			resp := errorResponse(nil, -32700, "parse error", err.Error())
			if werr := w.write(resp, wireModeFramed); werr != nil {
				return werr
			}
			continue
		}

		if req.Method == "tools/call" && len(req.ID) > 0 {
			callCtx, cancel := context.WithCancel(ctx)
			key, token := s.track(req.ID, cancel)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.untrack(key, token)
				defer cancel()
				_ = s.serveOne(callCtx, req, w, msg.mode)
			}()
			continue
		}

		if err := s.serveOne(ctx, req, w, msg.mode); err != nil {
			return err
		}
	}
}

func (s *Server) serveOne(ctx context.Context, req request, w *responseWriter, mode wireMode) error {
	started := time.Now()
	resp, shouldRespond := s.handle(ctx, req)
	s.recordRequest(ctx, req, resp, time.Since(started))
	if !shouldRespond {
		return nil
	}
	if err := w.write(resp, mode); err != nil {
		s.logger.Error("write response failed", "method", req.Method, "error", err)
		return err
	}
	return nil
}

// track registers cancel under the request id. Reused ids are tracked side by
// side and a cancellation reaches all of them.
func (s *Server) track(id json.RawMessage, cancel context.CancelFunc) (string, uint64) {
	key := string(bytes.TrimSpace(id))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCall++
	calls := s.inflight[key]
	if calls == nil {
		calls = map[uint64]context.CancelFunc{}
		s.inflight[key] = calls
	} else {
		s.logger.Warn("tool call reuses an in-flight request id", "request_id", key)
	}
	calls[s.nextCall] = cancel
	return key, s.nextCall
}

func (s *Server) untrack(key string, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := s.inflight[key]
	delete(calls, token)
	if len(calls) == 0 {
		delete(s.inflight, key)
	}
}

func (s *Server) cancelRequest(params json.RawMessage) {
	var p struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason"`
	}
	if err := json.Unmarshal(params, &p); err != nil || len(p.RequestID) == 0 {
		return
	}
	key := string(bytes.TrimSpace(p.RequestID))
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.inflight[key]))
	for _, cancel := range s.inflight[key] {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	if len(cancels) > 0 {
		s.logger.Info("cancelling tool call", "request_id", key, "reason", p.Reason)
	}
	for _, cancel := range cancels {
		cancel()
	}
}

type responseWriter struct {
	mu sync.Mutex
	bw *bufio.Writer
}

func (w *responseWriter) write(msg response, mode wireMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeMessage(w.bw, msg, mode)
}

func (w *responseWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.bw.Flush()
}

type wireMode int

const (
	wireModeFramed wireMode = iota
	wireModeJSONLine
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`

	// logText replaces the result text in the request log.
	logText string
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	atomic.AddUint64(&s.requests, 1)

	hasID := len(req.ID) > 0
	id := decodeID(req.ID)

	switch req.Method {
	case "notifications/initialized":
		return response{}, false
	case "notifications/cancelled":
		s.cancelRequest(req.Params)
		return response{}, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := p.ProtocolVersion
		if strings.TrimSpace(pv) == "" {
			pv = "2024-11-05"
		}
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{
			"protocolVersion": pv,
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
			},
			"serverInfo": map[string]any{
				"name":    s.svc.Ping().Server,
				"version": serverVersion,
			},
		}}, hasID
	case "ping":
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{}}, hasID
	case "tools/list":
		defs := toolDefinitions()
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{"tools": defs}}, hasID
	case "tools/call":
		res, err := s.handleToolCall(ctx, req.Params)
		if err != nil {
			atomic.AddUint64(&s.errors, 1)
			return response{JSONRPC: jsonRPCVersion, ID: id, Result: toolFailure(err), logText: errorSummary(err)}, hasID
		}
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: res}, hasID
	default:
		if !hasID {
			return response{}, false
		}
		return errorResponse(id, -32601, "method not found", req.Method), true
	}
}

func (s *Server) recordRequest(ctx context.Context, req request, resp response, duration time.Duration) {
	if s.sink == nil {
		return
	}
	rec := store.MCPRequestLog{
		Method:     strings.TrimSpace(req.Method),
		ToolName:   toolNameFromParams(req.Method, req.Params),
		Success:    responseSuccessful(resp),
		ErrorText:  responseErrorText(resp),
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if strings.TrimSpace(rec.Method) == "" {
		rec.Method = "unknown"
	}
	if err := s.sink.InsertMCPRequestLog(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to persist MCP request log", "error", err)
	}
}

func toolNameFromParams(method string, params json.RawMessage) string {
	if method != "tools/call" || len(params) == 0 {
		return ""
	}
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return ""
	}
	return strings.TrimSpace(in.Name)
}

func responseSuccessful(resp response) bool {
	if resp.Error != nil {
		return false
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		return true
	}
	isError, ok := result["isError"].(bool)
	if !ok {
		return true
	}
	return !isError
}

func responseErrorText(resp response) string {
	if resp.logText != "" {
		return resp.logText
	}
	if resp.Error != nil {
		return strings.TrimSpace(resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		return ""
	}
	isError, ok := result["isError"].(bool)
	if !ok || !isError {
		return ""
	}
	content, ok := result["content"].([]map[string]any)
	if !ok || len(content) == 0 {
		return "tool call failed"
	}
	text, _ := content[0]["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return "tool call failed"
	}
	return text
}

func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid tools/call params: %w", err)
	}
	args := bytes.TrimSpace(p.Arguments)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = []byte("{}")
	}
	if err := validateArguments(p.Name, args); err != nil {
		return nil, &toolCallError{Tool: p.Name, Err: err}
	}

	ctx, span := s.tracer.Start(ctx, "tools/call "+p.Name, trace.WithAttributes(attribute.String("mcp.tool", p.Name)))
	defer span.End()

	res, err := s.dispatch(ctx, p.Name, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("tool call failed", "tool", p.Name, "error", err)
		return nil, &toolCallError{Tool: p.Name, Err: err}
	}
	return res, nil
}

func (s *Server) dispatch(ctx context.Context, name string, args json.RawMessage) (map[string]any, error) {
	switch name {
	case "ping":
		return toolSuccess(s.svc.Ping())
	case "civicrm_create":
		var in types.CreateInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.Create(ctx, in))
	case "civicrm_get":
		var in types.GetInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.Get(ctx, in))
	case "civicrm_update_request":
		var in types.UpdateInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.UpdateRequest(ctx, in))
	case "civicrm_update_confirmed":
		var in types.UpdateInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.UpdateConfirmed(ctx, in))
	case "civicrm_delete_request":
		var in types.DeleteInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.DeleteRequest(ctx, in))
	case "civicrm_delete_confirmed":
		var in types.DeleteInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.DeleteConfirmed(ctx, in))
	case "civicrm_search":
		var in types.SearchInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.Search(ctx, in))
	case "civicrm_batch":
		var in types.BatchInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.Batch(ctx, in))
	case "civicrm_schema_entities":
		return toolResult(s.svc.SchemaEntities(ctx))
	case "civicrm_schema_fields":
		var in types.SchemaFieldsInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.SchemaFields(ctx, in))
	case "civicrm_get_actions":
		var in types.GetActionsInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.GetActions(ctx, in))
	case "civicrm_save":
		var in types.SaveInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return toolResult(s.svc.Save(ctx, in))
	case "civicrm_api_help":
		return toolSuccess(s.svc.APIHelp())
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

// decodeArgs keeps numbers as json.Number so record values reach the CRM unchanged.
func decodeArgs(args json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &civicrm.InputError{Field: "arguments", Reason: err.Error()}
	}
	return nil
}

func toolResult[T any](v T, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	return toolSuccess(v)
}

func toolSuccess(v any) (map[string]any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(b)}},
		"structuredContent": v,
		"isError":           false,
	}, nil
}

func toolFailure(err error) map[string]any {
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": err.Error()}},
		"structuredContent": map[string]any{"error": describeError(err)},
		"isError":           true,
	}
}

func errorResponse(id interface{}, code int, msg string, data interface{}) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error: &rpcError{
			Code:    code,
			Message: msg,
			Data:    data,
		},
	}
}

func decodeID(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func writeFramedMessage(w *bufio.Writer, msg response) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := w.WriteString(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeMessage(w *bufio.Writer, msg response, mode wireMode) error {
	if mode == wireModeJSONLine {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
		return w.Flush()
	}
	return writeFramedMessage(w, msg)
}

func readMessage(r *bufio.Reader) ([]byte, wireMode, error) {
	mode, err := detectWireMode(r)
	if err != nil {
		return nil, wireModeFramed, err
	}
	if mode == wireModeJSONLine {
		return readJSONLineMessage(r)
	}
	payload, err := readFramedMessage(r)
	return payload, wireModeFramed, err
}

func detectWireMode(r *bufio.Reader) (wireMode, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return wireModeFramed, err
		}
		if !unicode.IsSpace(rune(b[0])) {
			break
		}
		_, _ = r.ReadByte()
	}

	peek, err := r.Peek(16)
	if err != nil && !errors.Is(err, bufio.ErrBufferFull) && !errors.Is(err, io.EOF) {
		return wireModeFramed, err
	}
	peekLower := strings.ToLower(string(peek))
	if strings.HasPrefix(peekLower, "content-length:") {
		return wireModeFramed, nil
	}
	return wireModeJSONLine, nil
}

func readJSONLineMessage(r *bufio.Reader) ([]byte, wireMode, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, wireModeJSONLine, err
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		if errors.Is(err, io.EOF) {
			return nil, wireModeJSONLine, io.EOF
		}
		return readJSONLineMessage(r)
	}
	return line, wireModeJSONLine, nil
}

func readFramedMessage(r *bufio.Reader) ([]byte, error) {
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[0]), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length: %w", err)
			}
			contentLength = n
		}
	}
	if contentLength <= 0 {
		return nil, fmt.Errorf("missing or invalid Content-Length")
	}

	buf := make([]byte, contentLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Snapshot returns server counters for dashboards.
func (s *Server) Snapshot() map[string]any {
	s.mu.Lock()
	inflight := 0
	for _, calls := range s.inflight {
		inflight += len(calls)
	}
	s.mu.Unlock()
	cache := s.svc.Cache().Stats()
	return map[string]any{
		"requests":             atomic.LoadUint64(&s.requests),
		"errors":               atomic.LoadUint64(&s.errors),
		"inflight":             inflight,
		"schema_entities":      cache.EntitiesCached,
		"schema_field_entries": cache.FieldEntries,
		"ts":                   time.Now().UTC(),
	}
}
