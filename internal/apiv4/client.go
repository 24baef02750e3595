// Package apiv4 is a minimal client for the CiviCRM APIv4 ajax endpoint.
//
// Every call is a form-encoded POST to {base}/{Entity}/{action} with a single
// "params" field holding compact JSON. Responses are classified into
// TransportError, DecodeError and APIError before being handed back.
package apiv4

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	bodyPreviewLimit    = 2000
	payloadPreviewLimit = 800
	redactKeep          = 4
)

// Outcome kinds reported to an Observer.
const (
	OutcomeOK             = "ok"
	OutcomeTransportError = "transport_error"
	OutcomeDecodeError    = "decode_error"
	OutcomeAPIError       = "api_error"
)

// Options configure a Client.
type Options struct {
	BaseURL string
	UserKey string
	SiteKey string
	Timeout time.Duration

	Logger   *log.Logger
	Observer Observer
	// Transport overrides the underlying round tripper. The client does not
	// close connections of a transport it did not create.
	Transport http.RoundTripper
}

// Validate reports the first missing required setting as a *ConfigError.
func (o Options) Validate() error {
	if strings.TrimSpace(o.BaseURL) == "" {
		return &ConfigError{Field: "base_url", Reason: "is required (CIVI_URL)"}
	}
	if _, err := url.ParseRequestURI(o.BaseURL); err != nil {
		return &ConfigError{Field: "base_url", Reason: fmt.Sprintf("is not a valid URL: %v", err)}
	}
	if strings.TrimSpace(o.UserKey) == "" {
		return &ConfigError{Field: "user_key", Reason: "is required (CIVI_USER_KEY)"}
	}
	if strings.TrimSpace(o.SiteKey) == "" {
		return &ConfigError{Field: "site_key", Reason: "is required (CIVI_SITE_KEY)"}
	}
	if o.Timeout < 0 {
		return &ConfigError{Field: "timeout", Reason: "must not be negative"}
	}
	return nil
}

// CallRecord summarizes one CRM request for diagnostics. It never holds credentials.
type CallRecord struct {
	RequestID      string
	Entity         string
	Action         string
	Method         string
	URL            string
	PayloadPreview string
	Status         int
	Outcome        string
	ErrorText      string
	StartedAt      time.Time
	Duration       time.Duration
}

// Observer receives a record for every call. It cannot influence the call result.
type Observer interface {
	ObserveCall(ctx context.Context, rec CallRecord)
}

// Client issues authenticated APIv4 requests over one owned connection pool.
// It is safe for concurrent use once opened.
type Client struct {
	baseURL  string
	userKey  string
	siteKey  string
	timeout  time.Duration
	logger   *log.Logger
	observer Observer
	base     http.RoundTripper

	mu    sync.Mutex
	http  *http.Client
	owned *http.Transport
}

// New validates opts and returns an unopened client.
func New(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		userKey:  opts.UserKey,
		siteKey:  opts.SiteKey,
		timeout:  timeout,
		logger:   logger,
		observer: opts.Observer,
		base:     opts.Transport,
	}
	logger.Debug("init civicrm client", "base_url", c.baseURL, "timeout", c.timeout, "user_key", Redact(c.userKey))
	return c, nil
}

// Open acquires the connection pool. Calling Open on an open client is a no-op.
func (c *Client) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openLocked()
}

func (c *Client) openLocked() *http.Client {
	if c.http != nil {
		return c.http
	}
	rt := c.base
	if rt == nil {
		c.owned = http.DefaultTransport.(*http.Transport).Clone()
		rt = c.owned
	}
	c.http = &http.Client{Transport: otelhttp.NewTransport(rt), Timeout: c.timeout}
	c.logger.Debug("http client opened")
	return c.http
}

// Close releases the connection pool. The client may be reopened by a later call.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		return nil
	}
	c.logger.Debug("http client closing")
	if c.owned != nil {
		c.owned.CloseIdleConnections()
	}
	c.http = nil
	c.owned = nil
	return nil
}

func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

// URL returns the endpoint for entity and action.
func (c *Client) URL(entity, action string) string {
	return c.baseURL + "/" + url.PathEscape(entity) + "/" + url.PathEscape(action)
}

// Call posts params to entity/action and returns the decoded response object.
// A nil params map is sent as an empty object.
func (c *Client) Call(ctx context.Context, entity, action string, params map[string]any) (map[string]any, error) {
	hc := c.httpClient()

	rec := CallRecord{
		RequestID: uuid.NewString(),
		Entity:    entity,
		Action:    action,
		Method:    http.MethodPost,
		URL:       c.URL(entity, action),
		StartedAt: time.Now().UTC(),
	}

	out, err := c.do(ctx, hc, &rec, params)
	rec.Duration = time.Since(rec.StartedAt)
	rec.Outcome = outcomeOf(err)
	if err != nil {
		rec.ErrorText = Summary(err)
	}
	if c.observer != nil {
		c.observer.ObserveCall(ctx, rec)
	}
	return out, err
}

func (c *Client) do(ctx context.Context, hc *http.Client, rec *CallRecord, params map[string]any) (map[string]any, error) {
	encoded, err := EncodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s/%s: %w", rec.Entity, rec.Action, err)
	}
	form := url.Values{"params": {encoded}}.Encode()
	rec.PayloadPreview = Preview(form, payloadPreviewLimit)
	c.logger.Debug("APIv4 POST", "request_id", rec.RequestID, "url", rec.URL, "payload_preview", rec.PayloadPreview)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.URL, strings.NewReader(form))
	if err != nil {
		return nil, &TransportError{Entity: rec.Entity, Action: rec.Action, Err: err}
	}
	c.setHeaders(req)

	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "request_id", rec.RequestID, "url", rec.URL, "error", err)
		return nil, &TransportError{Entity: rec.Entity, Action: rec.Action, Err: err}
	}
	defer resp.Body.Close()

	rec.Status = resp.StatusCode
	c.logger.Debug("HTTP status", "request_id", rec.RequestID, "status", resp.StatusCode, "url", rec.URL)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Entity: rec.Entity, Action: rec.Action, Status: resp.StatusCode, Err: err}
	}
	return c.classify(rec, resp.StatusCode, body)
}

func (c *Client) classify(rec *CallRecord, status int, body []byte) (map[string]any, error) {
	if status < 200 || status >= 300 {
		preview := Preview(string(body), bodyPreviewLimit)
		c.logger.Error("HTTP error", "status", status, "url", rec.URL, "body_preview", preview)
		return nil, &TransportError{Entity: rec.Entity, Action: rec.Action, Status: status, Body: preview}
	}

	data, err := decodeObject(body)
	if err != nil {
		preview := Preview(string(body), bodyPreviewLimit)
		c.logger.Error("JSON decode error", "url", rec.URL, "text_preview", preview)
		return nil, &DecodeError{Entity: rec.Entity, Action: rec.Action, Body: preview, Err: err}
	}

	if truthy(data["is_error"]) {
		msg, _ := data["error_message"].(string)
		if msg == "" {
			msg = "CiviCRM returned error"
		}
		code := data["error_code"]
		c.logger.Error("CiviCRM API error", "message", msg, "code", code)
		return nil, &APIError{Entity: rec.Entity, Action: rec.Action, Message: msg, Code: code}
	}

	c.logger.Debug("APIv4 OK", "entity", rec.Entity, "action", rec.Action)
	return data, nil
}

// decodeObject requires body to hold exactly one JSON object.
func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errNotObject
	}
	if err := dec.Decode(&json.RawMessage{}); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Civi-Auth", "Bearer "+c.userKey)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	// Non-canonical name; assigned directly so the case survives on the wire.
	req.Header["_authxSiteKey"] = []string{c.siteKey}
}

// EncodeParams renders params as compact JSON without HTML escaping.
func EncodeParams(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Values extracts the "values" rows of a response, skipping non-object rows.
func Values(resp map[string]any) []map[string]any {
	raw, ok := resp["values"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if row, ok := v.(map[string]any); ok {
			out = append(out, row)
		}
	}
	return out
}

// Redact masks all but the last four characters of value.
// Values of four characters or fewer are masked entirely.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	r := []rune(value)
	if len(r) <= redactKeep {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-redactKeep) + string(r[len(r)-redactKeep:])
}

// Preview bounds s to at most limit bytes without splitting a UTF-8 sequence.
func Preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	var (
		apiErr    *APIError
		decodeErr *DecodeError
	)
	switch {
	case errors.As(err, &apiErr):
		return OutcomeAPIError
	case errors.As(err, &decodeErr):
		return OutcomeDecodeError
	default:
		return OutcomeTransportError
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
