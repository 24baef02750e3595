package civicrm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/civicrm-mcp/internal/apiv4"
	"github.com/xiy/civicrm-mcp/internal/config"
	"github.com/xiy/civicrm-mcp/internal/schema"
	"github.com/xiy/civicrm-mcp/pkg/types"
)

const (
	maxSearchLimit     = 1000
	defaultSearchLimit = 50
)

var (
	// Entity names are joined into the request path as /<entity>/<action>.
	entityExpr     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	batchActions   = map[string]bool{"get": true, "create": true, "update": true, "delete": true}
	housekeeping   = map[string]bool{"getActions": true, "getFields": true}
	actionsSelect  = []string{"name", "description", "params"}
	entitiesSelect = []string{"name"}
)

// Caller is one CRM connection scope.
type Caller interface {
	Call(ctx context.Context, entity, action string, params map[string]any) (map[string]any, error)
	Close() error
}

// ClientFactory opens a new connection scope per tool invocation.
type ClientFactory func() (Caller, error)

// NewClientFactory returns a factory producing opened APIv4 clients.
func NewClientFactory(opts apiv4.Options) ClientFactory {
	return func() (Caller, error) {
		c, err := apiv4.New(opts)
		if err != nil {
			return nil, err
		}
		c.Open()
		return c, nil
	}
}

// Service validates tool input and composes CRM requests.
type Service struct {
	newClient ClientFactory
	cache     *schema.Cache
	cfg       config.Config
	logger    *log.Logger
}

// NewService constructs the tool service.
func NewService(newClient ClientFactory, cache *schema.Cache, cfg config.Config, logger *log.Logger) *Service {
	if cache == nil {
		cache = schema.New(cfg.SchemaCacheTTL())
	}
	return &Service{newClient: newClient, cache: cache, cfg: cfg, logger: logger}
}

// Cache exposes the schema cache for housekeeping.
func (s *Service) Cache() *schema.Cache { return s.cache }

// withClient runs fn inside one connection scope, released on every exit path.
func (s *Service) withClient(fn func(Caller) error) error {
	cli, err := s.newClient()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cli.Close(); cerr != nil {
			s.logger.Warn("close civicrm client", "error", cerr)
		}
	}()
	return fn(cli)
}

func (s *Service) call(ctx context.Context, entity, action string, params map[string]any) (map[string]any, error) {
	var out map[string]any
	err := s.withClient(func(cli Caller) error {
		var err error
		out, err = cli.Call(ctx, entity, action, params)
		return err
	})
	return out, err
}

// Ping reports liveness without contacting the CRM.
func (s *Service) Ping() types.Pong {
	return types.Pong{OK: true, Server: s.cfg.ServerName}
}

// Create creates one record.
func (s *Service) Create(ctx context.Context, in types.CreateInput) (map[string]any, error) {
	if err := validateEntity(in.Entity); err != nil {
		return nil, err
	}
	if in.Record == nil {
		return nil, inputErr("record", "is required")
	}
	return s.call(ctx, in.Entity, "create", map[string]any{"values": in.Record})
}

// Get fetches a single record by id. No match yields an empty values list.
func (s *Service) Get(ctx context.Context, in types.GetInput) (map[string]any, error) {
	if err := validateEntity(in.Entity); err != nil {
		return nil, err
	}
	if err := validateID(in.ID); err != nil {
		return nil, err
	}
	params := map[string]any{"where": idWhere(in.ID)}
	if len(in.Select) > 0 {
		params["select"] = in.Select
	}
	if len(in.Include) > 0 {
		params["include"] = in.Include
	}
	return s.call(ctx, in.Entity, "get", params)
}

// Search passes the query grammar through. Limit defaults to 50 and offset to 0.
func (s *Service) Search(ctx context.Context, in types.SearchInput) (map[string]any, error) {
	if err := validateEntity(in.Entity); err != nil {
		return nil, err
	}
	limit, offset := defaultSearchLimit, 0
	if in.Limit != nil {
		limit = *in.Limit
	}
	if in.Offset != nil {
		offset = *in.Offset
	}
	if limit < 1 || limit > maxSearchLimit {
		return nil, inputErr("limit", fmt.Sprintf("must be between 1 and %d", maxSearchLimit))
	}
	if offset < 0 {
		return nil, inputErr("offset", "must be >= 0")
	}

	params := map[string]any{"limit": limit, "offset": offset}
	if in.Where != nil {
		params["where"] = in.Where
	}
	if len(in.Select) > 0 {
		params["select"] = in.Select
	}
	if len(in.Include) > 0 {
		params["include"] = in.Include
	}
	if len(in.OrderBy) > 0 {
		params["orderBy"] = in.OrderBy
	}
	return s.call(ctx, in.Entity, "get", params)
}

// Save upserts records. Create-versus-update matching is left to the CRM.
func (s *Service) Save(ctx context.Context, in types.SaveInput) (map[string]any, error) {
	if err := validateEntity(in.Entity); err != nil {
		return nil, err
	}
	if in.Records == nil {
		return nil, inputErr("records", "is required")
	}
	params := map[string]any{"records": in.Records}
	if len(in.Defaults) > 0 {
		params["defaults"] = in.Defaults
	}
	if len(in.Match) > 0 {
		params["match"] = in.Match
	}
	return s.call(ctx, in.Entity, "save", params)
}

// GetActions lists the business actions of an entity, without getActions and getFields.
func (s *Service) GetActions(ctx context.Context, in types.GetActionsInput) (map[string]any, error) {
	if err := validateEntity(in.Entity); err != nil {
		return nil, err
	}
	out, err := s.call(ctx, in.Entity, "getActions", map[string]any{
		"select": actionsSelect,
		"where":  []any{[]any{"name", "NOT IN", []string{"getActions", "getFields"}}},
	})
	if err != nil {
		return nil, err
	}
	return withoutHousekeeping(out), nil
}

func withoutHousekeeping(resp map[string]any) map[string]any {
	raw, ok := resp["values"].([]any)
	if !ok {
		return resp
	}
	kept := make([]any, 0, len(raw))
	for _, v := range raw {
		if row, ok := v.(map[string]any); ok {
			if name, _ := row["name"].(string); housekeeping[name] {
				continue
			}
		}
		kept = append(kept, v)
	}
	out := make(map[string]any, len(resp))
	for k, v := range resp {
		out[k] = v
	}
	out["values"] = kept
	if _, ok := out["count"]; ok {
		out["count"] = len(kept)
	}
	return out
}

// Batch runs operations in order inside one connection scope. The first failure
// aborts the remaining operations and is returned as a *BatchError.
func (s *Service) Batch(ctx context.Context, in types.BatchInput) (types.BatchResult, error) {
	for i, op := range in.Operations {
		field := fmt.Sprintf("operations[%d]", i)
		if err := validateEntityField(field+".entity", op.Entity); err != nil {
			return types.BatchResult{}, err
		}
		if !batchActions[op.Action] {
			return types.BatchResult{}, inputErr(field+".action", fmt.Sprintf("must be one of get, create, update, delete (got %q)", op.Action))
		}
	}

	batchID := uuid.NewString()
	s.logger.Debug("batch start", "batch_id", batchID, "operations", len(in.Operations))
	results := make([]map[string]any, 0, len(in.Operations))
	err := s.withClient(func(cli Caller) error {
		for i, op := range in.Operations {
			res, err := cli.Call(ctx, op.Entity, op.Action, op.Params)
			if err != nil {
				s.logger.Warn("batch aborted", "batch_id", batchID, "index", i, "entity", op.Entity, "action", op.Action, "error", err)
				return &BatchError{
					Index:     i,
					Total:     len(in.Operations),
					Operation: op,
					Completed: results,
					Err:       err,
				}
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return types.BatchResult{}, err
	}
	s.logger.Debug("batch done", "batch_id", batchID)
	return types.BatchResult{Results: results}, nil
}

// SchemaEntities returns entity names, served from cache while valid.
func (s *Service) SchemaEntities(ctx context.Context) (types.SchemaEntities, error) {
	if names, ok := s.cache.Entities(); ok {
		return types.SchemaEntities{Entities: names}, nil
	}
	out, err := s.call(ctx, "Entity", "get", map[string]any{"select": entitiesSelect, "limit": maxSearchLimit})
	if err != nil {
		return types.SchemaEntities{}, err
	}
	rows := apiv4.Values(out)
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if name, _ := row["name"].(string); name != "" {
			names = append(names, name)
		}
	}
	s.cache.SetEntities(names)
	return types.SchemaEntities{Entities: names}, nil
}

// SchemaFields returns field metadata for an entity. ForceRefresh bypasses the
// cache read and overwrites the entry.
func (s *Service) SchemaFields(ctx context.Context, in types.SchemaFieldsInput) (types.SchemaFields, error) {
	if err := validateEntity(in.Entity); err != nil {
		return types.SchemaFields{}, err
	}
	if !in.ForceRefresh {
		if fields, ok := s.cache.Fields(in.Entity); ok {
			return types.SchemaFields{Entity: in.Entity, Fields: fields}, nil
		}
	}
	out, err := s.call(ctx, in.Entity, "getFields", map[string]any{})
	if err != nil {
		return types.SchemaFields{}, err
	}
	fields := apiv4.Values(out)
	s.cache.SetFields(in.Entity, fields)
	return types.SchemaFields{Entity: in.Entity, Fields: fields}, nil
}

// ExpireSchema sweeps expired cache entries.
func (s *Service) ExpireSchema(_ context.Context) (int64, error) {
	n := s.cache.Sweep()
	st := s.cache.Stats()
	s.logger.Debug("schema cache swept", "removed", n, "entities_cached", st.EntitiesCached, "field_entries", st.FieldEntries)
	return int64(n), nil
}

func idWhere(id int64) []any {
	return []any{[]any{"id", "=", id}}
}

func validateEntity(entity string) error {
	return validateEntityField("entity", entity)
}

func validateEntityField(field, entity string) error {
	if strings.TrimSpace(entity) == "" {
		return inputErr(field, "is required")
	}
	if !entityExpr.MatchString(entity) {
		return inputErr(field, fmt.Sprintf("%q is not a valid entity name", entity))
	}
	return nil
}

func validateID(id int64) error {
	if id <= 0 {
		return inputErr("id", "must be a positive integer")
	}
	return nil
}
