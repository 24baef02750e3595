package types

// CreateInput creates one record.
type CreateInput struct {
	Entity string         `json:"entity"`
	Record map[string]any `json:"record"`
}

// GetInput fetches one record by primary id.
type GetInput struct {
	Entity  string   `json:"entity"`
	ID      int64    `json:"id"`
	Select  []string `json:"select,omitempty"`
	Include []string `json:"include,omitempty"`
}

// UpdateInput is shared by the update request and confirmed tools.
type UpdateInput struct {
	Entity string         `json:"entity"`
	ID     int64          `json:"id"`
	Record map[string]any `json:"record"`
}

// DeleteInput is shared by the delete request and confirmed tools.
type DeleteInput struct {
	Entity string `json:"entity"`
	ID     int64  `json:"id"`
}

// SearchInput passes the CRM's own query grammar through. Nil fields are not sent.
type SearchInput struct {
	Entity  string         `json:"entity"`
	Where   []any          `json:"where,omitempty"`
	Select  []string       `json:"select,omitempty"`
	Include []string       `json:"include,omitempty"`
	OrderBy map[string]any `json:"orderBy,omitempty"`
	Limit   *int           `json:"limit,omitempty"`
	Offset  *int           `json:"offset,omitempty"`
}

// BatchOperation is one step of a batch.
type BatchOperation struct {
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// BatchInput lists operations executed in order.
type BatchInput struct {
	Operations []BatchOperation `json:"operations"`
}

// BatchResult holds one response per operation, positionally.
type BatchResult struct {
	Results []map[string]any `json:"results"`
}

// SchemaFieldsInput requests field metadata for an entity.
type SchemaFieldsInput struct {
	Entity       string `json:"entity"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`
}

// SchemaEntities lists known entity names.
type SchemaEntities struct {
	Entities []string `json:"entities"`
}

// SchemaFields lists field metadata of an entity.
type SchemaFields struct {
	Entity string           `json:"entity"`
	Fields []map[string]any `json:"fields"`
}

// GetActionsInput requests the business actions of an entity.
type GetActionsInput struct {
	Entity string `json:"entity"`
}

// SaveInput upserts records; matching is performed by the CRM.
type SaveInput struct {
	Entity   string           `json:"entity"`
	Records  []map[string]any `json:"records"`
	Defaults map[string]any   `json:"defaults,omitempty"`
	Match    []string         `json:"match,omitempty"`
}

// StatusConfirmationRequired marks a preview that performed no mutation.
const StatusConfirmationRequired = "confirmation_required"

// FieldChange is the old and new value of one field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// UpdatePreview describes a pending update.
type UpdatePreview struct {
	Status          string                 `json:"status"`
	Entity          string                 `json:"entity"`
	ID              int64                  `json:"id"`
	CurrentRecord   map[string]any         `json:"current_record"`
	ProposedChanges map[string]FieldChange `json:"proposed_changes"`
	Message         string                 `json:"message"`
}

// DeletePreview describes a pending deletion.
type DeletePreview struct {
	Status  string           `json:"status"`
	Entity  string           `json:"entity"`
	ID      int64            `json:"id"`
	Record  []map[string]any `json:"record"`
	Message string           `json:"message"`
}

// Pong is the health check response.
type Pong struct {
	OK     bool   `json:"ok"`
	Server string `json:"server"`
}

// APIHelp is a static orientation document for the APIv4 grammar.
type APIHelp struct {
	APIVersion     string   `json:"api_version"`
	ExplorerURL    string   `json:"explorer_url"`
	Documentation  string   `json:"documentation"`
	CommonEntities []string `json:"common_entities"`
	CommonActions  []string `json:"common_actions"`
	WhereOperators []string `json:"where_operators"`
	SQLFunctions   []string `json:"sql_functions"`
}
