package mcp

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	InputSchema map[string]any   `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations are behavior hints for the host.
type ToolAnnotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint"`
	DestructiveHint bool `json:"destructiveHint"`
	IdempotentHint  bool `json:"idempotentHint"`
	OpenWorldHint   bool `json:"openWorldHint"`
}

var (
	readOnly    = &ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true, OpenWorldHint: true}
	local       = &ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}
	additive    = &ToolAnnotations{OpenWorldHint: true}
	destructive = &ToolAnnotations{DestructiveHint: true, OpenWorldHint: true}
)

func toolDefinitions() []ToolDefinition {
	entity := propString("CiviCRM entity name, e.g. Contact (case-sensitive).")
	id := propInteger("Primary record ID.", 1, 0)
	record := propObject("Field values keyed by field name.")

	return []ToolDefinition{
		{
			Name:        "ping",
			Description: "Health check of the MCP server (no CiviCRM call).",
			InputSchema: jsonSchema(map[string]any{}, nil),
			Annotations: local,
		},
		{
			Name:        "civicrm_create",
			Description: "Create a CiviCRM record for an entity.",
			InputSchema: jsonSchema(map[string]any{
				"entity": entity,
				"record": record,
			}, []string{"entity", "record"}),
			Annotations: additive,
		},
		{
			Name:        "civicrm_get",
			Description: "Get one record by id (action=get with where id = ...).",
			InputSchema: jsonSchema(map[string]any{
				"entity":  entity,
				"id":      id,
				"select":  propStringArray("Fields to return."),
				"include": propStringArray("Related entities to include."),
			}, []string{"entity", "id"}),
			Annotations: readOnly,
		},
		{
			Name:        "civicrm_update_request",
			Description: "Preview an update: shows current values and proposed changes and asks for confirmation. Does not modify anything.",
			InputSchema: jsonSchema(map[string]any{
				"entity": entity,
				"id":     id,
				"record": record,
			}, []string{"entity", "id", "record"}),
			Annotations: readOnly,
		},
		{
			Name:        "civicrm_update_confirmed",
			Description: "Execute a confirmed update. ONLY use after the user explicitly confirmed the preview from civicrm_update_request.",
			InputSchema: jsonSchema(map[string]any{
				"entity": entity,
				"id":     id,
				"record": record,
			}, []string{"entity", "id", "record"}),
			Annotations: destructive,
		},
		{
			Name:        "civicrm_delete_request",
			Description: "Preview a deletion: shows the record that would be deleted and asks for confirmation. Does not modify anything.",
			InputSchema: jsonSchema(map[string]any{
				"entity": entity,
				"id":     id,
			}, []string{"entity", "id"}),
			Annotations: readOnly,
		},
		{
			Name:        "civicrm_delete_confirmed",
			Description: "Execute a confirmed deletion. ONLY use after the user explicitly confirmed the preview from civicrm_delete_request.",
			InputSchema: jsonSchema(map[string]any{
				"entity": entity,
				"id":     id,
			}, []string{"entity", "id"}),
			Annotations: destructive,
		},
		{
			Name:        "civicrm_search",
			Description: "Generic search with where/select/include/orderBy/limit/offset in APIv4 syntax.",
			InputSchema: jsonSchema(map[string]any{
				"entity": entity,
				"where": map[string]any{
					"type":        "array",
					"description": `Conditions, e.g. [["last_name", "=", "Doe"]].`,
					"items":       map[string]any{"type": "array"},
				},
				"select":  propStringArray("Fields to return."),
				"include": propStringArray("Related entities to include."),
				"orderBy": propObject(`Sort order, e.g. {"sort_name": "ASC"}.`),
				"limit":   propInteger("Maximum rows (1-1000, default 50).", 1, 1000),
				"offset":  propInteger("Rows to skip (default 0).", 0, 0),
			}, []string{"entity"}),
			Annotations: readOnly,
		},
		{
			Name:        "civicrm_batch",
			Description: "Run several APIv4 calls in order in one MCP call. The first failing operation aborts the rest.",
			InputSchema: jsonSchema(map[string]any{
				"operations": map[string]any{
					"type":        "array",
					"description": "Operations executed sequentially.",
					"items": jsonSchema(map[string]any{
						"entity": entity,
						"action": propStringEnum("APIv4 action.", []string{"get", "create", "update", "delete"}),
						"params": propObject("APIv4 params for the action."),
					}, []string{"entity", "action", "params"}),
				},
			}, []string{"operations"}),
			Annotations: destructive,
		},
		{
			Name:        "civicrm_schema_entities",
			Description: "List available entities (cached).",
			InputSchema: jsonSchema(map[string]any{}, nil),
			Annotations: readOnly,
		},
		{
			Name:        "civicrm_schema_fields",
			Description: "List fields for an entity (cached).",
			InputSchema: jsonSchema(map[string]any{
				"entity":       entity,
				"forceRefresh": propBoolean("Bypass the cache and refetch."),
			}, []string{"entity"}),
			Annotations: readOnly,
		},
		{
			Name:        "civicrm_get_actions",
			Description: "List the available actions of an entity with details.",
			InputSchema: jsonSchema(map[string]any{
				"entity": entity,
			}, []string{"entity"}),
			Annotations: readOnly,
		},
		{
			Name:        "civicrm_save",
			Description: "Upsert records (create or update based on match criteria).",
			InputSchema: jsonSchema(map[string]any{
				"entity": entity,
				"records": map[string]any{
					"type":        "array",
					"description": "Records to save (upsert).",
					"items":       map[string]any{"type": "object"},
				},
				"defaults": propObject("Values merged into every record."),
				"match":    propStringArray("Fields to match for updates."),
			}, []string{"entity", "records"}),
			Annotations: destructive,
		},
		{
			Name:        "civicrm_api_help",
			Description: "Get API documentation: common entities, actions, where operators and SQL functions.",
			InputSchema: jsonSchema(map[string]any{}, nil),
			Annotations: local,
		},
	}
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description, "minLength": 1}
}

func propStringEnum(description string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func propStringArray(description string) map[string]any {
	return map[string]any{"type": "array", "description": description, "items": map[string]any{"type": "string"}}
}

func propObject(description string) map[string]any {
	return map[string]any{"type": "object", "description": description}
}

// propInteger bounds the value to [min, max]; max 0 means unbounded.
func propInteger(description string, min, max int) map[string]any {
	p := map[string]any{"type": "integer", "description": description, "minimum": min}
	if max > 0 {
		p["maximum"] = max
	}
	return p
}

func propBoolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}
