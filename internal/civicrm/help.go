package civicrm

import "github.com/xiy/civicrm-mcp/pkg/types"

// APIHelp returns a static overview of the APIv4 grammar accepted by the tools.
func (s *Service) APIHelp() types.APIHelp {
	return types.APIHelp{
		APIVersion:    "v4",
		ExplorerURL:   "/civicrm/api4",
		Documentation: "https://docs.civicrm.org/dev/en/latest/api/v4/usage/",
		CommonEntities: []string{
			"Contact", "Activity", "Contribution", "Event",
			"Membership", "Case", "Email", "Phone", "Address",
		},
		CommonActions: []string{
			"get", "create", "update", "delete", "save",
			"getFields", "getActions", "replace",
		},
		WhereOperators: []string{
			"=", "!=", ">", ">=", "<", "<=",
			"LIKE", "NOT LIKE", "IN", "NOT IN",
			"BETWEEN", "NOT BETWEEN", "IS NULL", "IS NOT NULL",
		},
		SQLFunctions: []string{
			"COUNT(*)", "COUNT(DISTINCT field)", "SUM(field)",
			"AVG(field)", "MIN(field)", "MAX(field)",
			"GROUP_CONCAT(field)",
		},
	}
}
