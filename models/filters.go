package models

// EnforcementLogFilters defines parameters for filtering enforcement log queries.
type EnforcementLogFilters struct {
	RuleID    int64  `json:"rule_id,omitempty"`
	Initiator string `json:"initiator,omitempty"`
	Method    string `json:"method,omitempty"`
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`
	SortOrder string `json:"sort_order"`
}

// PaginatedResponse is a generic structure for paginated API responses.
type PaginatedResponse struct {
	Page         int         `json:"page"`
	Limit        int         `json:"limit"`
	TotalRecords int         `json:"total_records"`
	TotalPages   int         `json:"total_pages"`
	Records      interface{} `json:"records"` // Can hold any type of record slice
}
