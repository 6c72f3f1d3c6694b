package models

// EnforcementLogEntry records one response the proxy rewrote.
type EnforcementLogEntry struct {
	ID           int64  `json:"id"`
	Timestamp    int64  `json:"timestamp"` // unix milliseconds
	RuleID       int64  `json:"ruleId"`
	Initiator    string `json:"initiator"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	ResourceType string `json:"resourceType"`
	StatusCode   int    `json:"statusCode"` // status sent to the client, after any preflight rewrite
	Preflight    bool   `json:"preflight"`
}
