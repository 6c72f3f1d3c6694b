package models

// EngineRule mirrors a dynamic rule of a declarative network-filtering engine.
type EngineRule struct {
	ID        int64           `json:"id"`
	Priority  int             `json:"priority"`
	Action    EngineAction    `json:"action"`
	Condition EngineCondition `json:"condition"`
}

// EngineAction is what the engine does with a matching request.
type EngineAction struct {
	Type            string           `json:"type"` // only "modifyHeaders" is produced
	ResponseHeaders []HeaderModifier `json:"responseHeaders,omitempty"`
}

// HeaderModifier is a single header operation.
type HeaderModifier struct {
	Header    string `json:"header"`
	Operation string `json:"operation"` // "set", "append", "remove"
	Value     string `json:"value,omitempty"`
}

// EngineCondition scopes a rule.
type EngineCondition struct {
	URLFilter        string   `json:"urlFilter,omitempty"`
	InitiatorDomains []string `json:"initiatorDomains,omitempty"`
	ResourceTypes    []string `json:"resourceTypes,omitempty"`
}

// BatchUpdate is one remove-set + add-set call against the engine.
type BatchUpdate struct {
	RemoveRuleIDs []int64      `json:"removeRuleIds,omitempty"`
	AddRules      []EngineRule `json:"addRules,omitempty"`
}

const (
	ActionModifyHeaders = "modifyHeaders"

	HeaderOpSet    = "set"
	HeaderOpAppend = "append"
	HeaderOpRemove = "remove"
)

// Resource types understood by the engine.
const (
	ResourceMainFrame      = "main_frame"
	ResourceSubFrame       = "sub_frame"
	ResourceStylesheet     = "stylesheet"
	ResourceScript         = "script"
	ResourceImage          = "image"
	ResourceFont           = "font"
	ResourceObject         = "object"
	ResourceXMLHTTPRequest = "xmlhttprequest"
	ResourcePing           = "ping"
	ResourceCSPReport      = "csp_report"
	ResourceMedia          = "media"
	ResourceWebSocket      = "websocket"
	ResourceWebTransport   = "webtransport"
	ResourceWebBundle      = "webbundle"
	ResourceOther          = "other"
)

// AllResourceTypes lists every resource type, in the engine's canonical order.
var AllResourceTypes = []string{
	ResourceMainFrame,
	ResourceSubFrame,
	ResourceStylesheet,
	ResourceScript,
	ResourceImage,
	ResourceFont,
	ResourceObject,
	ResourceXMLHTTPRequest,
	ResourcePing,
	ResourceCSPReport,
	ResourceMedia,
	ResourceWebSocket,
	ResourceWebTransport,
	ResourceWebBundle,
	ResourceOther,
}
