package models

// Rule is a single user-authored "allow CORS for this origin" entry.
type Rule struct {
	ID           int64  `json:"id" example:"1" format:"int64" readOnly:"true"`
	Origin       string `json:"origin" example:"https://example.com"`
	Domain       string `json:"domain" example:"example.com" readOnly:"true"` // Hostname derived from Origin, used for engine scoping.
	Credentials  bool   `json:"credentials" example:"false"`                  // Echo the origin and allow cookies instead of answering with "*".
	ExtraHeaders string `json:"extraHeaders,omitempty" example:"X-Api-Key, X-Trace-Id"`
	Disabled     bool   `json:"disabled" example:"false"`
	CreatedAt    int64  `json:"createdAt" example:"1718000000000" readOnly:"true"`
	UpdatedAt    int64  `json:"updatedAt" example:"1718000000000" readOnly:"true"`
}

// RuleOptions is the creation payload for a rule.
type RuleOptions struct {
	Origin       string `json:"origin" binding:"required"`
	Credentials  *bool  `json:"credentials,omitempty"` // Falls back to the dftEnableCredentials setting when nil.
	ExtraHeaders string `json:"extraHeaders,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`
}

// RulePatch carries a partial update matched by ID. Nil fields are left untouched.
type RulePatch struct {
	ID           int64   `json:"id"`
	Origin       *string `json:"origin,omitempty"`
	Credentials  *bool   `json:"credentials,omitempty"`
	ExtraHeaders *string `json:"extraHeaders,omitempty"`
	Disabled     *bool   `json:"disabled,omitempty"`
}

// RuleExportVersion is written into every export file.
const RuleExportVersion = "1.0"

// RuleExport is the on-disk export format.
type RuleExport struct {
	Version   string `json:"version" example:"1.0"`
	Timestamp int64  `json:"timestamp" example:"1718000000000"`
	Rules     []Rule `json:"rules"`
}

// Persistence keys.
const (
	RulesKey        = "rules"
	SettingsKey     = "config"
	DynamicRulesKey = "dynamic_rules"
)

// ChangeEvent is emitted by the persistence layer after a successful write.
type ChangeEvent struct {
	Key      string
	NewValue []byte
	OldValue []byte
	Source   string // Context ID of the writer, empty when unknown.
}
