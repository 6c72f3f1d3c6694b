package models

// Tab is the slice of browser tab state the active-tab cache cares about.
type Tab struct {
	ID       int64  `json:"tabId" example:"12"`
	WindowID int64  `json:"windowId" example:"1"`
	URL      string `json:"url" example:"https://example.com/page"`
}

// TabRuleResponse is returned for a window's current tab.
type TabRuleResponse struct {
	WindowID int64 `json:"windowId"`
	Active   bool  `json:"active"`
	Known    bool  `json:"known"` // false when the rule is a placeholder
	Rule     Rule  `json:"rule"`
}
