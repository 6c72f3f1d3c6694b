package models

// Settings holds the extension-wide configuration stored under SettingsKey.
type Settings struct {
	DftEnableCredentials bool `json:"dftEnableCredentials"`
	DebugMode            bool `json:"debugMode"`
	MaxRules             int  `json:"maxRules"`
	AutoCleanupDays      int  `json:"autoCleanupDays"`
}

const (
	DefaultMaxRules        = 100
	DefaultAutoCleanupDays = 30

	MinMaxRules        = 1
	MaxMaxRules        = 1000
	MinAutoCleanupDays = 0
	MaxAutoCleanupDays = 365
)

// DefaultSettings returns the settings used when nothing valid is stored.
func DefaultSettings() Settings {
	return Settings{
		MaxRules:        DefaultMaxRules,
		AutoCleanupDays: DefaultAutoCleanupDays,
	}
}

// Normalize replaces out-of-range numeric values with their defaults.
func (s Settings) Normalize() Settings {
	if s.MaxRules < MinMaxRules || s.MaxRules > MaxMaxRules {
		s.MaxRules = DefaultMaxRules
	}
	if s.AutoCleanupDays < MinAutoCleanupDays || s.AutoCleanupDays > MaxAutoCleanupDays {
		s.AutoCleanupDays = DefaultAutoCleanupDays
	}
	return s
}
