package types

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Running version
	Latest      string `json:"latest,omitempty"`     // Latest published release
	UpdateAvail bool   `json:"update_available"`     // A newer release exists
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
