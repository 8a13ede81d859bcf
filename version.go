package main

import "time"

// Build information, set via -ldflags "-X main.Version=... -X main.Commit=... -X main.buildTime=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	buildTime = ""
)

// BuildTime returns the parsed build timestamp, or the zero time when unset.
func BuildTime() time.Time {
	t, err := time.Parse(time.RFC3339, buildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
