package notify

import "time"

// AppName is the application name used in notifications.
const AppName = "Andros capture node"

// timestampUTC returns the time in UTC RFC3339 format.
func timestampUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
