package models

import "time"

// PresenceRecord is the last observed activity of an account.
type PresenceRecord struct {
	AccountID string    `json:"account_id"`
	LastSeen  time.Time `json:"last_seen"`
}
