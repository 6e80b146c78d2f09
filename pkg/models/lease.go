package models

import "time"

// Lease is a time-bounded exclusive claim on one chapter record. Leases live
// in the lock coordinator's own table, never on the record itself.
type Lease struct {
	RecordID   string        `json:"record_id"`
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Duration   time.Duration `json:"duration"`
}

// Expired reports whether the lease has lapsed at now. A lease is still live
// at exactly ExpiresAt.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
