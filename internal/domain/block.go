package domain

import "time"

// BlockKind distinguishes user-level from role-level block records.
type BlockKind string

const (
	BlockUser BlockKind = "user"
	BlockRole BlockKind = "role"
)

// BlockRecord marks a user or role as blocked from opening or continuing
// threads. System records are derived from live data (account age, membership
// age) and are recomputed on every access check; manual records carry an
// optional expiry. Expired records are pruned lazily on the next evaluation,
// never eagerly.
type BlockRecord struct {
	TargetID  string     `json:"target_id" gorm:"primaryKey;column:target_id"`
	Kind      BlockKind  `json:"kind" gorm:"primaryKey;column:kind"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	System    bool       `json:"system"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the record's expiry, if any, has passed.
// A record without an expiry never expires.
func (r *BlockRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}
