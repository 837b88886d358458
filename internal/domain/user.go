package domain

import "time"

// User is a platform account as seen by the gateway.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Bot       bool      `json:"bot"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a user together with their community membership data. JoinedAt is
// nil when the user is not (or no longer) a member of the community.
type Member struct {
	User
	Nickname string     `json:"nickname,omitempty"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
	RoleIDs  []string   `json:"role_ids,omitempty"`
}

// Mention renders the canonical mention form for a user.
func (u User) Mention() string {
	return "<@" + u.ID + ">"
}
