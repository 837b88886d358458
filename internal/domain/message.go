package domain

import "time"

// AuthorRole records which side of a thread authored a relayed message.
type AuthorRole string

const (
	RoleRecipient AuthorRole = "recipient"
	RoleStaff     AuthorRole = "staff"
)

// LinkedMessage maps a message identity on the user (DM) side to its rendered
// counterpart on the relay side. Both directions must be resolvable. The
// record is immutable after creation except for the Deleted flag, which is a
// soft delete preserving the audit trail.
type LinkedMessage struct {
	RecipientID    string     `json:"recipient_id" gorm:"column:recipient_id;index"`
	UserMessageID  string     `json:"user_message_id" gorm:"primaryKey;column:user_message_id"`
	RelayMessageID string     `json:"relay_message_id" gorm:"uniqueIndex;column:relay_message_id"`
	AuthorID       string     `json:"author_id"`
	Role           AuthorRole `json:"role"`
	CreatedAt      time.Time  `json:"created_at"`
	Deleted        bool       `json:"deleted"`
}

// Counterpart returns the opposite-side id for the given message id, plus
// whether id matched either side at all.
func (m *LinkedMessage) Counterpart(id string) (string, bool) {
	switch id {
	case m.UserMessageID:
		return m.RelayMessageID, true
	case m.RelayMessageID:
		return m.UserMessageID, true
	}
	return "", false
}
