package domain

import "time"

// ScheduledClosure is the durable record of a deferred thread close. It is
// written when a close is scheduled with a positive delay, removed once the
// close executes, and removed early when new activity cancels the closure.
// Surviving records are rescheduled on startup.
type ScheduledClosure struct {
	RecipientID   string    `json:"recipient_id" gorm:"primaryKey;column:recipient_id"`
	Time          time.Time `json:"time"`
	CloserID      string    `json:"closer_id"`
	Silent        bool      `json:"silent"`
	DeleteChannel bool      `json:"delete_channel"`
	Message       string    `json:"message"`
	AutoClose     bool      `json:"auto_close"`
}
