package domain

import "time"

// LogMessageType classifies entries appended to a thread log.
type LogMessageType string

const (
	LogTypeThreadMessage LogMessageType = "thread_message"
	LogTypeAnonymous     LogMessageType = "anonymous"
	LogTypeSystem        LogMessageType = "system"
	LogTypeInternal      LogMessageType = "internal"
)

// LogMessage is one message recorded in a thread log.
type LogMessage struct {
	MessageID   string         `json:"message_id"`
	AuthorID    string         `json:"author_id"`
	AuthorName  string         `json:"author_name"`
	Staff       bool           `json:"staff"`
	Content     string         `json:"content"`
	Attachments []string       `json:"attachments,omitempty"`
	Type        LogMessageType `json:"type"`
	CreatedAt   time.Time      `json:"created_at"`
	Edited      bool           `json:"edited"`
	Deleted     bool           `json:"deleted"`
}

// Closer identifies who closed a thread.
type Closer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Staff bool   `json:"staff"`
}

// ThreadLog is the persisted history of one thread. A log with Open set is an
// open thread; closing a thread stamps ClosedAt, CloseMessage and Closer.
type ThreadLog struct {
	Key          string       `json:"key" gorm:"primaryKey;column:key"`
	RecipientID  string       `json:"recipient_id" gorm:"index"`
	ChannelID    string       `json:"channel_id" gorm:"index"`
	CreatorID    string       `json:"creator_id"`
	Open         bool         `json:"open"`
	CreatedAt    time.Time    `json:"created_at"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
	CloseMessage string       `json:"close_message,omitempty"`
	Closer       *Closer      `json:"closer,omitempty" gorm:"serializer:json"`
	Messages     []LogMessage `json:"messages" gorm:"serializer:json"`
}
