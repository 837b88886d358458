// Package gateway abstracts the chat platform. The relay core consumes
// platform events through Handler and performs platform actions through
// Client; the wire protocol behind either is out of scope.
package gateway

import (
	"context"
	"errors"
	"time"

	"modmail/backend/internal/domain"
)

var (
	// ErrDeliveryFailed reports that the remote endpoint rejected a send or
	// was unreachable. Deliveries are never retried automatically.
	ErrDeliveryFailed = errors.New("gateway: delivery failed")
	// ErrChannelNotFound reports an unknown channel id.
	ErrChannelNotFound = errors.New("gateway: channel not found")
	// ErrMessageNotFound reports an unknown message id.
	ErrMessageNotFound = errors.New("gateway: message not found")
	// ErrUserNotFound reports an unknown user id.
	ErrUserNotFound = errors.New("gateway: user not found")
)

// Attachment is a file carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Message is an inbound platform message. DM distinguishes a user's private
// channel from a staff-side channel.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Author      domain.User  `json:"author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	DM          bool         `json:"dm"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Reaction is a reaction added to or removed from a message.
type Reaction struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	DM        bool   `json:"dm"`
}

// Outgoing is a rendered message the relay asks the platform to post.
type Outgoing struct {
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

// Handler receives platform events. Events for a single user arrive in
// order; no ordering is guaranteed across users.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
	HandleMessageEdit(ctx context.Context, msg Message)
	HandleMessageDelete(ctx context.Context, channelID, messageID string, dm bool)
	HandleBulkMessageDelete(ctx context.Context, channelID string, messageIDs []string)
	HandleReaction(ctx context.Context, reaction Reaction, added bool)
	HandleMemberJoin(ctx context.Context, member domain.Member)
	HandleMemberLeave(ctx context.Context, member domain.Member)
	HandleChannelDelete(ctx context.Context, channelID string)
}

// Client exposes the platform operations the relay core needs.
type Client interface {
	// BotUser is the identity the service acts as.
	BotUser() domain.User

	SendDirect(ctx context.Context, userID string, out Outgoing) (messageID string, err error)
	SendChannel(ctx context.Context, channelID string, out Outgoing) (messageID string, err error)
	EditMessage(ctx context.Context, channelID, messageID string, out Outgoing) error
	EditDirectMessage(ctx context.Context, userID, messageID string, out Outgoing) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	DeleteDirectMessage(ctx context.Context, userID, messageID string) error

	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error

	CreateChannel(ctx context.Context, name, topic string) (channelID string, err error)
	DeleteChannel(ctx context.Context, channelID string) error
	ChannelExists(ctx context.Context, channelID string) (bool, error)

	Member(ctx context.Context, userID string) (*domain.Member, error)
	User(ctx context.Context, userID string) (*domain.User, error)
}
