// Package memory implements a loopback gateway client. It backs development
// mode and the relay tests: every platform action mutates in-process state
// that can be inspected afterwards.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"modmail/backend/internal/domain"
	"modmail/backend/internal/gateway"
)

// StoredMessage is a message as held by the loopback platform.
type StoredMessage struct {
	ID        string
	ChannelID string
	AuthorID  string
	Out       gateway.Outgoing
	Reactions map[string][]string // emoji -> reacting user ids
	CreatedAt time.Time
}

type channel struct {
	id       string
	name     string
	topic    string
	dm       bool
	messages map[string]*StoredMessage
	order    []string
}

// Client is the loopback gateway.
type Client struct {
	mu       sync.Mutex
	bot      domain.User
	channels map[string]*channel
	members  map[string]*domain.Member
	// failDirect lists user ids whose direct sends fail, for exercising the
	// delivery-failure path.
	failDirect map[string]struct{}
	seq        int
}

// NewClient creates a loopback gateway acting as the given bot identity.
func NewClient(bot domain.User) *Client {
	return &Client{
		bot:        bot,
		channels:   make(map[string]*channel),
		members:    make(map[string]*domain.Member),
		failDirect: make(map[string]struct{}),
	}
}

// AddMember registers a community member the relay can look up.
func (c *Client) AddMember(m domain.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := m
	c.members[m.ID] = &cp
}

// RemoveMember drops a member, simulating the user leaving the community.
func (c *Client) RemoveMember(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, userID)
}

// FailDirect makes direct sends to the user fail until restored.
func (c *Client) FailDirect(userID string, fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fail {
		c.failDirect[userID] = struct{}{}
	} else {
		delete(c.failDirect, userID)
	}
}

// DMChannelID returns the loopback channel id of a user's DM channel.
func DMChannelID(userID string) string { return "dm:" + userID }

func (c *Client) BotUser() domain.User { return c.bot }

func (c *Client) nextID() string {
	c.seq++
	return fmt.Sprintf("msg-%d-%s", c.seq, uuid.NewString()[:8])
}

func (c *Client) dmChannelLocked(userID string) *channel {
	id := DMChannelID(userID)
	ch, ok := c.channels[id]
	if !ok {
		ch = &channel{id: id, name: id, dm: true, messages: make(map[string]*StoredMessage)}
		c.channels[id] = ch
	}
	return ch
}

func (c *Client) postLocked(ch *channel, authorID string, out gateway.Outgoing) string {
	msg := &StoredMessage{
		ID:        c.nextID(),
		ChannelID: ch.id,
		AuthorID:  authorID,
		Out:       out,
		Reactions: make(map[string][]string),
		CreatedAt: time.Now().UTC(),
	}
	ch.messages[msg.ID] = msg
	ch.order = append(ch.order, msg.ID)
	return msg.ID
}

func (c *Client) SendDirect(_ context.Context, userID string, out gateway.Outgoing) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, fail := c.failDirect[userID]; fail {
		return "", gateway.ErrDeliveryFailed
	}
	return c.postLocked(c.dmChannelLocked(userID), c.bot.ID, out), nil
}

func (c *Client) SendChannel(_ context.Context, channelID string, out gateway.Outgoing) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return "", gateway.ErrChannelNotFound
	}
	return c.postLocked(ch, c.bot.ID, out), nil
}

func (c *Client) messageLocked(channelID, messageID string) (*StoredMessage, error) {
	ch, ok := c.channels[channelID]
	if !ok {
		return nil, gateway.ErrChannelNotFound
	}
	msg, ok := ch.messages[messageID]
	if !ok {
		return nil, gateway.ErrMessageNotFound
	}
	return msg, nil
}

func (c *Client) EditMessage(_ context.Context, channelID, messageID string, out gateway.Outgoing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, err := c.messageLocked(channelID, messageID)
	if err != nil {
		return err
	}
	msg.Out = out
	return nil
}

func (c *Client) EditDirectMessage(ctx context.Context, userID, messageID string, out gateway.Outgoing) error {
	return c.EditMessage(ctx, DMChannelID(userID), messageID, out)
}

func (c *Client) DeleteMessage(_ context.Context, channelID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return gateway.ErrChannelNotFound
	}
	if _, ok := ch.messages[messageID]; !ok {
		return gateway.ErrMessageNotFound
	}
	delete(ch.messages, messageID)
	for i, id := range ch.order {
		if id == messageID {
			ch.order = append(ch.order[:i], ch.order[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Client) DeleteDirectMessage(ctx context.Context, userID, messageID string) error {
	return c.DeleteMessage(ctx, DMChannelID(userID), messageID)
}

func (c *Client) AddReaction(_ context.Context, channelID, messageID, emoji string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, err := c.messageLocked(channelID, messageID)
	if err != nil {
		return err
	}
	for _, id := range msg.Reactions[emoji] {
		if id == c.bot.ID {
			return nil
		}
	}
	msg.Reactions[emoji] = append(msg.Reactions[emoji], c.bot.ID)
	return nil
}

func (c *Client) RemoveReaction(_ context.Context, channelID, messageID, emoji string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, err := c.messageLocked(channelID, messageID)
	if err != nil {
		return err
	}
	ids := msg.Reactions[emoji]
	for i, id := range ids {
		if id == c.bot.ID {
			msg.Reactions[emoji] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

func (c *Client) CreateChannel(_ context.Context, name, topic string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "ch-" + uuid.NewString()[:8]
	c.channels[id] = &channel{id: id, name: name, topic: topic, messages: make(map[string]*StoredMessage)}
	return id, nil
}

func (c *Client) DeleteChannel(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channelID]; !ok {
		return gateway.ErrChannelNotFound
	}
	delete(c.channels, channelID)
	return nil
}

func (c *Client) ChannelExists(_ context.Context, channelID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok, nil
}

func (c *Client) Member(_ context.Context, userID string) (*domain.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[userID]
	if !ok {
		return nil, gateway.ErrUserNotFound
	}
	cp := *m
	return &cp, nil
}

func (c *Client) User(_ context.Context, userID string) (*domain.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.members[userID]; ok {
		cp := m.User
		return &cp, nil
	}
	return nil, gateway.ErrUserNotFound
}

// PostAs stores a message authored by an arbitrary user, simulating inbound
// traffic arriving on the platform. DM channels are created on demand.
func (c *Client) PostAs(channelID, authorID, text string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		ch = &channel{id: channelID, name: channelID, dm: true, messages: make(map[string]*StoredMessage)}
		c.channels[channelID] = ch
	}
	return c.postLocked(ch, authorID, gateway.Outgoing{Text: text})
}

// Messages returns the channel's messages in post order, for assertions.
func (c *Client) Messages(channelID string) []StoredMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]StoredMessage, 0, len(ch.order))
	for _, id := range ch.order {
		out = append(out, *ch.messages[id])
	}
	return out
}

// Message returns one stored message, for assertions.
func (c *Client) Message(channelID, messageID string) (StoredMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, err := c.messageLocked(channelID, messageID)
	if err != nil {
		return StoredMessage{}, false
	}
	return *msg, true
}
