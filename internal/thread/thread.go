package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"modmail/backend/internal/domain"
	"modmail/backend/internal/events"
	"modmail/backend/internal/gateway"
	"modmail/backend/internal/storage"
)

// State tracks a thread through its lifecycle.
type State int

const (
	StateOpen State = iota
	StatePendingClose
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePendingClose:
		return "pending_close"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseOptions controls how a thread is closed.
type CloseOptions struct {
	// After defers the close. Zero closes immediately.
	After time.Duration
	// Silent suppresses the goodbye message to the recipient.
	Silent bool
	// DeleteChannel removes the relay channel after closing.
	DeleteChannel bool
	// Message is recorded as the close reason and, unless Silent, sent to
	// the recipient.
	Message string
	// Closer is who is closing the thread.
	Closer domain.Closer
	// AutoClose marks the closure as inactivity-driven; new recipient
	// activity cancels it.
	AutoClose bool
}

// Thread is one live conversation between a recipient and the staff channel.
type Thread struct {
	mu sync.Mutex

	manager   *Manager
	logKey    string
	recipient domain.User
	channelID string
	state     State

	// dmChannelID is learned from the first inbound direct message and is
	// needed to mirror staff reactions back onto the recipient's copy.
	dmChannelID string
}

func (t *Thread) Recipient() domain.User { return t.recipient }
func (t *Thread) ChannelID() string      { return t.channelID }
func (t *Thread) LogKey() string         { return t.logKey }

func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// SendUser relays an inbound direct message from the recipient into the
// staff channel, records the linkage and log entry, and cancels whatever
// closure is pending: the thread is active again.
func (t *Thread) SendUser(ctx context.Context, msg gateway.Message) error {
	m := t.manager

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return ErrThreadClosed
	}
	t.dmChannelID = msg.ChannelID
	t.mu.Unlock()

	out := gateway.Outgoing{
		Author: msg.Author.Name,
		Text:   msg.Content,
	}
	for _, a := range msg.Attachments {
		out.Text += "\n" + a.URL
	}
	relayID, err := m.client.SendChannel(ctx, t.channelID, out)
	if err != nil {
		return fmt.Errorf("relay user message: %w", err)
	}

	if err := t.cancelPendingClose(ctx); err != nil {
		return err
	}

	now := m.now()
	if err := m.store.SaveLink(&domain.LinkedMessage{
		RecipientID:    t.recipient.ID,
		UserMessageID:  msg.ID,
		RelayMessageID: relayID,
		AuthorID:       msg.Author.ID,
		Role:           domain.RoleRecipient,
		CreatedAt:      now,
	}); err != nil {
		return err
	}

	logMsg := domain.LogMessage{
		MessageID:   msg.ID,
		AuthorID:    msg.Author.ID,
		AuthorName:  msg.Author.Name,
		Content:     msg.Content,
		Attachments: attachmentURLs(msg.Attachments),
		Type:        domain.LogTypeThreadMessage,
		CreatedAt:   now,
	}
	if err := m.store.AppendLog(t.channelID, logMsg); err != nil {
		return err
	}

	t.armAutoClose(ctx)

	m.bus.Publish(events.Event{
		Type:        events.TypeThreadReply,
		RecipientID: t.recipient.ID,
		ChannelID:   t.channelID,
		LogKey:      t.logKey,
		Message:     &logMsg,
	})
	return nil
}

// Reply sends a staff message to the recipient and posts a copy into the
// staff channel. The copy's id is the relay-side identity of the pair. When
// anonymous is set the recipient sees a generic staff identity.
func (t *Thread) Reply(ctx context.Context, staff domain.User, content string, anonymous, plain bool) (string, string, error) {
	m := t.manager

	if t.State() == StateClosed {
		return "", "", ErrThreadClosed
	}

	author := staff.Name
	if anonymous {
		author = m.cfg.AnonymousName
	}
	dmOut := gateway.Outgoing{Author: author, Text: content}
	if plain {
		dmOut.Author = ""
	}
	dmID, err := m.client.SendDirect(ctx, t.recipient.ID, dmOut)
	if err != nil {
		return "", "", fmt.Errorf("deliver reply: %w", err)
	}

	copyOut := gateway.Outgoing{Author: staff.Name, Text: content}
	if anonymous {
		copyOut.Footer = "anonymous reply"
	}
	relayID, err := m.client.SendChannel(ctx, t.channelID, copyOut)
	if err != nil {
		return "", "", fmt.Errorf("post reply copy: %w", err)
	}

	if err := t.cancelPendingClose(ctx); err != nil {
		return "", "", err
	}

	now := m.now()
	if err := m.store.SaveLink(&domain.LinkedMessage{
		RecipientID:    t.recipient.ID,
		UserMessageID:  dmID,
		RelayMessageID: relayID,
		AuthorID:       staff.ID,
		Role:           domain.RoleStaff,
		CreatedAt:      now,
	}); err != nil {
		return "", "", err
	}

	logType := domain.LogTypeThreadMessage
	if anonymous {
		logType = domain.LogTypeAnonymous
	}
	logMsg := domain.LogMessage{
		MessageID:  dmID,
		AuthorID:   staff.ID,
		AuthorName: staff.Name,
		Staff:      true,
		Content:    content,
		Type:       logType,
		CreatedAt:  now,
	}
	if err := m.store.AppendLog(t.channelID, logMsg); err != nil {
		return "", "", err
	}

	t.armAutoClose(ctx)

	m.bus.Publish(events.Event{
		Type:        events.TypeThreadReply,
		RecipientID: t.recipient.ID,
		ChannelID:   t.channelID,
		LogKey:      t.logKey,
		Anonymous:   anonymous,
		Plain:       plain,
		StaffSide:   true,
		Message:     &logMsg,
	})
	return dmID, relayID, nil
}

// Note posts a staff-only message into the channel. Nothing reaches the
// recipient and the log entry is marked internal.
func (t *Thread) Note(ctx context.Context, staff domain.User, content string) (string, error) {
	m := t.manager
	if t.State() == StateClosed {
		return "", ErrThreadClosed
	}
	id, err := m.client.SendChannel(ctx, t.channelID, gateway.Outgoing{
		Author: staff.Name,
		Text:   content,
		Footer: "note",
	})
	if err != nil {
		return "", err
	}
	return id, m.store.AppendLog(t.channelID, domain.LogMessage{
		MessageID:  id,
		AuthorID:   staff.ID,
		AuthorName: staff.Name,
		Staff:      true,
		Content:    content,
		Type:       domain.LogTypeInternal,
		CreatedAt:  m.now(),
	})
}

// Close closes the thread, immediately or after opts.After. A deferred close
// persists a closure record first, so the deadline survives a restart.
func (t *Thread) Close(ctx context.Context, opts CloseOptions) error {
	m := t.manager

	if t.State() == StateClosed {
		return ErrThreadClosed
	}

	if opts.After > 0 {
		when := m.now().Add(opts.After)
		closure := &domain.ScheduledClosure{
			RecipientID:   t.recipient.ID,
			Time:          when,
			CloserID:      opts.Closer.ID,
			Silent:        opts.Silent,
			DeleteChannel: opts.DeleteChannel,
			Message:       opts.Message,
			AutoClose:     opts.AutoClose,
		}
		if err := m.store.SaveClosure(closure); err != nil {
			return err
		}
		t.setState(StatePendingClose)
		m.scheduler.Schedule(*closure)
		m.logger.Info("thread close scheduled",
			zap.String("recipient_id", t.recipient.ID),
			zap.Time("at", when))
		return nil
	}

	return t.closeNow(ctx, opts)
}

func (t *Thread) closeNow(ctx context.Context, opts CloseOptions) error {
	m := t.manager

	m.scheduler.Cancel(t.recipient.ID)
	if err := m.store.DeleteClosure(t.recipient.ID); err != nil && !errors.Is(err, storage.ErrClosureNotFound) {
		return err
	}

	if !opts.Silent {
		text := opts.Message
		if text == "" {
			text = m.cfg.CloseMessage
		}
		if text != "" {
			if _, err := m.client.SendDirect(ctx, t.recipient.ID, gateway.Outgoing{Text: text}); err != nil {
				m.logger.Warn("close notice undeliverable",
					zap.String("recipient_id", t.recipient.ID),
					zap.Error(err))
			}
		}
	}

	if _, err := m.store.PostLog(t.channelID, opts.Closer, opts.Message); err != nil {
		return err
	}

	t.setState(StateClosed)
	m.forget(t)

	if opts.DeleteChannel {
		if err := m.client.DeleteChannel(ctx, t.channelID); err != nil && !errors.Is(err, gateway.ErrChannelNotFound) {
			m.logger.Warn("channel delete failed",
				zap.String("channel_id", t.channelID),
				zap.Error(err))
		}
	}

	m.bus.Publish(events.Event{
		Type:         events.TypeThreadClose,
		RecipientID:  t.recipient.ID,
		ChannelID:    t.channelID,
		LogKey:       t.logKey,
		Closer:       &opts.Closer,
		CloseMessage: opts.Message,
	})
	m.logger.Info("thread closed",
		zap.String("recipient_id", t.recipient.ID),
		zap.String("channel_id", t.channelID))
	return nil
}

// CancelClosure aborts a pending deferred close. The persisted record and
// the in-memory timer are removed together; the thread returns to open.
func (t *Thread) CancelClosure(ctx context.Context) (bool, error) {
	m := t.manager
	m.scheduler.Cancel(t.recipient.ID)
	err := m.store.DeleteClosure(t.recipient.ID)
	if errors.Is(err, storage.ErrClosureNotFound) {
		if t.State() == StatePendingClose {
			t.setState(StateOpen)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.setState(StateOpen)
	m.logger.Info("scheduled close cancelled", zap.String("recipient_id", t.recipient.ID))
	return true, nil
}

// cancelPendingClose aborts a scheduled closure once the thread sees new
// traffic. Staff-scheduled closes are announced in the channel so the closer
// knows the deadline no longer stands; the inactivity timer is re-armed by
// the caller and needs no announcement.
func (t *Thread) cancelPendingClose(ctx context.Context) error {
	m := t.manager
	closure, err := m.store.GetClosure(t.recipient.ID)
	if errors.Is(err, storage.ErrClosureNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := t.CancelClosure(ctx); err != nil {
		return err
	}
	if closure.AutoClose {
		return nil
	}
	const notice = "Scheduled close has been cancelled due to new activity."
	bot := m.client.BotUser()
	id, err := m.client.SendChannel(ctx, t.channelID, gateway.Outgoing{
		Author: bot.Name,
		Text:   notice,
	})
	if err != nil {
		m.logger.Warn("close cancellation notice failed",
			zap.String("channel_id", t.channelID),
			zap.Error(err))
		return nil
	}
	return m.store.AppendLog(t.channelID, domain.LogMessage{
		MessageID:  id,
		AuthorID:   bot.ID,
		AuthorName: bot.Name,
		Staff:      true,
		Content:    notice,
		Type:       domain.LogTypeSystem,
		CreatedAt:  m.now(),
	})
}

// FindLinkedMessage resolves either side of a relayed message pair.
func (t *Thread) FindLinkedMessage(messageID string) (*domain.LinkedMessage, error) {
	link, err := t.manager.store.GetLink(messageID)
	if err != nil {
		return nil, err
	}
	if link.RecipientID != t.recipient.ID {
		return nil, storage.ErrMessageNotLinked
	}
	return link, nil
}

// HandleUserEdit propagates an edit of the recipient's direct message onto
// its relay-side copy and flags the log entry.
func (t *Thread) HandleUserEdit(ctx context.Context, messageID, newContent string) error {
	m := t.manager
	link, err := t.FindLinkedMessage(messageID)
	if err != nil {
		return err
	}
	if err := m.client.EditMessage(ctx, t.channelID, link.RelayMessageID, gateway.Outgoing{
		Author: t.recipient.Name,
		Text:   newContent,
		Footer: "edited",
	}); err != nil {
		return err
	}
	return m.store.MarkLogMessage(t.channelID, messageID, true, false)
}

// HandleUserDelete soft-deletes the pair when the recipient removes their
// direct message: the relay copy stays visible but is annotated, and the
// linkage survives for the audit trail.
func (t *Thread) HandleUserDelete(ctx context.Context, messageID string) error {
	m := t.manager
	link, err := t.FindLinkedMessage(messageID)
	if err != nil {
		return err
	}
	content := t.logContent(messageID)
	if err := m.client.EditMessage(ctx, t.channelID, link.RelayMessageID, gateway.Outgoing{
		Author: t.recipient.Name,
		Text:   content,
		Footer: "deleted",
	}); err != nil {
		return err
	}
	if err := m.store.MarkLinkDeleted(messageID); err != nil {
		return err
	}
	return m.store.MarkLogMessage(t.channelID, messageID, false, true)
}

// EditStaffMessage rewrites both sides of a staff reply.
func (t *Thread) EditStaffMessage(ctx context.Context, staff domain.User, messageID, newContent string) error {
	m := t.manager
	link, err := t.FindLinkedMessage(messageID)
	if err != nil {
		return err
	}
	if link.Role != domain.RoleStaff {
		return storage.ErrMessageNotLinked
	}
	if err := m.client.EditDirectMessage(ctx, t.recipient.ID, link.UserMessageID, gateway.Outgoing{
		Author: staff.Name,
		Text:   newContent,
	}); err != nil {
		return err
	}
	if err := m.client.EditMessage(ctx, t.channelID, link.RelayMessageID, gateway.Outgoing{
		Author: staff.Name,
		Text:   newContent,
		Footer: "edited",
	}); err != nil {
		return err
	}
	return m.store.MarkLogMessage(t.channelID, link.UserMessageID, true, false)
}

// DeleteStaffMessage removes both sides of a staff reply.
func (t *Thread) DeleteStaffMessage(ctx context.Context, messageID string) error {
	m := t.manager
	link, err := t.FindLinkedMessage(messageID)
	if err != nil {
		return err
	}
	if link.Role != domain.RoleStaff {
		return storage.ErrMessageNotLinked
	}
	if err := m.client.DeleteDirectMessage(ctx, t.recipient.ID, link.UserMessageID); err != nil && !errors.Is(err, gateway.ErrMessageNotFound) {
		return err
	}
	if err := m.client.DeleteMessage(ctx, t.channelID, link.RelayMessageID); err != nil && !errors.Is(err, gateway.ErrMessageNotFound) {
		return err
	}
	if err := m.store.MarkLinkDeleted(link.UserMessageID); err != nil {
		return err
	}
	return m.store.MarkLogMessage(t.channelID, link.UserMessageID, false, true)
}

// HandleRelayDelete reacts to a staff-side deletion of a relayed copy. The
// pair is soft-deleted rather than unlinked, and a staff reply's delivered
// direct message is annotated instead of removed so the recipient keeps the
// conversation context.
func (t *Thread) HandleRelayDelete(ctx context.Context, relayID string) error {
	m := t.manager
	link, err := t.FindLinkedMessage(relayID)
	if err != nil {
		return err
	}
	if link.Role == domain.RoleStaff {
		content := t.logContent(link.UserMessageID)
		if err := m.client.EditDirectMessage(ctx, t.recipient.ID, link.UserMessageID, gateway.Outgoing{
			Text:   content,
			Footer: "deleted",
		}); err != nil && !errors.Is(err, gateway.ErrMessageNotFound) {
			return err
		}
	}
	if err := m.store.MarkLinkDeleted(link.UserMessageID); err != nil {
		return err
	}
	return m.store.MarkLogMessage(t.channelID, link.UserMessageID, false, true)
}

// MirrorReaction copies a reaction from one side of a linked pair to the
// other. No-op when reaction transfer is disabled.
func (t *Thread) MirrorReaction(ctx context.Context, r gateway.Reaction, added bool) error {
	m := t.manager
	if !m.cfg.TransferReactions {
		return nil
	}
	link, err := t.FindLinkedMessage(r.MessageID)
	if err != nil {
		return err
	}
	counterpart, _ := link.Counterpart(r.MessageID)

	var channelID string
	if r.MessageID == link.UserMessageID {
		channelID = t.channelID
	} else {
		channelID = t.dmChannel()
		if channelID == "" {
			return nil
		}
	}
	if added {
		return m.client.AddReaction(ctx, channelID, counterpart, r.Emoji)
	}
	return m.client.RemoveReaction(ctx, channelID, counterpart, r.Emoji)
}

// armAutoClose schedules or pushes back the inactivity closure.
func (t *Thread) armAutoClose(ctx context.Context) {
	m := t.manager
	if m.cfg.AutoCloseAfter <= 0 {
		return
	}
	closure := &domain.ScheduledClosure{
		RecipientID:   t.recipient.ID,
		Time:          m.now().Add(m.cfg.AutoCloseAfter),
		CloserID:      m.client.BotUser().ID,
		Silent:        m.cfg.AutoCloseSilently,
		Message:       "Closed due to inactivity.",
		AutoClose:     true,
		DeleteChannel: true,
	}
	if err := m.store.SaveClosure(closure); err != nil {
		m.logger.Warn("auto close arm failed", zap.Error(err))
		return
	}
	m.scheduler.Schedule(*closure)
}

func (t *Thread) logContent(messageID string) string {
	log, err := t.manager.store.GetLogByChannel(t.channelID)
	if err != nil {
		return ""
	}
	for _, msg := range log.Messages {
		if msg.MessageID == messageID {
			return msg.Content
		}
	}
	return ""
}

func (t *Thread) dmChannel() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dmChannelID
}

func attachmentURLs(atts []gateway.Attachment) []string {
	if len(atts) == 0 {
		return nil
	}
	urls := make([]string, len(atts))
	for i, a := range atts {
		urls[i] = a.URL
	}
	return urls
}
