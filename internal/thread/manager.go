// Package thread implements the relay core: one conversation per recipient,
// mirrored between their direct messages and a staff channel, with durable
// logs, message linkage and restart-safe deferred closes.
package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/events"
	"modmail/backend/internal/gateway"
	"modmail/backend/internal/storage"
)

var (
	// ErrThreadClosed is returned by operations on a thread that has been
	// closed out from under the caller.
	ErrThreadClosed = errors.New("thread is closed")
	// ErrThreadNotFound is returned when no live thread matches a lookup.
	ErrThreadNotFound = errors.New("thread not found")
)

// Manager owns every live thread. Lookups run against two in-memory indexes
// over the same threads, one keyed by recipient and one by channel; the
// durable state lives in the store.
type Manager struct {
	store     storage.Store
	client    gateway.Client
	bus       *events.Bus
	cfg       config.RelayConfig
	logger    *zap.Logger
	scheduler *Scheduler
	now       func() time.Time

	mu          sync.Mutex
	byRecipient map[string]*Thread
	byChannel   map[string]*Thread
	creating    map[string]chan struct{}
}

func NewManager(store storage.Store, client gateway.Client, bus *events.Bus, cfg config.RelayConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		store:       store,
		client:      client,
		bus:         bus,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		byRecipient: make(map[string]*Thread),
		byChannel:   make(map[string]*Thread),
		creating:    make(map[string]chan struct{}),
	}
	m.scheduler = newScheduler(m.executeClosure)
	return m
}

// FindByRecipient returns the live thread for a user, if any.
func (m *Manager) FindByRecipient(userID string) *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byRecipient[userID]
}

// FindByChannel returns the live thread behind a relay channel, if any.
func (m *Manager) FindByChannel(channelID string) *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byChannel[channelID]
}

// Threads returns a snapshot of all live threads.
func (m *Manager) Threads() []*Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Thread, 0, len(m.byRecipient))
	for _, t := range m.byRecipient {
		out = append(out, t)
	}
	return out
}

// Count returns the number of live threads.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byRecipient)
}

// FindOrCreate returns the user's thread, creating the channel and log when
// none exists. Creation is deduplicated: concurrent callers for the same
// user wait for the first one and share its result.
func (m *Manager) FindOrCreate(ctx context.Context, user domain.User) (*Thread, bool, error) {
	for {
		m.mu.Lock()
		if t, ok := m.byRecipient[user.ID]; ok {
			m.mu.Unlock()
			return t, false, nil
		}
		wait, inflight := m.creating[user.ID]
		if !inflight {
			wait = make(chan struct{})
			m.creating[user.ID] = wait
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	t, err := m.create(ctx, user)

	m.mu.Lock()
	done := m.creating[user.ID]
	delete(m.creating, user.ID)
	if err == nil {
		m.byRecipient[user.ID] = t
		m.byChannel[t.channelID] = t
	}
	m.mu.Unlock()
	close(done)

	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (m *Manager) create(ctx context.Context, user domain.User) (*Thread, error) {
	name := channelName(user)
	topic := fmt.Sprintf("User ID: %s", user.ID)
	channelID, err := m.client.CreateChannel(ctx, name, topic)
	if err != nil {
		return nil, fmt.Errorf("create relay channel: %w", err)
	}

	now := m.now()
	log := &domain.ThreadLog{
		Key:         uuid.NewString(),
		RecipientID: user.ID,
		ChannelID:   channelID,
		CreatorID:   user.ID,
		Open:        true,
		CreatedAt:   now,
	}
	if err := m.store.CreateLog(log); err != nil {
		if derr := m.client.DeleteChannel(ctx, channelID); derr != nil {
			m.logger.Warn("orphan channel cleanup failed",
				zap.String("channel_id", channelID), zap.Error(derr))
		}
		return nil, err
	}

	t := &Thread{
		manager:   m,
		logKey:    log.Key,
		recipient: user,
		channelID: channelID,
		state:     StateOpen,
	}

	if _, err := m.client.SendChannel(ctx, channelID, gateway.Outgoing{
		Text:   genesisText(user, now),
		Footer: "thread created",
	}); err != nil {
		m.logger.Warn("genesis message failed",
			zap.String("channel_id", channelID), zap.Error(err))
	}

	m.bus.Publish(events.Event{
		Type:        events.TypeThreadCreate,
		RecipientID: user.ID,
		ChannelID:   channelID,
		LogKey:      log.Key,
	})
	m.logger.Info("thread created",
		zap.String("recipient_id", user.ID),
		zap.String("channel_id", channelID))
	return t, nil
}

// forget drops a thread from both indexes. Called once its log is closed.
func (m *Manager) forget(t *Thread) {
	m.mu.Lock()
	delete(m.byRecipient, t.recipient.ID)
	delete(m.byChannel, t.channelID)
	m.mu.Unlock()
}

// PopulateCache rebuilds the live thread set from persisted state after a
// restart. Open logs whose channel vanished while the service was down are
// closed out; surviving scheduled closures are re-armed.
func (m *Manager) PopulateCache(ctx context.Context) error {
	logs, err := m.store.GetOpenLogs()
	if err != nil {
		return err
	}
	bot := m.client.BotUser()
	for _, log := range logs {
		exists, err := m.client.ChannelExists(ctx, log.ChannelID)
		if err != nil {
			return err
		}
		if !exists {
			closer := domain.Closer{ID: bot.ID, Name: bot.Name, Staff: true}
			if _, err := m.store.PostLog(log.ChannelID, closer, "Channel deleted, closing thread."); err != nil {
				m.logger.Warn("stale log close failed",
					zap.String("log_key", log.Key), zap.Error(err))
			}
			continue
		}
		user := domain.User{ID: log.RecipientID}
		if u, err := m.client.User(ctx, log.RecipientID); err == nil {
			user = *u
		}
		t := &Thread{
			manager:   m,
			logKey:    log.Key,
			recipient: user,
			channelID: log.ChannelID,
			state:     StateOpen,
		}
		m.mu.Lock()
		m.byRecipient[user.ID] = t
		m.byChannel[log.ChannelID] = t
		m.mu.Unlock()
	}

	closures, err := m.store.ListClosures()
	if err != nil {
		return err
	}
	for _, c := range closures {
		if t := m.FindByRecipient(c.RecipientID); t != nil {
			t.setState(StatePendingClose)
		}
		m.scheduler.Schedule(c)
	}
	m.logger.Info("thread cache populated",
		zap.Int("threads", len(logs)),
		zap.Int("closures", len(closures)))
	return nil
}

// Stop disarms all timers. Persisted closures stay on disk.
func (m *Manager) Stop() {
	m.scheduler.Stop()
}

// executeClosure runs when a deferred close's timer fires. The persisted
// record is re-read first: a missing record means the closure was cancelled
// after the timer was armed, and nothing happens.
func (m *Manager) executeClosure(recipientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := m.store.GetClosure(recipientID)
	if errors.Is(err, storage.ErrClosureNotFound) {
		return
	}
	if err != nil {
		m.logger.Error("closure lookup failed",
			zap.String("recipient_id", recipientID), zap.Error(err))
		return
	}
	if remaining := time.Until(c.Time); remaining > time.Second {
		// The deadline was pushed back after this timer was armed.
		m.scheduler.Schedule(*c)
		return
	}

	t := m.FindByRecipient(recipientID)
	if t == nil {
		if err := m.store.DeleteClosure(recipientID); err != nil && !errors.Is(err, storage.ErrClosureNotFound) {
			m.logger.Warn("orphan closure cleanup failed",
				zap.String("recipient_id", recipientID), zap.Error(err))
		}
		return
	}

	closer := domain.Closer{ID: c.CloserID, Name: c.CloserID, Staff: true}
	if u, err := m.client.User(ctx, c.CloserID); err == nil {
		closer.Name = u.Name
	}
	if err := t.closeNow(ctx, CloseOptions{
		Silent:        c.Silent,
		DeleteChannel: c.DeleteChannel,
		Message:       c.Message,
		Closer:        closer,
		AutoClose:     c.AutoClose,
	}); err != nil {
		m.logger.Error("scheduled close failed",
			zap.String("recipient_id", recipientID), zap.Error(err))
	}
}

func channelName(user domain.User) string {
	name := strings.ToLower(user.Name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "thread-" + user.ID
	}
	return b.String()
}

func genesisText(user domain.User, created time.Time) string {
	return fmt.Sprintf("%s (%s) has opened a thread at %s.",
		user.Name, user.ID, created.Format(time.RFC3339))
}
