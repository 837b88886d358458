// Package smtp accepts inbound mail as an alternative way for users to
// reach the relay. A message to inbox@<domain> is translated into the same
// direct-message event a chat gateway would deliver, so the thread engine
// treats mail users and chat users identically.
//
// The listener is receiving-only: recipients outside the configured domain
// are rejected at RCPT time, so the server can never act as an open relay.
package smtp

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/gateway"
	"modmail/backend/internal/monitoring"
)

const (
	inboxLocalPart = "inbox"
	maxMessageSize = 10 << 20
)

// connLimiter caps concurrent sessions.
type connLimiter struct {
	mu       sync.Mutex
	current  int
	maxConns int
}

func newConnLimiter(maxConns int) *connLimiter {
	if maxConns <= 0 {
		maxConns = 50
	}
	return &connLimiter{maxConns: maxConns}
}

func (l *connLimiter) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current >= l.maxConns {
		return false
	}
	l.current++
	return true
}

func (l *connLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current > 0 {
		l.current--
	}
}

// senderLimiter throttles per-sender traffic with one token bucket per
// address. Buckets idle past the expiry are dropped.
type senderLimiter struct {
	mu      sync.Mutex
	buckets map[string]*senderBucket
	rate    rate.Limit
	burst   int
}

type senderBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSenderLimiter(perMinute int) *senderLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &senderLimiter{
		buckets: make(map[string]*senderBucket),
		rate:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
	}
}

func (l *senderLimiter) allow(sender string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[sender]
	if !ok {
		b = &senderBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[sender] = b
	}
	b.lastSeen = now

	// Opportunistic cleanup of stale buckets.
	if len(l.buckets) > 1024 {
		for addr, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) > time.Hour {
				delete(l.buckets, addr)
			}
		}
	}
	return b.limiter.Allow()
}

// Backend implements go-smtp's Backend and feeds parsed mail into the relay
// handler.
type Backend struct {
	handler gateway.Handler
	cfg     config.SMTPConfig
	conns   *connLimiter
	senders *senderLimiter
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

func NewBackend(handler gateway.Handler, cfg config.SMTPConfig, logger *zap.Logger) *Backend {
	return &Backend{
		handler: handler,
		cfg:     cfg,
		conns:   newConnLimiter(cfg.MaxConns),
		senders: newSenderLimiter(cfg.MaxRate),
		logger:  logger,
	}
}

// SetMetrics attaches the ingress counter. A backend without metrics works
// unchanged.
func (b *Backend) SetMetrics(m *monitoring.Metrics) {
	b.metrics = m
}

// NewServer builds the listener around the backend.
func NewServer(b *Backend) *gosmtp.Server {
	s := gosmtp.NewServer(b)
	s.Addr = b.cfg.BindAddr
	s.Domain = b.cfg.Domain
	s.MaxMessageBytes = maxMessageSize
	s.MaxRecipients = 5
	s.ReadTimeout = 30 * time.Second
	s.WriteTimeout = 30 * time.Second
	return s
}

func (b *Backend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	if !b.conns.acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend  *Backend
	from     string
	accepted bool
	released bool
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	addr := normalizeAddress(from)
	if addr == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
			Message:      "invalid sender address",
		}
	}
	if !s.backend.senders.allow(addr) {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 1},
			Message:      "rate limit exceeded, try again later",
		}
	}
	s.from = addr
	return nil
}

// Rcpt only accepts the relay inbox on the configured domain. Everything
// else is refused so the listener cannot be used as a relay.
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	if !strings.EqualFold(parts[1], s.backend.cfg.Domain) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied",
		}
	}
	if parts[0] != inboxLocalPart {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	}
	s.accepted = true
	return nil
}

func (s *session) Data(r io.Reader) error {
	if !s.accepted {
		return &gosmtp.SMTPError{
			Code:    503,
			Message: "no valid recipients",
		}
	}
	msg, err := mail.ReadMessage(io.LimitReader(r, maxMessageSize))
	if err != nil {
		return fmt.Errorf("parse mail: %w", err)
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	content := strings.TrimSpace(string(body))
	if subject := strings.TrimSpace(msg.Header.Get("Subject")); subject != "" {
		content = subject + "\n\n" + content
	}
	if content == "" {
		return nil
	}

	name := s.from
	if parsed, err := mail.ParseAddress(msg.Header.Get("From")); err == nil && parsed.Name != "" {
		name = parsed.Name
	}

	// Mail senders become synthetic gateway users keyed by address, so a
	// thread follows the sender across messages.
	event := gateway.Message{
		ID:        "mail-" + uuid.NewString(),
		ChannelID: "mail:" + s.from,
		Author: domain.User{
			ID:   "mail:" + s.from,
			Name: name,
		},
		Content:   content,
		DM:        true,
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.backend.handler.HandleMessage(ctx, event)

	if s.backend.metrics != nil {
		s.backend.metrics.RecordMailReceived()
	}
	s.backend.logger.Info("mail accepted",
		zap.String("from", s.from),
		zap.Int("bytes", len(body)))
	return nil
}

func (s *session) AuthPlain(_, _ string) error { return nil }

func (s *session) Reset() {
	s.from = ""
	s.accepted = false
}

func (s *session) Logout() error {
	if !s.released {
		s.released = true
		s.backend.conns.release()
	}
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
