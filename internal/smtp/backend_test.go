package smtp

import (
	"context"
	"strings"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/gateway"
)

type recordingHandler struct {
	messages []gateway.Message
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg gateway.Message) {
	h.messages = append(h.messages, msg)
}
func (h *recordingHandler) HandleMessageEdit(context.Context, gateway.Message)        {}
func (h *recordingHandler) HandleMessageDelete(context.Context, string, string, bool) {}
func (h *recordingHandler) HandleBulkMessageDelete(context.Context, string, []string) {}
func (h *recordingHandler) HandleReaction(context.Context, gateway.Reaction, bool)    {}
func (h *recordingHandler) HandleMemberJoin(context.Context, domain.Member)           {}
func (h *recordingHandler) HandleMemberLeave(context.Context, domain.Member)          {}
func (h *recordingHandler) HandleChannelDelete(context.Context, string)               {}

func testConfig() config.SMTPConfig {
	return config.SMTPConfig{
		BindAddr: ":2525",
		Domain:   "relay.local",
		MaxConns: 10,
		MaxRate:  100,
	}
}

func newTestSession(t *testing.T, handler gateway.Handler, cfg config.SMTPConfig) gosmtp.Session {
	t.Helper()
	backend := NewBackend(handler, cfg, zap.NewNop())
	session, err := backend.NewSession(nil)
	require.NoError(t, err)
	return session
}

func TestSessionRejectsForeignDomain(t *testing.T) {
	session := newTestSession(t, &recordingHandler{}, testConfig())

	require.NoError(t, session.Mail("sender@example.com", nil))

	err := session.Rcpt("inbox@elsewhere.org", nil)
	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 550, smtpErr.Code)
}

func TestSessionRejectsUnknownMailbox(t *testing.T) {
	session := newTestSession(t, &recordingHandler{}, testConfig())

	require.NoError(t, session.Mail("sender@example.com", nil))

	err := session.Rcpt("someone@relay.local", nil)
	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 550, smtpErr.Code)
}

func TestSessionRejectsMalformedAddresses(t *testing.T) {
	session := newTestSession(t, &recordingHandler{}, testConfig())

	err := session.Mail("", nil)
	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 501, smtpErr.Code)

	require.NoError(t, session.Mail("sender@example.com", nil))
	err = session.Rcpt("not-an-address", nil)
	require.Error(t, err)
	smtpErr, ok = err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 501, smtpErr.Code)
}

func TestSessionDeliversMailAsDirectMessage(t *testing.T) {
	handler := &recordingHandler{}
	session := newTestSession(t, handler, testConfig())

	require.NoError(t, session.Mail("<Sender@Example.COM>", nil))
	require.NoError(t, session.Rcpt("inbox@relay.local", nil))

	raw := "From: Alice <sender@example.com>\r\n" +
		"Subject: Need help\r\n" +
		"\r\n" +
		"My account is locked.\r\n"
	require.NoError(t, session.Data(strings.NewReader(raw)))

	require.Len(t, handler.messages, 1)
	msg := handler.messages[0]
	assert.True(t, msg.DM)
	assert.Equal(t, "mail:sender@example.com", msg.Author.ID)
	assert.Equal(t, "Alice", msg.Author.Name)
	assert.Equal(t, "mail:sender@example.com", msg.ChannelID)
	assert.Contains(t, msg.Content, "Need help")
	assert.Contains(t, msg.Content, "My account is locked.")
}

func TestSessionRejectsDataWithoutRecipient(t *testing.T) {
	handler := &recordingHandler{}
	session := newTestSession(t, handler, testConfig())

	require.NoError(t, session.Mail("sender@example.com", nil))

	err := session.Data(strings.NewReader("Subject: x\r\n\r\nbody\r\n"))
	require.Error(t, err)
	assert.Empty(t, handler.messages)
}

func TestSessionResetClearsState(t *testing.T) {
	handler := &recordingHandler{}
	session := newTestSession(t, handler, testConfig())

	require.NoError(t, session.Mail("sender@example.com", nil))
	require.NoError(t, session.Rcpt("inbox@relay.local", nil))

	session.Reset()

	err := session.Data(strings.NewReader("Subject: x\r\n\r\nbody\r\n"))
	require.Error(t, err)
	assert.Empty(t, handler.messages)
}

func TestSenderRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRate = 1
	backend := NewBackend(&recordingHandler{}, cfg, zap.NewNop())

	first, err := backend.NewSession(nil)
	require.NoError(t, err)
	require.NoError(t, first.Mail("sender@example.com", nil))

	second, err := backend.NewSession(nil)
	require.NoError(t, err)
	err = second.Mail("sender@example.com", nil)
	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 451, smtpErr.Code)

	// A different sender is unaffected.
	third, err := backend.NewSession(nil)
	require.NoError(t, err)
	require.NoError(t, third.Mail("other@example.com", nil))
}

func TestConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConns = 1
	backend := NewBackend(&recordingHandler{}, cfg, zap.NewNop())

	first, err := backend.NewSession(nil)
	require.NoError(t, err)

	_, err = backend.NewSession(nil)
	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 421, smtpErr.Code)

	// Logging out releases the slot.
	require.NoError(t, first.Logout())
	_, err = backend.NewSession(nil)
	require.NoError(t, err)
}
