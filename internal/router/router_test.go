package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/events"
	"modmail/backend/internal/gate"
	"modmail/backend/internal/gateway"
	gwmemory "modmail/backend/internal/gateway/memory"
	"modmail/backend/internal/storage/memory"
	"modmail/backend/internal/thread"
)

var (
	recipient = domain.User{ID: "u1", Name: "alice", CreatedAt: time.Now().Add(-48 * time.Hour)}
	moderator = domain.User{ID: "s1", Name: "mod"}
	regular   = domain.User{ID: "s2", Name: "helper"}
)

type fixture struct {
	router  *Router
	store   *memory.Store
	client  *gwmemory.Client
	threads *thread.Manager
}

func newFixture(t *testing.T, mutate func(*config.RelayConfig)) *fixture {
	t.Helper()
	cfg := config.RelayConfig{
		Prefix:            "?",
		SentMarker:        "✅",
		BlockedMarker:     "🚫",
		AnonymousName:     "Staff",
		TransferReactions: true,
		Permissions: map[string][]string{
			"moderator": {moderator.ID},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store := memory.NewStore()
	client := gwmemory.NewClient(domain.User{ID: "bot", Name: "relay", Bot: true})
	bus := events.NewBus()
	threads := thread.NewManager(store, client, bus, cfg, zap.NewNop())
	t.Cleanup(threads.Stop)
	g := gate.New(store, client, cfg, zap.NewNop())
	r := New(store, client, threads, g, cfg, zap.NewNop())
	return &fixture{router: r, store: store, client: client, threads: threads}
}

// userDM seeds a direct message in the loopback platform and returns the
// event the gateway would deliver for it.
func (f *fixture) userDM(user domain.User, content string) gateway.Message {
	id := f.client.PostAs(gwmemory.DMChannelID(user.ID), user.ID, content)
	return gateway.Message{
		ID:        id,
		ChannelID: gwmemory.DMChannelID(user.ID),
		Author:    user,
		Content:   content,
		DM:        true,
		CreatedAt: time.Now().UTC(),
	}
}

func (f *fixture) staffMessage(author domain.User, channelID, content string) gateway.Message {
	id := f.client.PostAs(channelID, author.ID, content)
	return gateway.Message{
		ID:        id,
		ChannelID: channelID,
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func (f *fixture) openThread(t *testing.T) *thread.Thread {
	t.Helper()
	ctx := context.Background()
	f.router.HandleMessage(ctx, f.userDM(recipient, "help me"))
	th := f.threads.FindByRecipient(recipient.ID)
	require.NotNil(t, th)
	return th
}

func TestDirectMessageOpensThread(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	msg := f.userDM(recipient, "hello, I need help")
	f.router.HandleMessage(ctx, msg)

	th := f.threads.FindByRecipient(recipient.ID)
	require.NotNil(t, th)

	// Relayed into the channel and acknowledged on the user's message.
	msgs := f.client.Messages(th.ChannelID())
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1].Out.Text, "hello, I need help")
	stored, ok := f.client.Message(msg.ChannelID, msg.ID)
	require.True(t, ok)
	assert.Contains(t, stored.Reactions, "✅")

	// A second message reuses the thread.
	f.router.HandleMessage(ctx, f.userDM(recipient, "still there?"))
	assert.Same(t, th, f.threads.FindByRecipient(recipient.ID))
}

func TestDirectMessageFromBlockedUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.router.gate.Block(domain.BlockUser, recipient.ID, "spam", 0)
	require.NoError(t, err)

	msg := f.userDM(recipient, "let me in")
	f.router.HandleMessage(ctx, msg)

	assert.Nil(t, f.threads.FindByRecipient(recipient.ID))
	stored, _ := f.client.Message(msg.ChannelID, msg.ID)
	assert.Contains(t, stored.Reactions, "🚫")

	// The reason is sent back, after the user's own message.
	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	require.Len(t, dms, 2)
	assert.Equal(t, "spam", dms[1].Out.Text)
}

func TestDirectMessageUnderCooldown(t *testing.T) {
	f := newFixture(t, func(cfg *config.RelayConfig) {
		cfg.ThreadCooldown = time.Hour
	})
	ctx := context.Background()

	th := f.openThread(t)
	require.NoError(t, th.Close(ctx, thread.CloseOptions{
		Silent: true,
		Closer: domain.Closer{ID: moderator.ID, Name: moderator.Name, Staff: true},
	}))

	f.router.HandleMessage(ctx, f.userDM(recipient, "one more thing"))
	assert.Nil(t, f.threads.FindByRecipient(recipient.ID))

	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	assert.Contains(t, dms[len(dms)-1].Out.Text, "must wait")
}

func TestReplyCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?reply we are on it"))

	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	require.NotEmpty(t, dms)
	last := dms[len(dms)-1]
	assert.Equal(t, "we are on it", last.Out.Text)
	assert.Equal(t, moderator.Name, last.Out.Author)
}

func TestAnonymousReplyCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?ar you are welcome"))

	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	last := dms[len(dms)-1]
	assert.Equal(t, "Staff", last.Out.Author)
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)
	before := len(f.client.Messages(gwmemory.DMChannelID(recipient.ID)))

	f.router.HandleMessage(ctx, f.staffMessage(regular, th.ChannelID(), "?reply nope"))

	// Nothing reached the recipient; the channel got the refusal.
	assert.Len(t, f.client.Messages(gwmemory.DMChannelID(recipient.ID)), before)
	msgs := f.client.Messages(th.ChannelID())
	assert.Contains(t, msgs[len(msgs)-1].Out.Text, "permissions")
}

func TestCommandOutsideThread(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	channelID, err := f.client.CreateChannel(ctx, "general", "")
	require.NoError(t, err)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, channelID, "?reply hi"))

	msgs := f.client.Messages(channelID)
	assert.Contains(t, msgs[len(msgs)-1].Out.Text, "thread channel")
}

func TestBareMessageLoggedAsInternal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)
	before := len(f.client.Messages(gwmemory.DMChannelID(recipient.ID)))

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "what do we think?"))

	assert.Len(t, f.client.Messages(gwmemory.DMChannelID(recipient.ID)), before)
	log, err := f.store.GetLogByChannel(th.ChannelID())
	require.NoError(t, err)
	last := log.Messages[len(log.Messages)-1]
	assert.Equal(t, domain.LogTypeInternal, last.Type)
	assert.Equal(t, "what do we think?", last.Content)
}

func TestBareMessageRepliesWhenConfigured(t *testing.T) {
	f := newFixture(t, func(cfg *config.RelayConfig) {
		cfg.ReplyWithoutCommand = true
	})
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "this reaches you directly"))

	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	assert.Equal(t, "this reaches you directly", dms[len(dms)-1].Out.Text)
}

func TestSnippetDispatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?snippet add greet Welcome! How can we help?"))
	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?greet"))

	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	require.NotEmpty(t, dms)
	assert.Equal(t, "Welcome! How can we help?", dms[len(dms)-1].Out.Text)
}

func TestSnippetIgnoresTrailingText(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?snippet add greet Welcome!"))
	before := len(f.client.Messages(gwmemory.DMChannelID(recipient.ID)))

	// Extra text after the name means this is not a snippet invocation.
	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?greet and more words"))

	assert.Len(t, f.client.Messages(gwmemory.DMChannelID(recipient.ID)), before)
}

func TestMentionWorksAsPrefix(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	bot := f.client.BotUser()
	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), bot.Mention()+" reply right with you"))

	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	require.NotEmpty(t, dms)
	assert.Equal(t, "right with you", dms[len(dms)-1].Out.Text)

	// The nickname-mention form works the same way.
	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "<@!"+bot.ID+"> reply still here"))
	dms = f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	assert.Equal(t, "still here", dms[len(dms)-1].Out.Text)
}

func TestAliasExpansion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), `?alias add wrap "reply all sorted" && "close 1h"`))
	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?wrap"))

	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	require.NotEmpty(t, dms)
	assert.Equal(t, "all sorted", dms[len(dms)-1].Out.Text)
	assert.Equal(t, thread.StatePendingClose, th.State())
	_, err := f.store.GetClosure(recipient.ID)
	require.NoError(t, err)
}

func TestAliasBindsArgumentsPositionally(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?alias add duo reply && note"))
	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?duo first part && second part"))

	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	assert.Equal(t, "first part", dms[len(dms)-1].Out.Text)
	log, err := f.store.GetLogByChannel(th.ChannelID())
	require.NoError(t, err)
	last := log.Messages[len(log.Messages)-1]
	assert.Equal(t, domain.LogTypeInternal, last.Type)
	assert.Equal(t, "second part", last.Content)
}

func TestCloseCommandSchedulesAndCancels(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?close 1h wrapping up"))
	assert.Equal(t, thread.StatePendingClose, th.State())
	closure, err := f.store.GetClosure(recipient.ID)
	require.NoError(t, err)
	assert.Equal(t, "wrapping up", closure.Message)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?close cancel"))
	assert.Equal(t, thread.StateOpen, th.State())
}

func TestCloseCommandImmediate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?close thanks for writing in"))

	assert.Nil(t, f.threads.FindByRecipient(recipient.ID))
	log, err := f.store.GetLogByChannel(th.ChannelID())
	require.NoError(t, err)
	assert.False(t, log.Open)
	assert.Equal(t, "thanks for writing in", log.CloseMessage)
}

func TestBlockCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?block u9 2h being rude"))

	rec, err := f.store.GetBlock("u9", domain.BlockUser)
	require.NoError(t, err)
	assert.Equal(t, "being rude", rec.Reason)
	require.NotNil(t, rec.ExpiresAt)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?unblock u9"))
	_, err = f.store.GetBlock("u9", domain.BlockUser)
	assert.Error(t, err)
}

func TestContactCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	target := domain.User{ID: "u2", Name: "bob", CreatedAt: time.Now().Add(-72 * time.Hour)}
	f.client.AddMember(domain.Member{User: target})
	channelID, err := f.client.CreateChannel(ctx, "staff", "")
	require.NoError(t, err)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, channelID, "?contact u2"))

	th := f.threads.FindByRecipient("u2")
	require.NotNil(t, th)
	assert.Equal(t, "u2", th.Recipient().ID)
}

func TestMemberLeaveClosesThread(t *testing.T) {
	f := newFixture(t, func(cfg *config.RelayConfig) {
		cfg.CloseOnLeave = true
		cfg.CloseOnLeaveReason = "User left."
	})
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMemberLeave(ctx, domain.Member{User: recipient})

	assert.Nil(t, f.threads.FindByRecipient(recipient.ID))
	log, err := f.store.GetLogByChannel(th.ChannelID())
	require.NoError(t, err)
	assert.False(t, log.Open)
	assert.Equal(t, "User left.", log.CloseMessage)
}

func TestMemberLeaveAnnotatesWhenCloseDisabled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMemberLeave(ctx, domain.Member{User: recipient})

	require.NotNil(t, f.threads.FindByRecipient(recipient.ID))
	log, err := f.store.GetLogByChannel(th.ChannelID())
	require.NoError(t, err)
	last := log.Messages[len(log.Messages)-1]
	assert.Equal(t, domain.LogTypeInternal, last.Type)
	assert.Contains(t, last.Content, "left the server")
}

func TestMemberJoinAnnotatesOpenThread(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMemberJoin(ctx, domain.Member{User: recipient})

	log, err := f.store.GetLogByChannel(th.ChannelID())
	require.NoError(t, err)
	last := log.Messages[len(log.Messages)-1]
	assert.Equal(t, domain.LogTypeInternal, last.Type)
	assert.Contains(t, last.Content, "joined the server")
}

func TestUnlinkedEditGetsRejectionMarker(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.openThread(t)

	// An edit of a message that was never relayed cannot be propagated; the
	// editor sees the rejection on their message.
	edit := f.userDM(recipient, "edited text")
	f.router.HandleMessageEdit(ctx, edit)

	stored, ok := f.client.Message(edit.ChannelID, edit.ID)
	require.True(t, ok)
	assert.Contains(t, stored.Reactions, "🚫")
}

func TestRelaySideDeletePropagates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	th := f.openThread(t)

	f.router.HandleMessage(ctx, f.staffMessage(moderator, th.ChannelID(), "?reply on our way"))
	dms := f.client.Messages(gwmemory.DMChannelID(recipient.ID))
	require.NotEmpty(t, dms)
	dmID := dms[len(dms)-1].ID
	link, err := th.FindLinkedMessage(dmID)
	require.NoError(t, err)

	f.router.HandleMessageDelete(ctx, th.ChannelID(), link.RelayMessageID, false)

	// The delivered copy survives, annotated, and the pair is soft-deleted.
	dm, ok := f.client.Message(gwmemory.DMChannelID(recipient.ID), dmID)
	require.True(t, ok)
	assert.Equal(t, "deleted", dm.Out.Footer)
	after, err := th.FindLinkedMessage(dmID)
	require.NoError(t, err)
	assert.True(t, after.Deleted)
}

func TestReactionMirroredThroughHandler(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	msg := f.userDM(recipient, "look at this")
	f.router.HandleMessage(ctx, msg)
	th := f.threads.FindByRecipient(recipient.ID)
	require.NotNil(t, th)
	link, err := th.FindLinkedMessage(msg.ID)
	require.NoError(t, err)

	f.router.HandleReaction(ctx, gateway.Reaction{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		UserID:    recipient.ID,
		Emoji:     "👀",
		DM:        true,
	}, true)

	relayed, _ := f.client.Message(th.ChannelID(), link.RelayMessageID)
	assert.Contains(t, relayed.Reactions, "👀")
}

func TestParseDelay(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"15m", 15 * time.Minute, true},
		{"2h", 2 * time.Hour, true},
		{"3d", 72 * time.Hour, true},
		{"1d12h", 36 * time.Hour, true},
		{"soon", 0, false},
		{"", 0, false},
		{"-5m", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseDelay(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
