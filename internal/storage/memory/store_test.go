package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modmail/backend/internal/domain"
	"modmail/backend/internal/storage"
)

func TestMemoryStore_BlockOperations(t *testing.T) {
	store := NewStore()

	expires := time.Now().Add(time.Hour)
	record := &domain.BlockRecord{
		TargetID:  "user-1",
		Kind:      domain.BlockUser,
		Reason:    "spam",
		ExpiresAt: &expires,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveBlock(record))

	got, err := store.GetBlock("user-1", domain.BlockUser)
	require.NoError(t, err)
	assert.Equal(t, "spam", got.Reason)

	// Role and user namespaces are independent.
	_, err = store.GetBlock("user-1", domain.BlockRole)
	assert.ErrorIs(t, err, storage.ErrBlockNotFound)

	require.NoError(t, store.SaveBlock(&domain.BlockRecord{
		TargetID: "role-1",
		Kind:     domain.BlockRole,
		Reason:   "trolling",
	}))

	blocks, err := store.ListBlocks()
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	require.NoError(t, store.DeleteBlock("user-1", domain.BlockUser))
	_, err = store.GetBlock("user-1", domain.BlockUser)
	assert.ErrorIs(t, err, storage.ErrBlockNotFound)

	// Deleting again reports the absence.
	assert.ErrorIs(t, store.DeleteBlock("user-1", domain.BlockUser), storage.ErrBlockNotFound)
}

func TestMemoryStore_BlockCopiesOnWrite(t *testing.T) {
	store := NewStore()

	record := &domain.BlockRecord{TargetID: "user-1", Kind: domain.BlockUser, Reason: "before"}
	require.NoError(t, store.SaveBlock(record))

	// Mutating the caller's struct must not reach the stored copy.
	record.Reason = "after"

	got, err := store.GetBlock("user-1", domain.BlockUser)
	require.NoError(t, err)
	assert.Equal(t, "before", got.Reason)
}

func TestMemoryStore_Whitelist(t *testing.T) {
	store := NewStore()

	ok, err := store.IsWhitelisted("user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.AddWhitelist("user-1"))
	ok, err = store.IsWhitelisted("user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.RemoveWhitelist("user-1"))
	ok, err = store.IsWhitelisted("user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ClosureOperations(t *testing.T) {
	store := NewStore()

	closure := &domain.ScheduledClosure{
		RecipientID: "user-1",
		Time:        time.Now().Add(time.Hour),
		CloserID:    "mod-1",
		Message:     "done",
	}
	require.NoError(t, store.SaveClosure(closure))

	got, err := store.GetClosure("user-1")
	require.NoError(t, err)
	assert.Equal(t, "mod-1", got.CloserID)

	// Saving again for the same recipient replaces the record.
	closure.Message = "replaced"
	require.NoError(t, store.SaveClosure(closure))
	got, err = store.GetClosure("user-1")
	require.NoError(t, err)
	assert.Equal(t, "replaced", got.Message)

	all, err := store.ListClosures()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteClosure("user-1"))
	_, err = store.GetClosure("user-1")
	assert.ErrorIs(t, err, storage.ErrClosureNotFound)
	assert.ErrorIs(t, store.DeleteClosure("user-1"), storage.ErrClosureNotFound)
}

func TestMemoryStore_LogLifecycle(t *testing.T) {
	store := NewStore()

	log := &domain.ThreadLog{
		Key:         "log-1",
		RecipientID: "user-1",
		ChannelID:   "ch-1",
		Open:        true,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreateLog(log))

	got, err := store.GetLogByChannel("ch-1")
	require.NoError(t, err)
	assert.Equal(t, "log-1", got.Key)
	assert.True(t, got.Open)

	require.NoError(t, store.AppendLog("ch-1", domain.LogMessage{
		MessageID: "m-1",
		AuthorID:  "user-1",
		Content:   "hello",
		Type:      domain.LogTypeThreadMessage,
	}))

	require.NoError(t, store.MarkLogMessage("ch-1", "m-1", true, false))
	got, err = store.GetLogByChannel("ch-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.True(t, got.Messages[0].Edited)
	assert.False(t, got.Messages[0].Deleted)

	err = store.MarkLogMessage("ch-1", "missing", true, false)
	assert.ErrorIs(t, err, storage.ErrLogNotFound)

	open, err := store.GetOpenLogs()
	require.NoError(t, err)
	assert.Len(t, open, 1)

	closed, err := store.PostLog("ch-1", domain.Closer{ID: "mod-1", Staff: true}, "resolved")
	require.NoError(t, err)
	assert.False(t, closed.Open)
	assert.Equal(t, "resolved", closed.CloseMessage)
	require.NotNil(t, closed.ClosedAt)
	require.NotNil(t, closed.Closer)
	assert.Equal(t, "mod-1", closed.Closer.ID)

	open, err = store.GetOpenLogs()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMemoryStore_GetLatestUserLog(t *testing.T) {
	store := NewStore()

	_, err := store.GetLatestUserLog("user-1")
	assert.ErrorIs(t, err, storage.ErrLogNotFound)

	base := time.Now()
	require.NoError(t, store.CreateLog(&domain.ThreadLog{
		Key: "log-1", RecipientID: "user-1", ChannelID: "ch-1", CreatedAt: base,
	}))
	require.NoError(t, store.CreateLog(&domain.ThreadLog{
		Key: "log-2", RecipientID: "user-1", ChannelID: "ch-2", CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, store.CreateLog(&domain.ThreadLog{
		Key: "log-3", RecipientID: "user-2", ChannelID: "ch-3", CreatedAt: base.Add(time.Hour),
	}))

	got, err := store.GetLatestUserLog("user-1")
	require.NoError(t, err)
	assert.Equal(t, "log-2", got.Key)
}

func TestMemoryStore_LinkOperations(t *testing.T) {
	store := NewStore()

	link := &domain.LinkedMessage{
		RecipientID:    "user-1",
		UserMessageID:  "dm-1",
		RelayMessageID: "relay-1",
		AuthorID:       "user-1",
		Role:           domain.RoleRecipient,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.SaveLink(link))

	// Both sides resolve to the same pair.
	bySide, err := store.GetLink("dm-1")
	require.NoError(t, err)
	assert.Equal(t, "relay-1", bySide.RelayMessageID)

	byRelay, err := store.GetLink("relay-1")
	require.NoError(t, err)
	assert.Equal(t, "dm-1", byRelay.UserMessageID)

	_, err = store.GetLink("unknown")
	assert.ErrorIs(t, err, storage.ErrMessageNotLinked)

	require.NoError(t, store.MarkLinkDeleted("relay-1"))
	got, err := store.GetLink("dm-1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	links, err := store.ListLinks("user-1")
	require.NoError(t, err)
	assert.Len(t, links, 1)

	links, err = store.ListLinks("user-2")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestMemoryStore_MacroOperations(t *testing.T) {
	store := NewStore()

	require.NoError(t, store.SaveMacro(&domain.Macro{
		Name: "hi", Kind: domain.MacroSnippet, Body: "Hello!",
	}))
	require.NoError(t, store.SaveMacro(&domain.Macro{
		Name: "hi", Kind: domain.MacroAlias, Body: "reply Hello!",
	}))

	snippet, err := store.GetMacro("hi", domain.MacroSnippet)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", snippet.Body)

	// Saving under an existing name replaces the body.
	require.NoError(t, store.SaveMacro(&domain.Macro{
		Name: "hi", Kind: domain.MacroSnippet, Body: "Hi there!",
	}))
	snippet, err = store.GetMacro("hi", domain.MacroSnippet)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", snippet.Body)

	snippets, err := store.ListMacros(domain.MacroSnippet)
	require.NoError(t, err)
	assert.Len(t, snippets, 1)

	require.NoError(t, store.DeleteMacro("hi", domain.MacroSnippet))
	_, err = store.GetMacro("hi", domain.MacroSnippet)
	assert.ErrorIs(t, err, storage.ErrMacroNotFound)

	err = store.DeleteMacro("hi", domain.MacroSnippet)
	assert.ErrorIs(t, err, storage.ErrMacroNotFound)

	// The alias under the same name is untouched.
	_, err = store.GetMacro("hi", domain.MacroAlias)
	require.NoError(t, err)
}
