package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	gwmemory "modmail/backend/internal/gateway/memory"
	"modmail/backend/internal/storage"
	"modmail/backend/internal/storage/memory"
)

func newTestGate(t *testing.T, cfg config.RelayConfig) (*Gate, *memory.Store, *gwmemory.Client) {
	t.Helper()
	store := memory.NewStore()
	client := gwmemory.NewClient(domain.User{ID: "bot", Name: "relay", Bot: true})
	g := New(store, client, cfg, zap.NewNop())
	return g, store, client
}

func fixedNow(g *Gate, now time.Time) {
	g.now = func() time.Time { return now }
}

func TestCheckAllowsUnknownUser(t *testing.T) {
	g, _, _ := newTestGate(t, config.RelayConfig{})

	res, err := g.Check(context.Background(), domain.User{ID: "u1", CreatedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.False(t, res.Blocked)
}

func TestCheckAccountAgeBlocksYoungAccount(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g, store, _ := newTestGate(t, config.RelayConfig{AccountAge: 10 * time.Minute})
	fixedNow(g, now)

	user := domain.User{ID: "u1", CreatedAt: now.Add(-7 * time.Minute)}
	res, err := g.Check(context.Background(), user)
	require.NoError(t, err)
	require.True(t, res.Blocked)
	assert.True(t, res.Record.System)
	assert.Contains(t, res.Record.Reason, "3m")
	require.NotNil(t, res.Record.ExpiresAt)
	assert.Equal(t, user.CreatedAt.Add(10*time.Minute), *res.Record.ExpiresAt)

	// The block is persisted so staff tooling can see it.
	rec, err := store.GetBlock("u1", domain.BlockUser)
	require.NoError(t, err)
	assert.True(t, rec.System)

	// Once the account is old enough the same user passes.
	fixedNow(g, now.Add(5*time.Minute))
	res, err = g.Check(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
}

func TestCheckGuildAgeBlocksRecentJoin(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _, client := newTestGate(t, config.RelayConfig{GuildAge: time.Hour})
	fixedNow(g, now)

	joined := now.Add(-20 * time.Minute)
	user := domain.User{ID: "u2", CreatedAt: now.Add(-365 * 24 * time.Hour)}
	client.AddMember(domain.Member{User: user, JoinedAt: &joined})

	res, err := g.Check(context.Background(), user)
	require.NoError(t, err)
	require.True(t, res.Blocked)
	assert.Contains(t, res.Record.Reason, "Recently Joined")
	assert.Contains(t, res.Record.Reason, "40m")
}

func TestCheckWhitelistBypassesEverything(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _, _ := newTestGate(t, config.RelayConfig{AccountAge: 24 * time.Hour})
	fixedNow(g, now)

	user := domain.User{ID: "u3", CreatedAt: now.Add(-time.Minute)}
	_, err := g.Block(domain.BlockUser, user.ID, "spam", 0)
	require.NoError(t, err)
	require.NoError(t, g.Whitelist(user.ID))

	res, err := g.Check(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
}

func TestCheckClearsBlockOnWhitelistedUser(t *testing.T) {
	g, store, _ := newTestGate(t, config.RelayConfig{})

	// A block recorded before the exemption was granted is stale and goes
	// away on the next check.
	require.NoError(t, store.SaveBlock(&domain.BlockRecord{
		TargetID: "u3",
		Kind:     domain.BlockUser,
		Reason:   "spam",
	}))
	require.NoError(t, store.AddWhitelist("u3"))

	res, err := g.Check(context.Background(), domain.User{ID: "u3", CreatedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	_, err = store.GetBlock("u3", domain.BlockUser)
	assert.ErrorIs(t, err, storage.ErrBlockNotFound)
}

func TestCheckManualBlockExpires(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g, store, _ := newTestGate(t, config.RelayConfig{})
	fixedNow(g, now)

	user := domain.User{ID: "u4", CreatedAt: now.Add(-48 * time.Hour)}
	_, err := g.Block(domain.BlockUser, user.ID, "cooling off", time.Hour)
	require.NoError(t, err)

	res, err := g.Check(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, "cooling off", res.Record.Reason)

	// Past the expiry the block no longer applies and is pruned.
	fixedNow(g, now.Add(2*time.Hour))
	res, err = g.Check(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	_, err = store.GetBlock(user.ID, domain.BlockUser)
	assert.ErrorIs(t, err, storage.ErrBlockNotFound)
}

func TestCheckRoleBlock(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _, client := newTestGate(t, config.RelayConfig{})
	fixedNow(g, now)

	joined := now.Add(-24 * time.Hour)
	user := domain.User{ID: "u5", CreatedAt: now.Add(-48 * time.Hour)}
	client.AddMember(domain.Member{User: user, JoinedAt: &joined, RoleIDs: []string{"r1", "r2"}})

	_, err := g.Block(domain.BlockRole, "r2", "muted role", 0)
	require.NoError(t, err)

	res, err := g.Check(context.Background(), user)
	require.NoError(t, err)
	require.True(t, res.Blocked)
	assert.Equal(t, "r2", res.Record.TargetID)
	assert.Equal(t, domain.BlockRole, res.Record.Kind)
}

func TestUnblockReportsExistence(t *testing.T) {
	g, _, _ := newTestGate(t, config.RelayConfig{})

	removed, err := g.Unblock(domain.BlockUser, "nobody")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = g.Block(domain.BlockUser, "u6", "spam", 0)
	require.NoError(t, err)
	removed, err = g.Unblock(domain.BlockUser, "u6")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestCooldown(t *testing.T) {
	g, store, _ := newTestGate(t, config.RelayConfig{ThreadCooldown: 30 * time.Minute})

	closer := domain.Closer{ID: "staff", Name: "staff", Staff: true}
	log := &domain.ThreadLog{Key: "k1", RecipientID: "u7", ChannelID: "c1", Open: true, CreatedAt: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, store.CreateLog(log))
	_, err := store.PostLog("c1", closer, "done")
	require.NoError(t, err)

	remaining, err := g.Cooldown("u7")
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, 30*time.Minute)

	fixedNow(g, time.Now().UTC().Add(time.Hour))
	remaining, err = g.Cooldown("u7")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	// A user with no closed history has no wait.
	remaining, err = g.Cooldown("stranger")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "3m", HumanDuration(3*time.Minute))
	assert.Equal(t, "1h30m", HumanDuration(90*time.Minute))
	assert.Equal(t, "2d4h", HumanDuration(52*time.Hour))
	assert.Equal(t, "45s", HumanDuration(45*time.Second))
	assert.Equal(t, "0s", HumanDuration(0))
}
