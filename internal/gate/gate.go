// Package gate decides whether an inbound user may open or continue a
// conversation. It layers automatic age checks on top of manually managed
// block records and a whitelist that bypasses everything.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/gateway"
	"modmail/backend/internal/storage"
)

// Result reports a gate decision. Record is set when the user is blocked.
type Result struct {
	Blocked bool
	Record  *domain.BlockRecord
}

// Gate evaluates access rules for inbound direct messages.
type Gate struct {
	store  storage.Store
	client gateway.Client
	cfg    config.RelayConfig
	logger *zap.Logger
	now    func() time.Time
}

func New(store storage.Store, client gateway.Client, cfg config.RelayConfig, logger *zap.Logger) *Gate {
	return &Gate{
		store:  store,
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Check runs the full rule chain for a user. Whitelisted users pass
// unconditionally. Age rules are re-evaluated on every call, so a user who
// has aged past the requirement is unblocked without manual action; expired
// manual blocks are pruned the same way.
func (g *Gate) Check(ctx context.Context, user domain.User) (Result, error) {
	ok, err := g.store.IsWhitelisted(user.ID)
	if err != nil {
		return Result{}, err
	}
	if ok {
		// A standing block is stale once the user is whitelisted; drop it so
		// the record does not linger in staff listings.
		if err := g.store.DeleteBlock(user.ID, domain.BlockUser); err != nil && !errors.Is(err, storage.ErrBlockNotFound) {
			return Result{}, err
		}
		return Result{}, nil
	}

	now := g.now()

	if rec, err := g.checkAccountAge(user, now); err != nil || rec != nil {
		return result(rec), err
	}

	member, err := g.client.Member(ctx, user.ID)
	if err != nil && !errors.Is(err, gateway.ErrUserNotFound) {
		return Result{}, err
	}
	if member != nil {
		if rec, err := g.checkGuildAge(*member, now); err != nil || rec != nil {
			return result(rec), err
		}
	}

	if rec, err := g.activeBlock(user.ID, domain.BlockUser, now); err != nil || rec != nil {
		return result(rec), err
	}

	if member != nil {
		for _, roleID := range member.RoleIDs {
			rec, err := g.activeBlock(roleID, domain.BlockRole, now)
			if err != nil || rec != nil {
				return result(rec), err
			}
		}
	}

	return Result{}, nil
}

func result(rec *domain.BlockRecord) Result {
	if rec == nil {
		return Result{}
	}
	return Result{Blocked: true, Record: rec}
}

func (g *Gate) checkAccountAge(user domain.User, now time.Time) (*domain.BlockRecord, error) {
	if g.cfg.AccountAge <= 0 || user.CreatedAt.IsZero() {
		return nil, nil
	}
	eligible := user.CreatedAt.Add(g.cfg.AccountAge)
	if !now.Before(eligible) {
		return nil, nil
	}
	return g.systemBlock(user.ID, eligible,
		fmt.Sprintf("System Message: New Account. Required to wait for %s.", HumanDuration(eligible.Sub(now))), now)
}

func (g *Gate) checkGuildAge(member domain.Member, now time.Time) (*domain.BlockRecord, error) {
	if g.cfg.GuildAge <= 0 || member.JoinedAt == nil {
		return nil, nil
	}
	eligible := member.JoinedAt.Add(g.cfg.GuildAge)
	if !now.Before(eligible) {
		return nil, nil
	}
	return g.systemBlock(member.ID, eligible,
		fmt.Sprintf("System Message: Recently Joined. Required to wait for %s.", HumanDuration(eligible.Sub(now))), now)
}

// systemBlock persists an automatic block so staff tooling can see it, then
// returns it. An existing manual block on the user takes precedence.
func (g *Gate) systemBlock(userID string, expires time.Time, reason string, now time.Time) (*domain.BlockRecord, error) {
	existing, err := g.store.GetBlock(userID, domain.BlockUser)
	if err != nil && !errors.Is(err, storage.ErrBlockNotFound) {
		return nil, err
	}
	if existing != nil && !existing.System && !existing.Expired(now) {
		return existing, nil
	}
	rec := &domain.BlockRecord{
		TargetID:  userID,
		Kind:      domain.BlockUser,
		Reason:    reason,
		ExpiresAt: &expires,
		System:    true,
		CreatedAt: now,
	}
	if err := g.store.SaveBlock(rec); err != nil {
		return nil, err
	}
	g.logger.Debug("system block applied",
		zap.String("user_id", userID),
		zap.Time("expires_at", expires))
	return rec, nil
}

// activeBlock fetches a manual block and prunes it if expired. System
// records answer to the age rules above, not to the manual chain.
func (g *Gate) activeBlock(targetID string, kind domain.BlockKind, now time.Time) (*domain.BlockRecord, error) {
	rec, err := g.store.GetBlock(targetID, kind)
	if errors.Is(err, storage.ErrBlockNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.System || rec.Expired(now) {
		if rec.Expired(now) {
			if err := g.store.DeleteBlock(targetID, kind); err != nil {
				return nil, err
			}
			g.logger.Debug("expired block pruned",
				zap.String("target_id", targetID),
				zap.String("kind", string(kind)))
		}
		return nil, nil
	}
	return rec, nil
}

// Block applies a manual block. A zero duration blocks indefinitely.
func (g *Gate) Block(kind domain.BlockKind, targetID, reason string, d time.Duration) (*domain.BlockRecord, error) {
	now := g.now()
	rec := &domain.BlockRecord{
		TargetID:  targetID,
		Kind:      kind,
		Reason:    reason,
		CreatedAt: now,
	}
	if d > 0 {
		expires := now.Add(d)
		rec.ExpiresAt = &expires
	}
	if err := g.store.SaveBlock(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Unblock removes a manual or system block. It reports whether one existed.
func (g *Gate) Unblock(kind domain.BlockKind, targetID string) (bool, error) {
	err := g.store.DeleteBlock(targetID, kind)
	if errors.Is(err, storage.ErrBlockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Whitelist exempts a user from all gate rules and clears any standing
// block on them.
func (g *Gate) Whitelist(userID string) error {
	if err := g.store.AddWhitelist(userID); err != nil {
		return err
	}
	err := g.store.DeleteBlock(userID, domain.BlockUser)
	if errors.Is(err, storage.ErrBlockNotFound) {
		return nil
	}
	return err
}

// Unwhitelist removes the exemption.
func (g *Gate) Unwhitelist(userID string) error {
	return g.store.RemoveWhitelist(userID)
}

// Cooldown returns how long the user must still wait before opening a new
// conversation, based on when their last one closed. Zero means no wait.
func (g *Gate) Cooldown(userID string) (time.Duration, error) {
	if g.cfg.ThreadCooldown <= 0 {
		return 0, nil
	}
	log, err := g.store.GetLatestUserLog(userID)
	if errors.Is(err, storage.ErrLogNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if log.Open || log.ClosedAt == nil {
		return 0, nil
	}
	remaining := log.ClosedAt.Add(g.cfg.ThreadCooldown).Sub(g.now())
	if remaining <= 0 {
		return 0, nil
	}
	return remaining, nil
}

// HumanDuration renders a duration compactly, largest unit first: "3m",
// "1h30m", "2d4h".
func HumanDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	mins := d / time.Minute
	secs := d/time.Second - mins*60

	var out string
	switch {
	case days > 0:
		out = fmt.Sprintf("%dd", days)
		if hours > 0 {
			out += fmt.Sprintf("%dh", hours)
		}
	case hours > 0:
		out = fmt.Sprintf("%dh", hours)
		if mins > 0 {
			out += fmt.Sprintf("%dm", mins)
		}
	case mins > 0:
		out = fmt.Sprintf("%dm", mins)
		if secs > 0 {
			out += fmt.Sprintf("%ds", secs)
		}
	default:
		out = fmt.Sprintf("%ds", secs)
	}
	return out
}
