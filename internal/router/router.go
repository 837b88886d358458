// Package router turns platform events into relay actions. Direct messages
// feed the thread engine through the access gate; staff channel messages are
// dispatched against a registered command table, with snippet and alias
// macros rewritten before dispatch.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"modmail/backend/internal/alias"
	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/gate"
	"modmail/backend/internal/gateway"
	"modmail/backend/internal/monitoring"
	"modmail/backend/internal/storage"
	"modmail/backend/internal/thread"
)

const markerDisabled = "disable"

// Router is the gateway.Handler of the service.
type Router struct {
	store   storage.Store
	client  gateway.Client
	threads *thread.Manager
	gate    *gate.Gate
	cfg     config.RelayConfig
	logger  *zap.Logger
	metrics *monitoring.Metrics

	commands map[string]*Command
}

func New(store storage.Store, client gateway.Client, threads *thread.Manager, g *gate.Gate, cfg config.RelayConfig, logger *zap.Logger) *Router {
	r := &Router{
		store:    store,
		client:   client,
		threads:  threads,
		gate:     g,
		cfg:      cfg,
		logger:   logger,
		commands: make(map[string]*Command),
	}
	r.registerBuiltins()
	return r
}

// SetMetrics attaches the command and gate counters. A router without
// metrics works unchanged.
func (r *Router) SetMetrics(m *monitoring.Metrics) {
	r.metrics = m
}

// Register adds a command under its name and aliases. Later registrations
// win, which lets callers override builtins.
func (r *Router) Register(cmd *Command) {
	r.commands[cmd.Name] = cmd
	for _, a := range cmd.Aliases {
		r.commands[a] = cmd
	}
}

// Lookup returns the command registered under name.
func (r *Router) Lookup(name string) (*Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// HandleMessage routes an inbound message. Bot authors are ignored outright
// so the relay never feeds on its own output.
func (r *Router) HandleMessage(ctx context.Context, msg gateway.Message) {
	if msg.Author.Bot {
		return
	}
	if msg.DM {
		r.handleDirect(ctx, msg)
		return
	}
	r.handleChannel(ctx, msg)
}

// handleDirect is the recipient-side pipeline: gate, cooldown, thread
// creation, relay, delivery marker.
func (r *Router) handleDirect(ctx context.Context, msg gateway.Message) {
	res, err := r.gate.Check(ctx, msg.Author)
	if err != nil {
		r.logger.Error("gate check failed", zap.String("user_id", msg.Author.ID), zap.Error(err))
		return
	}
	if res.Blocked {
		if r.metrics != nil {
			r.metrics.RecordGateBlock(string(res.Record.Kind))
		}
		r.mark(ctx, msg, r.cfg.BlockedMarker)
		if res.Record.Reason != "" {
			if _, err := r.client.SendDirect(ctx, msg.Author.ID, gateway.Outgoing{Text: res.Record.Reason}); err != nil {
				r.logger.Debug("block notice undeliverable", zap.String("user_id", msg.Author.ID), zap.Error(err))
			}
		}
		return
	}

	th := r.threads.FindByRecipient(msg.Author.ID)
	if th == nil {
		wait, err := r.gate.Cooldown(msg.Author.ID)
		if err != nil {
			r.logger.Error("cooldown check failed", zap.String("user_id", msg.Author.ID), zap.Error(err))
			return
		}
		if wait > 0 {
			r.mark(ctx, msg, r.cfg.BlockedMarker)
			text := fmt.Sprintf("You must wait %s before opening another thread.", gate.HumanDuration(wait))
			if _, err := r.client.SendDirect(ctx, msg.Author.ID, gateway.Outgoing{Text: text}); err != nil {
				r.logger.Debug("cooldown notice undeliverable", zap.Error(err))
			}
			return
		}
		th, _, err = r.threads.FindOrCreate(ctx, msg.Author)
		if err != nil {
			r.logger.Error("thread create failed", zap.String("user_id", msg.Author.ID), zap.Error(err))
			return
		}
	}

	if err := th.SendUser(ctx, msg); err != nil {
		r.logger.Error("relay failed",
			zap.String("user_id", msg.Author.ID),
			zap.String("channel_id", th.ChannelID()),
			zap.Error(err))
		r.mark(ctx, msg, r.cfg.BlockedMarker)
		return
	}
	r.mark(ctx, msg, r.cfg.SentMarker)
}

// handleChannel dispatches staff-side traffic: commands, macros, and the
// optional command-less reply modes inside thread channels.
func (r *Router) handleChannel(ctx context.Context, msg gateway.Message) {
	th := r.threads.FindByChannel(msg.ChannelID)

	content := strings.TrimSpace(msg.Content)
	rest, invoked := r.stripPrefix(content)
	if !invoked {
		if th == nil {
			return
		}
		r.handleBareMessage(ctx, msg, th)
		return
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return
	}

	// Macro layers run before command resolution. Macro registration refuses
	// names that shadow a command, so the order only decides what an
	// unmatched invocation falls through to.
	if r.dispatchSnippet(ctx, msg, th, rest) {
		return
	}
	name, args := splitWord(rest)
	if r.dispatchAlias(ctx, msg, th, name, args) {
		return
	}
	if cmd, ok := r.commands[name]; ok {
		r.invoke(ctx, cmd, msg, th, args)
	}
}

// stripPrefix removes the configured prefix or a leading mention of the
// relay account, which works as an alternate prefix. It reports whether
// either form was present.
func (r *Router) stripPrefix(content string) (string, bool) {
	if strings.HasPrefix(content, r.cfg.Prefix) {
		return strings.TrimPrefix(content, r.cfg.Prefix), true
	}
	bot := r.client.BotUser()
	for _, mention := range []string{bot.Mention(), "<@!" + bot.ID + ">"} {
		if strings.HasPrefix(content, mention) {
			return strings.TrimPrefix(content, mention), true
		}
	}
	return content, false
}

// handleBareMessage deals with non-command staff messages inside a thread
// channel. Depending on configuration they become replies; otherwise they
// are recorded as internal discussion.
func (r *Router) handleBareMessage(ctx context.Context, msg gateway.Message, th *thread.Thread) {
	switch {
	case r.cfg.PlainWithoutCommand:
		r.sendReply(ctx, msg, th, msg.Content, r.cfg.AnonWithoutCommand, true)
	case r.cfg.ReplyWithoutCommand || r.cfg.AnonWithoutCommand:
		r.sendReply(ctx, msg, th, msg.Content, r.cfg.AnonWithoutCommand, false)
	default:
		if err := r.store.AppendLog(th.ChannelID(), domain.LogMessage{
			MessageID:  msg.ID,
			AuthorID:   msg.Author.ID,
			AuthorName: msg.Author.Name,
			Staff:      true,
			Content:    msg.Content,
			Type:       domain.LogTypeInternal,
			CreatedAt:  msg.CreatedAt,
		}); err != nil {
			r.logger.Warn("internal log append failed", zap.Error(err))
		}
	}
}

// dispatchSnippet rewrites a bare "{prefix}name" invocation into a reply
// carrying the snippet body. Trailing text after the name means the message
// is not a snippet invocation, so the lookup uses the exact remaining text.
func (r *Router) dispatchSnippet(ctx context.Context, msg gateway.Message, th *thread.Thread, invocation string) bool {
	macro, err := r.store.GetMacro(invocation, domain.MacroSnippet)
	if err != nil {
		if !errors.Is(err, storage.ErrMacroNotFound) {
			r.logger.Error("snippet lookup failed", zap.String("name", invocation), zap.Error(err))
		}
		return false
	}
	if th == nil {
		r.say(ctx, msg.ChannelID, "Snippets can only be used inside a thread channel.")
		return true
	}
	r.sendReply(ctx, msg, th, macro.Body, r.cfg.AnonymousSnippets, false)
	return true
}

// dispatchAlias expands a stored alias into its command steps and invokes
// each one against the same message. Steps that fail do not stop the rest.
func (r *Router) dispatchAlias(ctx context.Context, msg gateway.Message, th *thread.Thread, name, args string) bool {
	macro, err := r.store.GetMacro(name, domain.MacroAlias)
	if err != nil {
		if !errors.Is(err, storage.ErrMacroNotFound) {
			r.logger.Error("alias lookup failed", zap.String("name", name), zap.Error(err))
		}
		return false
	}
	steps := alias.Normalize(macro.Body, args)
	if len(steps) == 0 {
		r.say(ctx, msg.ChannelID, fmt.Sprintf("Alias %q is malformed and was skipped.", name))
		return true
	}
	for _, step := range steps {
		stepName, stepArgs := splitWord(step)
		if stepName == "" {
			continue
		}
		cmd, ok := r.commands[stepName]
		if !ok {
			// One level of snippet indirection inside an alias step.
			if r.dispatchSnippet(ctx, msg, th, strings.TrimSpace(step)) {
				continue
			}
			r.say(ctx, msg.ChannelID, fmt.Sprintf("Alias step %q is not a command.", stepName))
			continue
		}
		r.invoke(ctx, cmd, msg, th, stepArgs)
	}
	return true
}

// invoke runs one command after the permission and thread requirements.
func (r *Router) invoke(ctx context.Context, cmd *Command, msg gateway.Message, th *thread.Thread, args string) {
	level := r.Level(ctx, msg.Author)
	if level < cmd.Level {
		r.say(ctx, msg.ChannelID, fmt.Sprintf("You need %s permissions to use %s.", cmd.Level, cmd.Name))
		return
	}
	if cmd.RequireThread && th == nil {
		r.say(ctx, msg.ChannelID, fmt.Sprintf("%s can only be used inside a thread channel.", cmd.Name))
		return
	}
	inv := &Invocation{
		Ctx:    ctx,
		Msg:    msg,
		Thread: th,
		Args:   args,
	}
	if r.metrics != nil {
		r.metrics.RecordCommand(cmd.Name)
	}
	if err := cmd.Run(r, inv); err != nil {
		if r.metrics != nil {
			r.metrics.RecordCommandFailure(cmd.Name)
		}
		r.logger.Warn("command failed",
			zap.String("command", cmd.Name),
			zap.String("invoker", msg.Author.ID),
			zap.Error(err))
		r.say(ctx, msg.ChannelID, fmt.Sprintf("%s failed: %v", cmd.Name, err))
	}
}

// Level resolves a user's permission level from the configured id lists.
// Unlisted users hold Regular.
func (r *Router) Level(ctx context.Context, user domain.User) domain.PermissionLevel {
	var roleIDs []string
	if member, err := r.client.Member(ctx, user.ID); err == nil {
		roleIDs = member.RoleIDs
	}
	best := domain.PermissionRegular
	for name, ids := range r.cfg.Permissions {
		level := domain.ParsePermissionLevel(name)
		if level <= best {
			continue
		}
		for _, id := range ids {
			if id == user.ID || containsString(roleIDs, id) {
				best = level
				break
			}
		}
	}
	return best
}

func (r *Router) sendReply(ctx context.Context, msg gateway.Message, th *thread.Thread, content string, anonymous, plain bool) {
	if _, _, err := th.Reply(ctx, msg.Author, content, anonymous, plain); err != nil {
		r.logger.Warn("reply failed",
			zap.String("channel_id", th.ChannelID()),
			zap.Error(err))
		r.say(ctx, msg.ChannelID, fmt.Sprintf("Reply failed: %v", err))
	}
}

// say posts a short service response into a channel. Failures are logged
// only; there is nowhere else to report them.
func (r *Router) say(ctx context.Context, channelID, text string) {
	if _, err := r.client.SendChannel(ctx, channelID, gateway.Outgoing{Text: text}); err != nil {
		r.logger.Debug("response undeliverable", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// mark reacts on a user's message to report delivery or rejection.
func (r *Router) mark(ctx context.Context, msg gateway.Message, marker string) {
	if marker == "" || marker == markerDisabled {
		return
	}
	if err := r.client.AddReaction(ctx, msg.ChannelID, msg.ID, marker); err != nil {
		r.logger.Debug("marker failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// HandleMessageEdit propagates recipient-side edits. Staff edit their
// relayed messages through the edit command instead.
func (r *Router) HandleMessageEdit(ctx context.Context, msg gateway.Message) {
	if !msg.DM || msg.Author.Bot {
		return
	}
	th := r.threads.FindByRecipient(msg.Author.ID)
	if th == nil {
		return
	}
	if err := th.HandleUserEdit(ctx, msg.ID, msg.Content); err != nil {
		if errors.Is(err, storage.ErrMessageNotLinked) {
			// The edited message was never relayed. Tell the editor instead
			// of letting the edit vanish.
			r.mark(ctx, msg, r.cfg.BlockedMarker)
			return
		}
		r.logger.Warn("edit propagation failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// HandleMessageDelete propagates deletions on either side of a link as soft
// deletes. The pair survives for the audit trail.
func (r *Router) HandleMessageDelete(ctx context.Context, channelID, messageID string, dm bool) {
	if !dm {
		th := r.threads.FindByChannel(channelID)
		if th == nil {
			return
		}
		if err := th.HandleRelayDelete(ctx, messageID); err != nil && !errors.Is(err, storage.ErrMessageNotLinked) {
			r.logger.Warn("relay delete propagation failed", zap.String("message_id", messageID), zap.Error(err))
		}
		return
	}
	link, err := r.store.GetLink(messageID)
	if err != nil {
		return
	}
	th := r.threads.FindByRecipient(link.RecipientID)
	if th == nil {
		return
	}
	if err := th.HandleUserDelete(ctx, messageID); err != nil && !errors.Is(err, storage.ErrMessageNotLinked) {
		r.logger.Warn("delete propagation failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

// HandleBulkMessageDelete fans a channel purge out over the single-delete
// path.
func (r *Router) HandleBulkMessageDelete(ctx context.Context, channelID string, messageIDs []string) {
	for _, id := range messageIDs {
		r.HandleMessageDelete(ctx, channelID, id, false)
	}
}

// HandleReaction mirrors reactions across a linked pair when enabled.
func (r *Router) HandleReaction(ctx context.Context, reaction gateway.Reaction, added bool) {
	if reaction.UserID == r.client.BotUser().ID {
		return
	}
	link, err := r.store.GetLink(reaction.MessageID)
	if err != nil {
		return
	}
	th := r.threads.FindByRecipient(link.RecipientID)
	if th == nil {
		return
	}
	if err := th.MirrorReaction(ctx, reaction, added); err != nil {
		r.logger.Debug("reaction mirror failed", zap.String("message_id", reaction.MessageID), zap.Error(err))
	}
}

// HandleMemberJoin annotates an open thread when its recipient rejoins.
func (r *Router) HandleMemberJoin(ctx context.Context, member domain.Member) {
	th := r.threads.FindByRecipient(member.ID)
	if th == nil {
		return
	}
	r.annotate(ctx, th, member.Name+" has joined the server.")
}

// HandleMemberLeave closes the member's thread when configured to, otherwise
// annotates it so staff know replies will not be delivered.
func (r *Router) HandleMemberLeave(ctx context.Context, member domain.Member) {
	th := r.threads.FindByRecipient(member.ID)
	if th == nil {
		return
	}
	if !r.cfg.CloseOnLeave {
		r.annotate(ctx, th, member.Name+" has left the server.")
		return
	}
	bot := r.client.BotUser()
	if err := th.Close(ctx, thread.CloseOptions{
		Silent:  true,
		Message: r.cfg.CloseOnLeaveReason,
		Closer:  domain.Closer{ID: bot.ID, Name: bot.Name, Staff: true},
	}); err != nil {
		r.logger.Warn("close on leave failed", zap.String("user_id", member.ID), zap.Error(err))
	}
}

// HandleChannelDelete closes the thread whose relay channel was removed out
// of band. The log is the only surviving record, so it is closed silently.
func (r *Router) HandleChannelDelete(ctx context.Context, channelID string) {
	th := r.threads.FindByChannel(channelID)
	if th == nil {
		return
	}
	bot := r.client.BotUser()
	if err := th.Close(ctx, thread.CloseOptions{
		Silent:  true,
		Message: "Channel deleted, closing thread.",
		Closer:  domain.Closer{ID: bot.ID, Name: bot.Name, Staff: true},
	}); err != nil && !errors.Is(err, thread.ErrThreadClosed) {
		r.logger.Warn("close on channel delete failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func (r *Router) annotate(ctx context.Context, th *thread.Thread, content string) {
	bot := r.client.BotUser()
	if _, err := th.Note(ctx, bot, content); err != nil {
		r.logger.Debug("thread annotation failed", zap.String("channel_id", th.ChannelID()), zap.Error(err))
	}
}

func splitWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
