package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"modmail/backend/internal/alias"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/gate"
	"modmail/backend/internal/gateway"
	"modmail/backend/internal/storage"
	"modmail/backend/internal/thread"
)

// Invocation carries one command execution.
type Invocation struct {
	Ctx    context.Context
	Msg    gateway.Message
	Thread *thread.Thread
	Args   string
}

// Command is one registered staff command.
type Command struct {
	Name          string
	Aliases       []string
	Level         domain.PermissionLevel
	RequireThread bool
	Run           func(r *Router, inv *Invocation) error
}

func (r *Router) registerBuiltins() {
	r.Register(&Command{
		Name: "reply", Aliases: []string{"r"},
		Level: domain.PermissionSupporter, RequireThread: true,
		Run: func(r *Router, inv *Invocation) error {
			return r.cmdReply(inv, false, false)
		},
	})
	r.Register(&Command{
		Name: "areply", Aliases: []string{"ar", "anonreply"},
		Level: domain.PermissionSupporter, RequireThread: true,
		Run: func(r *Router, inv *Invocation) error {
			return r.cmdReply(inv, true, false)
		},
	})
	r.Register(&Command{
		Name: "preply", Aliases: []string{"pr", "plainreply"},
		Level: domain.PermissionSupporter, RequireThread: true,
		Run: func(r *Router, inv *Invocation) error {
			return r.cmdReply(inv, false, true)
		},
	})
	r.Register(&Command{
		Name: "pareply", Aliases: []string{"par"},
		Level: domain.PermissionSupporter, RequireThread: true,
		Run: func(r *Router, inv *Invocation) error {
			return r.cmdReply(inv, true, true)
		},
	})
	r.Register(&Command{
		Name: "note", Aliases: []string{"n"},
		Level: domain.PermissionSupporter, RequireThread: true,
		Run: (*Router).cmdNote,
	})
	r.Register(&Command{
		Name: "edit", Level: domain.PermissionSupporter, RequireThread: true,
		Run: (*Router).cmdEdit,
	})
	r.Register(&Command{
		Name: "delete", Aliases: []string{"del"},
		Level: domain.PermissionSupporter, RequireThread: true,
		Run: (*Router).cmdDelete,
	})
	r.Register(&Command{
		Name: "close", Aliases: []string{"c"},
		Level: domain.PermissionSupporter, RequireThread: true,
		Run: (*Router).cmdClose,
	})
	r.Register(&Command{
		Name: "contact", Level: domain.PermissionModerator,
		Run: (*Router).cmdContact,
	})
	r.Register(&Command{
		Name: "block", Level: domain.PermissionModerator,
		Run: (*Router).cmdBlock,
	})
	r.Register(&Command{
		Name: "unblock", Level: domain.PermissionModerator,
		Run: (*Router).cmdUnblock,
	})
	r.Register(&Command{
		Name: "whitelist", Level: domain.PermissionModerator,
		Run: (*Router).cmdWhitelist,
	})
	r.Register(&Command{
		Name: "unwhitelist", Level: domain.PermissionModerator,
		Run: (*Router).cmdUnwhitelist,
	})
	r.Register(&Command{
		Name: "alias", Level: domain.PermissionModerator,
		Run: func(r *Router, inv *Invocation) error {
			return r.cmdMacro(inv, domain.MacroAlias)
		},
	})
	r.Register(&Command{
		Name: "snippet", Level: domain.PermissionModerator,
		Run: func(r *Router, inv *Invocation) error {
			return r.cmdMacro(inv, domain.MacroSnippet)
		},
	})
}

func (r *Router) cmdReply(inv *Invocation, anonymous, plain bool) error {
	if inv.Args == "" && len(inv.Msg.Attachments) == 0 {
		return errors.New("nothing to send")
	}
	content := inv.Args
	for _, a := range inv.Msg.Attachments {
		content += "\n" + a.URL
	}
	_, _, err := inv.Thread.Reply(inv.Ctx, inv.Msg.Author, content, anonymous, plain)
	return err
}

func (r *Router) cmdNote(inv *Invocation) error {
	if inv.Args == "" {
		return errors.New("nothing to note")
	}
	_, err := inv.Thread.Note(inv.Ctx, inv.Msg.Author, inv.Args)
	return err
}

// cmdEdit rewrites a staff reply on both sides. With a single argument the
// invoker's latest reply is edited; a leading message id picks a specific
// one.
func (r *Router) cmdEdit(inv *Invocation) error {
	id, content := splitWord(inv.Args)
	if content == "" {
		content = id
		var err error
		id, err = r.latestStaffMessage(inv)
		if err != nil {
			return err
		}
	}
	if content == "" {
		return errors.New("nothing to edit")
	}
	return inv.Thread.EditStaffMessage(inv.Ctx, inv.Msg.Author, id, content)
}

// cmdDelete removes a staff reply on both sides, defaulting to the
// invoker's latest one.
func (r *Router) cmdDelete(inv *Invocation) error {
	id, _ := splitWord(inv.Args)
	if id == "" {
		var err error
		id, err = r.latestStaffMessage(inv)
		if err != nil {
			return err
		}
	}
	return inv.Thread.DeleteStaffMessage(inv.Ctx, id)
}

func (r *Router) latestStaffMessage(inv *Invocation) (string, error) {
	links, err := r.store.ListLinks(inv.Thread.Recipient().ID)
	if err != nil {
		return "", err
	}
	for i := len(links) - 1; i >= 0; i-- {
		l := links[i]
		if l.Role == domain.RoleStaff && l.AuthorID == inv.Msg.Author.ID && !l.Deleted {
			return l.UserMessageID, nil
		}
	}
	return "", errors.New("no reply of yours to target")
}

// cmdClose parses "[cancel] [duration] [silent] [message...]" and closes or
// schedules the close of the current thread.
func (r *Router) cmdClose(inv *Invocation) error {
	opts := thread.CloseOptions{
		Closer: domain.Closer{ID: inv.Msg.Author.ID, Name: inv.Msg.Author.Name, Staff: true},
	}
	rest := inv.Args
	for {
		word, tail := splitWord(rest)
		switch {
		case word == "cancel" || word == "c":
			cancelled, err := inv.Thread.CancelClosure(inv.Ctx)
			if err != nil {
				return err
			}
			if cancelled {
				r.say(inv.Ctx, inv.Msg.ChannelID, "Scheduled close cancelled.")
			} else {
				r.say(inv.Ctx, inv.Msg.ChannelID, "No close is scheduled.")
			}
			return nil
		case word == "silent" || word == "s":
			opts.Silent = true
			rest = tail
			continue
		default:
			if d, ok := parseDelay(word); ok {
				opts.After = d
				rest = tail
				continue
			}
		}
		break
	}
	opts.Message = rest
	if err := inv.Thread.Close(inv.Ctx, opts); err != nil {
		return err
	}
	if opts.After > 0 {
		r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("Closing in %s.", gate.HumanDuration(opts.After)))
	}
	return nil
}

// cmdContact opens a thread with a user on staff initiative.
func (r *Router) cmdContact(inv *Invocation) error {
	userID, _ := splitWord(inv.Args)
	if userID == "" {
		return errors.New("usage: contact <user id>")
	}
	user, err := r.client.User(inv.Ctx, userID)
	if err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	th, created, err := r.threads.FindOrCreate(inv.Ctx, *user)
	if err != nil {
		return err
	}
	if !created {
		r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("%s already has a thread: %s", user.Name, th.ChannelID()))
		return nil
	}
	r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("Thread opened for %s in %s.", user.Name, th.ChannelID()))
	return nil
}

// cmdBlock parses "<id> [role] [duration] [reason...]".
func (r *Router) cmdBlock(inv *Invocation) error {
	targetID, rest := splitWord(inv.Args)
	if targetID == "" {
		return errors.New("usage: block <id> [role] [duration] [reason]")
	}
	kind := domain.BlockUser
	if word, tail := splitWord(rest); word == "role" {
		kind = domain.BlockRole
		rest = tail
	}
	var d time.Duration
	if word, tail := splitWord(rest); word != "" {
		if parsed, ok := parseDelay(word); ok {
			d = parsed
			rest = tail
		}
	}
	rec, err := r.gate.Block(kind, targetID, rest, d)
	if err != nil {
		return err
	}
	if rec.ExpiresAt != nil {
		r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("Blocked %s until %s.", targetID, rec.ExpiresAt.Format(time.RFC3339)))
	} else {
		r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("Blocked %s.", targetID))
	}
	return nil
}

func (r *Router) cmdUnblock(inv *Invocation) error {
	targetID, rest := splitWord(inv.Args)
	if targetID == "" {
		return errors.New("usage: unblock <id> [role]")
	}
	kind := domain.BlockUser
	if word, _ := splitWord(rest); word == "role" {
		kind = domain.BlockRole
	}
	removed, err := r.gate.Unblock(kind, targetID)
	if err != nil {
		return err
	}
	if removed {
		r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("Unblocked %s.", targetID))
	} else {
		r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("%s was not blocked.", targetID))
	}
	return nil
}

func (r *Router) cmdWhitelist(inv *Invocation) error {
	userID, _ := splitWord(inv.Args)
	if userID == "" {
		return errors.New("usage: whitelist <user id>")
	}
	if err := r.gate.Whitelist(userID); err != nil {
		return err
	}
	r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("Whitelisted %s.", userID))
	return nil
}

func (r *Router) cmdUnwhitelist(inv *Invocation) error {
	userID, _ := splitWord(inv.Args)
	if userID == "" {
		return errors.New("usage: unwhitelist <user id>")
	}
	if err := r.gate.Unwhitelist(userID); err != nil {
		return err
	}
	r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("Removed %s from the whitelist.", userID))
	return nil
}

// cmdMacro manages aliases and snippets: "add <name> <body>", "remove
// <name>", "list".
func (r *Router) cmdMacro(inv *Invocation, kind domain.MacroKind) error {
	verb, rest := splitWord(inv.Args)
	switch verb {
	case "add":
		name, body := splitWord(rest)
		if name == "" || body == "" {
			return fmt.Errorf("usage: %s add <name> <body>", kind)
		}
		if _, exists := r.commands[name]; exists {
			return fmt.Errorf("%q shadows a command", name)
		}
		if _, err := r.store.GetMacro(name, kind); err == nil {
			return fmt.Errorf("%w: %q", storage.ErrMacroExists, name)
		}
		if kind == domain.MacroAlias {
			if _, err := alias.Parse(body); err != nil {
				return fmt.Errorf("invalid alias body: %w", err)
			}
		}
		if err := r.store.SaveMacro(&domain.Macro{
			Name:      name,
			Kind:      kind,
			Body:      body,
			CreatedBy: inv.Msg.Author.ID,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("Added %s %q.", kind, name))
		return nil
	case "remove", "del":
		name, _ := splitWord(rest)
		if name == "" {
			return fmt.Errorf("usage: %s remove <name>", kind)
		}
		if err := r.store.DeleteMacro(name, kind); err != nil {
			if errors.Is(err, storage.ErrMacroNotFound) {
				return fmt.Errorf("no %s named %q", kind, name)
			}
			return err
		}
		r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("Removed %s %q.", kind, name))
		return nil
	case "list", "":
		macros, err := r.store.ListMacros(kind)
		if err != nil {
			return err
		}
		if len(macros) == 0 {
			r.say(inv.Ctx, inv.Msg.ChannelID, fmt.Sprintf("No %ses defined.", kind))
			return nil
		}
		names := make([]string, len(macros))
		for i, m := range macros {
			names[i] = m.Name
		}
		sort.Strings(names)
		r.say(inv.Ctx, inv.Msg.ChannelID, strings.Join(names, ", "))
		return nil
	default:
		return fmt.Errorf("usage: %s add|remove|list", kind)
	}
}

// parseDelay accepts Go durations plus a day suffix: "15m", "2h", "3d",
// "1d12h".
func parseDelay(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	if i := strings.IndexByte(s, 'd'); i > 0 {
		days, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, false
		}
		rest := time.Duration(0)
		if tail := s[i+1:]; tail != "" {
			parsed, err := time.ParseDuration(tail)
			if err != nil {
				return 0, false
			}
			rest = parsed
		}
		return time.Duration(days)*24*time.Hour + rest, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
