package httptransport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"modmail/backend/internal/domain"
	"modmail/backend/internal/gate"
	"modmail/backend/internal/storage"
	"modmail/backend/internal/thread"
)

// Handler serves the staff API over the relay core.
type Handler struct {
	threads *thread.Manager
	store   storage.Store
	gate    *gate.Gate
	log     *zap.Logger
}

func NewHandler(threads *thread.Manager, store storage.Store, g *gate.Gate, log *zap.Logger) *Handler {
	return &Handler{threads: threads, store: store, gate: g, log: log}
}

type threadSummary struct {
	LogKey    string      `json:"log_key"`
	ChannelID string      `json:"channel_id"`
	Recipient domain.User `json:"recipient"`
	State     string      `json:"state"`
}

// ListThreads returns every open thread.
func (h *Handler) ListThreads(c *gin.Context) {
	threads := h.threads.Threads()
	out := make([]threadSummary, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadSummary{
			LogKey:    t.LogKey(),
			ChannelID: t.ChannelID(),
			Recipient: t.Recipient(),
			State:     t.State().String(),
		})
	}
	Success(c, out)
}

// GetThreadLog returns the message history for a relay channel.
func (h *Handler) GetThreadLog(c *gin.Context) {
	log, err := h.store.GetLogByChannel(c.Param("channel"))
	if err != nil {
		if errors.Is(err, storage.ErrLogNotFound) {
			NotFound(c, "no log for this channel")
			return
		}
		InternalError(c, err.Error())
		return
	}
	Success(c, log)
}

// GetUserLog returns the most recent log for a recipient, open or closed.
func (h *Handler) GetUserLog(c *gin.Context) {
	log, err := h.store.GetLatestUserLog(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrLogNotFound) {
			NotFound(c, "no log for this user")
			return
		}
		InternalError(c, err.Error())
		return
	}
	Success(c, log)
}

type replyRequest struct {
	Content   string `json:"content" binding:"required"`
	Anonymous bool   `json:"anonymous"`
	Plain     bool   `json:"plain"`
}

// Reply relays a staff reply from the dashboard into a thread.
func (h *Handler) Reply(c *gin.Context) {
	t := h.threads.FindByChannel(c.Param("channel"))
	if t == nil {
		NotFound(c, "no open thread for this channel")
		return
	}

	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "content is required")
		return
	}

	staff := domain.User{
		ID:   c.GetString("staff_id"),
		Name: c.GetString("staff_name"),
	}
	if _, _, err := t.Reply(c.Request.Context(), staff, req.Content, req.Anonymous, req.Plain); err != nil {
		if errors.Is(err, thread.ErrThreadClosed) {
			Conflict(c, "thread is closed")
			return
		}
		InternalError(c, err.Error())
		return
	}
	Created(c, nil)
}

type closeRequest struct {
	Delay   string `json:"delay"`
	Silent  bool   `json:"silent"`
	Message string `json:"message"`
}

// Close closes a thread, optionally after a delay.
func (h *Handler) Close(c *gin.Context) {
	t := h.threads.FindByChannel(c.Param("channel"))
	if t == nil {
		NotFound(c, "no open thread for this channel")
		return
	}

	// The body is optional; a bare POST closes immediately.
	var req closeRequest
	_ = c.ShouldBindJSON(&req)

	var after time.Duration
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			BadRequest(c, "invalid delay")
			return
		}
		after = d
	}

	opts := thread.CloseOptions{
		After:   after,
		Silent:  req.Silent,
		Message: req.Message,
		Closer: domain.Closer{
			ID:    c.GetString("staff_id"),
			Name:  c.GetString("staff_name"),
			Staff: true,
		},
	}
	if err := t.Close(c.Request.Context(), opts); err != nil {
		InternalError(c, err.Error())
		return
	}
	Success(c, gin.H{"scheduled": after > 0})
}

// CancelClose cancels a scheduled close.
func (h *Handler) CancelClose(c *gin.Context) {
	t := h.threads.FindByChannel(c.Param("channel"))
	if t == nil {
		NotFound(c, "no open thread for this channel")
		return
	}
	cancelled, err := t.CancelClosure(c.Request.Context())
	if err != nil {
		InternalError(c, err.Error())
		return
	}
	if !cancelled {
		NotFound(c, "no close is scheduled")
		return
	}
	NoContent(c)
}

// ListBlocks returns all block records.
func (h *Handler) ListBlocks(c *gin.Context) {
	blocks, err := h.store.ListBlocks()
	if err != nil {
		InternalError(c, err.Error())
		return
	}
	Success(c, blocks)
}

type blockRequest struct {
	TargetID string `json:"target_id" binding:"required"`
	Kind     string `json:"kind"`
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

// CreateBlock blocks a user or role.
func (h *Handler) CreateBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "target_id is required")
		return
	}

	kind := domain.BlockUser
	if req.Kind == string(domain.BlockRole) {
		kind = domain.BlockRole
	}

	var d time.Duration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed < 0 {
			BadRequest(c, "invalid duration")
			return
		}
		d = parsed
	}

	record, err := h.gate.Block(kind, req.TargetID, req.Reason, d)
	if err != nil {
		InternalError(c, err.Error())
		return
	}
	Created(c, record)
}

// DeleteBlock lifts a block.
func (h *Handler) DeleteBlock(c *gin.Context) {
	kind := domain.BlockUser
	if c.Param("kind") == string(domain.BlockRole) {
		kind = domain.BlockRole
	}
	removed, err := h.gate.Unblock(kind, c.Param("id"))
	if err != nil {
		InternalError(c, err.Error())
		return
	}
	if !removed {
		NotFound(c, "no such block")
		return
	}
	NoContent(c)
}

// AddWhitelist exempts a user from every gate check.
func (h *Handler) AddWhitelist(c *gin.Context) {
	if err := h.gate.Whitelist(c.Param("id")); err != nil {
		InternalError(c, err.Error())
		return
	}
	Created(c, nil)
}

// RemoveWhitelist lifts a whitelist exemption.
func (h *Handler) RemoveWhitelist(c *gin.Context) {
	if err := h.gate.Unwhitelist(c.Param("id")); err != nil {
		InternalError(c, err.Error())
		return
	}
	NoContent(c)
}

// ListMacros returns the aliases or snippets, selected by the kind query
// parameter.
func (h *Handler) ListMacros(c *gin.Context) {
	kind := domain.MacroSnippet
	if c.Query("kind") == string(domain.MacroAlias) {
		kind = domain.MacroAlias
	}
	macros, err := h.store.ListMacros(kind)
	if err != nil {
		InternalError(c, err.Error())
		return
	}
	Success(c, macros)
}
