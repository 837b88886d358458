// Package storage defines the repository interfaces backing the relay core
// and the sentinel errors shared by its implementations.
package storage

import (
	"errors"

	"modmail/backend/internal/domain"
)

var (
	// ErrLogNotFound reports a missing thread log.
	ErrLogNotFound = errors.New("thread log not found")
	// ErrBlockNotFound reports a missing block record.
	ErrBlockNotFound = errors.New("block record not found")
	// ErrClosureNotFound reports a missing scheduled closure.
	ErrClosureNotFound = errors.New("scheduled closure not found")
	// ErrMacroNotFound reports a missing alias or snippet.
	ErrMacroNotFound = errors.New("macro not found")
	// ErrMacroExists reports an alias or snippet name collision.
	ErrMacroExists = errors.New("macro already exists")
	// ErrMessageNotLinked reports that a message id has no linked counterpart.
	// Callers distinguish this from genuine failures: several treat it as a
	// silent no-op.
	ErrMessageNotLinked = errors.New("message not linked")
)

// BlockRepository stores block records and the whitelist.
type BlockRepository interface {
	SaveBlock(record *domain.BlockRecord) error
	GetBlock(targetID string, kind domain.BlockKind) (*domain.BlockRecord, error)
	DeleteBlock(targetID string, kind domain.BlockKind) error
	ListBlocks() ([]domain.BlockRecord, error)

	AddWhitelist(userID string) error
	RemoveWhitelist(userID string) error
	IsWhitelisted(userID string) (bool, error)
}

// ClosureRepository stores deferred thread closures keyed by recipient id.
type ClosureRepository interface {
	SaveClosure(closure *domain.ScheduledClosure) error
	GetClosure(recipientID string) (*domain.ScheduledClosure, error)
	DeleteClosure(recipientID string) error
	ListClosures() ([]domain.ScheduledClosure, error)
}

// LogRepository stores thread logs and their message history.
type LogRepository interface {
	CreateLog(log *domain.ThreadLog) error
	GetLogByChannel(channelID string) (*domain.ThreadLog, error)
	GetOpenLogs() ([]domain.ThreadLog, error)
	// PostLog closes the open log for the channel, stamping the closer,
	// close time and close message.
	PostLog(channelID string, closer domain.Closer, message string) (*domain.ThreadLog, error)
	AppendLog(channelID string, msg domain.LogMessage) error
	// MarkLogMessage flips the edited/deleted flags of a recorded message.
	MarkLogMessage(channelID, messageID string, edited, deleted bool) error
	// GetLatestUserLog returns the most recently created log for the user,
	// open or closed, or ErrLogNotFound.
	GetLatestUserLog(recipientID string) (*domain.ThreadLog, error)
}

// LinkRepository stores linked message pairs.
type LinkRepository interface {
	SaveLink(link *domain.LinkedMessage) error
	// GetLink resolves either side's message id to the pair, or
	// ErrMessageNotLinked.
	GetLink(messageID string) (*domain.LinkedMessage, error)
	MarkLinkDeleted(messageID string) error
	ListLinks(recipientID string) ([]domain.LinkedMessage, error)
}

// MacroRepository stores aliases and snippets.
type MacroRepository interface {
	SaveMacro(macro *domain.Macro) error
	GetMacro(name string, kind domain.MacroKind) (*domain.Macro, error)
	DeleteMacro(name string, kind domain.MacroKind) error
	ListMacros(kind domain.MacroKind) ([]domain.Macro, error)
}

// Store aggregates every repository the core needs.
type Store interface {
	BlockRepository
	ClosureRepository
	LogRepository
	LinkRepository
	MacroRepository

	// Ping verifies the backing store is reachable. Startup treats a failed
	// ping as fatal: the process must not serve events with unconfirmed state.
	Ping() error
}
