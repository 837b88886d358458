// Package memory implements the storage interfaces with in-process maps.
// It is the development default and the backend used by most tests.
package memory

import (
	"sort"
	"sync"

	"modmail/backend/internal/domain"
	"modmail/backend/internal/storage"
)

// Store keeps all relay state in memory guarded by one RWMutex. Primary maps
// hold the records; secondary maps index the alternate lookup keys.
type Store struct {
	mu        sync.RWMutex
	blocks    map[string]*domain.BlockRecord     // kind:targetID -> record
	whitelist map[string]struct{}                // userID
	closures  map[string]*domain.ScheduledClosure
	logs      map[string]*domain.ThreadLog // key -> log
	byChannel map[string]string            // channelID -> log key
	links     map[string]*domain.LinkedMessage // user-side message id -> link
	byRelay   map[string]string                // relay-side message id -> user-side id
	macros    map[string]*domain.Macro         // kind:name -> macro
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		blocks:    make(map[string]*domain.BlockRecord),
		whitelist: make(map[string]struct{}),
		closures:  make(map[string]*domain.ScheduledClosure),
		logs:      make(map[string]*domain.ThreadLog),
		byChannel: make(map[string]string),
		links:     make(map[string]*domain.LinkedMessage),
		byRelay:   make(map[string]string),
		macros:    make(map[string]*domain.Macro),
	}
}

func blockKey(targetID string, kind domain.BlockKind) string {
	return string(kind) + ":" + targetID
}

func macroKey(name string, kind domain.MacroKind) string {
	return string(kind) + ":" + name
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping() error { return nil }

// ========== BlockRepository ==========

func (s *Store) SaveBlock(record *domain.BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.blocks[blockKey(record.TargetID, record.Kind)] = &cp
	return nil
}

func (s *Store) GetBlock(targetID string, kind domain.BlockKind) (*domain.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.blocks[blockKey(targetID, kind)]
	if !ok {
		return nil, storage.ErrBlockNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *Store) DeleteBlock(targetID string, kind domain.BlockKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := blockKey(targetID, kind)
	if _, ok := s.blocks[key]; !ok {
		return storage.ErrBlockNotFound
	}
	delete(s.blocks, key)
	return nil
}

func (s *Store) ListBlocks() ([]domain.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BlockRecord, 0, len(s.blocks))
	for _, record := range s.blocks {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

func (s *Store) AddWhitelist(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whitelist[userID] = struct{}{}
	return nil
}

func (s *Store) RemoveWhitelist(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.whitelist, userID)
	return nil
}

func (s *Store) IsWhitelisted(userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.whitelist[userID]
	return ok, nil
}

// ========== ClosureRepository ==========

func (s *Store) SaveClosure(closure *domain.ScheduledClosure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *closure
	s.closures[closure.RecipientID] = &cp
	return nil
}

func (s *Store) GetClosure(recipientID string) (*domain.ScheduledClosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	closure, ok := s.closures[recipientID]
	if !ok {
		return nil, storage.ErrClosureNotFound
	}
	cp := *closure
	return &cp, nil
}

func (s *Store) DeleteClosure(recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.closures[recipientID]; !ok {
		return storage.ErrClosureNotFound
	}
	delete(s.closures, recipientID)
	return nil
}

func (s *Store) ListClosures() ([]domain.ScheduledClosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ScheduledClosure, 0, len(s.closures))
	for _, closure := range s.closures {
		out = append(out, *closure)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

// ========== LogRepository ==========

func (s *Store) CreateLog(log *domain.ThreadLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.logs[log.Key] = &cp
	s.byChannel[log.ChannelID] = log.Key
	return nil
}

func (s *Store) GetLogByChannel(channelID string) (*domain.ThreadLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, err := s.logByChannelLocked(channelID)
	if err != nil {
		return nil, err
	}
	cp := *log
	return &cp, nil
}

func (s *Store) logByChannelLocked(channelID string) (*domain.ThreadLog, error) {
	key, ok := s.byChannel[channelID]
	if !ok {
		return nil, storage.ErrLogNotFound
	}
	log, ok := s.logs[key]
	if !ok {
		return nil, storage.ErrLogNotFound
	}
	return log, nil
}

func (s *Store) GetOpenLogs() ([]domain.ThreadLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ThreadLog
	for _, log := range s.logs {
		if log.Open {
			out = append(out, *log)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PostLog(channelID string, closer domain.Closer, message string) (*domain.ThreadLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.logByChannelLocked(channelID)
	if err != nil {
		return nil, err
	}
	now := nowUTC()
	log.Open = false
	log.ClosedAt = &now
	log.CloseMessage = message
	log.Closer = &closer
	cp := *log
	return &cp, nil
}

func (s *Store) AppendLog(channelID string, msg domain.LogMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.logByChannelLocked(channelID)
	if err != nil {
		return err
	}
	log.Messages = append(log.Messages, msg)
	return nil
}

func (s *Store) MarkLogMessage(channelID, messageID string, edited, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.logByChannelLocked(channelID)
	if err != nil {
		return err
	}
	for i := range log.Messages {
		if log.Messages[i].MessageID == messageID {
			if edited {
				log.Messages[i].Edited = true
			}
			if deleted {
				log.Messages[i].Deleted = true
			}
			return nil
		}
	}
	return storage.ErrLogNotFound
}

func (s *Store) GetLatestUserLog(recipientID string) (*domain.ThreadLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.ThreadLog
	for _, log := range s.logs {
		if log.RecipientID != recipientID {
			continue
		}
		if latest == nil || log.CreatedAt.After(latest.CreatedAt) {
			latest = log
		}
	}
	if latest == nil {
		return nil, storage.ErrLogNotFound
	}
	cp := *latest
	return &cp, nil
}

// ========== LinkRepository ==========

func (s *Store) SaveLink(link *domain.LinkedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *link
	s.links[link.UserMessageID] = &cp
	s.byRelay[link.RelayMessageID] = link.UserMessageID
	return nil
}

func (s *Store) GetLink(messageID string) (*domain.LinkedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, err := s.linkLocked(messageID)
	if err != nil {
		return nil, err
	}
	cp := *link
	return &cp, nil
}

func (s *Store) linkLocked(messageID string) (*domain.LinkedMessage, error) {
	if link, ok := s.links[messageID]; ok {
		return link, nil
	}
	if userID, ok := s.byRelay[messageID]; ok {
		if link, ok := s.links[userID]; ok {
			return link, nil
		}
	}
	return nil, storage.ErrMessageNotLinked
}

func (s *Store) MarkLinkDeleted(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, err := s.linkLocked(messageID)
	if err != nil {
		return err
	}
	link.Deleted = true
	return nil
}

func (s *Store) ListLinks(recipientID string) ([]domain.LinkedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LinkedMessage
	for _, link := range s.links {
		if link.RecipientID == recipientID {
			out = append(out, *link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ========== MacroRepository ==========

func (s *Store) SaveMacro(macro *domain.Macro) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *macro
	s.macros[macroKey(macro.Name, macro.Kind)] = &cp
	return nil
}

func (s *Store) GetMacro(name string, kind domain.MacroKind) (*domain.Macro, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	macro, ok := s.macros[macroKey(name, kind)]
	if !ok {
		return nil, storage.ErrMacroNotFound
	}
	cp := *macro
	return &cp, nil
}

func (s *Store) DeleteMacro(name string, kind domain.MacroKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := macroKey(name, kind)
	if _, ok := s.macros[key]; !ok {
		return storage.ErrMacroNotFound
	}
	delete(s.macros, key)
	return nil
}

func (s *Store) ListMacros(kind domain.MacroKind) ([]domain.Macro, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Macro
	for _, macro := range s.macros {
		if macro.Kind == kind {
			out = append(out, *macro)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
