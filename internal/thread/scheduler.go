package thread

import (
	"sync"
	"time"

	"modmail/backend/internal/domain"
)

// Scheduler keeps one cancellable timer per recipient for deferred closes.
// The persisted closure record is the source of truth: a fired timer
// re-reads it before acting, so cancelling is removing the record and the
// timer together.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fire   func(recipientID string)
}

func newScheduler(fire func(recipientID string)) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

// Schedule arms the timer for a closure, replacing any previous one for the
// same recipient. Past-due closures fire immediately.
func (s *Scheduler) Schedule(c domain.ScheduledClosure) {
	delay := time.Until(c.Time)
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[c.RecipientID]; ok {
		prev.Stop()
	}
	id := c.RecipientID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.fire(id)
	})
}

// Cancel stops the recipient's timer if one is armed.
func (s *Scheduler) Cancel(recipientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[recipientID]; ok {
		t.Stop()
		delete(s.timers, recipientID)
	}
}

// Stop cancels every armed timer. Used on shutdown; the persisted records
// remain and are rescheduled on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
