package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"modmail/backend/internal/domain"
	"modmail/backend/internal/events"
)

// ThreadSource reports the currently open threads.
type ThreadSource interface {
	Count() int
}

// ClosureSource reports the persisted deferred closures.
type ClosureSource interface {
	ListClosures() ([]domain.ScheduledClosure, error)
}

// Collector feeds the relay's own event stream into the metrics and polls
// the gauges that have no event to drive them.
type Collector struct {
	metrics  *Metrics
	bus      *events.Bus
	threads  ThreadSource
	closures ClosureSource
	log      *zap.Logger
}

func NewCollector(metrics *Metrics, bus *events.Bus, threads ThreadSource, closures ClosureSource, log *zap.Logger) *Collector {
	return &Collector{
		metrics:  metrics,
		bus:      bus,
		threads:  threads,
		closures: closures,
		log:      log,
	}
}

// Run consumes events until the context ends.
func (c *Collector) Run(ctx context.Context) {
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	c.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.record(ev)
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *Collector) record(ev events.Event) {
	switch ev.Type {
	case events.TypeThreadCreate:
		c.metrics.RecordThreadOpened()
	case events.TypeThreadReply:
		if ev.StaffSide {
			c.metrics.RecordMessageRelayed("outbound")
		} else {
			c.metrics.RecordMessageRelayed("inbound")
		}
	case events.TypeThreadClose:
		reason := "system"
		if ev.Closer != nil && ev.Closer.Staff {
			reason = "staff"
		}
		c.metrics.RecordThreadClosed(reason)
	}
}

func (c *Collector) poll() {
	if c.threads != nil {
		c.metrics.UpdateThreadsOpen(c.threads.Count())
	}
	if c.closures != nil {
		pending, err := c.closures.ListClosures()
		if err != nil {
			c.log.Warn("closure poll failed", zap.Error(err))
			return
		}
		c.metrics.UpdateScheduledClosures(len(pending))
	}
}
