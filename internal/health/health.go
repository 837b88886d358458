// Package health exposes liveness and readiness probes for the relay.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"modmail/backend/internal/gateway"
	"modmail/backend/internal/storage"
)

// Checker wires the store and gateway into healthcheck probes.
type Checker struct {
	health  healthcheck.Handler
	store   storage.Store
	client  gateway.Client
	logger  *zap.Logger
	started time.Time
}

func NewChecker(store storage.Store, client gateway.Client, logger *zap.Logger) *Checker {
	c := &Checker{
		health:  healthcheck.NewHandler(),
		store:   store,
		client:  client,
		logger:  logger,
		started: time.Now(),
	}
	c.addChecks()
	return c
}

func (c *Checker) addChecks() {
	c.health.AddLivenessCheck("store", func() error {
		return c.store.Ping()
	})

	// Readiness additionally requires the gateway connection to answer
	// queries, which a half-initialized process cannot.
	c.health.AddReadinessCheck("gateway", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := c.client.ChannelExists(ctx, "health-probe")
		return err
	})

	c.health.AddReadinessCheck("store", func() error {
		return c.store.Ping()
	})
}

// AddDatabaseCheck registers a ping probe against the raw SQL handle.
func (c *Checker) AddDatabaseCheck(db *sql.DB) {
	c.health.AddReadinessCheck("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	})
}

// Handler serves /live and /ready.
func (c *Checker) Handler() http.Handler {
	return c.health
}

// Status reports the probe results for the admin API.
func (c *Checker) Status() map[string]string {
	results := map[string]string{
		"uptime":    time.Since(c.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.store.Ping(); err != nil {
		results["store"] = "ERROR: " + err.Error()
	} else {
		results["store"] = "OK"
	}
	return results
}
