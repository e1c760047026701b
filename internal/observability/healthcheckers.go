package observability

import (
	"context"
	"fmt"
)

// Pinger is satisfied by the run journal.
type Pinger interface {
	Ping() error
}

// JournalHealthChecker checks that the extraction journal accepts transactions
type JournalHealthChecker struct {
	name    string
	journal Pinger
}

// NewJournalHealthChecker creates a new journal health checker
func NewJournalHealthChecker(name string, journal Pinger) *JournalHealthChecker {
	return &JournalHealthChecker{name: name, journal: journal}
}

// Name returns the name of the health checker
func (c *JournalHealthChecker) Name() string {
	return c.name
}

// HealthCheck performs a journal health check
func (c *JournalHealthChecker) HealthCheck(_ context.Context) error {
	if c.journal == nil {
		return fmt.Errorf("journal is nil")
	}
	return c.journal.Ping()
}

// CacheHealthChecker reports the token cache file as unhealthy when it cannot be parsed.
// A missing file is healthy: the next token request creates it.
type CacheHealthChecker struct {
	name string
	load func() error
}

// NewCacheHealthChecker creates a checker around a cache load function
func NewCacheHealthChecker(name string, load func() error) *CacheHealthChecker {
	return &CacheHealthChecker{name: name, load: load}
}

// Name returns the name of the health checker
func (c *CacheHealthChecker) Name() string {
	return c.name
}

// HealthCheck performs a cache health check
func (c *CacheHealthChecker) HealthCheck(_ context.Context) error {
	if c.load == nil {
		return fmt.Errorf("load function is nil")
	}
	return c.load()
}
