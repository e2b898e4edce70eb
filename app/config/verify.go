package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

const (
	// repository validation limits
	minLockAttempts = 1
	maxLockAttempts = 100
	minLockDelay    = time.Millisecond
	maxLockDelay    = time.Minute

	// polling validation limits
	minInterval    = 100 * time.Millisecond
	maxInterval    = time.Hour
	minConcurrency = 1
	maxConcurrency = 256
	minTimeout     = 10 * time.Millisecond
	maxTimeout     = time.Hour
	maxResubmits   = 100

	minSessionAge = time.Minute
)

// Verify checks config values are within their bounds
func (c *Config) Verify() error {
	if strings.TrimSpace(c.GangaDir) == "" {
		return fmt.Errorf("gangadir is required")
	}
	if err := c.verifyRepository(); err != nil {
		return err
	}
	if err := c.verifyPolling(); err != nil {
		return err
	}
	if c.Registry.AutoflushInterval.D() < 0 {
		return fmt.Errorf("registry: autoflush_interval can't be negative")
	}
	if c.Cleanup.StaleSessions && c.Cleanup.SessionMaxAge.D() < minSessionAge {
		return fmt.Errorf("cleanup: session_max_age must be at least %v, got %v", minSessionAge, c.Cleanup.SessionMaxAge.D())
	}
	if err := c.verifyConditions(); err != nil {
		return err
	}
	if err := c.verifyNotify(); err != nil {
		return err
	}
	if c.Web.Enabled && strings.TrimSpace(c.Web.Address) == "" {
		return fmt.Errorf("web: address is required")
	}
	if c.Web.RateLimit < 0 {
		return fmt.Errorf("web: rate_limit can't be negative")
	}
	return nil
}

func (c *Config) verifyRepository() error {
	switch c.Repository.Type {
	case "file", "sqlite":
	default:
		return fmt.Errorf("repository: unknown type %q, expected file or sqlite", c.Repository.Type)
	}
	if c.Repository.LockAttempts < minLockAttempts || c.Repository.LockAttempts > maxLockAttempts {
		return fmt.Errorf("repository: lock_attempts must be between %d and %d, got %d",
			minLockAttempts, maxLockAttempts, c.Repository.LockAttempts)
	}
	if err := inRange("repository: lock_delay", c.Repository.LockDelay.D(), minLockDelay, maxLockDelay); err != nil {
		return err
	}
	return nil
}

func (c *Config) verifyPolling() error {
	if err := inRange("polling: interval", c.Polling.Interval.D(), minInterval, maxInterval); err != nil {
		return err
	}
	if c.Polling.Concurrency < minConcurrency || c.Polling.Concurrency > maxConcurrency {
		return fmt.Errorf("polling: concurrency must be between %d and %d, got %d",
			minConcurrency, maxConcurrency, c.Polling.Concurrency)
	}
	if err := inRange("polling: timeout", c.Polling.Timeout.D(), minTimeout, maxTimeout); err != nil {
		return err
	}
	if err := inRange("polling: shutdown_timeout", c.Polling.ShutdownTimeout.D(), minTimeout, maxTimeout); err != nil {
		return err
	}
	if c.Polling.MaxResubmits < 0 || c.Polling.MaxResubmits > maxResubmits {
		return fmt.Errorf("polling: max_resubmits must be between 0 and %d, got %d", maxResubmits, c.Polling.MaxResubmits)
	}
	return nil
}

func (c *Config) verifyConditions() error {
	percents := []struct {
		name string
		val  *int
	}{
		{"cpu_below", c.Conditions.CPUBelow},
		{"memory_below", c.Conditions.MemoryBelow},
		{"disk_free_above", c.Conditions.DiskFreeAbove},
	}
	for _, p := range percents {
		if p.val != nil && (*p.val < 0 || *p.val > 100) {
			return fmt.Errorf("conditions: %s must be between 0 and 100, got %d", p.name, *p.val)
		}
	}
	if c.Conditions.LoadAvgBelow != nil && *c.Conditions.LoadAvgBelow < 0 {
		return fmt.Errorf("conditions: load_avg_below can't be negative")
	}
	return nil
}

func (c *Config) verifyNotify() error {
	n := c.Notify
	if !n.OnError && !n.OnCompletion {
		return nil
	}
	if len(n.To) == 0 && len(n.SlackChannels) == 0 && len(n.Webhooks) == 0 {
		return fmt.Errorf("notify: enabled, but no destinations (to, slack_channels or webhooks)")
	}
	if len(n.To) > 0 && n.SMTP.Host == "" {
		return fmt.Errorf("notify: smtp host is required for email destinations")
	}
	if len(n.SlackChannels) > 0 && n.SlackToken == "" {
		return fmt.Errorf("notify: slack_token is required for slack channels")
	}
	for i, u := range n.Webhooks {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("notify: webhook %d: http or https url expected, got %q", i+1, u)
		}
	}
	return nil
}

func inRange(name string, d, minVal, maxVal time.Duration) error {
	if d < minVal || d > maxVal {
		return fmt.Errorf("%s must be between %v and %v, got %v", name, minVal, maxVal, d)
	}
	return nil
}

//go:generate go run ./internal/schema gangarc-schema.json

// GenerateSchema generates JSON schema for the config file
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&Config{}), nil
}
