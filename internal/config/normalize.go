package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeService()
	c.normalizeTracking()
	if err := c.normalizeCache(); err != nil {
		return err
	}
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeService() {
	c.Service.BaseURL = strings.TrimRight(strings.TrimSpace(c.Service.BaseURL), "/")
	if c.Service.BaseURL == "" {
		c.Service.BaseURL = defaultServiceBaseURL
	}
	c.Service.APIToken = strings.TrimSpace(c.Service.APIToken)
	if c.Service.APIToken == "" {
		if value, ok := os.LookupEnv(APITokenEnv); ok {
			c.Service.APIToken = strings.TrimSpace(value)
		}
	}
	if c.Service.RequestTimeout == 0 {
		c.Service.RequestTimeout = defaultRequestTimeout
	}
}

func (c *Config) normalizeTracking() {
	if c.Tracking.PollIntervalMS == 0 {
		c.Tracking.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Tracking.StreamMaxAttempts == 0 {
		c.Tracking.StreamMaxAttempts = defaultStreamMaxAttempts
	}
	if c.Tracking.StreamBackoffCapMS == 0 {
		c.Tracking.StreamBackoffCapMS = defaultStreamBackoffCapMS
	}
	if c.Tracking.EventBuffer == 0 {
		c.Tracking.EventBuffer = defaultEventBuffer
	}
}

func (c *Config) normalizeCache() error {
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = defaultCacheCapacity
	}
	if c.Cache.TTLHours == 0 {
		c.Cache.TTLHours = defaultCacheTTLHours
	}
	if strings.TrimSpace(c.Cache.Path) == "" {
		c.Cache.Path = filepath.Join(c.Paths.StateDir, defaultCacheFileName)
	}
	var err error
	if c.Cache.Path, err = expandPath(c.Cache.Path); err != nil {
		return fmt.Errorf("cache.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout == 0 {
		c.Notifications.RequestTimeout = defaultNtfyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
