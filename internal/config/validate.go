package config

import (
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"
)

// Validate checks cross-field rules. It does not touch the network or disk.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, a ...any) { errs = append(errs, fmt.Errorf(format, a...)) }

	switch strings.ToLower(c.Storage.Driver) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path is required for sqlite")
		}
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]bool{}
	for i, ch := range c.Dispatch.Channels {
		id := ch.ID
		if id == "" {
			id = ch.Kind
		}
		switch strings.ToLower(ch.Kind) {
		case "email", "onsite", "telegram":
		default:
			add("dispatch.channels[%d]: unknown kind %q", i, ch.Kind)
		}
		if seen[id] {
			add("dispatch.channels[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if strings.EqualFold(ch.Kind, "telegram") && ch.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
			add("dispatch.channels[%d]: telegram channel needs telegram.token", i)
		}
	}

	if c.Email.From != "" {
		if _, err := mail.ParseAddress(c.Email.From); err != nil {
			add("email.from: %v", err)
		}
	}
	for i, a := range c.Email.Admins {
		if _, err := mail.ParseAddress(a); err != nil {
			add("email.admins[%d]: %v", i, err)
		}
	}
	if _, err := ParseDurationField("onsite.suppression_window", c.OnSite.SuppressionWindow); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(c.Queue.Driver) {
	case "", "store":
	case "redis":
		if strings.TrimSpace(c.Queue.RedisURL) == "" {
			add("queue.redis_url is required for the redis driver")
		}
	case "amqp":
		if strings.TrimSpace(c.Queue.AMQPURL) == "" {
			add("queue.amqp_url is required for the amqp driver")
		}
	default:
		add("queue.driver: unknown driver %q", c.Queue.Driver)
	}

	if c.Worker.RatePerSec < 0 {
		add("worker.rate_per_sec must be >= 0")
	}
	if c.Worker.Timezone != "" {
		if _, err := time.LoadLocation(c.Worker.Timezone); err != nil {
			add("worker.timezone: %v", err)
		}
	}
	if c.Debug.Enabled && c.Debug.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Debug.Addr); err != nil {
			add("debug.addr: %v", err)
		}
	}
	if c.Logging.Alert.Enabled && c.Telegram.AlertChatID == 0 {
		add("logging.alert needs telegram.alert_chat_id")
	}

	labels := map[string]bool{}
	for i, cat := range c.Categories {
		if strings.TrimSpace(cat.Label) == "" {
			add("categories[%d]: label is required", i)
			continue
		}
		if labels[cat.Label] {
			add("categories[%d]: duplicate label %q", i, cat.Label)
		}
		labels[cat.Label] = true
	}
	return errors.Join(errs...)
}

// SuppressionWindow returns the parsed onsite window.
func (c *Config) SuppressionWindow() time.Duration {
	d, _ := ParseDurationField("onsite.suppression_window", c.OnSite.SuppressionWindow)
	return d
}

// ParseDurationField parses a non-negative Go duration; empty means zero.
// field is used in the error message.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", field, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}
