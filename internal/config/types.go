// Package config loads the daemon configuration (JSON or YAML), validates it
// and republishes it when the file changes.
package config

// Config is the on-disk configuration. Durations are Go duration strings.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Site       SiteConfig       `json:"site"`
	Templates  TemplatesConfig  `json:"templates"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Email      EmailConfig      `json:"email"`
	OnSite     OnSiteConfig     `json:"onsite"`
	Telegram   TelegramConfig   `json:"telegram"`
	Queue      QueueConfig      `json:"queue"`
	Worker     WorkerConfig     `json:"worker"`
	Debug      DebugConfig      `json:"debug"`
	Categories []CategoryConfig `json:"categories,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
	// Alert forwards warn/error lines to telegram.alert_chat_id.
	Alert LoggingAlertConfig `json:"alert"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the record store.
//
// driver: "memory" (default) or "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SiteConfig struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Protocol string `json:"protocol,omitempty"`
}

// TemplatesConfig points at the template tree (<namespace>/<format>).
type TemplatesConfig struct {
	Dir string `json:"dir"`
}

type DispatchConfig struct {
	QueueAll      bool            `json:"queue_all"`
	DefaultLocale string          `json:"default_locale"`
	Channels      []ChannelConfig `json:"channels"`
}

// ChannelConfig is one entry in the ordered channel list.
//
// kind: "email", "onsite" or "telegram".
type ChannelConfig struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Sensitivity int    `json:"sensitivity"`
	Enabled     bool   `json:"enabled"`
}

type EmailConfig struct {
	// Production sends to real recipients. When false every email goes to Admins.
	Production bool       `json:"production"`
	From       string     `json:"from"`
	Admins     []string   `json:"admins,omitempty"`
	SMTP       SMTPConfig `json:"smtp"`
}

// SMTPConfig with an empty addr logs emails instead of sending them.
type SMTPConfig struct {
	Addr     string `json:"addr"`
	Host     string `json:"host,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type OnSiteConfig struct {
	// SuppressionWindow: "0s" suppresses any identical notice regardless of age.
	SuppressionWindow string `json:"suppression_window"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	ParseMode   string `json:"parse_mode,omitempty"`
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
}

// QueueConfig selects where deferred dispatches go.
//
// driver: "store" (record store, default), "redis" or "amqp".
// key names the redis list or the amqp queue.
type QueueConfig struct {
	Driver   string `json:"driver"`
	RedisURL string `json:"redis_url,omitempty"`
	AMQPURL  string `json:"amqp_url,omitempty"`
	Key      string `json:"key,omitempty"`
}

type WorkerConfig struct {
	Enabled    bool    `json:"enabled"`
	Schedule   string  `json:"schedule"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	BatchLimit int     `json:"batch_limit,omitempty"`
	Timezone   string  `json:"timezone,omitempty"`
}

// DebugConfig enables the pprof/health server. Addr defaults to 127.0.0.1:6060.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// CategoryConfig seeds the catalog on startup.
type CategoryConfig struct {
	Label       string `json:"label"`
	Display     string `json:"display"`
	PastTense   string `json:"past_tense,omitempty"`
	Description string `json:"description,omitempty"`
	Default     int    `json:"default"`
}
