package app

import (
	"time"

	"noticed/internal/channel"
	"noticed/internal/config"
	"noticed/internal/dispatch"
	"noticed/internal/locale"
	"noticed/internal/notice"
	"noticed/internal/queue"
	"noticed/internal/storage"
	mailx "noticed/internal/transport/mail"
	"noticed/pkg/logx"
)

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert:   logx.AlertConfig{Enabled: c.Alert.Enabled, MinLevel: c.Alert.MinLevel, RatePerSec: c.Alert.RatePerSec},
	}
}

func storageConfig(c config.StorageConfig) storage.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	return storage.Config{Driver: c.Driver, Path: c.Path, BusyTimeout: busy}
}

func siteOf(c config.SiteConfig) channel.Site {
	return channel.Site{ID: c.ID, Name: c.Name, Domain: c.Domain, Protocol: c.Protocol}
}

func dispatchConfig(c config.DispatchConfig) dispatch.Config {
	def := locale.Normalize(c.DefaultLocale)
	if def == "" {
		def = "en"
	}
	return dispatch.Config{QueueAll: c.QueueAll, DefaultLocale: def}
}

func channelSpecs(cs []config.ChannelConfig) []channel.Spec {
	out := make([]channel.Spec, 0, len(cs))
	for _, c := range cs {
		out = append(out, channel.Spec{ID: c.ID, Kind: c.Kind, Sensitivity: c.Sensitivity, Enabled: c.Enabled})
	}
	return out
}

func emailConfig(c config.EmailConfig) channel.EmailConfig {
	return channel.EmailConfig{Production: c.Production, From: c.From, Admins: append([]string(nil), c.Admins...)}
}

func smtpConfig(c config.SMTPConfig) mailx.SMTPConfig {
	return mailx.SMTPConfig{Addr: c.Addr, Host: c.Host, Username: c.Username, Password: c.Password}
}

func onSiteConfig(cfg *config.Config) channel.OnSiteConfig {
	return channel.OnSiteConfig{SuppressionWindow: cfg.SuppressionWindow()}
}

func workerConfig(c config.WorkerConfig) queue.WorkerConfig {
	var loc *time.Location
	if c.Timezone != "" {
		// Validate already rejected unknown zones.
		loc, _ = time.LoadLocation(c.Timezone)
	}
	return queue.WorkerConfig{Schedule: c.Schedule, RatePerSec: c.RatePerSec, BatchLimit: c.BatchLimit, Location: loc}
}

func categoryOf(c config.CategoryConfig) notice.Category {
	return notice.Category{
		Label:       c.Label,
		Display:     c.Display,
		PastTense:   c.PastTense,
		Description: c.Description,
		Default:     c.Default,
	}
}
