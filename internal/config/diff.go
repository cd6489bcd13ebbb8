package config

import (
	"reflect"

	"noticed/pkg/logx"
)

// Changes lists the sections that differ between two configs and returns
// log fields describing the new values. Secrets are never included.
func Changes(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields, logx.String("logging.level", newCfg.Logging.Level), logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		fields = append(fields, logx.Bool("dispatch.queue_all", newCfg.Dispatch.QueueAll), logx.String("dispatch.default_locale", newCfg.Dispatch.DefaultLocale))
	}
	if !reflect.DeepEqual(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		fields = append(fields, logx.Bool("email.production", newCfg.Email.Production), logx.Int("email.admins", len(newCfg.Email.Admins)))
	}
	if oldCfg.OnSite != newCfg.OnSite {
		changed = append(changed, "onsite")
		fields = append(fields, logx.String("onsite.suppression_window", newCfg.OnSite.SuppressionWindow))
	}
	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		fields = append(fields, logx.String("worker.schedule", newCfg.Worker.Schedule), logx.Bool("worker.enabled", newCfg.Worker.Enabled))
	}
	// These need a restart to take effect; still worth logging.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
	}
	if oldCfg.Site != newCfg.Site || oldCfg.Templates != newCfg.Templates {
		changed = append(changed, "site")
	}
	if !reflect.DeepEqual(oldCfg.Categories, newCfg.Categories) {
		changed = append(changed, "categories")
	}
	return changed, fields
}

// NeedsRestart reports whether any changed section is only read at startup.
func NeedsRestart(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "storage", "queue", "telegram", "site", "categories", "debug":
			return true
		}
	}
	return false
}
