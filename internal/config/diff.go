package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	WorkersChanged bool
	NewWorkers     WorkersConfig

	ExecutorChanged bool
	NewExecutor     ExecutorConfig

	JanitorChanged bool
	NewJanitor     JanitorConfig

	TenantsChanged bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.WorkersChanged ||
		d.ExecutorChanged ||
		d.JanitorChanged ||
		d.TenantsChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Workers != new.Workers {
		d.WorkersChanged = true
		d.NewWorkers = new.Workers
	}

	if !reflect.DeepEqual(old.Executor, new.Executor) {
		d.ExecutorChanged = true
		d.NewExecutor = new.Executor
	}

	if old.Janitor != new.Janitor {
		d.JanitorChanged = true
		d.NewJanitor = new.Janitor
	}

	if !reflect.DeepEqual(old.Tenants, new.Tenants) {
		d.TenantsChanged = true
	}

	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Gateway != new.Gateway {
		d.NonReloadable = append(d.NonReloadable, "gateway")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
