package daemon

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/maestro-failover/internal/failover"
	atomicyaml "github.com/msageha/maestro-failover/internal/yaml"
)

// configWatchLoop reloads config.yaml whenever it is written or replaced.
func (d *Daemon) configWatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != d.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(failover.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.reloadConfig()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log(failover.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// reloadConfig applies the failover fields that changed in the file since the last
// successful load. Invalid files are logged and ignored; the running config stays.
func (d *Daemon) reloadConfig() {
	cfg, err := atomicyaml.LoadConfig(d.configPath)
	if err != nil {
		d.log(failover.LogLevelWarn, "config_reload_rejected error=%v", err)
		return
	}
	next, err := failover.ConfigFromModel(cfg.Failover)
	if err != nil {
		d.log(failover.LogLevelWarn, "config_reload_rejected error=%v", err)
		return
	}

	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	patch := d.fileFailover.Diff(next)
	if !patch.Empty() {
		if err := d.coordinator.UpdateConfig(patch); err != nil {
			d.log(failover.LogLevelWarn, "config_reload_rejected error=%v", err)
			return
		}
	}
	d.fileFailover = next

	if cfg.Storage != d.config.Storage || cfg.Events != d.config.Events ||
		cfg.Supervision != d.config.Supervision || cfg.Logging != d.config.Logging {
		d.log(failover.LogLevelWarn, "config_reload storage, events, supervision and logging changes apply after restart")
	}
	cfg.Storage, cfg.Events, cfg.Supervision, cfg.Logging = d.config.Storage, d.config.Events, d.config.Supervision, d.config.Logging
	d.config = cfg
	d.log(failover.LogLevelInfo, "config_reloaded changed=%t", !patch.Empty())
}
