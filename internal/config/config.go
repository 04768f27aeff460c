// Package config loads and hot-reloads the caster's key=value configuration
// file. Config parsing and credential storage live outside the reactor core
// so the core never has to know how its settings arrived.
package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the caster's runtime configuration.
type Config struct {
	v        *viper.Viper
	filePath string
}

var globalConfig atomic.Pointer[Config]

// Get returns the global config instance, or nil before the first Load.
func Get() *Config {
	return globalConfig.Load()
}

// Load reads a caster.conf file and returns a new Config. If the file does
// not exist, a Config with default values is returned without an error, so
// the caster can start with bare defaults (bind 0.0.0.0:2101, default caps).
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("properties")
	setDefaults(v)

	absPath := filePath
	if filePath != "" {
		if p, err := filepath.Abs(filePath); err == nil {
			absPath = p
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("config file load failed, using defaults", "path", absPath, "error", err)
			absPath = ""
		}
	}

	cfg := &Config{v: v, filePath: absPath}
	globalConfig.Store(cfg)
	if absPath != "" {
		slog.Info("config loaded", "path", absPath)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_addr", "0.0.0.0")
	v.SetDefault("bind_port", 2101)
	v.SetDefault("max_pending", 20)
	v.SetDefault("max_client", 100)
	v.SetDefault("max_source", 20)
	v.SetDefault("idle_timeout_ms", 5000)
	v.SetDefault("sweep_interval_ms", 3000)
	v.SetDefault("sweep_initial_delay_ms", 5000)
	v.SetDefault("credential_file", "")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_addr", "0.0.0.0:9101")
	v.SetDefault("log_dir", "./logs")
	v.SetDefault("log_rotation_enabled", true)
	v.SetDefault("log_keep_days", 30)
	v.SetDefault("debug", false)
}

// Watch starts an fsnotify watch on the config file and reloads it on every
// write, replacing the global Config atomically. A no-op if the config has
// no backing file.
func Watch(done <-chan struct{}) {
	cfg := Get()
	if cfg == nil || cfg.filePath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watch disabled, fsnotify unavailable", "error", err)
		return
	}

	dir := filepath.Dir(cfg.filePath)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("config watch failed to add directory", "dir", dir, "error", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(cfg.filePath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				path := cfg.filePath
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					if _, err := Load(path); err != nil {
						slog.Error("config reload failed", "error", err)
						return
					}
					slog.Info("config reloaded", "path", path)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", "error", err)
			}
		}
	}()
}

// ---------------------------------------------------------------------------
// Typed accessors
// ---------------------------------------------------------------------------

func (c *Config) BindAddr() string   { return c.v.GetString("bind_addr") }
func (c *Config) BindPort() int      { return c.v.GetInt("bind_port") }
func (c *Config) MaxPending() int    { return c.v.GetInt("max_pending") }
func (c *Config) MaxClient() int     { return c.v.GetInt("max_client") }
func (c *Config) MaxSource() int     { return c.v.GetInt("max_source") }
func (c *Config) CredentialFile() string {
	return strings.TrimSpace(c.v.GetString("credential_file"))
}
func (c *Config) MetricsEnabled() bool { return c.v.GetBool("metrics_enabled") }
func (c *Config) MetricsAddr() string  { return c.v.GetString("metrics_addr") }
func (c *Config) LogDir() string       { return c.v.GetString("log_dir") }
func (c *Config) LogRotationEnabled() bool { return c.v.GetBool("log_rotation_enabled") }
func (c *Config) LogKeepDays() int     { return c.v.GetInt("log_keep_days") }
func (c *Config) IsDebug() bool        { return c.v.GetBool("debug") }

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.v.GetInt("idle_timeout_ms")) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.v.GetInt("sweep_interval_ms")) * time.Millisecond
}

func (c *Config) SweepInitialDelay() time.Duration {
	return time.Duration(c.v.GetInt("sweep_initial_delay_ms")) * time.Millisecond
}

// FilePath returns the absolute path to the config file, or "" if defaults-only.
func (c *Config) FilePath() string { return c.filePath }
