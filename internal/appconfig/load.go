package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.base_url", cfg.Server.BaseURL)
	v.SetDefault("server.storage", cfg.Server.Storage)
	v.SetDefault("server.state_dir", cfg.Server.StateDir)
	v.SetDefault("server.postgres_dsn", cfg.Server.PostgresDSN)
	v.SetDefault("server.redis_url", cfg.Server.RedisURL)
	v.SetDefault("server.record_relayed", cfg.Server.RecordRelayed)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("session.server_url", cfg.Session.ServerURL)
	v.SetDefault("session.user_id", cfg.Session.UserID)
	v.SetDefault("session.email", cfg.Session.Email)
	v.SetDefault("session.cache", cfg.Session.Cache)
	v.SetDefault("session.cache_dir", cfg.Session.CacheDir)
	v.SetDefault("session.transport", cfg.Session.Transport)
	v.SetDefault("session.redis_url", cfg.Session.RedisURL)
	v.SetDefault("session.timeout_seconds", cfg.Session.TimeoutSeconds)
	v.SetDefault("session.sync_dir", cfg.Session.SyncDir)
	v.SetDefault("sandbox.runtime", cfg.Sandbox.Runtime)
	v.SetDefault("sandbox.image", cfg.Sandbox.Image)
	v.SetDefault("sandbox.workspace_dir", cfg.Sandbox.WorkspaceDir)
	v.SetDefault("sandbox.install", cfg.Sandbox.Install)
	v.SetDefault("sandbox.run", cfg.Sandbox.Run)
	v.SetDefault("sandbox.preview_ports", cfg.Sandbox.PreviewPorts)
	v.SetDefault("sandbox.preview_host", cfg.Sandbox.PreviewHost)
	v.SetDefault("sandbox.probe_interval_ms", cfg.Sandbox.ProbeIntervalMillis)
	v.SetDefault("sandbox.pull_timeout_minutes", cfg.Sandbox.PullTimeoutMinutes)
	v.SetDefault("sandbox.env", cfg.Sandbox.Env)
	v.SetDefault("sandbox.bwrap.path", cfg.Sandbox.Bwrap.Path)
	v.SetDefault("sandbox.bwrap.read_only_paths", cfg.Sandbox.Bwrap.ReadOnlyPaths)
	v.SetDefault("sandbox.podman.address", cfg.Sandbox.Podman.Address)
	v.SetDefault("sandbox.podman.userns_mode", cfg.Sandbox.Podman.UserNSMode)
	v.SetDefault("sandbox.containerd.address", cfg.Sandbox.Containerd.Address)
	v.SetDefault("sandbox.containerd.namespace", cfg.Sandbox.Containerd.Namespace)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if baseURL := strings.TrimSpace(cfg.Server.BaseURL); baseURL != "" {
		if err := requireHTTPURL(baseURL); err != nil {
			return fmt.Errorf("server.base_url %w", err)
		}
	}
	if err := requireHTTPURL(cfg.Session.ServerURL); err != nil {
		return fmt.Errorf("session.server_url %w", err)
	}
	switch strings.ToLower(cfg.Server.Storage) {
	case "file", "":
	case "postgres":
		if strings.TrimSpace(cfg.Server.PostgresDSN) == "" {
			return fmt.Errorf("server.postgres_dsn is required when server.storage is postgres")
		}
	default:
		return fmt.Errorf("unsupported server.storage %q", cfg.Server.Storage)
	}
	if cfg.Server.RecordRelayed && strings.TrimSpace(cfg.Server.RedisURL) == "" {
		return fmt.Errorf("server.record_relayed requires server.redis_url")
	}
	switch strings.ToLower(cfg.Session.Cache) {
	case "file", "sqlite", "memory", "":
	default:
		return fmt.Errorf("unsupported session.cache %q", cfg.Session.Cache)
	}
	switch strings.ToLower(cfg.Session.Transport) {
	case "websocket", "":
	case "redis":
		if strings.TrimSpace(cfg.Session.RedisURL) == "" {
			return fmt.Errorf("session.redis_url is required when session.transport is redis")
		}
	default:
		return fmt.Errorf("unsupported session.transport %q", cfg.Session.Transport)
	}
	switch strings.ToLower(cfg.Sandbox.Runtime) {
	case "bwrap", "none", "":
	case "podman":
		if strings.TrimSpace(cfg.Sandbox.Podman.Address) == "" {
			return fmt.Errorf("sandbox.podman.address is required when sandbox.runtime is podman")
		}
	case "containerd":
		if strings.TrimSpace(cfg.Sandbox.Containerd.Address) == "" {
			return fmt.Errorf("sandbox.containerd.address is required when sandbox.runtime is containerd")
		}
	default:
		return fmt.Errorf("unsupported sandbox.runtime %q", cfg.Sandbox.Runtime)
	}
	for _, port := range cfg.Sandbox.PreviewPorts {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("sandbox.preview_ports contains invalid port %d", port)
		}
	}
	return nil
}

func requireHTTPURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("must include an http(s) scheme and host (e.g. http://127.0.0.1:27480)")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Server.StateDir = expandEnv(cfg.Server.StateDir)
	cfg.Server.PostgresDSN = expandEnv(cfg.Server.PostgresDSN)
	cfg.Server.RedisURL = expandEnv(cfg.Server.RedisURL)
	cfg.Session.UserID = expandEnv(cfg.Session.UserID)
	cfg.Session.CacheDir = expandEnv(cfg.Session.CacheDir)
	cfg.Session.RedisURL = expandEnv(cfg.Session.RedisURL)
	cfg.Session.SyncDir = expandEnv(cfg.Session.SyncDir)
	cfg.Sandbox.WorkspaceDir = expandEnv(cfg.Sandbox.WorkspaceDir)
	cfg.Sandbox.Bwrap.Path = expandEnv(cfg.Sandbox.Bwrap.Path)
	cfg.Sandbox.Podman.Address = expandEnv(cfg.Sandbox.Podman.Address)
	cfg.Sandbox.Containerd.Address = expandEnv(cfg.Sandbox.Containerd.Address)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
