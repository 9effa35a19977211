package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Server        ServerConfig  `mapstructure:"server" yaml:"server"`
	Session       SessionConfig `mapstructure:"session" yaml:"session"`
	Sandbox       SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServerConfig configures the project server.
type ServerConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	BaseURL     string `mapstructure:"base_url" yaml:"base_url"`
	Storage     string `mapstructure:"storage" yaml:"storage"`
	StateDir    string `mapstructure:"state_dir" yaml:"state_dir"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	// RedisURL, when set, relays websocket traffic between server replicas.
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
	// RecordRelayed stores messages that reach the relay without passing a
	// hub, such as sessions using the redis transport.
	RecordRelayed  bool     `mapstructure:"record_relayed" yaml:"record_relayed"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// SessionConfig configures a participant session.
type SessionConfig struct {
	ServerURL      string `mapstructure:"server_url" yaml:"server_url"`
	UserID         string `mapstructure:"user_id" yaml:"user_id"`
	Email          string `mapstructure:"email" yaml:"email"`
	Cache          string `mapstructure:"cache" yaml:"cache"`
	CacheDir       string `mapstructure:"cache_dir" yaml:"cache_dir"`
	Transport      string `mapstructure:"transport" yaml:"transport"`
	RedisURL       string `mapstructure:"redis_url" yaml:"redis_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	// SyncDir, when set, mirrors the project tree to a local directory and
	// picks up edits made there.
	SyncDir string `mapstructure:"sync_dir" yaml:"sync_dir"`
}

// SandboxConfig configures the runtime that executes project code.
type SandboxConfig struct {
	Runtime             string            `mapstructure:"runtime" yaml:"runtime"`
	Image               string            `mapstructure:"image" yaml:"image"`
	WorkspaceDir        string            `mapstructure:"workspace_dir" yaml:"workspace_dir"`
	Install             []string          `mapstructure:"install" yaml:"install"`
	Run                 []string          `mapstructure:"run" yaml:"run"`
	PreviewPorts        []int             `mapstructure:"preview_ports" yaml:"preview_ports"`
	PreviewHost         string            `mapstructure:"preview_host" yaml:"preview_host"`
	ProbeIntervalMillis int               `mapstructure:"probe_interval_ms" yaml:"probe_interval_ms"`
	PullTimeoutMinutes  int               `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	Env                 map[string]string `mapstructure:"env" yaml:"env"`
	Bwrap               BwrapConfig       `mapstructure:"bwrap" yaml:"bwrap"`
	Podman              PodmanConfig      `mapstructure:"podman" yaml:"podman"`
	Containerd          ContainerdConfig  `mapstructure:"containerd" yaml:"containerd"`
}

// BwrapConfig configures the bubblewrap runtime.
type BwrapConfig struct {
	Path          string   `mapstructure:"path" yaml:"path"`
	ReadOnlyPaths []string `mapstructure:"read_only_paths" yaml:"read_only_paths"`
}

// ContainerdConfig configures the containerd runtime endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// PodmanConfig configures the podman runtime endpoint.
type PodmanConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	UserNSMode string `mapstructure:"userns_mode" yaml:"userns_mode"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	uid := os.Getuid()
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", uid))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Server: ServerConfig{
			Addr:     ":27480",
			Storage:  "file",
			StateDir: filepath.Join(home, ".pairbox", "state"),
		},
		Session: SessionConfig{
			ServerURL:      "http://127.0.0.1:27480",
			UserID:         os.Getenv("USER"),
			Cache:          "file",
			CacheDir:       filepath.Join(home, ".pairbox", "cache"),
			Transport:      "websocket",
			TimeoutSeconds: 15,
		},
		Sandbox: SandboxConfig{
			Runtime:             "bwrap",
			Image:               "docker.io/library/node:22-bookworm",
			WorkspaceDir:        filepath.Join(home, ".pairbox", "workspaces"),
			Install:             []string{"npm", "install"},
			Run:                 []string{"npm", "start"},
			PreviewPorts:        []int{3000},
			ProbeIntervalMillis: 250,
			PullTimeoutMinutes:  5,
			Env:                 map[string]string{},
			Bwrap: BwrapConfig{
				ReadOnlyPaths: []string{"/usr", "/bin", "/lib", "/lib64", "/etc/alternatives", "/etc/ssl", "/etc/resolv.conf"},
			},
			Podman: PodmanConfig{
				Address:    fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
				UserNSMode: "keep-id",
			},
			Containerd: ContainerdConfig{
				Address:   fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock")),
				Namespace: "pairbox",
			},
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pairbox", "config.yaml"), nil
}
