// Package config loads the control plane's configuration from layered
// koanf providers: built-in defaults, then environment variable
// overrides.
package config

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"

	cperrors "github.com/cloudbrowser/controlplane/errors"
)

// DefaultConfig is the baseline loaded before environment overrides.
var DefaultConfig = []byte(`
pool_size: 3
port_range_start: 4000
port_range_end: 4100
container_image: "cloudbrowser/kiosk:latest"
docker_network_name: "cloudbrowser-isolated"
container_shm_size_mb: 512
session_duration: 300
rate_limit_per_day: 10
frontend_url: "http://localhost:3000"
admin_user: "admin"
admin_password: "admin"
data_dir: "./data"
listen_addr: ":8080"
assets_dir: "./assets"
gpu_device_path: ""
logger:
  level: "info"
  format: "console"
`)

// Config is the control plane's full runtime configuration.
type Config struct {
	PoolSize            int    `koanf:"pool_size" json:"poolSize"`
	PortRangeStart       int    `koanf:"port_range_start" json:"portRangeStart"`
	PortRangeEnd         int    `koanf:"port_range_end" json:"portRangeEnd"`
	ContainerImage       string `koanf:"container_image" json:"containerImage"`
	DockerNetworkName    string `koanf:"docker_network_name" json:"dockerNetworkName"`
	ContainerShmSizeMB   int64  `koanf:"container_shm_size_mb" json:"containerShmSizeMb"`
	SessionDuration      int    `koanf:"session_duration" json:"sessionDuration"`
	RateLimitPerDay      int    `koanf:"rate_limit_per_day" json:"rateLimitPerDay"`
	FrontendURL          string `koanf:"frontend_url" json:"frontendUrl"`
	AdminUser            string `koanf:"admin_user" json:"-"`
	AdminPassword        string `koanf:"admin_password" json:"-"`
	DataDir              string `koanf:"data_dir" json:"dataDir"`
	ListenAddr           string `koanf:"listen_addr" json:"listenAddr"`
	AssetsDir            string `koanf:"assets_dir" json:"assetsDir"`
	GPUDevicePath        string `koanf:"gpu_device_path" json:"-"`
	Logger               Logger `koanf:"logger" json:"logger"`
}

type Logger struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
}

// Load builds a Config from DefaultConfig, then overrides every field
// from its bare environment variable equivalent (e.g. POOL_SIZE
// overrides pool_size), matching the unprefixed names section 6 of the
// spec documents as the external interface.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(DefaultConfig), yaml.Parser()); err != nil {
		return nil, cperrors.E(cperrors.KindRuntimeFailure, "loading default config", err)
	}

	envProvider := env.Provider("", ".", mapEnvKey)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, cperrors.E(cperrors.KindRuntimeFailure, "loading env overrides", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, cperrors.E(cperrors.KindRuntimeFailure, "unmarshalling config", err)
	}

	return &cfg, cfg.Validate()
}

// envKeyMap names every environment variable the loader reads, mapped to
// its koanf dotted key. Env vars not listed here are ignored rather than
// guessed at.
var envKeyMap = map[string]string{
	"POOL_SIZE":             "pool_size",
	"PORT_RANGE_START":      "port_range_start",
	"PORT_RANGE_END":        "port_range_end",
	"CONTAINER_IMAGE":       "container_image",
	"DOCKER_NETWORK_NAME":   "docker_network_name",
	"CONTAINER_SHM_SIZE_MB": "container_shm_size_mb",
	"SESSION_DURATION":      "session_duration",
	"RATE_LIMIT_PER_DAY":    "rate_limit_per_day",
	"FRONTEND_URL":          "frontend_url",
	"ADMIN_USER":            "admin_user",
	"ADMIN_PASSWORD":        "admin_password",
	"DATA_DIR":              "data_dir",
	"LISTEN_ADDR":           "listen_addr",
	"ASSETS_DIR":            "assets_dir",
	"GPU_DEVICE_PATH":       "gpu_device_path",
	"LOG_LEVEL":             "logger.level",
	"LOG_FORMAT":            "logger.format",
}

// mapEnvKey translates a bare env var into its koanf dotted key, or ""
// to drop it if it isn't listed in envKeyMap.
func mapEnvKey(s string) string {
	if mapped, ok := envKeyMap[strings.ToUpper(s)]; ok {
		return mapped
	}
	return ""
}

// ApplyOverrides merges explicit CLI-provided overrides (from kong flags
// in cmd/server) onto an already-loaded config, taking precedence over
// both defaults and environment.
func (c *Config) ApplyOverrides(m map[string]any) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(c, "koanf"), nil); err != nil {
		return err
	}
	if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
		return err
	}
	return k.Unmarshal("", c)
}

// Validate accumulates every configuration problem instead of stopping at
// the first one, matching the accumulator style used across this package.
func (c *Config) Validate() error {
	ve := cperrors.ValidationErrs()

	if c.PoolSize < 1 || c.PoolSize > 20 {
		ve.Add("pool_size", "must be between 1 and 20")
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd <= c.PortRangeStart {
		ve.Add("port_range", "port_range_end must be greater than port_range_start")
	}
	if c.ContainerImage == "" {
		ve.Add("container_image", "cannot be empty")
	}
	if c.SessionDuration < 60 || c.SessionDuration > 1800 {
		ve.Add("session_duration", "must be between 60 and 1800 seconds")
	}
	if c.RateLimitPerDay < 1 {
		ve.Add("rate_limit_per_day", "must be at least 1")
	}
	if c.ListenAddr == "" {
		ve.Add("listen_addr", "cannot be empty")
	}
	if c.Logger.Level == "" {
		ve.Add("logger.level", "cannot be empty")
	}

	return ve.Err()
}
