// Package config loads the orchestrator and gateway binaries'
// configuration from a YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// OrchestratorConfig holds every setting the node orchestrator binary
// needs: its worker pools, recycling thresholds, and ASGI fallback.
type OrchestratorConfig struct {
	Worker WorkerConfig `mapstructure:"worker"`
	Tasks  TasksConfig  `mapstructure:"tasks"`
	ASGI   ASGIConfig   `mapstructure:"asgi"`

	Pools []PoolConfig `mapstructure:"worker_pools"`

	HTTPPort   int    `mapstructure:"http_port"`
	SocketDir  string `mapstructure:"socket_dir"`
	BinaryPath string `mapstructure:"binary_path"`
}

// PoolConfig is one entry of worker_pools[].
type PoolConfig struct {
	Name       string  `mapstructure:"name"`
	Count      int     `mapstructure:"count"`
	AppModule  string  `mapstructure:"app_module"`
	NumCPUs    float64 `mapstructure:"num_cpus"`
	NumGPUs    float64 `mapstructure:"num_gpus"`
	MemoryGB   float64 `mapstructure:"memory_gb"`
	GPUDevices []int   `mapstructure:"gpu_devices"`
}

// WorkerConfig carries the recycling thresholds and per-worker readiness
// budget. StartupTimeoutSecs is loaded but not read by the orchestrator:
// the worker accept timeout is a fixed 10s.
type WorkerConfig struct {
	MaxTasksPerWorker        uint64        `mapstructure:"max_tasks_per_worker"`
	MaxMemoryMB              uint64        `mapstructure:"max_memory_mb"`
	MaxLifetimeSecs          int           `mapstructure:"max_lifetime_secs"`
	MemoryCheckIntervalSecs  int           `mapstructure:"memory_check_interval_secs"`
	StartupTimeoutSecs       int           `mapstructure:"startup_timeout_secs"`
	MaxLifetime              time.Duration `mapstructure:"-"`
	MemoryCheckInterval      time.Duration `mapstructure:"-"`
}

// TasksConfig is the adapter-level default timeout applied to a task that
// doesn't specify its own.
type TasksConfig struct {
	DefaultTimeoutSecs int `mapstructure:"default_timeout_secs"`
}

// ASGIConfig configures the optional ASGI fallback supervisor and proxy.
type ASGIConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Mode        string `mapstructure:"mode"` // mounted | proxy
	Port        int    `mapstructure:"port"`
	Workers     int    `mapstructure:"workers"`
	ServiceURL  string `mapstructure:"service_url"`
	TimeoutSecs int    `mapstructure:"timeout_secs"`
	AppCommand  string `mapstructure:"app_command"`
}

// DefaultOrchestratorConfig mirrors the documented defaults for worker
// recycling thresholds and task timeouts.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Worker: WorkerConfig{
			MaxLifetimeSecs:         3600,
			MemoryCheckIntervalSecs: 30,
			StartupTimeoutSecs:      10,
		},
		Tasks: TasksConfig{
			DefaultTimeoutSecs: 300,
		},
		ASGI: ASGIConfig{
			Mode:        "proxy",
			TimeoutSecs: 30,
		},
		HTTPPort:  8000,
		SocketDir: os.TempDir(),
	}
}

// LoadOrchestratorConfig reads configPath (or the default search path if
// empty) overlaid with NEUTRINO_-prefixed environment variables.
func LoadOrchestratorConfig(configPath string) (*OrchestratorConfig, error) {
	cfg := DefaultOrchestratorConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setOrchestratorDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("neutrino-orchestrator")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/neutrino")
	}

	v.SetEnvPrefix("NEUTRINO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read orchestrator config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal orchestrator config: %w", err)
	}

	cfg.Worker.MaxLifetime = time.Duration(cfg.Worker.MaxLifetimeSecs) * time.Second
	cfg.Worker.MemoryCheckInterval = time.Duration(cfg.Worker.MemoryCheckIntervalSecs) * time.Second

	return cfg, nil
}

func setOrchestratorDefaults(v *viper.Viper, cfg *OrchestratorConfig) {
	v.SetDefault("worker.max_lifetime_secs", cfg.Worker.MaxLifetimeSecs)
	v.SetDefault("worker.memory_check_interval_secs", cfg.Worker.MemoryCheckIntervalSecs)
	v.SetDefault("worker.startup_timeout_secs", cfg.Worker.StartupTimeoutSecs)
	v.SetDefault("tasks.default_timeout_secs", cfg.Tasks.DefaultTimeoutSecs)
	v.SetDefault("asgi.mode", cfg.ASGI.Mode)
	v.SetDefault("asgi.timeout_secs", cfg.ASGI.TimeoutSecs)
	v.SetDefault("http_port", cfg.HTTPPort)
	v.SetDefault("socket_dir", cfg.SocketDir)
}

// GatewayConfig holds every setting the gateway binary needs: backend
// discovery, capacity polling, and the request log.
type GatewayConfig struct {
	DiscoveryMode          string        `mapstructure:"discovery_mode"`
	StaticBackends         []string      `mapstructure:"static_backends"`
	KubernetesNamespace    string        `mapstructure:"kubernetes_namespace"`
	KubernetesLabel        string        `mapstructure:"kubernetes_label_selector"`
	KubernetesPort         int           `mapstructure:"kubernetes_port"`
	GatewayPort            int           `mapstructure:"gateway_port"`
	DatabasePath           string        `mapstructure:"database_path"`
	CapacityUpdateInterval int           `mapstructure:"capacity_update_interval"`
	CapacityTimeout        int           `mapstructure:"capacity_timeout"`
	OpenAPISpecPath        string        `mapstructure:"openapi_spec_path"`
	UpdateInterval         time.Duration `mapstructure:"-"`
	Timeout                time.Duration `mapstructure:"-"`
}

// DefaultGatewayConfig mirrors the original's env-driven defaults
// (DISCOVERY_MODE=static, STATIC_BACKENDS=http://localhost:8080, etc).
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		DiscoveryMode:          "static",
		StaticBackends:         []string{"http://localhost:8080"},
		KubernetesPort:         8080,
		GatewayPort:            8080,
		DatabasePath:           "/data/neutrino.db",
		CapacityUpdateInterval: 2,
		CapacityTimeout:        5,
	}
}

// LoadGatewayConfig reads configPath (or the default search path if empty)
// overlaid with NEUTRINO_-prefixed environment variables, matching the
// original's flat env-var contract (DISCOVERY_MODE, STATIC_BACKENDS, ...)
// under that common prefix.
func LoadGatewayConfig(configPath string) (*GatewayConfig, error) {
	cfg := DefaultGatewayConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setGatewayDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("neutrino-gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/neutrino")
	}

	v.SetEnvPrefix("NEUTRINO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read gateway config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal gateway config: %w", err)
	}

	cfg.UpdateInterval = time.Duration(cfg.CapacityUpdateInterval) * time.Second
	cfg.Timeout = time.Duration(cfg.CapacityTimeout) * time.Second

	return cfg, nil
}

func setGatewayDefaults(v *viper.Viper, cfg *GatewayConfig) {
	v.SetDefault("discovery_mode", cfg.DiscoveryMode)
	v.SetDefault("static_backends", cfg.StaticBackends)
	v.SetDefault("kubernetes_port", cfg.KubernetesPort)
	v.SetDefault("gateway_port", cfg.GatewayPort)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("capacity_update_interval", cfg.CapacityUpdateInterval)
	v.SetDefault("capacity_timeout", cfg.CapacityTimeout)
}
