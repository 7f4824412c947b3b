package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pvfexec/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "127.0.0.1:8095"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultSpawnTimeout    = 3 * time.Second
	defaultProbeTimeout    = 5 * time.Second
	defaultArtifactTTL     = 24 * time.Hour
	defaultPruneInterval   = 10 * time.Minute
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// WorkerConfig holds execute worker pool settings.
type WorkerConfig struct {
	Program        string        `yaml:"program"`
	LauncherPrefix string        `yaml:"launcherPrefix"`
	Root           string        `yaml:"root"`
	PoolSize       int           `yaml:"poolSize"`
	SpawnTimeout   time.Duration `yaml:"spawnTimeout"`
	AcquireWait    time.Duration `yaml:"acquireWait"`
	BackoffBase    time.Duration `yaml:"backoffBase"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	LogLevel       string        `yaml:"logLevel"`
	Warmup         bool          `yaml:"warmup"`
}

// SandboxConfig holds job isolation settings.
type SandboxConfig struct {
	SecureValidatorMode bool          `yaml:"secureValidatorMode"`
	ProbeTimeout        time.Duration `yaml:"probeTimeout"`
	SeccompProfile      string        `yaml:"seccompProfile"`
	EnableCgroup        bool          `yaml:"enableCgroup"`
	CgroupRoot          string        `yaml:"cgroupRoot"`
	CgroupMemoryBytes   int64         `yaml:"cgroupMemoryBytes"`
	CgroupPIDs          int64         `yaml:"cgroupPids"`
}

// ArtifactsConfig holds prepared artifact cache settings.
type ArtifactsConfig struct {
	RootDir       string        `yaml:"rootDir"`
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"maxEntries"`
	MaxBytes      int64         `yaml:"maxBytes"`
	PruneInterval time.Duration `yaml:"pruneInterval"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AppConfig holds pvf-host config.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Logger    logger.Config   `yaml:"logger"`
	Worker    WorkerConfig    `yaml:"worker"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) error {
	if cfg.Worker.Program == "" {
		return fmt.Errorf("worker program is required")
	}
	if cfg.Worker.Root == "" {
		return fmt.Errorf("worker root is required")
	}
	if cfg.Artifacts.RootDir == "" {
		cfg.Artifacts.RootDir = filepath.Join(cfg.Worker.Root, "artifacts")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 2
	}
	if cfg.Worker.SpawnTimeout == 0 {
		cfg.Worker.SpawnTimeout = defaultSpawnTimeout
	}
	if cfg.Worker.LogLevel == "" {
		cfg.Worker.LogLevel = cfg.Logger.Level
	}
	if cfg.Sandbox.ProbeTimeout == 0 {
		cfg.Sandbox.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Sandbox.EnableCgroup && cfg.Sandbox.CgroupRoot == "" {
		return fmt.Errorf("sandbox cgroupRoot is required when cgroups are enabled")
	}
	if cfg.Artifacts.TTL == 0 {
		cfg.Artifacts.TTL = defaultArtifactTTL
	}
	if cfg.Artifacts.PruneInterval == 0 {
		cfg.Artifacts.PruneInterval = defaultPruneInterval
	}
	return nil
}

// extraWorkerArgs forwards sandbox settings that the worker needs for its jobs.
func extraWorkerArgs(cfg SandboxConfig) []string {
	var args []string
	if cfg.SeccompProfile != "" {
		args = append(args, "-seccomp-profile", cfg.SeccompProfile)
	}
	if cfg.EnableCgroup {
		args = append(args, "-cgroup-root", cfg.CgroupRoot)
		if cfg.CgroupMemoryBytes > 0 {
			args = append(args, "-cgroup-memory-bytes", fmt.Sprintf("%d", cfg.CgroupMemoryBytes))
		}
		if cfg.CgroupPIDs > 0 {
			args = append(args, "-cgroup-pids", fmt.Sprintf("%d", cfg.CgroupPIDs))
		}
	}
	return args
}
