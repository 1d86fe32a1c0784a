package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
)

// DefaultConfigFile is consulted when no explicit config path is given.
const DefaultConfigFile = "/etc/buildspawn/global.yaml"

// Config is the read-only settings object handed to every component at
// construction time. There is no ambient global configuration.
type Config struct {
	ImagesDir       string `json:"images_dir"`
	ResultsDir      string `json:"results_dir"`
	AptCacheDir     string `json:"apt_cache_dir"`
	InjectedPkgsDir string `json:"injected_pkgs_dir"`
	TempDir         string `json:"temp_dir"`
	HelperPath      string `json:"helper_path"`

	Compressor     string `json:"compressor"`
	DefaultVariant string `json:"default_variant"`

	// SyscallFilter is a named systemd syscall-filter set (e.g. "@default")
	// or an explicit space-separated list passed through to the isolation
	// tool. Empty disables filtering flags.
	SyscallFilter string `json:"syscall_filter"`

	// AllowUnsafePerms is the global opt-in without which any dangerous
	// permission grant aborts the run.
	AllowUnsafePerms bool `json:"allow_unsafe_perms"`

	// CachePackages enables the shared package-download cache cycle.
	CachePackages bool `json:"cache_packages"`
}

// Load builds the configuration from defaults, an optional YAML config file
// and environment overrides, in that order. A .env file is honored the same
// way the environment is.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ImagesDir:       "/var/lib/buildspawn/images",
		ResultsDir:      "/var/lib/buildspawn/results",
		AptCacheDir:     "/var/lib/buildspawn/aptcache",
		InjectedPkgsDir: "/var/lib/buildspawn/injected-pkgs",
		TempDir:         "/var/tmp/buildspawn",
		HelperPath:      "/usr/lib/buildspawn/bsrun",
		Compressor:      "zstd",
		CachePackages:   true,
	}

	path := configFile
	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	case os.IsNotExist(err) && configFile == "":
		// Default config file is optional.
	default:
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg.ImagesDir = getEnv("BUILDSPAWN_IMAGES_DIR", cfg.ImagesDir)
	cfg.ResultsDir = getEnv("BUILDSPAWN_RESULTS_DIR", cfg.ResultsDir)
	cfg.AptCacheDir = getEnv("BUILDSPAWN_APT_CACHE_DIR", cfg.AptCacheDir)
	cfg.InjectedPkgsDir = getEnv("BUILDSPAWN_INJECTED_PKGS_DIR", cfg.InjectedPkgsDir)
	cfg.TempDir = getEnv("BUILDSPAWN_TEMP_DIR", cfg.TempDir)
	cfg.HelperPath = getEnv("BUILDSPAWN_HELPER_PATH", cfg.HelperPath)
	cfg.Compressor = getEnv("BUILDSPAWN_COMPRESSOR", cfg.Compressor)
	cfg.DefaultVariant = getEnv("BUILDSPAWN_DEFAULT_VARIANT", cfg.DefaultVariant)
	cfg.SyscallFilter = getEnv("BUILDSPAWN_SYSCALL_FILTER", cfg.SyscallFilter)
	cfg.AllowUnsafePerms = getEnvBool("BUILDSPAWN_ALLOW_UNSAFE_PERMS", cfg.AllowUnsafePerms)
	cfg.CachePackages = getEnvBool("BUILDSPAWN_CACHE_PACKAGES", cfg.CachePackages)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
