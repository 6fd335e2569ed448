// Package config loads service settings from flags, PULSE_* environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dlbewley/cluster-pulse/internal/aggregate"
	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

const EnvPrefix = "PULSE"

// Keys. Flags use the same names so cobra flags bind directly.
const (
	KeyPort            = "port"
	KeyLogLevel        = "log-level"
	KeyKubeconfig      = "kubeconfig"
	KeyInCluster       = "in-cluster"
	KeyFixtureDir      = "fixture-dir"
	KeyCluster         = "cluster"
	KeyContext         = "context"
	KeyFetchTimeout    = "fetch-timeout"
	KeyFetchAttempts   = "fetch-attempts"
	KeyRetryBackoff    = "retry-backoff"
	KeyRefreshInterval = "refresh-interval"
	KeyClusters        = "clusters"
)

// Config is the resolved service configuration.
type Config struct {
	Port            string
	LogLevel        slog.Level
	Kubeconfig      string
	InCluster       bool
	FixtureDir      string
	Cluster         string
	Context         string
	FetchTimeout    time.Duration
	FetchAttempts   int
	RetryBackoff    time.Duration
	RefreshInterval time.Duration
	Clusters        []snapshot.Identity
}

// InitialIdentity is the cluster selected at startup, if any.
func (c Config) InitialIdentity() (snapshot.Identity, bool) {
	if c.Cluster == "" {
		return snapshot.Identity{}, false
	}
	return snapshot.Identity{Name: c.Cluster, Context: c.Context}, true
}

type clusterEntry struct {
	Name    string `mapstructure:"name"`
	Context string `mapstructure:"context"`
}

// NewViper returns a viper instance with defaults and environment binding.
// PULSE_FETCH_TIMEOUT sets fetch-timeout, and so on.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyPort, "8090")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyKubeconfig, "")
	v.SetDefault(KeyInCluster, false)
	v.SetDefault(KeyFixtureDir, "")
	v.SetDefault(KeyCluster, "")
	v.SetDefault(KeyContext, "")
	v.SetDefault(KeyFetchTimeout, aggregate.DefaultFetchTimeout)
	v.SetDefault(KeyFetchAttempts, aggregate.DefaultFetchAttempts)
	v.SetDefault(KeyRetryBackoff, aggregate.DefaultRetryBackoff)
	v.SetDefault(KeyRefreshInterval, time.Duration(0))
	return v
}

// Load reads configFile when set and returns the validated configuration.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	cfg := Config{
		Port:            strings.TrimSpace(v.GetString(KeyPort)),
		LogLevel:        ParseLogLevel(v.GetString(KeyLogLevel)),
		Kubeconfig:      strings.TrimSpace(v.GetString(KeyKubeconfig)),
		InCluster:       v.GetBool(KeyInCluster),
		FixtureDir:      strings.TrimSpace(v.GetString(KeyFixtureDir)),
		Cluster:         strings.TrimSpace(v.GetString(KeyCluster)),
		Context:         strings.TrimSpace(v.GetString(KeyContext)),
		FetchTimeout:    v.GetDuration(KeyFetchTimeout),
		FetchAttempts:   v.GetInt(KeyFetchAttempts),
		RetryBackoff:    v.GetDuration(KeyRetryBackoff),
		RefreshInterval: v.GetDuration(KeyRefreshInterval),
	}

	var entries []clusterEntry
	if err := v.UnmarshalKey(KeyClusters, &entries); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", KeyClusters, err)
	}
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return Config{}, fmt.Errorf("parse %s: entry without name", KeyClusters)
		}
		cfg.Clusters = append(cfg.Clusters, snapshot.Identity{Name: name, Context: strings.TrimSpace(entry.Context)})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and backend combinations.
func (c Config) Validate() error {
	var errs []error
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Port))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", KeyFetchTimeout, c.FetchTimeout))
	}
	if c.FetchAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyFetchAttempts, c.FetchAttempts))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyRetryBackoff))
	}
	if c.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyRefreshInterval))
	}
	if c.InCluster && c.FixtureDir != "" {
		errs = append(errs, fmt.Errorf("%s and %s are mutually exclusive", KeyInCluster, KeyFixtureDir))
	}
	return errors.Join(errs...)
}

// ParseLogLevel maps a level name to slog. Unknown names select info.
func ParseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	case "trace":
		// slog has no trace level.
		return slog.LevelDebug
	case "info":
		fallthrough
	default:
		return slog.LevelInfo
	}
}
