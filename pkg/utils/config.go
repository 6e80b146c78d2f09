package utils

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHAPTERHUB"

type Config struct {
	HTTP   HTTPConfig   `mapstructure:"http"`
	Sync   SyncConfig   `mapstructure:"sync"`
	GRPC   GRPCConfig   `mapstructure:"grpc"`
	Notify NotifyConfig `mapstructure:"notify"`
	Store  StoreConfig  `mapstructure:"store"`
	Lease  LeaseConfig  `mapstructure:"lease"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Log    LogConfig    `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type SyncConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type NotifyConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	SnapshotPath string `mapstructure:"snapshot_path"`
}

type LeaseConfig struct {
	Duration      time.Duration `mapstructure:"duration"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	Required bool          `mapstructure:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("sync.addr", ":7070")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("notify.addr", ":9091")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.snapshot_path", "")

	v.SetDefault("lease.duration", 15*time.Minute)
	v.SetDefault("lease.max_duration", 2*time.Hour)
	v.SetDefault("lease.sweep_interval", time.Minute)

	// dev default (change for production)
	v.SetDefault("auth.secret", "dev-secret-change-me")
	v.SetDefault("auth.issuer", "chapterhub")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.required", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// ConfigManager holds the loaded config and reloads it when the file
// changes.
type ConfigManager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    Config
	callbacks []func(Config)
}

// LoadConfig reads defaults, then the optional YAML file at path (or
// ./chapterhub.yaml, $HOME/.chapterhub/chapterhub.yaml), then CHAPTERHUB_*
// environment variables such as CHAPTERHUB_HTTP_ADDR.
func LoadConfig(path string) (*ConfigManager, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chapterhub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.chapterhub")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cm := &ConfigManager{v: v}
	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	return cm, nil
}

func (cm *ConfigManager) load() (Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values viper cannot type-check.
func (c Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be memory or sqlite, got %q", c.Store.Driver))
	}
	if c.Lease.Duration <= 0 {
		problems = append(problems, "lease.duration must be > 0")
	}
	if c.Lease.MaxDuration < c.Lease.Duration {
		problems = append(problems, "lease.max_duration must be >= lease.duration")
	}
	if c.Auth.Required && c.Auth.Secret == "" {
		problems = append(problems, "auth.secret required when auth.required is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// File returns the config file in use, or "".
func (cm *ConfigManager) File() string {
	return cm.v.ConfigFileUsed()
}

func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers fn to run after every successful reload.
func (cm *ConfigManager) OnChange(fn func(Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// Watch reloads the config file when it changes. Reloads that fail to
// decode or validate are passed to onError and the previous config stays.
func (cm *ConfigManager) Watch(onError func(error)) {
	if cm.File() == "" {
		return
	}
	cm.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}
