// Package config loads terminus configuration from files, the environment
// and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// Config is the root configuration for terminus.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
	SSH      SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`
	Staging  StagingConfig  `mapstructure:"staging" yaml:"staging"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
	Client   ClientConfig   `mapstructure:"client" yaml:"client"`
}

// ServerConfig configures the gateway listener.
type ServerConfig struct {
	Listen     string     `mapstructure:"listen" yaml:"listen"`
	BasePath   string     `mapstructure:"base" yaml:"base"`
	InstanceID string     `mapstructure:"instance_id" yaml:"instance_id"`
	CORS       CORSConfig `mapstructure:"cors" yaml:"cors"`
	// APIKeys are bcrypt hashes. None disables the key gate.
	APIKeys []string  `mapstructure:"api_keys" yaml:"api_keys"`
	TLS     TLSConfig `mapstructure:"tls" yaml:"tls"`
}

// CORSConfig lists the browser origins allowed to call the gateway.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// TLSConfig configures TLS behavior for the gateway.
type TLSConfig struct {
	Mode     string   `mapstructure:"mode" yaml:"mode"`
	Bundle   []string `mapstructure:"bundle" yaml:"bundle"`
	Hostname string   `mapstructure:"hostname" yaml:"hostname"`
	Dir      string   `mapstructure:"dir" yaml:"dir"`
	CacheDir string   `mapstructure:"cache_dir" yaml:"cache_dir"`
}

// RedisConfig selects the shared bus and session directory. An empty URL
// keeps both in process.
type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SecurityConfig holds secrets for data at rest.
type SecurityConfig struct {
	// EncryptionKey is a base64 fernet key sealing session metadata.
	EncryptionKey string `mapstructure:"encryption_key" yaml:"encryption_key"`
}

// SSHConfig configures outbound SSH connections.
type SSHConfig struct {
	KnownHosts        string        `mapstructure:"known_hosts" yaml:"known_hosts"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	Term              string        `mapstructure:"term" yaml:"term"`
	// DefaultCols and DefaultRows size shells whose client sent no geometry.
	DefaultCols int `mapstructure:"default_cols" yaml:"default_cols"`
	DefaultRows int `mapstructure:"default_rows" yaml:"default_rows"`
}

// TransferConfig tunes progress sampling and upload buffering.
type TransferConfig struct {
	UploadInterval   time.Duration `mapstructure:"upload_interval" yaml:"upload_interval"`
	DownloadInterval time.Duration `mapstructure:"download_interval" yaml:"download_interval"`
	ArchiveInterval  time.Duration `mapstructure:"archive_interval" yaml:"archive_interval"`
	MaxUploadMemory  int64         `mapstructure:"max_upload_memory" yaml:"max_upload_memory"`
}

// StagingConfig configures local scratch space.
type StagingConfig struct {
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	MaxAge        time.Duration `mapstructure:"max_age" yaml:"max_age"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
}

// HistoryConfig configures the transfer history database. An empty path
// disables it.
type HistoryConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ClientConfig configures the CLI clients.
type ClientConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
}

// Loader wraps Viper configuration loading for terminus.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader initializes a Loader with standard search paths and every
// default registered, so environment variables override nested keys.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix("TERMINUS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/terminus")
	v.AddConfigPath("$HOME/" + DefaultConfigDirName)

	setDefaults(v, DefaultConfig())
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.base", cfg.Server.BasePath)
	v.SetDefault("server.instance_id", cfg.Server.InstanceID)
	v.SetDefault("server.cors.allowed_origins", cfg.Server.CORS.AllowedOrigins)
	v.SetDefault("server.api_keys", cfg.Server.APIKeys)
	v.SetDefault("server.tls.mode", cfg.Server.TLS.Mode)
	v.SetDefault("server.tls.bundle", cfg.Server.TLS.Bundle)
	v.SetDefault("server.tls.hostname", cfg.Server.TLS.Hostname)
	v.SetDefault("server.tls.dir", cfg.Server.TLS.Dir)
	v.SetDefault("server.tls.cache_dir", cfg.Server.TLS.CacheDir)
	v.SetDefault("redis.url", cfg.Redis.URL)
	v.SetDefault("security.encryption_key", cfg.Security.EncryptionKey)
	v.SetDefault("ssh.known_hosts", cfg.SSH.KnownHosts)
	v.SetDefault("ssh.dial_timeout", cfg.SSH.DialTimeout)
	v.SetDefault("ssh.keepalive_interval", cfg.SSH.KeepaliveInterval)
	v.SetDefault("ssh.term", cfg.SSH.Term)
	v.SetDefault("ssh.default_cols", cfg.SSH.DefaultCols)
	v.SetDefault("ssh.default_rows", cfg.SSH.DefaultRows)
	v.SetDefault("transfer.upload_interval", cfg.Transfer.UploadInterval)
	v.SetDefault("transfer.download_interval", cfg.Transfer.DownloadInterval)
	v.SetDefault("transfer.archive_interval", cfg.Transfer.ArchiveInterval)
	v.SetDefault("transfer.max_upload_memory", cfg.Transfer.MaxUploadMemory)
	v.SetDefault("staging.dir", cfg.Staging.Dir)
	v.SetDefault("staging.max_age", cfg.Staging.MaxAge)
	v.SetDefault("staging.sweep_schedule", cfg.Staging.SweepSchedule)
	v.SetDefault("history.path", cfg.History.Path)
	v.SetDefault("client.endpoint", cfg.Client.Endpoint)
	v.SetDefault("client.api_key", cfg.Client.APIKey)
}

// Viper exposes the underlying Viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = strings.TrimSpace(path)
}

// ReadInConfig reads configuration from file if available. A missing file
// in the search paths is not an error; a missing explicit file is.
func (l *Loader) ReadInConfig() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// Load reads configuration and unmarshals it into a Config struct.
func (l *Loader) Load() (Config, error) {
	if err := l.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrConfigExists is returned by Write when the target file already exists.
var ErrConfigExists = errors.New("config already exists")

// Write stores cfg as YAML at path, refusing to overwrite an existing file.
func Write(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w at %s", ErrConfigExists, path)
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	// The file may carry API key hashes and the encryption key.
	return os.WriteFile(path, data, 0o600)
}
