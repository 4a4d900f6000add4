package terminus

import "pkt.systems/terminus/internal/config"

// Config mirrors the terminus configuration.
type Config = config.Config

// ServerConfig configures the gateway listener.
type ServerConfig = config.ServerConfig

// TLSConfig configures TLS for the gateway.
type TLSConfig = config.TLSConfig

// ClientConfig configures client defaults.
type ClientConfig = config.ClientConfig

// Loader wraps configuration loading via Viper.
type Loader = config.Loader

const (
	// DefaultConfigDirName is the directory name under the home directory.
	DefaultConfigDirName = config.DefaultConfigDirName
	// DefaultConfigFileName is the default config file name.
	DefaultConfigFileName = config.DefaultConfigFileName
	// DefaultListenAddr is the default server listen address.
	DefaultListenAddr = config.DefaultListenAddr
	// DefaultBasePath is the default HTTP base path.
	DefaultBasePath = config.DefaultBasePath
	// DefaultTLSMode is the default TLS mode.
	DefaultTLSMode = config.DefaultTLSMode
	// DefaultClientEndpoint is the default client endpoint.
	DefaultClientEndpoint = config.DefaultClientEndpoint
)

// ErrConfigExists is returned when bootstrap would overwrite a config file.
var ErrConfigExists = config.ErrConfigExists

// NewLoader returns a config loader with defaults wired.
func NewLoader() *config.Loader {
	return config.NewLoader()
}

// DefaultConfig returns default terminus configuration.
func DefaultConfig() Config {
	return config.DefaultConfig()
}

// DefaultConfigDir returns the default config directory.
func DefaultConfigDir() string {
	return config.DefaultConfigDir()
}

// DefaultConfigPath returns the default config path.
func DefaultConfigPath() string {
	return config.DefaultConfigPath()
}

// DefaultTLSDir returns the default TLS directory.
func DefaultTLSDir() string {
	return config.DefaultTLSDir()
}

// DefaultHistoryPath returns the default transfer history database path.
func DefaultHistoryPath() string {
	return config.DefaultHistoryPath()
}
