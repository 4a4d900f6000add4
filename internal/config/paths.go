package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigDir returns the default terminus config directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return DefaultConfigDirName
	}
	return filepath.Join(home, DefaultConfigDirName)
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), DefaultConfigFileName)
}

// DefaultTLSDir returns the default TLS directory.
func DefaultTLSDir() string {
	return filepath.Join(DefaultConfigDir(), DefaultTLSDirName)
}

// DefaultTLSCacheDir returns the default ACME cache directory.
func DefaultTLSCacheDir() string {
	return filepath.Join(DefaultTLSDir(), DefaultTLSCacheDirName)
}

// DefaultHistoryPath returns the path bootstrap suggests for the transfer
// history database.
func DefaultHistoryPath() string {
	return filepath.Join(DefaultConfigDir(), DefaultHistoryFileName)
}

// DefaultStagingDir returns the local scratch root.
func DefaultStagingDir() string {
	return filepath.Join(os.TempDir(), "terminus-staging")
}
