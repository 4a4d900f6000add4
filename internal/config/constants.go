package config

import "time"

const (
	// DefaultConfigDirName is the directory name under the home directory.
	DefaultConfigDirName = ".terminus"
	// DefaultConfigFileName is the default config file name.
	DefaultConfigFileName = "config.yaml"
	// DefaultTLSDirName is the TLS directory name under the config directory.
	DefaultTLSDirName = "tls"
	// DefaultTLSCacheDirName is the ACME cache directory name under the TLS directory.
	DefaultTLSCacheDirName = "cache"
	// DefaultHistoryFileName is the transfer history database file name.
	DefaultHistoryFileName = "history.db"

	// DefaultListenAddr is the default server listen address.
	DefaultListenAddr = "0.0.0.0:7145"
	// DefaultBasePath is the default HTTP base path.
	DefaultBasePath = "/"
	// DefaultTLSMode is the default TLS mode.
	DefaultTLSMode = "off"
	// DefaultClientEndpoint is the default client endpoint.
	DefaultClientEndpoint = "http://localhost:7145"
	// DefaultTerm is the TERM requested for remote shells.
	DefaultTerm = "xterm-256color"

	// DefaultDialTimeout bounds the SSH connect and handshake.
	DefaultDialTimeout = 10 * time.Second
	// DefaultCols is the shell width used when a client sends none.
	DefaultCols = 150
	// DefaultRows is the shell height used when a client sends none.
	DefaultRows = 40
	// DefaultKeepaliveInterval is the SSH keepalive period.
	DefaultKeepaliveInterval = 30 * time.Second

	// DefaultUploadInterval is the upload progress sampling period.
	DefaultUploadInterval = 500 * time.Millisecond
	// DefaultDownloadInterval is the single file download sampling period.
	DefaultDownloadInterval = 500 * time.Millisecond
	// DefaultArchiveInterval is the directory download sampling period.
	DefaultArchiveInterval = time.Second
	// DefaultMaxUploadMemory is the multipart size buffered in memory.
	DefaultMaxUploadMemory = 32 << 20

	// DefaultStagingMaxAge is the age after which leftover stages are swept.
	DefaultStagingMaxAge = 24 * time.Hour
	// DefaultSweepSchedule is the cron spec of the staging janitor.
	DefaultSweepSchedule = "@every 1h"
)
