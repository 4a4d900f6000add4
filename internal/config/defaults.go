package config

// DefaultConfig returns the default configuration values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:   DefaultListenAddr,
			BasePath: DefaultBasePath,
			CORS:     CORSConfig{AllowedOrigins: []string{"*"}},
			TLS: TLSConfig{
				Mode:     DefaultTLSMode,
				Dir:      DefaultTLSDir(),
				CacheDir: DefaultTLSCacheDir(),
			},
		},
		SSH: SSHConfig{
			DialTimeout:       DefaultDialTimeout,
			KeepaliveInterval: DefaultKeepaliveInterval,
			Term:              DefaultTerm,
			DefaultCols:       DefaultCols,
			DefaultRows:       DefaultRows,
		},
		Transfer: TransferConfig{
			UploadInterval:   DefaultUploadInterval,
			DownloadInterval: DefaultDownloadInterval,
			ArchiveInterval:  DefaultArchiveInterval,
			MaxUploadMemory:  DefaultMaxUploadMemory,
		},
		Staging: StagingConfig{
			Dir:           DefaultStagingDir(),
			MaxAge:        DefaultStagingMaxAge,
			SweepSchedule: DefaultSweepSchedule,
		},
		Client: ClientConfig{
			Endpoint: DefaultClientEndpoint,
		},
	}
}
