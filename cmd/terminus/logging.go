package main

import (
	"io"
	"os"
	"path/filepath"

	"pkt.systems/pslog"
	"pkt.systems/terminus"
)

const clientLogFileName = "client.log"

// openClientLogger logs to a file so raw-mode terminal output stays clean.
func openClientLogger() (pslog.Logger, io.Closer, error) {
	path := filepath.Join(terminus.DefaultConfigDir(), clientLogFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return pslog.LoggerFromEnv(pslog.WithEnvWriter(file)), file, nil
}
