package terminus

import (
	"context"
	"io"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/tlsmgr"
)

// ErrTLSExists is returned when TLSNew would overwrite a server certificate.
var ErrTLSExists = tlsmgr.ErrExists

// TLSNew creates the local CA, when missing, and a server certificate for
// hostname signed by it.
func TLSNew(ctx context.Context, dir, hostname string, logger pslog.Logger) error {
	return tlsmgr.Generate(ctx, dir, hostname, logger)
}

// TLSExportCA writes the local CA certificate to w.
func TLSExportCA(dir string, w io.Writer) error {
	return tlsmgr.ExportCA(dir, w)
}
