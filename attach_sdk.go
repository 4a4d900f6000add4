package terminus

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/attach"
)

// AttachOptions configures a terminal viewer.
type AttachOptions struct {
	Endpoint  string
	SessionID string
	APIKey    string
	Logger    pslog.Logger
}

// Attach joins a live session as a viewer and mirrors it on the local
// terminal until the session ends or the user presses Ctrl-].
func Attach(ctx context.Context, opts AttachOptions) error {
	tlsCfg, err := clientTLSConfig()
	if err != nil {
		return err
	}
	client := &attach.Client{
		Endpoint:  opts.Endpoint,
		SessionID: opts.SessionID,
		APIKey:    opts.APIKey,
		TLSConfig: tlsCfg,
		Logger:    opts.Logger,
	}
	return client.Run(ctx)
}
