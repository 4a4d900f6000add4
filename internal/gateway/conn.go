package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/protocol"
)

const (
	wsReadLimit    = 1 << 20
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second

	// Per-connection input budget, in messages per second.
	inputRate  = 200
	inputBurst = 200
)

var (
	errNotText    = errors.New("expected text websocket frame")
	errBadFrame   = errors.New("invalid frame")
	errConnClosed = errors.New("websocket closed")
)

// wsConn is one client WebSocket. It implements broker.Conn.
type wsConn struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	logger    pslog.Logger
	limiter   *rate.Limiter

	// terminal is the session this connection administers or views.
	terminal atomic.Value

	sendMu sync.Mutex
	closed atomic.Bool
}

func newWSConn(id, sessionID string, conn *websocket.Conn, logger pslog.Logger) *wsConn {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	c := &wsConn{
		id:        id,
		sessionID: sessionID,
		conn:      conn,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(inputRate), inputBurst),
	}
	c.terminal.Store("")
	return c
}

func (c *wsConn) ID() string { return c.id }

// SessionID is the backing session named when the connection opened.
func (c *wsConn) SessionID() string { return c.sessionID }

func (c *wsConn) setTerminal(sessionID string) { c.terminal.Store(sessionID) }

// terminalFor picks the terminal session an event addresses: the envelope's
// own id, then the last started or joined session, then the backing session.
func (c *wsConn) terminalFor(env protocol.Envelope) string {
	if env.SessionID != "" {
		return env.SessionID
	}
	if t, _ := c.terminal.Load().(string); t != "" {
		return t
	}
	return c.sessionID
}

func (c *wsConn) Send(ctx context.Context, env protocol.Envelope) error {
	if c.closed.Load() {
		return errConnClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) send(typ protocol.MessageType, sessionID string, payload any) {
	env, err := protocol.NewEnvelope(typ, sessionID, 0, payload)
	if err != nil {
		c.logger.Error("encode envelope failed", "type", string(typ), "err", err)
		return
	}
	if err := c.Send(context.Background(), env); err != nil {
		c.logger.Debug("websocket send failed", "type", string(typ), "err", err)
	}
}

func (c *wsConn) Close(_ context.Context, reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (protocol.Envelope, error) {
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if msgType != websocket.MessageText {
		return protocol.Envelope{}, errNotText
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func (c *wsConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPongTimeout)
			if err := c.Ping(pingCtx); err != nil {
				c.logger.Debug("websocket ping failed", "err", err)
			}
			cancel()
		}
	}
}
