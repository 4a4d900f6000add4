// Package attach implements a terminal viewer that joins a live session
// through the gateway WebSocket.
package attach

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/protocol"
)

// DetachKey ends an attach session locally (Ctrl-]).
const DetachKey = 0x1d

// ErrSessionNotFound is returned when the joined session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Client joins a remote terminal session as a viewer.
type Client struct {
	// Endpoint is the gateway base URL (http, https, ws or wss).
	Endpoint  string
	SessionID string
	APIKey    string
	TLSConfig *tls.Config
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	// TermSize overrides terminal size detection.
	TermSize func() (int, int)
	Logger   pslog.Logger

	connID string

	writeMu sync.Mutex
	errOnce sync.Once
	runErr  error

	mu    sync.Mutex
	level string
}

// Run attaches until the session ends, the user detaches or ctx ends.
func (c *Client) Run(ctx context.Context) error {
	if c.Logger == nil {
		c.Logger = pslog.LoggerFromEnv()
	}
	if c.SessionID == "" {
		return errors.New("session id is required")
	}
	wsURL, err := websocketURL(c.Endpoint)
	if err != nil {
		return err
	}
	c.connID = "attach-" + uuid.NewString()

	opts := &websocket.DialOptions{}
	if c.TLSConfig != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.TLSConfig}}
	}
	if c.APIKey != "" {
		opts.HTTPHeader = http.Header{"X-API-Key": {c.APIKey}}
	}
	ws, _, err := websocket.Dial(ctx, wsURL+"/ws?sessionId="+url.QueryEscape(c.connID), opts)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.Endpoint, err)
	}
	ws.SetReadLimit(1 << 20)
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "detached") }()

	if err := c.send(ctx, ws, protocol.MessageSSHJoin, protocol.JoinPayload{SessionID: c.SessionID}); err != nil {
		return err
	}

	if f, ok := c.stdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return err
		}
		defer func() { _ = term.Restore(int(f.Fd()), state) }()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsDone := make(chan struct{})
	go func() {
		defer close(wsDone)
		defer cancel()
		c.readWS(ctx, ws)
	}()
	go func() {
		defer cancel()
		c.readInput(ctx, ws)
	}()
	go c.watchResize(ctx, ws)

	<-ctx.Done()
	if closer, ok := c.stdin().(io.Closer); ok && !c.interactive() {
		_ = closer.Close()
	}
	_ = ws.Close(websocket.StatusNormalClosure, "detached")
	<-wsDone
	return c.runErr
}

func (c *Client) readWS(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.setError(fmt.Errorf("connection lost: %w", err))
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.Logger.Debug("skipping undecodable message", "err", err)
			continue
		}
		if done := c.handle(env); done {
			return
		}
	}
}

// handle applies one server event and reports whether the attach is over.
func (c *Client) handle(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.MessageSSHData:
		var p protocol.StreamPayload
		if env.DecodePayload(&p) == nil {
			_, _ = c.stdout().Write(p.Data)
		}
	case protocol.MessagePermission:
		var p protocol.PermissionPayload
		if env.DecodePayload(&p) == nil && (p.ViewerID == "" || p.ViewerID == c.connID) {
			c.mu.Lock()
			c.level = string(p.Level)
			c.mu.Unlock()
			c.notice("permission is now %s", p.Level)
		}
	case protocol.MessagePermissionDenied:
		c.Logger.Debug("action denied", "payload", string(env.Payload))
	case protocol.MessageSessionInfo:
		var p protocol.SessionInfoPayload
		if env.DecodePayload(&p) == nil && p.Message != "" {
			c.notice("%s", p.Message)
		}
	case protocol.MessageSessionNotFound:
		c.setError(fmt.Errorf("%w: %s", ErrSessionNotFound, c.SessionID))
		return true
	case protocol.MessageSessionEnd, protocol.MessageSSHDisconnected:
		c.notice("session ended")
		return true
	case protocol.MessageError:
		var p protocol.ErrorPayload
		_ = env.DecodePayload(&p)
		c.Logger.Warn("gateway error", "op", p.Op, "message", p.Message)
	}
	return false
}

func (c *Client) readInput(ctx context.Context, ws *websocket.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := c.stdin().Read(buf)
		if n > 0 {
			chunk := buf[:n]
			i := bytes.IndexByte(chunk, DetachKey)
			if i >= 0 {
				chunk = chunk[:i]
			}
			if len(chunk) > 0 {
				data := append([]byte(nil), chunk...)
				if err := c.send(ctx, ws, protocol.MessageSSHInput, protocol.StreamPayload{Data: data}); err != nil {
					return
				}
			}
			if i >= 0 {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.Logger.Debug("stdin read failed", "err", err)
			}
			return
		}
	}
}

func (c *Client) watchResize(ctx context.Context, ws *websocket.Conn) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			cols, rows := c.terminalSize()
			if cols == 0 || rows == 0 {
				continue
			}
			// Read-only viewers are refused by the gateway; that is harmless.
			_ = c.send(ctx, ws, protocol.MessageSSHResize, protocol.ResizePayload{Cols: cols, Rows: rows})
		}
	}
}

// Level returns the last permission level the owner granted.
func (c *Client) Level() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *Client) send(ctx context.Context, ws *websocket.Conn, typ protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(typ, c.SessionID, 0, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.Write(ctx, websocket.MessageText, data)
}

// notice prints a status line. Raw mode needs an explicit carriage return.
func (c *Client) notice(format string, args ...any) {
	_, _ = fmt.Fprintf(c.stderr(), "\r\n[terminus] "+format+"\r\n", args...)
}

func (c *Client) setError(err error) {
	c.errOnce.Do(func() { c.runErr = err })
}

func (c *Client) stdin() io.Reader {
	if c.Stdin != nil {
		return c.Stdin
	}
	return os.Stdin
}

func (c *Client) stdout() io.Writer {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

func (c *Client) stderr() io.Writer {
	if c.Stderr != nil {
		return c.Stderr
	}
	return os.Stderr
}

func (c *Client) interactive() bool {
	f, ok := c.stdin().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *Client) terminalSize() (int, int) {
	if c.TermSize != nil {
		return c.TermSize()
	}
	if f, ok := c.stdout().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, rows, err := term.GetSize(int(f.Fd())); err == nil {
			return cols, rows
		}
	}
	return 0, 0
}

// websocketURL converts a gateway base URL to its WebSocket form.
func websocketURL(endpoint string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	case "ws", "wss":
	case "":
		return "", errors.New("endpoint must include scheme")
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}
