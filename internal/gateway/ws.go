package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/broker"
	"pkt.systems/terminus/internal/protocol"
	"pkt.systems/terminus/internal/sshconn"
	"pkt.systems/terminus/internal/transfer"
)

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.opts.OriginPatterns,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	id := uuid.NewString()
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = id
	}
	logger := g.logger.With("conn_id", id, "session_id", sessionID)
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), logger))
	defer cancel()

	ws := newWSConn(id, sessionID, conn, logger)
	g.register(ws)
	logger.Info("websocket connected")
	defer func() {
		g.broker.Disconnect(context.Background(), id)
		g.unregister(ws)
		_ = ws.Close(context.Background(), "closing")
		logger.Info("websocket disconnected")
	}()

	go ws.pingLoop(ctx)
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			if errors.Is(err, errNotText) {
				ws.send(protocol.MessageError, "", protocol.ErrorPayload{Message: err.Error()})
				continue
			}
			if errors.Is(err, errBadFrame) {
				logger.Debug("dropping undecodable frame", "err", err)
				ws.send(protocol.MessageError, "", protocol.ErrorPayload{Message: errBadFrame.Error()})
				continue
			}
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				logger.Debug("websocket read ended", "err", err)
			}
			return
		}
		g.metrics.Event(string(env.Type))
		g.dispatch(ctx, ws, env)
	}
}

func (g *Gateway) dispatch(ctx context.Context, ws *wsConn, env protocol.Envelope) {
	switch env.Type {
	case protocol.MessageSSHStart:
		g.handleStart(ctx, ws, env)
	case protocol.MessageSSHInput:
		g.handleInput(ctx, ws, env)
	case protocol.MessageSSHResize:
		var p protocol.ResizePayload
		if !decode(ws, env, &p) {
			return
		}
		sid := ws.terminalFor(env)
		g.brokerResult(ws, env.Type, sid, g.broker.Resize(ctx, sid, ws.id, p.Cols, p.Rows))
	case protocol.MessageSSHJoin:
		var p protocol.JoinPayload
		if !decode(ws, env, &p) {
			return
		}
		sid := p.SessionID
		if sid == "" {
			sid = env.SessionID
		}
		err := g.broker.Join(ctx, sid, ws)
		if err == nil {
			ws.setTerminal(sid)
		}
		g.brokerResult(ws, env.Type, sid, err)
	case protocol.MessageSSHPermission:
		var p protocol.PermissionPayload
		if !decode(ws, env, &p) {
			return
		}
		sid := ws.terminalFor(env)
		level, err := broker.ParsePermission(string(p.Level))
		if err == nil {
			err = g.broker.SetPermission(ctx, sid, ws.id, p.ViewerID, level)
		}
		g.brokerResult(ws, env.Type, sid, err)
	case protocol.MessageSSHControl:
		var p protocol.ControlPayload
		if !decode(ws, env, &p) {
			return
		}
		sid := ws.terminalFor(env)
		action, err := broker.ParseAction(p.Action)
		if err == nil {
			err = g.broker.Control(ctx, sid, ws.id, p.ViewerID, action)
		}
		g.brokerResult(ws, env.Type, sid, err)
	case protocol.MessageTransferCancel:
		var p protocol.CancelPayload
		if !decode(ws, env, &p) {
			return
		}
		g.transfers.Abort(p.Name)
	case protocol.MessageSFTPConnect:
		g.handleSFTPConnect(ctx, ws, env)
	case protocol.MessageSFTPList, protocol.MessageSFTPStat, protocol.MessageSFTPExists,
		protocol.MessageSFTPMkdir, protocol.MessageSFTPRmdir, protocol.MessageSFTPDelete,
		protocol.MessageSFTPCreateFile, protocol.MessageSFTPRename, protocol.MessageSFTPMove,
		protocol.MessageSFTPExtract:
		g.handleSFTP(ctx, ws, env)
	default:
		ws.send(protocol.MessageError, env.SessionID, protocol.ErrorPayload{Op: string(env.Type), Message: "unknown event type"})
	}
}

func decode(ws *wsConn, env protocol.Envelope, out any) bool {
	if err := env.DecodePayload(out); err != nil {
		ws.send(protocol.MessageError, env.SessionID, protocol.ErrorPayload{Op: string(env.Type), Message: "invalid payload"})
		return false
	}
	return true
}

func (g *Gateway) handleStart(ctx context.Context, ws *wsConn, env protocol.Envelope) {
	var p protocol.StartPayload
	if !decode(ws, env, &p) {
		return
	}
	sid := env.SessionID
	if sid == "" {
		sid = ws.sessionID
	}
	target, err := targetFrom(p)
	if err != nil {
		ws.send(protocol.MessageSSHError, sid, protocol.ErrorPayload{Message: "SSH connection error: " + err.Error()})
		return
	}
	if p.Cols <= 0 {
		p.Cols = g.opts.DefaultCols
	}
	if p.Rows <= 0 {
		p.Rows = g.opts.DefaultRows
	}
	ws.setTerminal(sid)
	// Dial and shell failures are reported to the admin by the broker.
	if err := g.broker.Start(ctx, sid, ws, target, p.Cols, p.Rows); err != nil && errors.Is(err, broker.ErrClosed) {
		ws.send(protocol.MessageSSHError, sid, protocol.ErrorPayload{Message: "gateway is shutting down"})
	}
}

func targetFrom(p protocol.StartPayload) (sshconn.Target, error) {
	creds, err := sshconn.ParseCredentials(p.AuthMethod, p.Password, p.PrivateKey, p.Passphrase)
	if err != nil {
		return sshconn.Target{}, err
	}
	t := sshconn.Target{Host: p.Host, Port: p.Port, Username: p.Username, Auth: creds}
	return t, t.Validate()
}

func (g *Gateway) handleInput(ctx context.Context, ws *wsConn, env protocol.Envelope) {
	if !ws.limiter.Allow() {
		ws.logger.Debug("input rate limit exceeded; dropping")
		return
	}
	var p protocol.StreamPayload
	if !decode(ws, env, &p) {
		return
	}
	sid := ws.terminalFor(env)
	g.brokerResult(ws, env.Type, sid, g.broker.ForwardInput(ctx, sid, ws.id, p.Data))
}

// brokerResult turns a broker error into the matching client signal.
func (g *Gateway) brokerResult(ws *wsConn, op protocol.MessageType, sessionID string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrPermissionDenied):
		g.metrics.PermissionDenied()
		ws.send(protocol.MessagePermissionDenied, sessionID, protocol.ErrorPayload{Op: string(op), Message: err.Error()})
	case errors.Is(err, broker.ErrSessionNotFound):
		ws.send(protocol.MessageSessionNotFound, sessionID, protocol.JoinPayload{SessionID: sessionID})
	case errors.Is(err, broker.ErrViewerNotFound),
		errors.Is(err, broker.ErrInvalidPermission),
		errors.Is(err, broker.ErrInvalidAction),
		errors.Is(err, broker.ErrInputTooLarge):
		ws.send(protocol.MessageError, sessionID, protocol.ErrorPayload{Op: string(op), Message: err.Error()})
	default:
		ws.logger.Error("broker operation failed", "op", string(op), "err", err)
		ws.send(protocol.MessageError, sessionID, protocol.ErrorPayload{Op: string(op), Message: "internal server error"})
	}
}

// progressSink routes progress events of a backing session.
func (g *Gateway) progressSink(sessionID string, dir transfer.Direction) transfer.Sink {
	typ := protocol.MessageDownloadProgress
	if dir == transfer.Upload {
		typ = protocol.MessageUploadProgress
	}
	return func(p transfer.Progress) {
		g.notify(sessionID, typ, p)
	}
}
