package gateway

import (
	"context"
	"errors"
	"strings"

	"pkt.systems/terminus/internal/broker"
	"pkt.systems/terminus/internal/protocol"
	"pkt.systems/terminus/internal/sftpengine"
)

// handleSFTPConnect opens the SFTP engine of the connection's backing
// session. Without a host it borrows the SSH connection of the addressed
// terminal, which only its admin or a full-control viewer may do.
func (g *Gateway) handleSFTPConnect(ctx context.Context, ws *wsConn, env protocol.Envelope) {
	var p protocol.StartPayload
	if !decode(ws, env, &p) {
		return
	}
	fail := func(err error) {
		ws.logger.Warn("sftp connect failed", "err", err)
		ws.send(protocol.MessageSFTPError, ws.sessionID, protocol.ErrorPayload{Op: "connect", Message: err.Error()})
	}

	engine, ok := g.engines.Get(ws.sessionID)
	if !ok || !engine.IsConnected() {
		var err error
		engine, err = g.openEngine(ctx, ws, env, p)
		if errors.Is(err, broker.ErrPermissionDenied) {
			g.brokerResult(ws, env.Type, ws.terminalFor(env), err)
			return
		}
		if err != nil {
			fail(err)
			return
		}
		g.engines.Set(ws.sessionID, engine)
	}
	cwd, err := engine.Cwd()
	if err != nil {
		ws.logger.Debug("sftp working directory unresolved", "err", err)
		cwd = "."
	}
	ws.send(protocol.MessageSFTPReady, ws.sessionID, protocol.ResultPayload{Op: "connect", Path: cwd})

	files, err := engine.List(ctx, cwd, nil)
	if err != nil {
		ws.send(protocol.MessageSFTPError, ws.sessionID, protocol.ErrorPayload{Op: "list", Message: err.Error()})
		return
	}
	ws.send(protocol.MessageSFTPList, ws.sessionID, protocol.ResultPayload{Op: "list", Path: cwd, Result: files})
}

func (g *Gateway) openEngine(ctx context.Context, ws *wsConn, env protocol.Envelope, p protocol.StartPayload) (*sftpengine.Engine, error) {
	if p.Host == "" {
		client, err := g.broker.SSHClientFor(ws.terminalFor(env), ws.id)
		switch {
		case errors.Is(err, broker.ErrSessionNotFound), errors.Is(err, broker.ErrNoSSH):
			return nil, errors.New("no live terminal to share and no credentials given")
		case err != nil:
			return nil, err
		}
		return sftpengine.FromSSH(client, ws.logger)
	}
	if g.dialer == nil {
		return nil, errors.New("dedicated sftp connections are disabled")
	}
	target, err := targetFrom(p)
	if err != nil {
		return nil, err
	}
	return sftpengine.Connect(ctx, g.dialer, target, ws.logger)
}

// handleSFTP runs one file operation on the backing session's engine.
func (g *Gateway) handleSFTP(ctx context.Context, ws *wsConn, env protocol.Envelope) {
	op := sftpOp(env.Type)
	fail := func(err error) {
		ws.send(protocol.MessageSFTPError, ws.sessionID, protocol.ErrorPayload{Op: op, Message: err.Error()})
	}
	engine, ok := g.engines.Get(ws.sessionID)
	if !ok {
		fail(sftpengine.ErrNotConnected)
		return
	}

	switch env.Type {
	case protocol.MessageSFTPRename, protocol.MessageSFTPMove:
		var p protocol.RenamePayload
		if !decode(ws, env, &p) {
			return
		}
		var err error
		if env.Type == protocol.MessageSFTPRename {
			err = engine.Rename(p.From, p.To)
		} else {
			err = engine.Move(p.From, p.To)
		}
		if err != nil {
			fail(err)
			return
		}
		ws.send(protocol.MessageSFTPSuccess, ws.sessionID, protocol.ResultPayload{Op: op, Path: p.To})
		return
	}

	var p protocol.PathPayload
	if !decode(ws, env, &p) {
		return
	}
	switch env.Type {
	case protocol.MessageSFTPList:
		dir := p.Path
		if dir == "" {
			dir = "."
		}
		files, err := engine.List(ctx, dir, nil)
		if err != nil {
			fail(err)
			return
		}
		ws.send(protocol.MessageSFTPList, ws.sessionID, protocol.ResultPayload{Op: op, Path: dir, Result: files})
	case protocol.MessageSFTPStat:
		info, err := engine.Stat(p.Path)
		if err != nil {
			fail(err)
			return
		}
		ws.send(protocol.MessageSFTPStat, ws.sessionID, protocol.ResultPayload{Op: op, Path: p.Path, Result: info})
	case protocol.MessageSFTPExists:
		found, err := engine.Exists(p.Path)
		if err != nil {
			fail(err)
			return
		}
		ws.send(protocol.MessageSFTPExists, ws.sessionID, protocol.ResultPayload{Op: op, Path: p.Path, Result: found})
	case protocol.MessageSFTPExtract:
		go g.extract(ws, engine, p.Path)
	default:
		var err error
		switch env.Type {
		case protocol.MessageSFTPMkdir:
			err = engine.Mkdir(p.Path, p.Recursive)
		case protocol.MessageSFTPRmdir:
			err = engine.Rmdir(p.Path, p.Recursive)
		case protocol.MessageSFTPDelete:
			err = engine.Delete(p.Path)
		case protocol.MessageSFTPCreateFile:
			err = engine.CreateFile(p.Path)
		}
		if err != nil {
			fail(err)
			return
		}
		ws.send(protocol.MessageSFTPSuccess, ws.sessionID, protocol.ResultPayload{Op: op, Path: p.Path})
	}
}

// extract runs detached from the read loop.
func (g *Gateway) extract(ws *wsConn, engine *sftpengine.Engine, archive string) {
	res, err := engine.ExtractAndRedistribute(context.Background(), archive, g.staging.Root())
	if err != nil {
		ws.logger.Warn("archive extraction failed", "archive", archive, "err", err)
		ws.send(protocol.MessageSFTPError, ws.sessionID, protocol.ErrorPayload{Op: "extract", Message: err.Error()})
		return
	}
	ws.send(protocol.MessageSFTPSuccess, ws.sessionID, protocol.ResultPayload{Op: "extract", Path: archive, Result: res})
}

func sftpOp(t protocol.MessageType) string {
	return strings.TrimPrefix(string(t), "sftp:")
}
