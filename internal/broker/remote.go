package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/terminus/internal/fanout"
	"pkt.systems/terminus/internal/protocol"
)

// watchSession registers viewer as a local viewer of sessionID and makes
// sure this instance is subscribed to the session's output.
func (b *Broker) watchSession(ctx context.Context, sessionID string, viewer Conn, remote bool) error {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	b.mu.Lock()
	if w := b.watches[sessionID]; w != nil {
		w.viewers[viewer.ID()] = viewer
		if remote {
			b.addMember(viewer.ID(), sessionID, roleViewer)
		}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	w := &watch{sessionID: sessionID, remote: remote, viewers: make(map[string]Conn)}
	outSub, err := b.bus.Subscribe(ctx, fanout.OutputTopic(sessionID), b.outputHandler(sessionID))
	if err != nil {
		return fmt.Errorf("subscribe output of %s: %w", sessionID, err)
	}
	w.outSub = outSub
	if remote {
		ctlSub, err := b.bus.Subscribe(ctx, fanout.ControlTopic(sessionID), b.viewerControlHandler(sessionID))
		if err != nil {
			_ = outSub.Close()
			return fmt.Errorf("subscribe control of %s: %w", sessionID, err)
		}
		w.ctlSub = ctlSub
	}

	b.mu.Lock()
	w.viewers[viewer.ID()] = viewer
	if remote {
		b.addMember(viewer.ID(), sessionID, roleViewer)
	}
	b.watches[sessionID] = w
	b.mu.Unlock()
	b.logger.Debug("watching session", "session_id", sessionID, "remote", remote)
	return nil
}

// unwatch drops a local viewer and unsubscribes once the last one is gone.
// It reports whether the session is owned by another instance.
func (b *Broker) unwatch(sessionID, connID string) bool {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	b.mu.Lock()
	w := b.watches[sessionID]
	if w == nil {
		b.mu.Unlock()
		return false
	}
	if _, ok := w.viewers[connID]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(w.viewers, connID)
	remote := w.remote
	idle := len(w.viewers) == 0
	if idle {
		delete(b.watches, sessionID)
	}
	b.mu.Unlock()

	if idle {
		w.closeSubs()
		b.logger.Debug("stopped watching session", "session_id", sessionID)
	}
	return remote
}

func (w *watch) closeSubs() {
	if w.outSub != nil {
		_ = w.outSub.Close()
	}
	if w.ctlSub != nil {
		_ = w.ctlSub.Close()
	}
}

func (b *Broker) remoteViewerLocked(sessionID, connID string) bool {
	w := b.watches[sessionID]
	if w == nil || !w.remote {
		return false
	}
	_, ok := w.viewers[connID]
	return ok
}

// Watching reports whether this instance is subscribed to a session's
// output.
func (b *Broker) Watching(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.watches[sessionID]
	return ok
}

func (b *Broker) outputHandler(sessionID string) fanout.Handler {
	return func(payload []byte) {
		frame, err := fanout.UnmarshalOutput(payload)
		if err != nil {
			b.logger.Debug("dropping malformed output frame", "session_id", sessionID, "err", err)
			return
		}
		b.mu.Lock()
		w := b.watches[sessionID]
		var viewers []Conn
		if w != nil {
			viewers = make([]Conn, 0, len(w.viewers))
			for _, v := range w.viewers {
				viewers = append(viewers, v)
			}
		}
		b.mu.Unlock()
		if len(viewers) == 0 {
			return
		}
		env, err := protocol.NewEnvelope(protocol.MessageSSHData, sessionID, frame.Seq, protocol.StreamPayload{Data: frame.Data})
		if err != nil {
			return
		}
		for _, v := range viewers {
			if err := v.Send(b.ctx, env); err != nil {
				b.logger.Debug("viewer send failed", "session_id", sessionID, "viewer_id", v.ID(), "err", err)
			}
		}
	}
}

func (b *Broker) publishControl(ctx context.Context, sessionID string, frame fanout.ControlFrame) error {
	return b.bus.Publish(ctx, fanout.ControlTopic(sessionID), fanout.MarshalControl(frame))
}

// subscribeControl lets the owner of s receive viewer traffic from other
// instances.
func (b *Broker) subscribeControl(ctx context.Context, s *session) {
	sub, err := b.bus.Subscribe(ctx, fanout.ControlTopic(s.id), b.ownerControlHandler(s.id))
	if err != nil {
		b.logger.Warn("subscribe control topic failed; remote viewers disabled", "session_id", s.id, "err", err)
		return
	}
	b.mu.Lock()
	if s.ended || s.ctlSub != nil {
		b.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.ctlSub = sub
	b.mu.Unlock()
}

func (b *Broker) ownerControlHandler(sessionID string) fanout.Handler {
	return func(payload []byte) {
		frame, err := fanout.UnmarshalControl(payload)
		if err != nil {
			b.logger.Debug("dropping malformed control frame", "session_id", sessionID, "err", err)
			return
		}
		if !frame.Kind.Upstream() || frame.Instance == b.instance {
			return
		}
		b.mu.Lock()
		s := b.sessions[sessionID]
		var proxy Conn
		if s != nil {
			proxy = s.viewers[frame.ViewerID]
		}
		b.mu.Unlock()
		if proxy == nil {
			proxy = &proxyViewer{b: b, sessionID: sessionID, id: frame.ViewerID, instance: frame.Instance}
		}
		if s == nil {
			if frame.Kind == fanout.ControlJoin {
				b.send(proxy, sessionID, protocol.MessageSessionNotFound, protocol.JoinPayload{SessionID: sessionID})
				_ = proxy.Close(b.ctx, "session not found")
			}
			return
		}

		switch frame.Kind {
		case fanout.ControlJoin:
			b.mu.Lock()
			if s.ended {
				b.mu.Unlock()
				return
			}
			b.addViewerLocked(s, proxy)
			b.mu.Unlock()
			b.logger.Info("remote viewer joined", "session_id", sessionID, "viewer_id", frame.ViewerID, "instance", frame.Instance)
			b.announceRoster(s, frame.ViewerID, proxy)
		case fanout.ControlLeave:
			b.removeViewer(s, frame.ViewerID)
		case fanout.ControlInput:
			err = b.writeInput(s, frame.ViewerID, frame.Data)
		case fanout.ControlResize:
			var size protocol.ResizePayload
			if err = json.Unmarshal(frame.Data, &size); err == nil {
				err = b.resize(s, frame.ViewerID, size.Cols, size.Rows)
			}
		case fanout.ControlAction:
			var action Action
			if action, err = ParseAction(frame.Reason); err == nil {
				err = b.control(s, frame.ViewerID, string(frame.Data), action)
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrPermissionDenied):
			b.send(proxy, sessionID, protocol.MessagePermissionDenied, protocol.ViewerPayload{ViewerID: frame.ViewerID})
		default:
			b.send(proxy, sessionID, protocol.MessageError, protocol.ErrorPayload{Message: err.Error()})
		}
	}
}

func (b *Broker) viewerControlHandler(sessionID string) fanout.Handler {
	return func(payload []byte) {
		frame, err := fanout.UnmarshalControl(payload)
		if err != nil {
			b.logger.Debug("dropping malformed control frame", "session_id", sessionID, "err", err)
			return
		}
		if frame.Kind.Upstream() || frame.Instance != b.instance {
			return
		}
		b.mu.Lock()
		var conn Conn
		if w := b.watches[sessionID]; w != nil {
			conn = w.viewers[frame.ViewerID]
		}
		b.mu.Unlock()
		if conn == nil {
			return
		}
		switch frame.Kind {
		case fanout.ControlDeliver:
			var env protocol.Envelope
			if err := json.Unmarshal(frame.Data, &env); err != nil {
				b.logger.Debug("dropping malformed delivery", "session_id", sessionID, "err", err)
				return
			}
			if err := conn.Send(b.ctx, env); err != nil {
				b.logger.Debug("viewer send failed", "session_id", sessionID, "viewer_id", conn.ID(), "err", err)
			}
		case fanout.ControlEvict:
			_ = conn.Close(b.ctx, frame.Reason)
		}
	}
}

// proxyViewer stands in, on the owning instance, for a viewer connected to
// another instance. Its signals travel back over the control topic.
type proxyViewer struct {
	b         *Broker
	sessionID string
	id        string
	instance  string
}

func (p *proxyViewer) ID() string { return p.id }

func (p *proxyViewer) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.b.publishControl(ctx, p.sessionID, fanout.ControlFrame{
		Kind:     fanout.ControlDeliver,
		ViewerID: p.id,
		Instance: p.instance,
		Data:     data,
	})
}

func (p *proxyViewer) Close(ctx context.Context, reason string) error {
	return p.b.publishControl(ctx, p.sessionID, fanout.ControlFrame{
		Kind:     fanout.ControlEvict,
		ViewerID: p.id,
		Instance: p.instance,
		Reason:   reason,
	})
}
