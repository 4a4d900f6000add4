// Package broker owns live SSH terminal sessions and shares them with
// viewers on this and other gateway instances.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/fanout"
	"pkt.systems/terminus/internal/protocol"
	"pkt.systems/terminus/internal/sessionstore"
	"pkt.systems/terminus/internal/sshconn"
)

// MaxInputSize bounds a single input frame.
const MaxInputSize = 64 << 10

const readBufferSize = 32 << 10

// Options configures a Broker.
type Options struct {
	// Instance identifies this process on the fan-out bus.
	Instance string
	Dialer   Dialer
	// Bus defaults to an in-process bus.
	Bus fanout.Bus
	// Store defaults to an in-process directory.
	Store  sessionstore.Store
	Logger pslog.Logger
}

// Broker routes terminal traffic between admins, viewers and SSH shells.
type Broker struct {
	instance string
	dialer   Dialer
	bus      fanout.Bus
	store    sessionstore.Store
	logger   pslog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	members  map[string]map[string]role
	watches  map[string]*watch
	closed   bool

	// watchMu serializes subscription setup so each session is watched once.
	watchMu sync.Mutex
}

type role int

const (
	roleAdmin role = iota + 1
	roleViewer
)

type session struct {
	id        string
	admin     Conn
	client    Client
	shell     Shell
	meta      sessionstore.Meta
	viewers   map[string]Conn
	perms     map[string]Permission
	ctlSub    fanout.Subscription
	seq       atomic.Uint64
	ended     bool
	closeOnce sync.Once

	writeMu sync.Mutex
}

// watch tracks the local viewers of one session and the subscriptions
// feeding them.
type watch struct {
	sessionID string
	remote    bool
	viewers   map[string]Conn
	outSub    fanout.Subscription
	ctlSub    fanout.Subscription
}

// SessionInfo describes a locally owned session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Instance  string    `json:"instance"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	Viewers   int       `json:"viewers"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Shell     bool      `json:"shell"`
	StartedAt time.Time `json:"startedAt"`
}

// New constructs a Broker.
func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	bus := opts.Bus
	if bus == nil {
		bus = fanout.NewMemoryBus()
	}
	store := opts.Store
	if store == nil {
		store = sessionstore.NewMemoryStore(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		instance: opts.Instance,
		dialer:   opts.Dialer,
		bus:      bus,
		store:    store,
		logger:   logger.With("component", "broker"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		members:  make(map[string]map[string]role),
		watches:  make(map[string]*watch),
	}
}

// Instance returns the instance id used on the bus.
func (b *Broker) Instance() string {
	return b.instance
}

// Start opens an SSH shell for sessionID with admin as its owner. A live
// session with the same id is replaced; its viewers and permissions carry
// over.
func (b *Broker) Start(ctx context.Context, sessionID string, admin Conn, target sshconn.Target, cols, rows int) error {
	if b.isClosed() {
		return ErrClosed
	}
	if b.dialer == nil {
		return fmt.Errorf("%w: no dialer configured", ErrConnection)
	}
	cols, rows = sshconn.ClampSize(cols, rows)
	logger := b.logger.With("session_id", sessionID, "host", target.Host)

	client, err := b.dialer.Dial(ctx, target, func(banner string) {
		b.send(admin, sessionID, protocol.MessageSSHBanner, protocol.StreamPayload{Data: []byte(banner)})
	})
	if err != nil {
		logger.Warn("ssh dial failed", "err", err)
		b.send(admin, sessionID, protocol.MessageSSHError, protocol.ErrorPayload{Message: "SSH connection error: " + err.Error()})
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if hk, ok := client.(interface{ HostKey() (string, string) }); ok {
		if algo, fp := hk.HostKey(); fp != "" {
			logger.Debug("ssh host key", "algorithm", algo, "fingerprint", fp)
			b.send(admin, sessionID, protocol.MessageSSHHostKey, protocol.HostKeyPayload{Algorithm: algo, Fingerprint: fp})
		}
	}
	b.send(admin, sessionID, protocol.MessageSSHReady, nil)

	s := &session{
		id:      sessionID,
		admin:   admin,
		client:  client,
		viewers: make(map[string]Conn),
		perms:   make(map[string]Permission),
		meta: sessionstore.Meta{
			SessionID: sessionID,
			Instance:  b.instance,
			Host:      target.Host,
			Port:      targetPort(target),
			Username:  target.Username,
			Cols:      cols,
			Rows:      rows,
			StartedAt: time.Now().UTC(),
		},
	}

	b.mu.Lock()
	prev := b.sessions[sessionID]
	if prev != nil {
		prev.ended = true
		for id, v := range prev.viewers {
			s.viewers[id] = v
		}
		for id, p := range prev.perms {
			s.perms[id] = p
		}
		s.ctlSub, prev.ctlSub = prev.ctlSub, nil
		if prev.admin.ID() != admin.ID() {
			b.dropMember(prev.admin.ID(), sessionID)
		}
	}
	b.sessions[sessionID] = s
	b.addMember(admin.ID(), sessionID, roleAdmin)
	needCtl := s.ctlSub == nil
	b.mu.Unlock()

	if prev != nil {
		logger.Info("replacing live session", "previous_admin", prev.admin.ID())
		prev.closeHandles()
		if prev.admin.ID() != admin.ID() {
			b.send(prev.admin, sessionID, protocol.MessageSessionEnd, protocol.SessionInfoPayload{Message: MessageReplaced})
		}
	}
	if needCtl {
		b.subscribeControl(ctx, s)
	}
	if err := b.store.Put(ctx, s.meta); err != nil {
		logger.Warn("session directory update failed", "err", err)
	}

	shell, err := client.OpenShell(cols, rows)
	if err != nil {
		logger.Warn("open shell failed", "err", err)
		b.send(admin, sessionID, protocol.MessageSSHError, protocol.ErrorPayload{Message: "Error opening shell: " + err.Error()})
		return fmt.Errorf("open shell: %w", err)
	}
	b.mu.Lock()
	if s.ended {
		b.mu.Unlock()
		_ = shell.Close()
		return ErrSessionNotFound
	}
	s.shell = shell
	b.mu.Unlock()

	logger.Info("terminal session started", "cols", cols, "rows", rows)
	go b.readLoop(s, shell)
	return nil
}

func targetPort(t sshconn.Target) int {
	if t.Port <= 0 {
		return sshconn.DefaultPort
	}
	return t.Port
}

func (b *Broker) readLoop(s *session, shell Shell) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := shell.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			b.send(s.admin, s.id, protocol.MessageSSHData, protocol.StreamPayload{Data: data})
			frame := fanout.MarshalOutput(fanout.OutputFrame{Seq: s.seq.Add(1), Instance: b.instance, Data: data})
			if perr := b.bus.Publish(b.ctx, fanout.OutputTopic(s.id), frame); perr != nil && !errors.Is(perr, fanout.ErrClosed) {
				b.logger.Warn("publish output failed", "session_id", s.id, "err", perr)
			}
		}
		if err != nil {
			b.logger.Debug("shell stream closed", "session_id", s.id, "err", err)
			b.endSession(s, MessageShellEnded, true)
			return
		}
	}
}

// Resize forwards a PTY size change. Values are clamped to 1..500.
func (b *Broker) Resize(ctx context.Context, sessionID, actorID string, cols, rows int) error {
	cols, rows = clampResize(cols, rows)
	b.mu.Lock()
	s := b.sessions[sessionID]
	if s == nil {
		remote := b.remoteViewerLocked(sessionID, actorID)
		b.mu.Unlock()
		if !remote {
			return ErrSessionNotFound
		}
		data, err := json.Marshal(protocol.ResizePayload{Cols: cols, Rows: rows})
		if err != nil {
			return err
		}
		return b.publishControl(ctx, sessionID, fanout.ControlFrame{Kind: fanout.ControlResize, ViewerID: actorID, Instance: b.instance, Data: data})
	}
	b.mu.Unlock()
	return b.resize(s, actorID, cols, rows)
}

func clampResize(cols, rows int) (int, int) {
	clamp := func(v int) int {
		if v < 1 {
			return 1
		}
		if v > sshconn.MaxDim {
			return sshconn.MaxDim
		}
		return v
	}
	return clamp(cols), clamp(rows)
}

func (b *Broker) resize(s *session, actorID string, cols, rows int) error {
	b.mu.Lock()
	allowed := s.canWrite(actorID)
	shell := s.shell
	if allowed && shell != nil {
		s.meta.Cols, s.meta.Rows = cols, rows
	}
	b.mu.Unlock()
	if !allowed {
		return ErrPermissionDenied
	}
	if shell == nil {
		return nil
	}
	return shell.Resize(cols, rows)
}

// ForwardInput writes data to the shell if actorID is the admin or holds a
// writable permission.
func (b *Broker) ForwardInput(ctx context.Context, sessionID, actorID string, data []byte) error {
	if len(data) > MaxInputSize {
		return ErrInputTooLarge
	}
	b.mu.Lock()
	s := b.sessions[sessionID]
	if s == nil {
		remote := b.remoteViewerLocked(sessionID, actorID)
		b.mu.Unlock()
		if !remote {
			return ErrSessionNotFound
		}
		return b.publishControl(ctx, sessionID, fanout.ControlFrame{Kind: fanout.ControlInput, ViewerID: actorID, Instance: b.instance, Data: data})
	}
	b.mu.Unlock()
	return b.writeInput(s, actorID, data)
}

func (b *Broker) writeInput(s *session, actorID string, data []byte) error {
	b.mu.Lock()
	allowed := s.canWrite(actorID)
	shell := s.shell
	b.mu.Unlock()
	if !allowed {
		return ErrPermissionDenied
	}
	if shell == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := shell.Write(data); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	return nil
}

// Join adds viewer to sessionID with read-only permission.
func (b *Broker) Join(ctx context.Context, sessionID string, viewer Conn) error {
	if b.isClosed() {
		return ErrClosed
	}
	b.mu.Lock()
	_, local := b.sessions[sessionID]
	b.mu.Unlock()

	remote := false
	if !local {
		meta, ok, err := b.store.Get(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lookup session %s: %w", sessionID, err)
		}
		if !ok || meta.Instance == b.instance {
			return ErrSessionNotFound
		}
		remote = true
	}

	if err := b.watchSession(ctx, sessionID, viewer, remote); err != nil {
		return err
	}
	if remote {
		b.logger.Info("viewer joining remote session", "session_id", sessionID, "viewer_id", viewer.ID())
		err := b.publishControl(ctx, sessionID, fanout.ControlFrame{Kind: fanout.ControlJoin, ViewerID: viewer.ID(), Instance: b.instance})
		if err != nil {
			b.unwatch(sessionID, viewer.ID())
			b.mu.Lock()
			b.dropMember(viewer.ID(), sessionID)
			b.mu.Unlock()
			return fmt.Errorf("join remote session %s: %w", sessionID, err)
		}
		return nil
	}

	b.mu.Lock()
	s := b.sessions[sessionID]
	if s == nil {
		b.mu.Unlock()
		b.unwatch(sessionID, viewer.ID())
		return ErrSessionNotFound
	}
	b.addViewerLocked(s, viewer)
	b.mu.Unlock()
	b.logger.Info("viewer joined", "session_id", sessionID, "viewer_id", viewer.ID())
	b.announceRoster(s, viewer.ID(), viewer)
	return nil
}

func (b *Broker) addViewerLocked(s *session, viewer Conn) {
	s.viewers[viewer.ID()] = viewer
	s.perms[viewer.ID()] = ReadOnly
	if _, ok := viewer.(*proxyViewer); !ok {
		b.addMember(viewer.ID(), s.id, roleViewer)
	}
}

// announceRoster sends the viewer roster to the admin and, if given, to the
// joining viewer.
func (b *Broker) announceRoster(s *session, viewerID string, joined Conn) {
	b.mu.Lock()
	admin := s.admin
	roster := s.rosterLocked()
	b.mu.Unlock()
	info := protocol.SessionInfoPayload{ViewerID: viewerID, Viewers: roster}
	b.send(admin, s.id, protocol.MessageSessionInfo, info)
	if joined != nil {
		b.send(joined, s.id, protocol.MessageSessionInfo, info)
	}
}

// SetPermission changes a viewer's permission. Only the admin may do so.
func (b *Broker) SetPermission(ctx context.Context, sessionID, actorID, viewerID string, level Permission) error {
	if level.String() == "unknown" {
		return ErrInvalidPermission
	}
	b.mu.Lock()
	s := b.sessions[sessionID]
	if s == nil {
		remote := b.remoteViewerLocked(sessionID, actorID)
		b.mu.Unlock()
		if remote {
			return ErrPermissionDenied
		}
		return ErrSessionNotFound
	}
	if s.admin.ID() != actorID {
		b.mu.Unlock()
		return ErrPermissionDenied
	}
	viewer := s.viewers[viewerID]
	if viewer == nil {
		b.mu.Unlock()
		return ErrViewerNotFound
	}
	s.perms[viewerID] = level
	admin := s.admin
	b.mu.Unlock()

	b.logger.Info("viewer permission changed", "session_id", sessionID, "viewer_id", viewerID, "level", level.String())
	payload := protocol.PermissionPayload{ViewerID: viewerID, Level: protocol.Level(level.String())}
	b.send(viewer, sessionID, protocol.MessagePermission, payload)
	b.send(admin, sessionID, protocol.MessagePermission, payload)
	return nil
}

// Permission returns a viewer's current level on a locally owned session.
func (b *Broker) Permission(sessionID, viewerID string) (Permission, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sessions[sessionID]
	if s == nil {
		return 0, false
	}
	p, ok := s.perms[viewerID]
	return p, ok
}

// Control pauses or kicks a viewer. The admin and full-control viewers may
// issue it.
func (b *Broker) Control(ctx context.Context, sessionID, actorID, viewerID string, action Action) error {
	action, err := ParseAction(string(action))
	if err != nil {
		return err
	}
	b.mu.Lock()
	s := b.sessions[sessionID]
	if s == nil {
		remote := b.remoteViewerLocked(sessionID, actorID)
		b.mu.Unlock()
		if !remote {
			return ErrSessionNotFound
		}
		return b.publishControl(ctx, sessionID, fanout.ControlFrame{
			Kind:     fanout.ControlAction,
			ViewerID: actorID,
			Instance: b.instance,
			Data:     []byte(viewerID),
			Reason:   string(action),
		})
	}
	b.mu.Unlock()
	return b.control(s, actorID, viewerID, action)
}

func (b *Broker) control(s *session, actorID, viewerID string, action Action) error {
	b.mu.Lock()
	if s.admin.ID() != actorID && !s.perms[actorID].CanControl() {
		b.mu.Unlock()
		return ErrPermissionDenied
	}
	target := s.viewers[viewerID]
	if target == nil {
		b.mu.Unlock()
		return ErrViewerNotFound
	}
	if action == ActionKick {
		delete(s.viewers, viewerID)
		delete(s.perms, viewerID)
		b.dropMember(viewerID, s.id)
	}
	b.mu.Unlock()

	b.logger.Info("viewer control", "session_id", s.id, "viewer_id", viewerID, "action", string(action), "actor", actorID)
	switch action {
	case ActionPause:
		b.send(target, s.id, protocol.MessageSessionInfo, protocol.SessionInfoPayload{ViewerID: viewerID, Message: MessagePaused})
		_ = target.Close(b.ctx, "paused")
	case ActionKick:
		b.unwatch(s.id, viewerID)
		b.send(target, s.id, protocol.MessageSessionEnd, protocol.SessionInfoPayload{ViewerID: viewerID, Message: MessageKicked})
		_ = target.Close(b.ctx, "kicked")
		b.announceRoster(s, viewerID, nil)
	}
	return nil
}

// Disconnect handles a closed transport. An admin disconnect ends the
// session; a viewer disconnect only removes that viewer.
func (b *Broker) Disconnect(ctx context.Context, connID string) {
	b.mu.Lock()
	roles := b.members[connID]
	delete(b.members, connID)
	type entry struct {
		id   string
		role role
		s    *session
	}
	entries := make([]entry, 0, len(roles))
	for sessionID, r := range roles {
		entries = append(entries, entry{id: sessionID, role: r, s: b.sessions[sessionID]})
	}
	b.mu.Unlock()

	for _, e := range entries {
		switch {
		case e.role == roleAdmin && e.s != nil && e.s.admin.ID() == connID:
			b.endSession(e.s, MessageAdminLeft, false)
		case e.role == roleViewer && e.s != nil:
			b.removeViewer(e.s, connID)
		case e.role == roleViewer:
			remote := b.unwatch(e.id, connID)
			if remote {
				_ = b.publishControl(ctx, e.id, fanout.ControlFrame{Kind: fanout.ControlLeave, ViewerID: connID, Instance: b.instance})
			}
		}
	}
}

func (b *Broker) removeViewer(s *session, viewerID string) {
	b.mu.Lock()
	_, present := s.viewers[viewerID]
	delete(s.viewers, viewerID)
	delete(s.perms, viewerID)
	admin := s.admin
	b.mu.Unlock()
	b.unwatch(s.id, viewerID)
	if !present {
		return
	}
	b.logger.Info("viewer left", "session_id", s.id, "viewer_id", viewerID)
	b.send(admin, s.id, protocol.MessageSSHDisconnected, protocol.ViewerPayload{ViewerID: viewerID})
	b.announceRoster(s, viewerID, nil)
}

// endSession tears down s exactly once.
func (b *Broker) endSession(s *session, reason string, notifyAdmin bool) {
	b.mu.Lock()
	if s.ended {
		b.mu.Unlock()
		return
	}
	s.ended = true
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
	b.dropMember(s.admin.ID(), s.id)
	viewers := make([]Conn, 0, len(s.viewers))
	for id, v := range s.viewers {
		viewers = append(viewers, v)
		b.dropMember(id, s.id)
	}
	s.viewers = map[string]Conn{}
	s.perms = map[string]Permission{}
	ctlSub := s.ctlSub
	s.ctlSub = nil
	b.mu.Unlock()

	s.closeHandles()
	if ctlSub != nil {
		_ = ctlSub.Close()
	}
	if err := b.store.Delete(b.ctx, s.id); err != nil {
		b.logger.Warn("session directory cleanup failed", "session_id", s.id, "err", err)
	}
	if notifyAdmin {
		b.send(s.admin, s.id, protocol.MessageSessionEnd, protocol.SessionInfoPayload{Message: reason})
	}
	for _, v := range viewers {
		b.unwatch(s.id, v.ID())
		b.send(v, s.id, protocol.MessageSessionEnd, protocol.SessionInfoPayload{ViewerID: v.ID(), Message: MessageAdminLeft})
		_ = v.Close(b.ctx, "session ended")
	}
	b.logger.Info("terminal session ended", "session_id", s.id, "reason", reason, "viewers_evicted", len(viewers))
}

func (s *session) closeHandles() {
	s.closeOnce.Do(func() {
		if s.shell != nil {
			_ = s.shell.Close()
		}
		if s.client != nil {
			_ = s.client.Close()
		}
	})
}

func (s *session) canWrite(actorID string) bool {
	if s.admin.ID() == actorID {
		return true
	}
	return s.perms[actorID].CanWrite()
}

func (s *session) rosterLocked() []string {
	ids := make([]string, 0, len(s.viewers))
	for id := range s.viewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the sessions owned by this instance.
func (b *Broker) List() []SessionInfo {
	b.mu.Lock()
	out := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, SessionInfo{
			ID:        s.id,
			Instance:  b.instance,
			Host:      s.meta.Host,
			Port:      s.meta.Port,
			Username:  s.meta.Username,
			Viewers:   len(s.viewers),
			Cols:      s.meta.Cols,
			Rows:      s.meta.Rows,
			Shell:     s.shell != nil,
			StartedAt: s.meta.StartedAt,
		})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of locally owned sessions and their viewers.
func (b *Broker) Count() (sessions, viewers int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		viewers += len(s.viewers)
	}
	return len(b.sessions), viewers
}

// SSHClientFor returns the SSH connection of a locally owned session so
// the actor can open channels on it. Only the admin and full-control
// viewers may borrow it.
func (b *Broker) SSHClientFor(sessionID, actorID string) (*ssh.Client, error) {
	b.mu.Lock()
	s := b.sessions[sessionID]
	if s == nil {
		b.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.admin.ID() != actorID && !s.perms[actorID].CanControl() {
		b.mu.Unlock()
		return nil, ErrPermissionDenied
	}
	client := s.client
	b.mu.Unlock()
	c, ok := client.(interface{ SSH() *ssh.Client })
	if !ok {
		return nil, ErrNoSSH
	}
	return c.SSH(), nil
}

// Close ends every local session and drops all subscriptions.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		b.endSession(s, "gateway shutting down", true)
	}

	b.watchMu.Lock()
	b.mu.Lock()
	watches := b.watches
	b.watches = make(map[string]*watch)
	b.mu.Unlock()
	b.watchMu.Unlock()
	for _, w := range watches {
		w.closeSubs()
	}
	b.cancel()
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) addMember(connID, sessionID string, r role) {
	m := b.members[connID]
	if m == nil {
		m = make(map[string]role)
		b.members[connID] = m
	}
	m[sessionID] = r
}

func (b *Broker) dropMember(connID, sessionID string) {
	m := b.members[connID]
	if m == nil {
		return
	}
	delete(m, sessionID)
	if len(m) == 0 {
		delete(b.members, connID)
	}
}

func (b *Broker) send(conn Conn, sessionID string, typ protocol.MessageType, payload any) {
	if conn == nil {
		return
	}
	env, err := protocol.NewEnvelope(typ, sessionID, 0, payload)
	if err != nil {
		b.logger.Error("encode envelope failed", "type", string(typ), "err", err)
		return
	}
	if err := conn.Send(b.ctx, env); err != nil {
		b.logger.Debug("send failed", "conn_id", conn.ID(), "type", string(typ), "err", err)
	}
}
