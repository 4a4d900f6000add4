package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// Spec describes a transfer request accepted by the gateway.
type Spec struct {
	SessionID  string
	Name       string
	RemotePath string
	LocalPath  string
	Direction  Direction
	TotalBytes int64
}

// Run is one accepted transfer: its item, its cancellation token and the
// meter sampling it.
type Run struct {
	Item  *Item
	Token *Token
	Meter *Meter
}

// Context is the cancellation context the transfer loop must honour.
func (r *Run) Context() context.Context {
	return r.Token.Context()
}

// Manager owns the active transfer table and the cancellation registry.
type Manager struct {
	mu       sync.Mutex
	active   map[string]*Run
	registry *Registry
	onDone   []func(Record)
	logger   pslog.Logger
}

// NewManager constructs a Manager.
func NewManager(logger pslog.Logger) *Manager {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	return &Manager{
		active:   make(map[string]*Run),
		registry: NewRegistry(),
		logger:   logger,
	}
}

// OnDone registers a hook invoked with every terminal record.
func (m *Manager) OnDone(fn func(Record)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onDone = append(m.onDone, fn)
	m.mu.Unlock()
}

// Begin accepts a transfer, registers its token under spec.Name and starts
// sampling progress into sink at interval.
func (m *Manager) Begin(ctx context.Context, spec Spec, interval time.Duration, sink Sink) *Run {
	item := NewItem(Record{
		ID:         uuid.NewString(),
		SessionID:  spec.SessionID,
		Name:       spec.Name,
		RemotePath: spec.RemotePath,
		LocalPath:  spec.LocalPath,
		Direction:  spec.Direction,
		TotalBytes: spec.TotalBytes,
	})
	_ = item.Start(time.Now())
	run := &Run{
		Item:  item,
		Token: m.registry.Register(ctx, spec.Name),
	}
	run.Meter = NewMeter(item, interval, sink)

	m.mu.Lock()
	m.active[item.ID()] = run
	m.mu.Unlock()
	m.logger.Debug("transfer started", "id", item.ID(), "name", spec.Name, "direction", spec.Direction, "total", spec.TotalBytes)
	return run
}

// End emits the final update for run, releases its token and evicts it.
// The outcome err decides the terminal status.
func (m *Manager) End(run *Run, err error) Progress {
	status := StatusFor(err)
	if run.Token.Aborted() {
		status = StatusAborted
	}
	final := run.Meter.Finish(status)
	var cause error
	if status == StatusError {
		cause = err
	}
	if ferr := run.Item.Finish(status, cause, time.Now()); ferr != nil {
		m.logger.Warn("transfer finish rejected", "id", run.Item.ID(), "err", ferr)
	}
	m.registry.Release(run.Token)

	m.mu.Lock()
	delete(m.active, run.Item.ID())
	hooks := append([]func(Record){}, m.onDone...)
	m.mu.Unlock()

	rec := run.Item.Snapshot()
	fields := []any{"id", rec.ID, "name", rec.Name, "status", rec.Status, "bytes", rec.TransferredBytes}
	if status == StatusError {
		m.logger.Warn("transfer failed", append(fields, "err", err)...)
	} else {
		m.logger.Info("transfer finished", fields...)
	}
	for _, hook := range hooks {
		hook(rec)
	}
	return final
}

// Abort cancels the transfer registered under name. Unknown names are a
// no-op.
func (m *Manager) Abort(name string) bool {
	found := m.registry.Abort(name)
	m.logger.Debug("transfer abort requested", "name", name, "found", found)
	return found
}

// Active returns the records of running transfers, oldest first.
func (m *Manager) Active() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.active))
	for _, run := range m.active {
		out = append(out, run.Item.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Registry exposes the cancellation registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}
