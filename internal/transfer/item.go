package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Direction says which way bytes flow relative to the remote host.
type Direction string

// Transfer directions.
const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Status is the lifecycle state of a transfer.
type Status string

// Transfer states. Completed, Error and Aborted are terminal.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusAborted:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned when a transfer is moved out of order.
var ErrInvalidTransition = errors.New("invalid transfer state transition")

// Record is the plain data view of a transfer.
type Record struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId,omitempty"`
	Name             string    `json:"name"`
	RemotePath       string    `json:"remotePath"`
	LocalPath        string    `json:"localPath,omitempty"`
	Direction        Direction `json:"direction"`
	TotalBytes       int64     `json:"totalBytes"`
	TransferredBytes int64     `json:"transferredBytes"`
	Status           Status    `json:"status"`
	Error            string    `json:"error,omitempty"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
}

// Item is one upload or download. Only the owning transfer loop mutates it.
type Item struct {
	mu  sync.Mutex
	rec Record
}

// NewItem returns a pending item.
func NewItem(rec Record) *Item {
	rec.Status = StatusPending
	return &Item{rec: rec}
}

// ID returns the transfer id.
func (i *Item) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rec.ID
}

// Name returns the transfer name used for cancellation.
func (i *Item) Name() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rec.Name
}

// Start moves the item from pending to in progress.
func (i *Item) Start(now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.rec.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.rec.Status, StatusInProgress)
	}
	i.rec.Status = StatusInProgress
	i.rec.StartTime = now
	return nil
}

// SetTotal records the expected size once it is known.
func (i *Item) SetTotal(total int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rec.TotalBytes = total
}

// SetTransferred records the cumulative byte count.
func (i *Item) SetTransferred(n int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n > i.rec.TransferredBytes {
		i.rec.TransferredBytes = n
	}
}

// Finish moves an in-progress item into a terminal state.
func (i *Item) Finish(status Status, cause error, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.rec.Status != StatusInProgress {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.rec.Status, status)
	}
	i.rec.Status = status
	i.rec.EndTime = now
	if cause != nil {
		i.rec.Error = cause.Error()
	}
	return nil
}

// Snapshot returns a copy of the item's record.
func (i *Item) Snapshot() Record {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rec
}
