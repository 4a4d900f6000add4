package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Sampling intervals for progress events.
const (
	UploadInterval   = 500 * time.Millisecond
	FileInterval     = 500 * time.Millisecond
	ArchiveInterval  = 1000 * time.Millisecond
	copyBufferSize   = 32 * 1024
	minMeterInterval = 10 * time.Millisecond
)

// Sink receives progress updates. Calls are serialized by the Meter.
type Sink func(Progress)

// Meter counts bytes for one transfer and emits sampled progress until
// Finish is called.
type Meter struct {
	item     *Item
	interval time.Duration
	sink     Sink
	now      func() time.Time

	count atomic.Int64

	mu       sync.Mutex
	tracker  *Tracker
	finished bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMeter starts sampling item at interval. A nil sink discards updates.
func NewMeter(item *Item, interval time.Duration, sink Sink) *Meter {
	if interval < minMeterInterval {
		interval = minMeterInterval
	}
	if sink == nil {
		sink = func(Progress) {}
	}
	rec := item.Snapshot()
	start := rec.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	m := &Meter{
		item:     item,
		interval: interval,
		sink:     sink,
		now:      time.Now,
		tracker:  NewTracker(rec.TotalBytes, start),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

// Add records n more transferred bytes.
func (m *Meter) Add(n int64) {
	if n > 0 {
		m.count.Add(n)
	}
}

// Transferred returns the cumulative byte count.
func (m *Meter) Transferred() int64 {
	return m.count.Load()
}

// SetTotal updates the expected size.
func (m *Meter) SetTotal(total int64) {
	m.mu.Lock()
	m.tracker.SetTotal(total)
	m.mu.Unlock()
	m.item.SetTotal(total)
}

func (m *Meter) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.emit(StatusInProgress)
		}
	}
}

func (m *Meter) emit(status Status) Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return Progress{}
	}
	transferred := m.count.Load()
	p := m.tracker.Sample(transferred, m.now())
	m.item.SetTransferred(transferred)
	m.fill(&p, status)
	m.sink(p)
	return p
}

// Finish stops sampling and emits the single final update carrying status.
// For a completed transfer of unknown length the total becomes the count.
func (m *Meter) Finish(status Status) Progress {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return Progress{}
	}
	m.finished = true
	transferred := m.count.Load()
	if status == StatusCompleted && m.tracker.Total() <= 0 {
		m.tracker.SetTotal(transferred)
		m.item.SetTotal(transferred)
	}
	p := m.tracker.Sample(transferred, m.now())
	m.item.SetTransferred(transferred)
	m.fill(&p, status)
	if status == StatusCompleted && p.Total == transferred {
		p.Percentage = 100
		p.ETA = 0
	}
	m.sink(p)
	return p
}

func (m *Meter) fill(p *Progress, status Status) {
	rec := m.item.Snapshot()
	p.ID = rec.ID
	p.Name = rec.Name
	p.Direction = rec.Direction
	p.Status = status
}

// Reader wraps r so every byte read is counted.
func (m *Meter) Reader(r io.Reader) io.Reader {
	return &countingReader{r: r, m: m}
}

// Writer wraps w so every byte written is counted.
func (m *Meter) Writer(w io.Writer) io.Writer {
	return &countingWriter{w: w, m: m}
}

type countingReader struct {
	r io.Reader
	m *Meter
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.m.Add(int64(n))
	return n, err
}

type countingWriter struct {
	w io.Writer
	m *Meter
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.m.Add(int64(n))
	return n, err
}

// Copy moves src into dst until EOF or until ctx ends. Cancellation is
// observed between chunks; an ended context yields an error wrapping
// ErrAborted.
func Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: %w", ErrAborted, err)
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				if ctx.Err() != nil {
					return written, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
				}
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			if ctx.Err() != nil {
				return written, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
			}
			return written, rerr
		}
	}
}

// StatusFor maps the outcome of a transfer loop onto its terminal status.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return StatusAborted
	default:
		return StatusError
	}
}
