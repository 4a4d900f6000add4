package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type progressLog struct {
	mu      sync.Mutex
	updates []Progress
}

func (l *progressLog) sink(p Progress) {
	l.mu.Lock()
	l.updates = append(l.updates, p)
	l.mu.Unlock()
}

func (l *progressLog) snapshot() []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Progress(nil), l.updates...)
}

func TestTrackerSample(t *testing.T) {
	start := time.Unix(1000, 0)
	tr := NewTracker(1000, start)

	p := tr.Sample(250, start.Add(500*time.Millisecond))
	if p.Percentage != 25 {
		t.Fatalf("Percentage = %v, want 25", p.Percentage)
	}
	if p.Speed != 500 {
		t.Fatalf("Speed = %v, want 500", p.Speed)
	}
	if p.Remaining != 750 {
		t.Fatalf("Remaining = %d, want 750", p.Remaining)
	}
	if p.ETA != 2 {
		t.Fatalf("ETA = %d, want 2", p.ETA)
	}

	p = tr.Sample(350, start.Add(1500*time.Millisecond))
	if p.Speed != 100 {
		t.Fatalf("windowed Speed = %v, want 100", p.Speed)
	}
}

func TestPercentageRounding(t *testing.T) {
	if got := Percentage(1, 3); got != 33.33 {
		t.Fatalf("Percentage(1,3) = %v, want 33.33", got)
	}
	if got := Percentage(2, 3); got != 66.67 {
		t.Fatalf("Percentage(2,3) = %v, want 66.67", got)
	}
	if got := Percentage(5, 0); got != 0 {
		t.Fatalf("Percentage with unknown total = %v, want 0", got)
	}
}

func TestItemStateMachine(t *testing.T) {
	item := NewItem(Record{ID: "t1", Name: "a.txt"})
	if err := item.Finish(StatusCompleted, nil, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Finish from pending err = %v, want ErrInvalidTransition", err)
	}
	if err := item.Start(time.Now()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := item.Start(time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Start err = %v, want ErrInvalidTransition", err)
	}
	if err := item.Finish(StatusAborted, nil, time.Now()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := item.Finish(StatusCompleted, nil, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Finish from terminal err = %v, want ErrInvalidTransition", err)
	}
	if got := item.Snapshot().Status; got != StatusAborted {
		t.Fatalf("Status = %q, want %q", got, StatusAborted)
	}
}

func TestRegistryAbortUnknownIsNoop(t *testing.T) {
	reg := NewRegistry()
	live := reg.Register(context.Background(), "keep.bin")

	if reg.Abort("missing.bin") {
		t.Fatalf("Abort of unknown name reported found")
	}
	if live.Context().Err() != nil || live.Aborted() {
		t.Fatalf("unrelated token was triggered")
	}
}

func TestRegistrySupersedeAndRelease(t *testing.T) {
	reg := NewRegistry()
	first := reg.Register(context.Background(), "same")
	second := reg.Register(context.Background(), "same")

	if first.Context().Err() != nil {
		t.Fatalf("superseded token should not be cancelled")
	}
	reg.Release(first)
	if tok, ok := reg.Lookup("same"); !ok || tok != second {
		t.Fatalf("releasing a superseded token removed its successor")
	}
	if !reg.Abort("same") {
		t.Fatalf("Abort should reach the newest token")
	}
	if !second.Aborted() || second.Context().Err() == nil {
		t.Fatalf("newest token not triggered")
	}
	if first.Aborted() {
		t.Fatalf("superseded token should stay untriggered")
	}
	reg.Release(second)
	if reg.Len() != 0 {
		t.Fatalf("Len = %d, want 0", reg.Len())
	}
}

func TestManagerCompletedTransferProgress(t *testing.T) {
	log := &progressLog{}
	mgr := NewManager(nil)
	payload := bytes.Repeat([]byte("x"), 200_000)

	run := mgr.Begin(context.Background(), Spec{Name: "blob", Direction: Upload, TotalBytes: int64(len(payload))}, 10*time.Millisecond, log.sink)
	var dst bytes.Buffer
	src := run.Meter.Reader(&slowReader{r: bytes.NewReader(payload), delay: time.Millisecond})
	_, err := Copy(run.Context(), &dst, src)
	final := mgr.End(run, err)

	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if final.Status != StatusCompleted || final.Transferred != int64(len(payload)) || final.Percentage != 100 {
		t.Fatalf("final = %+v", final)
	}
	updates := log.snapshot()
	var last int64
	for i, p := range updates {
		if p.Transferred < last {
			t.Fatalf("update %d went backwards: %d < %d", i, p.Transferred, last)
		}
		last = p.Transferred
		if i < len(updates)-1 && p.Status.Terminal() {
			t.Fatalf("terminal update %d before the end", i)
		}
	}
	if updates[len(updates)-1].Status != StatusCompleted {
		t.Fatalf("last update status = %q", updates[len(updates)-1].Status)
	}
	if len(mgr.Active()) != 0 || mgr.Registry().Len() != 0 {
		t.Fatalf("completed transfer not evicted")
	}
}

func TestManagerAbortEmitsSingleAbortedUpdate(t *testing.T) {
	log := &progressLog{}
	mgr := NewManager(nil)
	var done []Record
	mgr.OnDone(func(r Record) { done = append(done, r) })

	run := mgr.Begin(context.Background(), Spec{Name: "big.iso", Direction: Download, TotalBytes: 1 << 30}, 10*time.Millisecond, log.sink)
	src := run.Meter.Reader(&slowReader{r: strings.NewReader(strings.Repeat("y", 1<<20)), delay: 2 * time.Millisecond})

	go func() {
		time.Sleep(30 * time.Millisecond)
		mgr.Abort("big.iso")
	}()
	_, err := Copy(run.Context(), io.Discard, src)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Copy err = %v, want ErrAborted", err)
	}
	final := mgr.End(run, err)
	if final.Status != StatusAborted {
		t.Fatalf("final status = %q, want aborted", final.Status)
	}

	var aborted, completed int
	for _, p := range log.snapshot() {
		switch p.Status {
		case StatusAborted:
			aborted++
		case StatusCompleted:
			completed++
		}
	}
	if aborted != 1 || completed != 0 {
		t.Fatalf("aborted=%d completed=%d, want 1 and 0", aborted, completed)
	}
	if len(done) != 1 || done[0].Status != StatusAborted {
		t.Fatalf("done hook records = %+v", done)
	}
	if _, ok := mgr.Registry().Lookup("big.iso"); ok {
		t.Fatalf("aborted transfer kept its token")
	}
}

func TestStatusFor(t *testing.T) {
	if StatusFor(nil) != StatusCompleted {
		t.Fatalf("nil error should complete")
	}
	if StatusFor(context.Canceled) != StatusAborted {
		t.Fatalf("context.Canceled should abort")
	}
	if StatusFor(errors.New("disk full")) != StatusError {
		t.Fatalf("other errors should be StatusError")
	}
}

type slowReader struct {
	r     io.Reader
	delay time.Duration
}

func (s *slowReader) Read(p []byte) (int, error) {
	time.Sleep(s.delay)
	if len(p) > 4096 {
		p = p[:4096]
	}
	return s.r.Read(p)
}
