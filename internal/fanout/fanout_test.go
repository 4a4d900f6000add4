package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) handle(payload []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(payload))
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-deadline:
			t.Fatalf("timed out after %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	a, b := newCollector(), newCollector()
	subA, err := bus.Subscribe(ctx, OutputTopic("s1"), a.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer subA.Close()
	subB, _ := bus.Subscribe(ctx, OutputTopic("s1"), b.handle)
	defer subB.Close()
	other := newCollector()
	subOther, _ := bus.Subscribe(ctx, OutputTopic("s2"), other.handle)
	defer subOther.Close()

	for i := 0; i < 50; i++ {
		if err := bus.Publish(ctx, OutputTopic("s1"), []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for _, c := range []*collector{a, b} {
		msgs := c.wait(t, 50)
		for i, m := range msgs {
			if m != fmt.Sprint(i) {
				t.Fatalf("message %d = %q, out of order", i, m)
			}
		}
	}
	if len(other.msgs) != 0 {
		t.Fatalf("other topic received %d messages", len(other.msgs))
	}
}

func TestMemoryBusDropsForSlowSubscriber(t *testing.T) {
	var drops int
	bus := NewMemoryBus(WithSubscriberBuffer(1), WithDropHook(func(string) { drops++ }))
	defer bus.Close()
	block := make(chan struct{})
	sub, _ := bus.Subscribe(context.Background(), "t", func([]byte) { <-block })
	defer sub.Close()

	for i := 0; i < 10; i++ {
		_ = bus.Publish(context.Background(), "t", []byte("x"))
	}
	close(block)
	if bus.Dropped() == 0 || drops == 0 {
		t.Fatalf("expected drops, got %d", bus.Dropped())
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	sub, _ := bus.Subscribe(context.Background(), "t", func([]byte) {})
	if bus.Subscribers("t") != 1 {
		t.Fatalf("Subscribers = %d, want 1", bus.Subscribers("t"))
	}
	_ = sub.Close()
	_ = sub.Close()
	if bus.Subscribers("t") != 0 {
		t.Fatalf("Subscribers after close = %d, want 0", bus.Subscribers("t"))
	}
	_ = bus.Close()
	if err := bus.Publish(context.Background(), "t", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close err = %v, want ErrClosed", err)
	}
}

func TestRedisBusDeliversInOrder(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	bus := NewRedisBus(client, nil)
	defer bus.Close()
	ctx := context.Background()

	c := newCollector()
	sub, err := bus.Subscribe(ctx, OutputTopic("s1"), c.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 20; i++ {
		frame := MarshalOutput(OutputFrame{Seq: uint64(i + 1), Instance: "a", Data: []byte(fmt.Sprint(i))})
		if err := bus.Publish(ctx, OutputTopic("s1"), frame); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	msgs := c.wait(t, 20)
	for i, raw := range msgs {
		f, err := UnmarshalOutput([]byte(raw))
		if err != nil {
			t.Fatalf("UnmarshalOutput: %v", err)
		}
		if f.Seq != uint64(i+1) || string(f.Data) != fmt.Sprint(i) {
			t.Fatalf("frame %d = %+v", i, f)
		}
	}
}

func TestControlFrameCodec(t *testing.T) {
	in := ControlFrame{Kind: ControlInput, ViewerID: "v1", Instance: "b", Data: []byte("ls\n")}
	out, err := UnmarshalControl(MarshalControl(in))
	if err != nil {
		t.Fatalf("UnmarshalControl: %v", err)
	}
	if out.Kind != in.Kind || out.ViewerID != in.ViewerID || out.Instance != in.Instance || string(out.Data) != "ls\n" {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
	if !out.Kind.Upstream() || ControlEvict.Upstream() {
		t.Fatalf("Upstream classification wrong")
	}
	if _, err := UnmarshalControl([]byte{0xff}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("garbage err = %v, want ErrMalformedFrame", err)
	}
	if _, err := UnmarshalControl(nil); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("empty frame err = %v, want ErrMalformedFrame", err)
	}
}
