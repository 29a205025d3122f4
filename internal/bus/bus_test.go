package bus

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, "test.topic", []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
			}
			if msg.Topic != "test.topic" || msg.ID == "" || msg.Timestamp == 0 {
				t.Errorf("incomplete envelope: %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var a, b atomic.Int32
		bus.Subscribe(ctx, "kestrel.model.trained", func(ctx context.Context, msg *domain.Message) error {
			a.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "kestrel.model.selected", func(ctx context.Context, msg *domain.Message) error {
			b.Add(1)
			return nil
		})

		bus.Publish(ctx, "kestrel.model.trained", []byte("{}"))
		waitFor(t, func() bool { return a.Load() == 1 })
		time.Sleep(20 * time.Millisecond)

		if b.Load() != 0 {
			t.Errorf("other topic should receive 0 messages, got %d", b.Load())
		}
	})

	t.Run("OrderedDelivery", func(t *testing.T) {
		var seen []string
		done := make(chan struct{})
		bus.Subscribe(ctx, "ordered.topic", func(ctx context.Context, msg *domain.Message) error {
			seen = append(seen, string(msg.Payload))
			if len(seen) == 5 {
				close(done)
			}
			return nil
		})
		for _, p := range []string{"1", "2", "3", "4", "5"} {
			bus.Publish(ctx, "ordered.topic", []byte(p))
		}
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for messages")
		}
		for i, p := range []string{"1", "2", "3", "4", "5"} {
			if seen[i] != p {
				t.Errorf("position %d: got %s want %s", i, seen[i], p)
			}
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		waitFor(t, func() bool { return count.Load() == 1 })

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		if sub.Topic() != "unsub.topic" {
			t.Errorf("unexpected topic %s", sub.Topic())
		}

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(30 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, func() bool { return count1.Load() == 1 && count2.Load() == 1 })
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusFullBuffer(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	bus.Subscribe(ctx, "slow", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "slow", []byte("x")); err != nil {
			t.Fatalf("publish must not block or fail: %v", err)
		}
	}
	close(release)

	if bus.Dropped() == 0 {
		t.Error("expected dropped deliveries for a full subscriber")
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}

	if err := bus.Publish(ctx, "topic", []byte("data")); err != ErrClosed {
		t.Errorf("expected ErrClosed on publish, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "topic", func(ctx context.Context, msg *domain.Message) error { return nil }); err != ErrClosed {
		t.Errorf("expected ErrClosed on subscribe, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping to fail after close")
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*ChannelBus); !ok {
		t.Error("expected ChannelBus for channel type")
	}

	if _, err := New(ctx, domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

// TestNATSBus runs against a real server when KESTREL_TEST_NATS is set.
func TestNATSBus(t *testing.T) {
	url := os.Getenv("KESTREL_TEST_NATS")
	if url == "" {
		t.Skip("KESTREL_TEST_NATS not set")
	}
	ctx := context.Background()

	b, err := NewNATSBus(ctx, domain.EventBusConfig{NATSUrl: url, NATSMaxReconnects: 2, NATSReconnectWait: 1})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer b.Close()

	got := make(chan string, 1)
	sub, err := b.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		got <- string(msg.Payload)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, domain.TopicDecision, []byte(`{"id":"x"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case p := <-got:
		if p != `{"id":"x"}` {
			t.Errorf("unexpected payload %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for NATS message")
	}
}

func TestFromNATS(t *testing.T) {
	m := nats.NewMsg(domain.TopicDecision)
	m.Data = []byte(`{"id":"d1"}`)
	m.Header.Set(headerID, "msg-1")
	m.Header.Set(headerTimestamp, "1700000000000000000")

	msg := fromNATS(m)
	if msg.ID != "msg-1" || msg.Topic != domain.TopicDecision || msg.Timestamp != 1700000000000000000 {
		t.Errorf("unexpected envelope: %+v", msg)
	}
	if string(msg.Payload) != `{"id":"d1"}` {
		t.Errorf("unexpected payload %s", msg.Payload)
	}

	// Messages from foreign publishers carry no headers.
	bare := fromNATS(&nats.Msg{Subject: "other", Data: []byte("{}")})
	if bare.ID == "" || bare.Timestamp == 0 {
		t.Errorf("expected generated id and timestamp, got %+v", bare)
	}
}
