package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := []Event{}

	unsub := bus.Subscribe(EventCommandStarted, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventCommandStarted, map[string]any{
		"batch_id": "batch_123",
		"index":    2,
	})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventCommandStarted {
		t.Errorf("expected type %s, got %s", EventCommandStarted, received[0].Type)
	}
	if idx, ok := received[0].Data["index"].(int); !ok || idx != 2 {
		t.Errorf("expected index 2, got %v", received[0].Data["index"])
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	counts := [2]int{}

	for i := range counts {
		i := i
		unsub := bus.Subscribe(EventCommandCompleted, func(e Event) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
		defer unsub()
	}

	bus.Publish(EventCommandCompleted, map[string]any{"index": 0})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, c := range counts {
		if c != 1 {
			t.Errorf("subscriber %d expected 1 event, got %d", i, c)
		}
	}
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	unsub := bus.Subscribe(EventCommandStarted, func(e Event) {
		time.Sleep(100 * time.Millisecond)
	})
	defer unsub()

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(EventCommandStarted, map[string]any{"index": i})
	}
	elapsed := time.Since(start)

	if elapsed > 50*time.Millisecond {
		t.Errorf("publish blocked for %v, expected non-blocking", elapsed)
	}
	if bus.Dropped(EventCommandStarted) == 0 {
		t.Error("expected dropped deliveries to be counted")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	unsub := bus.Subscribe(EventGroupStarted, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(EventGroupStarted, map[string]any{})
	time.Sleep(50 * time.Millisecond)

	unsub()
	time.Sleep(10 * time.Millisecond)

	bus.Publish(EventGroupStarted, map[string]any{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 1 {
		t.Errorf("expected 1 event before unsubscribe, got %d", count)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := false

	unsub1 := bus.Subscribe(EventCommandFailed, func(e Event) {
		panic("test panic")
	})
	defer unsub1()

	unsub2 := bus.Subscribe(EventCommandFailed, func(e Event) {
		mu.Lock()
		received = true
		mu.Unlock()
	})
	defer unsub2()

	bus.Publish(EventCommandFailed, map[string]any{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if !received {
		t.Error("second subscriber did not receive event after first panicked")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	seen := map[EventType]int{}

	unsub := bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventBatchStarted, nil)
	bus.Publish(EventCommandSkipped, nil)
	bus.Publish(EventBatchCompleted, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, et := range []EventType{EventBatchStarted, EventCommandSkipped, EventBatchCompleted} {
		if seen[et] != 1 {
			t.Errorf("%s: expected 1 event, got %d", et, seen[et])
		}
	}
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(EventBatchStarted, map[string]any{"batch_id": "x"})
	unsub := bus.Subscribe(EventBatchStarted, func(Event) {})
	unsub()
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Subscribe(EventCommandStarted, func(e Event) {})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(EventCommandStarted, map[string]any{"index": i})
	}
}
