package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBus_DefaultCapacity(t *testing.T) {
	if got := NewBus(0, nil).Cap(); got != DefaultCapacity {
		t.Errorf("Cap() = %d, want %d", got, DefaultCapacity)
	}
}

func TestBus_RecentNewestFirst(t *testing.T) {
	bus := NewBus(10, nil)
	bus.Publish("a", nil)
	bus.Publish("b", nil)
	bus.Publish("a", map[string]any{"n": 3})

	got := bus.Recent(0, "")
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Seq != 3 || got[2].Seq != 1 {
		t.Errorf("order = %d,%d,%d, want newest first", got[0].Seq, got[1].Seq, got[2].Seq)
	}

	onlyA := bus.Recent(0, "a")
	if len(onlyA) != 2 || onlyA[0].Payload["n"] != 3 {
		t.Errorf("Recent(a) = %+v", onlyA)
	}
	if got := bus.Recent(1, ""); len(got) != 1 || got[0].Type != "a" {
		t.Errorf("Recent(1) = %+v", got)
	}
	if got := bus.Recent(5, "missing"); len(got) != 0 {
		t.Errorf("Recent(missing) = %+v", got)
	}
}

func TestBus_OverflowKeepsNewest(t *testing.T) {
	const capacity, extra = 5, 3
	bus := NewBus(capacity, nil)
	for i := 0; i < capacity+extra; i++ {
		bus.Publish(fmt.Sprintf("e%d", i), nil)
	}

	if bus.Len() != capacity {
		t.Fatalf("Len() = %d, want %d", bus.Len(), capacity)
	}
	got := bus.Recent(0, "")
	if len(got) != capacity {
		t.Fatalf("len(Recent) = %d, want %d", len(got), capacity)
	}
	seen := make(map[string]bool)
	for _, e := range got {
		seen[e.Type] = true
	}
	for i := 0; i < extra; i++ {
		if seen[fmt.Sprintf("e%d", i)] {
			t.Errorf("oldest event e%d still retrievable", i)
		}
	}
	for i := capacity; i < capacity+extra; i++ {
		if !seen[fmt.Sprintf("e%d", i)] {
			t.Errorf("newest event e%d missing", i)
		}
	}
}

func TestBus_RecentMessages(t *testing.T) {
	bus := NewBus(10, nil)
	bus.Publish(TypeMessageInbound, map[string]any{"channel": "slack", "text": "hi"})
	bus.Publish(TypeInvokeReceived, map[string]any{"channel": "slack"})
	bus.Publish(TypeChatMessage, map[string]any{"channel": "discord"})
	bus.Publish(TypeMessageOutbound, map[string]any{"channel": "slack"})

	all := bus.RecentMessages("", 0)
	if len(all) != 3 {
		t.Fatalf("RecentMessages(all) len = %d, want 3", len(all))
	}
	slack := bus.RecentMessages("slack", 0)
	if len(slack) != 2 || slack[0].Type != TypeMessageOutbound {
		t.Errorf("RecentMessages(slack) = %+v", slack)
	}
}

func TestBus_PollReturnsBacklogImmediately(t *testing.T) {
	bus := NewBus(10, nil)
	bus.Publish("a", nil)
	bus.Publish("b", nil)

	got, cursor := bus.Poll(context.Background(), 0, time.Second)
	if len(got) != 2 || got[0].Type != "a" || got[1].Type != "b" {
		t.Fatalf("Poll() = %+v, want oldest first", got)
	}
	if cursor != 2 {
		t.Errorf("cursor = %d, want 2", cursor)
	}
}

func TestBus_PollWaitsForPublish(t *testing.T) {
	bus := NewBus(10, nil)
	cursor := bus.Cursor()

	done := make(chan []Event, 1)
	go func() {
		got, _ := bus.Poll(context.Background(), cursor, 5*time.Second)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish("wake", nil)

	select {
	case got := <-done:
		if len(got) != 1 || got[0].Type != "wake" {
			t.Errorf("Poll() = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return after publish")
	}
}

func TestBus_PollTimeoutIsEmptyNotError(t *testing.T) {
	bus := NewBus(10, nil)
	bus.Publish("old", nil)

	start := time.Now()
	got, cursor := bus.Poll(context.Background(), bus.Cursor(), 30*time.Millisecond)
	if len(got) != 0 {
		t.Errorf("Poll() = %+v, want empty", got)
	}
	if cursor != 1 {
		t.Errorf("cursor = %d, want 1", cursor)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Poll returned before the timeout")
	}
}

func TestBus_PollHonorsContext(t *testing.T) {
	bus := NewBus(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, _ := bus.Poll(ctx, 0, time.Minute)
	if len(got) != 0 {
		t.Errorf("Poll() = %+v, want empty", got)
	}
}

func TestBus_PollAfterOverflowReturnsRetained(t *testing.T) {
	bus := NewBus(3, nil)
	for i := 0; i < 10; i++ {
		bus.Publish(fmt.Sprintf("e%d", i), nil)
	}
	got, cursor := bus.Poll(context.Background(), 2, 0)
	if len(got) != 3 || got[0].Type != "e7" || got[2].Type != "e9" {
		t.Errorf("Poll() = %+v", got)
	}
	if cursor != 10 {
		t.Errorf("cursor = %d, want 10", cursor)
	}
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(10, nil)
	var got []string
	unsubscribe := bus.Subscribe(func(e Event) { got = append(got, e.Type) })

	bus.Subscribe(func(Event) { panic("listener bug") })

	bus.Publish("one", nil)
	unsubscribe()
	unsubscribe()
	bus.Publish("two", nil)

	if len(got) != 1 || got[0] != "one" {
		t.Errorf("received %v, want [one]", got)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(100, nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("tick", nil)
				_ = bus.Recent(5, "")
			}
		}()
	}
	wg.Wait()

	if bus.Cursor() != 500 {
		t.Errorf("Cursor() = %d, want 500", bus.Cursor())
	}
	if bus.Len() != 100 {
		t.Errorf("Len() = %d, want 100", bus.Len())
	}
}
