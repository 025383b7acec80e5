package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	statusCh := bus.Subscribe(EventStatus)
	chunkCh := bus.Subscribe(EventChunk)

	bus.PublishStatus("u1", "uploading", "started")

	select {
	case event := <-statusCh:
		status, ok := event.(*StatusEvent)
		if !ok {
			t.Fatalf("got %T, want *StatusEvent", event)
		}
		if status.UploadID != "u1" || status.Status != "uploading" {
			t.Errorf("event = %+v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event delivered")
	}

	select {
	case event := <-chunkCh:
		t.Errorf("chunk subscriber received %T", event)
	default:
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.SubscribeAll()
	bus.PublishStatus("u1", "uploading", "")
	bus.PublishChunk("u1", 3, ChunkCompleted, `"e3"`)

	for i, want := range []EventType{EventStatus, EventChunk} {
		select {
		case event := <-ch:
			if event.Type() != want {
				t.Errorf("event %d type = %q, want %q", i, event.Type(), want)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	bus.Subscribe(EventStatus) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.PublishStatus("u1", "uploading", "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if dropped := bus.DroppedEventCount(); dropped != 8 {
		t.Errorf("dropped = %d, want 8", dropped)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.SubscribeAll()
	bus.UnsubscribeAll(ch)
	bus.PublishStatus("u1", "uploading", "")

	select {
	case event := <-ch:
		t.Errorf("unsubscribed channel received %T", event)
	default:
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := NewBus(10)
	ch := bus.SubscribeAll()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}

	// Publishing after close is a no-op, not a panic
	bus.PublishStatus("u1", "uploading", "")
}
