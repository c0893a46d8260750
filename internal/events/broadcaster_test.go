package events

import (
	"strings"
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	// second unsubscribe of the same channel must not panic
	b.Unsubscribe(ch1)

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Type:    EventOpDone,
		Path:    "/alice/results",
		State:   "GOOD",
		Message: "Folder uploaded.",
	})

	select {
	case received := <-ch:
		if received.Type != EventOpDone {
			t.Errorf("expected type %s, got %s", EventOpDone, received.Type)
		}
		if received.Message != "Folder uploaded." {
			t.Errorf("unexpected message %q", received.Message)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Type: EventTreeChange, Path: "/alice"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Path != "/alice" {
				t.Errorf("subscriber %d: expected /alice, got %s", i, received.Path)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventTreeChange, Path: "/overflow"})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestNilBroadcasterPublish(t *testing.T) {
	var b *Broadcaster
	b.Publish(Event{Type: EventOpStarted})
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{
		Type:      EventSessionState,
		State:     "CONNECTED",
		Timestamp: 1234567890,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"state":"CONNECTED"`) {
		t.Errorf("unexpected JSON %s", data)
	}
	if strings.Contains(string(data), `"path"`) {
		t.Errorf("empty path should be omitted: %s", data)
	}
}
