package graph

import (
	"sync"
	"testing"
	"time"
)

func TestEventHubFanOut(t *testing.T) {
	h := NewEventHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Event{Type: EventTaskCreated, TaskID: "t1", Actor: "analyzer"})

	select {
	case evt := <-ch:
		if evt.Type != EventTaskCreated || evt.TaskID != "t1" {
			t.Fatalf("received %+v", evt)
		}
		if evt.At.IsZero() {
			t.Fatal("publish did not stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestEventHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewEventHub()
	ch, cancel := h.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	// publishing after unsubscribe must not panic
	h.Publish(Event{Type: EventStatusChanged, TaskID: "t1"})
}

func TestEventHubHistoryBoundedAndOrdered(t *testing.T) {
	h := NewEventHub()
	for i := 0; i < defaultEventHistoryLimit+10; i++ {
		h.Publish(Event{Type: EventStatusChanged, TaskID: "t1", Detail: "n"})
	}

	all := h.History("t1", 0)
	if len(all) != defaultEventHistoryLimit {
		t.Fatalf("history = %d events, want bounded at %d", len(all), defaultEventHistoryLimit)
	}

	recent := h.History("t1", 5)
	if len(recent) != 5 {
		t.Fatalf("limited history = %d events, want 5", len(recent))
	}
	if got := h.History("unknown", 5); len(got) != 0 {
		t.Fatalf("history for unknown task = %d events, want 0", len(got))
	}
}

func TestEventHubPublishSurvivesSubscriberChurn(t *testing.T) {
	h := NewEventHub()
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Publish(Event{Type: EventStatusChanged, TaskID: "t1"})
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				ch, cancel := h.Subscribe()
				<-time.After(time.Microsecond)
				cancel()
				for range ch {
				}
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestEventHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewEventHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			h.Publish(Event{Type: EventStatusChanged, TaskID: "t1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	if len(ch) == 0 {
		t.Fatal("subscriber buffer empty, expected some delivered events")
	}
}
