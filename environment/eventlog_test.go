package environment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tkit-go/composeenv/environment"
)

func TestEventLog_PublishAndSince(t *testing.T) {
	log := environment.NewEventLog()

	log.Publish(environment.Event{Type: environment.EventServiceStarting, Service: "a"})
	log.Publish(environment.Event{Type: environment.EventServiceStarted, Service: "a"})
	log.Publish(environment.Event{Type: environment.EventServiceStarting, Service: "b"})

	events := log.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, e.Seq)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}

	since := log.Since(1)
	if len(since) != 2 || since[0].Seq != 2 {
		t.Errorf("Since(1) = %+v", since)
	}
	if got := log.Since(5); len(got) != 0 {
		t.Errorf("Since(5) = %d events, want 0", len(got))
	}
}

func TestEventLog_WaitFor_FutureEvent(t *testing.T) {
	log := environment.NewEventLog()

	var wg sync.WaitGroup
	wg.Add(1)
	var got environment.Event
	var gotErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, gotErr = log.WaitFor(ctx, func(e environment.Event) bool {
			return e.Type == environment.EventServiceStarted && e.Service == "b"
		})
	}()

	time.Sleep(10 * time.Millisecond)
	log.Publish(environment.Event{Type: environment.EventServiceStarted, Service: "a"})
	log.Publish(environment.Event{Type: environment.EventServiceStarted, Service: "b"})
	wg.Wait()

	if gotErr != nil {
		t.Fatal(gotErr)
	}
	if got.Service != "b" {
		t.Errorf("got service %q, want b", got.Service)
	}
}

func TestEventLog_WaitFor_ContextCancelled(t *testing.T) {
	log := environment.NewEventLog()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := log.WaitFor(ctx, func(e environment.Event) bool { return false })
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestEventLog_SubscribeFilter(t *testing.T) {
	log := environment.NewEventLog()
	log.Publish(environment.Event{Type: environment.EventPropertyExported, Key: "a"})
	log.Publish(environment.Event{Type: environment.EventServiceStarted, Service: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch := log.Subscribe(ctx, 0, func(e environment.Event) bool {
		return e.Type == environment.EventPropertyExported
	})
	log.Publish(environment.Event{Type: environment.EventPropertyExported, Key: "b"})

	var keys []string
	for len(keys) < 2 {
		select {
		case e := <-ch:
			keys = append(keys, e.Key)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", keys)
		}
	}
	if keys[0] != "a" || keys[1] != "b" {
		t.Errorf("keys = %v, want [a b]", keys)
	}
}
