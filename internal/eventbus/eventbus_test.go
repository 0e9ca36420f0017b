package eventbus

import (
	"testing"
	"time"
)

func TestPostDeliversInOrder(t *testing.T) {
	b := New(8)
	defer b.Close()

	b.Post(Event{Kind: "a"})
	b.Post(Event{Kind: "b"})
	b.Post(Event{Kind: "c"})

	for _, want := range []string{"a", "b", "c"} {
		ev := <-b.Events()
		if ev.Kind != want {
			t.Fatalf("got %q, want %q", ev.Kind, want)
		}
	}
}

func TestPostDelayedReplacesSameKey(t *testing.T) {
	b := New(8)
	defer b.Close()

	b.PostDelayed("retry", Event{Kind: "first"}, time.Hour)
	b.PostDelayed("retry", Event{Kind: "second"}, 10*time.Millisecond)

	select {
	case ev := <-b.Events():
		if ev.Kind != "second" {
			t.Fatalf("got %q, want the replacing post %q", ev.Kind, "second")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the delayed event")
	}

	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected extra event %q: the first post should have been replaced", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelDelayed(t *testing.T) {
	b := New(8)
	defer b.Close()

	b.PostDelayed("retry", Event{Kind: "never"}, 10*time.Millisecond)
	b.CancelDelayed("retry")

	select {
	case ev := <-b.Events():
		t.Fatalf("got %q after cancel, want nothing", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPostAfterCloseIsNoop(t *testing.T) {
	b := New(8)
	b.Close()

	b.Post(Event{Kind: "late"})
	b.PostDelayed("late", Event{Kind: "late"}, time.Millisecond)

	if _, ok := <-b.Events(); ok {
		t.Fatal("expected the events channel to be closed with nothing buffered")
	}
}
