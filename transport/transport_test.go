package transport

import (
	"testing"
	"time"
)

func expectEvent(t *testing.T, s Socket, kind EventKind) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("expect %s event, events channel closed", kind)
		}
		if ev.Kind != kind {
			t.Fatalf("expect %s event, got %s (%q, %v)", kind, ev.Kind, ev.Data, ev.Err)
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s event", kind)
	}
	return Event{}
}

func expectMessage(t *testing.T, s Socket, want string) {
	t.Helper()
	if ev := expectEvent(t, s, EventMessage); ev.Data != want {
		t.Fatalf("expect message %q, got %q", want, ev.Data)
	}
}

func expectDrained(t *testing.T, s Socket) {
	t.Helper()
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("expect events channel closed after close event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for events channel to close")
	}
}
