package eventbus

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEvent(t *testing.T) *Event {
	t.Helper()
	return New("test.event", "test event", "test", zerolog.Nop())
}

func TestPublish_DeliversInRegistrationOrder(t *testing.T) {
	e := newTestEvent(t)
	var got []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		e.Subscribe(func(*Event, map[string]any) error {
			got = append(got, name)
			return nil
		})
	}
	e.Publish(nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestPublish_OnceUnsubscribesAfterCleanRun(t *testing.T) {
	e := newTestEvent(t)
	calls := 0
	e.Subscribe(func(*Event, map[string]any) error {
		calls++
		return nil
	}, Once())
	e.Publish(nil)
	e.Publish(nil)
	if calls != 1 {
		t.Fatalf("once subscriber called %d times", calls)
	}
	if e.Subscribers() != 0 {
		t.Fatalf("once subscriber not removed")
	}
}

func TestPublish_OnceRetainedWhenHandlerFails(t *testing.T) {
	e := newTestEvent(t)
	calls := 0
	e.Subscribe(func(*Event, map[string]any) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		return nil
	}, Once())
	e.Publish(nil)
	if e.Subscribers() != 1 {
		t.Fatalf("failed once subscriber was dropped")
	}
	e.Publish(nil)
	if calls != 2 || e.Subscribers() != 0 {
		t.Fatalf("calls=%d subs=%d, want 2 and 0", calls, e.Subscribers())
	}
}

func TestPublish_IntervalThrottles(t *testing.T) {
	e := newTestEvent(t)
	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }

	calls := 0
	e.Subscribe(func(*Event, map[string]any) error {
		calls++
		return nil
	}, WithInterval(10*time.Second))

	e.Publish(nil)
	now = now.Add(5 * time.Second)
	e.Publish(nil) // inside window, suppressed
	now = now.Add(6 * time.Second)
	e.Publish(nil) // 11s after first delivery
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestPublish_FilterDoesNotAdvanceThrottleClock(t *testing.T) {
	e := newTestEvent(t)
	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }

	calls := 0
	e.Subscribe(func(_ *Event, data map[string]any) error {
		calls++
		return nil
	}, WithInterval(10*time.Second), WithFilter(func(_ *Event, data map[string]any) bool {
		return data["pass"] == true
	}))

	e.Publish(map[string]any{"pass": false})
	if calls != 0 {
		t.Fatalf("filtered delivery ran handler")
	}
	// The filtered publish must not have started the throttle window.
	e.Publish(map[string]any{"pass": true})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPublish_ErrorKeepsSubscriberAndOthersStillRun(t *testing.T) {
	e := newTestEvent(t)
	var after int
	e.Subscribe(func(*Event, map[string]any) error { return errors.New("bad handler") })
	e.Subscribe(func(*Event, map[string]any) error {
		after++
		return nil
	})
	e.Publish(nil)
	e.Publish(nil)
	if e.Subscribers() != 2 {
		t.Fatalf("faulty subscriber dropped")
	}
	if after != 2 {
		t.Fatalf("later subscriber ran %d times, want 2", after)
	}
}

func TestPublish_PanicIsIsolated(t *testing.T) {
	e := newTestEvent(t)
	ran := false
	e.Subscribe(func(*Event, map[string]any) error { panic("handler gone wrong") })
	e.Subscribe(func(*Event, map[string]any) error {
		ran = true
		return nil
	})
	e.Publish(nil)
	if !ran {
		t.Fatalf("panic broke delivery to later subscriber")
	}
	if e.Subscribers() != 2 {
		t.Fatalf("panicking subscriber dropped")
	}
}

func TestPublish_DoneUnsubscribes(t *testing.T) {
	e := newTestEvent(t)
	calls := 0
	e.Subscribe(func(*Event, map[string]any) error {
		calls++
		if calls == 2 {
			return Done
		}
		return nil
	})
	e.Publish(nil)
	e.Publish(nil)
	e.Publish(nil)
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if e.Subscribers() != 0 {
		t.Fatalf("done subscriber not removed")
	}
}

func TestUnsubscribe_FromWithinHandler(t *testing.T) {
	e := newTestEvent(t)
	var sub *Subscription
	otherRan := 0
	sub = e.Subscribe(func(ev *Event, _ map[string]any) error {
		ev.Unsubscribe(sub)
		return nil
	})
	e.Subscribe(func(*Event, map[string]any) error {
		otherRan++
		return nil
	})
	e.Publish(nil)
	e.Publish(nil)
	if e.Subscribers() != 1 {
		t.Fatalf("self-unsubscribe failed, subs = %d", e.Subscribers())
	}
	if otherRan != 2 {
		t.Fatalf("other subscriber ran %d times, want 2", otherRan)
	}
}

func TestPublish_ReentrantPublishAndSubscribe(t *testing.T) {
	e := newTestEvent(t)
	other := newTestEvent(t)
	otherGot := 0
	other.Subscribe(func(*Event, map[string]any) error {
		otherGot++
		return nil
	})

	e.Subscribe(func(*Event, map[string]any) error {
		other.Publish(nil)
		// A subscription added mid-publish must not fire for the
		// in-progress delivery.
		e.Subscribe(func(*Event, map[string]any) error {
			t.Fatalf("late subscription fired during the publish that added it")
			return nil
		})
		return Done
	})
	e.Publish(nil)
	if otherGot != 1 {
		t.Fatalf("nested publish delivered %d times", otherGot)
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	e := r.Register(New("file.fetch_complete", "fetch finished", "transfer", zerolog.Nop()))
	if r.Get("file.fetch_complete") != e {
		t.Fatalf("registered event not found")
	}
	if r.Get("nope") != nil {
		t.Fatalf("unknown event should be nil")
	}
	names := r.Names()
	if len(names) != 1 || names[0] != "file.fetch_complete" {
		t.Fatalf("unexpected names: %v", names)
	}
}
