package transport

import "testing"

func TestMemory_PublishSubscribe(t *testing.T) {
	m := NewMemory()
	var got []string
	if err := m.Subscribe("lb/files/dev/fetch", func(msg Message) {
		got = append(got, string(msg.Payload))
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Publish("lb/files/dev/fetch", []byte("one")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := m.Publish("lb/files/other/fetch", []byte("two")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0] != "one" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestMemory_Unsubscribe(t *testing.T) {
	m := NewMemory()
	calls := 0
	_ = m.Subscribe("t", func(Message) { calls++ })
	_ = m.Publish("t", nil)
	_ = m.Unsubscribe("t")
	_ = m.Publish("t", nil)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
