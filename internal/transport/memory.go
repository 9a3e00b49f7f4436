package transport

import "sync"

// Memory is an in-process Transport. Publish delivers synchronously to
// every handler subscribed to the exact topic. Used by tests and by the
// daemon's broker-less loopback mode, where a device serves its own fetch
// requests.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]Handler
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]Handler)}
}

func (m *Memory) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	handlers := make([]Handler, len(m.subs[topic]))
	copy(handlers, m.subs[topic])
	m.mu.Unlock()
	for _, h := range handlers {
		h(Message{Topic: topic, Payload: payload})
	}
	return nil
}

func (m *Memory) Subscribe(topic string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = append(m.subs[topic], h)
	return nil
}

// Unsubscribe drops all handlers for the topic. A Memory instance stands
// in for every in-process participant's connection at once, so the first
// unsubscriber would detach any other handler on the same topic.
func (m *Memory) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, topic)
	return nil
}

func (m *Memory) Close() error { return nil }
