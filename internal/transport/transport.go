// Package transport abstracts the best-effort pub/sub fabric the transfer
// protocol runs over. Delivery is unordered and unacknowledged; everything
// above this layer must tolerate lost, duplicated, and stale messages.
package transport

// Message is one delivered publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives messages for a subscribed topic. It may be invoked from
// a transport-owned goroutine; implementations hand work off to the
// controller loop rather than doing it inline.
type Handler func(msg Message)

// Transport is a best-effort topic-based pub/sub connection. Unsubscribe
// removes every handler this connection holds for the topic; components
// sharing one Transport must therefore not subscribe to the same topic
// (the transfer client is the sole subscriber of a source's result topic).
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, h Handler) error
	Unsubscribe(topic string) error
	Close() error
}
