package livetail

import (
	"sync"
	"sync/atomic"
)

// ChannelPublisher is an in-process Publisher that fans payloads out to
// buffered per-topic channels. It backs tests and single-process runs; a
// deployment spanning processes swaps in a broker-backed implementation of
// the same interface.
type ChannelPublisher struct {
	mu      sync.RWMutex
	topics  map[string][]chan []byte
	dropped atomic.Int64
}

const subscriberBuffer = 256

// NewChannelPublisher creates an empty publisher.
func NewChannelPublisher() *ChannelPublisher {
	return &ChannelPublisher{topics: make(map[string][]chan []byte)}
}

// Subscribe returns a buffered channel receiving every payload published to
// the topic.
func (p *ChannelPublisher) Subscribe(topic string) <-chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	p.mu.Lock()
	p.topics[topic] = append(p.topics[topic], ch)
	p.mu.Unlock()
	return ch
}

// Publish delivers the payload to every channel on the topic. A full
// channel drops the payload for that subscriber rather than blocking the
// parse pipeline.
func (p *ChannelPublisher) Publish(topic string, payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.topics[topic] {
		select {
		case ch <- payload:
		default:
			p.dropped.Add(1)
		}
	}
	return nil
}

// TopicExists reports whether the topic has any attached subscriber.
func (p *ChannelPublisher) TopicExists(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.topics[topic]) > 0
}

// Dropped returns the number of payloads dropped for slow consumers.
func (p *ChannelPublisher) Dropped() int64 {
	return p.dropped.Load()
}
