// Package memory keeps job notifications in process so tests and local runs
// can see what the scheduler announced without a Pub/Sub emulator.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

var _ harvest.Publisher = (*Publisher)(nil)

// Message is one notification handed to Publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher is a harvest.Publisher backed by a slice.
type Publisher struct {
	mu   sync.RWMutex
	sent []Message
	err  error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err until called with nil.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish appends the notification. IDs are "<topic>-<n>" with n counting
// every notification sent so far.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.err)
	}
	msg := Message{
		ID:      fmt.Sprintf("%s-%d", topic, len(p.sent)+1),
		Topic:   topic,
		Payload: payload,
	}
	p.sent = append(p.sent, msg)
	return msg.ID, nil
}

// Messages returns a copy of everything sent, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.sent...)
}

// OnTopic returns the notifications sent to topic.
func (p *Publisher) OnTopic(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.sent {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
