// Package notify delivers load-match alerts to tenant recipients.
package notify

import (
	"context"
	"sync"
)

// Message is one alert for one recipient.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a message. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// MockSender records messages instead of sending them.
type MockSender struct {
	mu   sync.Mutex
	Sent []Message
	// FailFunc, when set, is consulted before recording; a non-nil error is
	// returned and the message is not recorded.
	FailFunc func(msg Message) error
}

// NewMockSender creates an empty MockSender.
func NewMockSender() *MockSender {
	return &MockSender{Sent: []Message{}}
}

func (m *MockSender) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFunc != nil {
		if err := m.FailFunc(msg); err != nil {
			return err
		}
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

// Messages returns a copy of what has been sent.
func (m *MockSender) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.Sent))
	copy(out, m.Sent)
	return out
}
