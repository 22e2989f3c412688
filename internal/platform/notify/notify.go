// Package notify implements the mutation broadcast fan-out: every committed
// patient mutation is pushed to a fixed roster of chat recipients. Delivery
// is best-effort, at most one attempt per recipient per event.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sender delivers a single message to a single chat recipient.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Broadcaster fans a message out to every recipient in the roster.
type Broadcaster struct {
	sender  Sender
	roster  []int64
	timeout time.Duration
	logger  zerolog.Logger
}

func NewBroadcaster(sender Sender, roster []int64, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sender:  sender,
		roster:  roster,
		timeout: 15 * time.Second,
		logger:  logger,
	}
}

// NotifyAll delivers msg to every roster recipient concurrently and returns
// once all attempts finish. A failure for one recipient is logged and does
// not affect the others.
func (b *Broadcaster) NotifyAll(msg string) {
	var wg sync.WaitGroup
	for _, chatID := range b.roster {
		wg.Add(1)
		go func(chatID int64) {
			defer wg.Done()
			// Detached from any request lifecycle on purpose.
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			defer cancel()

			if err := b.sender.SendMessage(ctx, chatID, msg); err != nil {
				b.logger.Warn().
					Err(err).
					Int64("chat_id", chatID).
					Msg("notification delivery failed")
			}
		}(chatID)
	}
	wg.Wait()
}

// Go runs NotifyAll in the background so callers never block on delivery.
func (b *Broadcaster) Go(msg string) {
	go b.NotifyAll(msg)
}

// MockSender is a test double recording every delivery attempt.
type MockSender struct {
	mu      sync.Mutex
	calls   []MockCall
	FailFor map[int64]error
}

// MockCall records a single SendMessage invocation.
type MockCall struct {
	ChatID int64
	Text   string
}

func NewMockSender() *MockSender {
	return &MockSender{FailFor: make(map[int64]error)}
}

// SendMessage records the call and optionally fails for configured chat ids.
func (m *MockSender) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{ChatID: chatID, Text: text})
	if err, ok := m.FailFor[chatID]; ok {
		if err == nil {
			err = errors.New("delivery failed")
		}
		return err
	}
	return nil
}

// Calls returns a copy of the recorded delivery attempts.
func (m *MockSender) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
