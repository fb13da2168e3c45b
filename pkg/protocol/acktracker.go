package protocol

import (
	"context"
	"sync"
	"time"
)

// ackRetryInterval and ackMaxRetries implement spec §4.B: "Sender retries
// ack_required messages up to 3 times at 1.0s intervals."
const (
	ackRetryInterval = 1 * time.Second
	ackMaxRetries    = 3
)

// Sender is the minimal outbound transport an AckTracker needs — typically
// a LiveKit LocalParticipant.PublishDataPacket call.
type Sender interface {
	Send(data []byte) error
}

// AckTracker retries ack_required envelopes until a matching text_displayed
// (or caller-supplied) ack arrives, up to ackMaxRetries times, then gives up.
type AckTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
	send    Sender
}

type pendingAck struct {
	data     []byte
	attempts int
	cancel   context.CancelFunc
}

// NewAckTracker builds a tracker that retransmits via send.
func NewAckTracker(send Sender) *AckTracker {
	return &AckTracker{
		pending: make(map[string]*pendingAck),
		send:    send,
	}
}

// Track registers msgID as awaiting an ack and sends data immediately (the
// first attempt), then schedules up to ackMaxRetries further retries at
// ackRetryInterval unless Ack(msgID) is called first.
func (t *AckTracker) Track(ctx context.Context, msgID string, data []byte) error {
	t.mu.Lock()
	retryCtx, cancel := context.WithCancel(ctx)
	t.pending[msgID] = &pendingAck{data: data, attempts: 1, cancel: cancel}
	t.mu.Unlock()

	if err := t.send.Send(data); err != nil {
		t.Ack(msgID)
		return err
	}

	go t.retryLoop(retryCtx, msgID)
	return nil
}

func (t *AckTracker) retryLoop(ctx context.Context, msgID string) {
	ticker := time.NewTicker(ackRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			p, ok := t.pending[msgID]
			if !ok {
				t.mu.Unlock()
				return
			}
			if p.attempts > ackMaxRetries {
				delete(t.pending, msgID)
				t.mu.Unlock()
				return
			}
			p.attempts++
			data := p.data
			t.mu.Unlock()

			_ = t.send.Send(data)
		}
	}
}

// Ack marks msgID as acknowledged, cancelling any pending retries.
func (t *AckTracker) Ack(msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[msgID]; ok {
		p.cancel()
		delete(t.pending, msgID)
	}
}

// Pending reports how many messages currently await an ack.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// IsPending reports whether msgID specifically still awaits an ack.
func (t *AckTracker) IsPending(msgID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[msgID]
	return ok
}
