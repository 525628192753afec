package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds published by the approval workflow and the anchor service.
const (
	EventSubmitted         = "submitted"
	EventApprovedSignature = "approved_signature"
	EventFullyApproved     = "fully_approved"
	EventRejected          = "rejected"
	EventResubmitted       = "resubmitted"
	EventAnchored          = "anchored"
)

// Event describes a certificate lifecycle change for SSE clients.
type Event struct {
	Type          string    `json:"type"`
	ApprovalID    string    `json:"approval_id"`
	CertificateID string    `json:"certificate_id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Status        string    `json:"status"`
	Actor         string    `json:"actor,omitempty"`
	Approvals     int       `json:"approvals"`
	Required      int       `json:"required_approvals"`
	TxID          string    `json:"tx_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
