package session

import (
	"sync"

	"github.com/haasonsaas/mcpcore/pkg/models"
)

// TurnBroker fans turn snapshots out to stream consumers, keyed by
// response id. Snapshots are delivered in FIFO order per response;
// per-subscriber queues are unbounded, so a slow consumer accumulates
// updates rather than blocking the publisher. The registry does not
// survive process restarts.
type TurnBroker struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// NewTurnBroker creates an empty broker.
func NewTurnBroker() *TurnBroker {
	return &TurnBroker{
		subs: make(map[string][]*Subscription),
	}
}

// Subscribe registers a consumer for a response's turn updates. The
// returned subscription must be cancelled or drained to completion.
func (b *TurnBroker) Subscribe(responseID string) *Subscription {
	sub := &Subscription{
		broker:     b,
		responseID: responseID,
		ch:         make(chan *models.Turn),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	go sub.pump()

	b.mu.Lock()
	b.subs[responseID] = append(b.subs[responseID], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers a turn snapshot to every subscriber of its response.
// The turn is cloned once so consumers never alias mutable store state.
func (b *TurnBroker) Publish(responseID string, turn *models.Turn) {
	snapshot := turn.Clone()

	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs[responseID]...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(snapshot)
	}
}

// Close ends every subscription for a response: queued snapshots are
// still delivered, then the consumer channel closes.
func (b *TurnBroker) Close(responseID string) {
	b.mu.Lock()
	subs := b.subs[responseID]
	delete(b.subs, responseID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
}

func (b *TurnBroker) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.responseID]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.responseID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.responseID]) == 0 {
		delete(b.subs, sub.responseID)
	}
}

// Subscription is one consumer's view of a response's turn updates.
type Subscription struct {
	broker     *TurnBroker
	responseID string
	ch         chan *models.Turn
	wake       chan struct{}
	stop       chan struct{}

	mu       sync.Mutex
	queue    []*models.Turn
	done     bool
	canceled bool
}

// Updates returns the channel of turn snapshots. It closes when the
// response completes or the subscription is cancelled.
func (s *Subscription) Updates() <-chan *models.Turn {
	return s.ch
}

// Cancel detaches the consumer and discards buffered snapshots. The
// underlying round keeps running to completion.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.canceled || s.done {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.queue = nil
	close(s.stop)
	s.mu.Unlock()

	s.broker.detach(s)
	s.signal()
}

func (s *Subscription) enqueue(turn *models.Turn) {
	s.mu.Lock()
	if s.canceled || s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, turn)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued snapshots to the consumer channel in order, then
// closes it once the queue is drained and the subscription has ended.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		var next *models.Turn
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		ended := s.canceled || (s.done && len(s.queue) == 0 && next == nil)
		s.mu.Unlock()

		if next != nil {
			select {
			case s.ch <- next:
			case <-s.stop:
				return
			}
			continue
		}
		if ended {
			return
		}
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}
