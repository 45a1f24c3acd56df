package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"devicegate/models"
)

// subscriberQueueBound is the per-subscriber outbound queue capacity.
const subscriberQueueBound = 64

// Subscriber is a handle onto a device's fan-out bus. Its lifetime is
// strictly contained by the session that created it; adapters resolve it
// back through the supervisor by ID, never by holding the session.
type Subscriber struct {
	ID string
	q  *packetQueue
}

// Next blocks until a packet is available or the subscriber is closed.
// After close, buffered packets are still drained before the cause is
// returned.
func (s *Subscriber) Next(ctx context.Context) (*models.MediaPacket, error) {
	return s.q.pop(ctx)
}

// packetQueue is a bounded FIFO with keyframe-aware overflow: when full,
// the oldest non-keyframe, non-configuration packet is dropped first.
type packetQueue struct {
	mu     sync.Mutex
	items  []*models.MediaPacket
	bound  int
	notify chan struct{}
	closed bool
	cause  error
}

func newPacketQueue(bound int) *packetQueue {
	return &packetQueue{bound: bound, notify: make(chan struct{}, 1)}
}

// push enqueues a packet. Returns false when the queue is full and nothing
// is droppable, which marks the subscriber as lagging out.
func (q *packetQueue) push(p *models.MediaPacket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}

	if len(q.items) >= q.bound {
		dropped := false
		for i, item := range q.items {
			if item.Type == models.PacketData && !item.Keyframe {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped || len(q.items) >= q.bound {
			return false
		}
	}

	q.items = append(q.items, p)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *packetQueue) pop(ctx context.Context) (*models.MediaPacket, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, nil
		}
		if q.closed {
			cause := q.cause
			q.mu.Unlock()
			return nil, cause
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *packetQueue) close(cause error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if cause == nil {
		cause = ErrSessionClosed
	}
	q.cause = cause
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// FanOutBus shares one device capture across many viewers: one producer
// (the codec reader), many subscribers. It owns the subscriber set and the
// frame cache used to replay a decodable burst to late joiners.
type FanOutBus struct {
	mu             sync.Mutex
	subs           map[string]*Subscriber
	cachedConfig   *models.MediaPacket
	cachedKeyframe *models.MediaPacket
	closed         bool
}

func NewFanOutBus() *FanOutBus {
	return &FanOutBus{subs: make(map[string]*Subscriber)}
}

// Publish forwards a packet to every subscriber and updates the frame
// cache. A new configuration invalidates the cached keyframe until the next
// keyframe arrives. Subscribers whose queue cannot absorb the packet are
// evicted with LaggingOut; the session continues for everyone else.
func (b *FanOutBus) Publish(p *models.MediaPacket) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	switch {
	case p.Type == models.PacketConfiguration:
		b.cachedConfig = p
		b.cachedKeyframe = nil
	case p.Keyframe:
		b.cachedKeyframe = p
	}

	var evicted []*Subscriber
	for id, s := range b.subs {
		if !s.q.push(p) {
			delete(b.subs, id)
			evicted = append(evicted, s)
		}
	}
	b.mu.Unlock()

	for _, s := range evicted {
		s.q.close(ErrLaggingOut)
	}
}

// Subscribe registers a new viewer. The cached configuration and keyframe
// are replayed, in that order, before the subscriber is exposed to live
// publishes, so its first packets always form a decodable prefix.
func (b *FanOutBus) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrSessionClosed
	}

	s := &Subscriber{ID: uuid.NewString(), q: newPacketQueue(subscriberQueueBound)}
	if b.cachedConfig != nil {
		s.q.push(b.cachedConfig)
	}
	if b.cachedKeyframe != nil {
		s.q.push(b.cachedKeyframe)
	}
	b.subs[s.ID] = s
	return s, nil
}

// Unsubscribe removes a viewer and reports how many remain.
func (b *FanOutBus) Unsubscribe(id string) int {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	remaining := len(b.subs)
	b.mu.Unlock()

	if ok {
		s.q.close(ErrSessionClosed)
	}
	return remaining
}

// Count returns the current subscriber count.
func (b *FanOutBus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close signals every subscriber with the given cause. Idempotent. Queued
// packets are drained by subscribers before they observe the cause.
func (b *FanOutBus) Close(cause error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.q.close(cause)
	}
}
