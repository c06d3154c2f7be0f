package dashboard

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// SubscriptionID identifies a subscriber.
type SubscriptionID uint64

type subscriber struct {
	id    SubscriptionID
	fn    func(Snapshot)
	queue chan Snapshot
}

// Subscribe registers fn to receive a snapshot after every accepted point and
// status update. Each subscriber has its own goroutine and bounded queue:
// snapshots are delivered in order, a full queue drops the snapshot, and a
// panicking callback affects neither the dashboard nor other subscribers.
func (d *Dashboard) Subscribe(fn func(Snapshot)) SubscriptionID {
	s := &subscriber{
		id:    SubscriptionID(d.nextSubID.Add(1)),
		fn:    fn,
		queue: make(chan Snapshot, d.queueSize),
	}
	d.subMu.Lock()
	d.subscribers = append(d.subscribers, s)
	d.subMu.Unlock()

	go d.deliverLoop(s)
	return s.id
}

// Unsubscribe removes a subscriber. Snapshots already queued are still
// delivered. It reports whether the subscriber existed.
func (d *Dashboard) Unsubscribe(id SubscriptionID) bool {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	i := slices.IndexFunc(d.subscribers, func(s *subscriber) bool { return s.id == id })
	if i < 0 {
		return false
	}
	close(d.subscribers[i].queue)
	d.subscribers = slices.Delete(d.subscribers, i, i+1)
	return true
}

// Subscribers returns the number of registered subscribers.
func (d *Dashboard) Subscribers() int {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	return len(d.subscribers)
}

func (d *Dashboard) notify() {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	if len(d.subscribers) == 0 {
		return
	}

	snap := d.Snapshot()
	for _, s := range d.subscribers {
		d.pending.Add(1)
		select {
		case s.queue <- snap:
		default:
			d.pending.Add(-1)
			d.metrics.notificationDropped()
			slog.Debug("subscriber queue full, dropping snapshot", "subscriber", s.id)
		}
	}
}

func (d *Dashboard) deliverLoop(s *subscriber) {
	for snap := range s.queue {
		d.deliver(s, snap)
		d.pending.Add(-1)
	}
}

func (d *Dashboard) deliver(s *subscriber, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dashboard subscriber panicked", "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(snap)
}

// drain waits until every queued snapshot has been delivered.
func (d *Dashboard) drain(ctx context.Context) error {
	if d.pending.Load() == 0 {
		return nil
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for d.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
