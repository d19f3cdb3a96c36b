// Package progress fans analysis snapshots out to subscribers. Publishing is
// fire-and-forget with bounded buffers: a slow subscriber loses intermediate
// snapshots instead of stalling the refine chain, and the latest state is
// always deliverable because every snapshot is self-contained.
package progress

import (
	"log/slog"
	"sync"

	"github.com/veilworks/veil/internal/store"
)

const subscriberBuffer = 8

// Broker derives a fresh snapshot on every state change, journals it, and
// broadcasts to current subscribers. It satisfies the runner's Publisher.
type Broker struct {
	store *store.Store
	log   *slog.Logger

	mu   sync.Mutex
	subs map[string]map[int]chan *store.Snapshot
	next int
}

func NewBroker(st *store.Store, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		store: st,
		log:   log,
		subs:  make(map[string]map[int]chan *store.Snapshot),
	}
}

// Publish recomputes the snapshot for an analysis, appends it to the event
// journal, and pushes it to subscribers. It never blocks on a slow consumer:
// when a buffer is full the oldest queued snapshot is dropped for the new
// one. Safe with zero subscribers.
func (b *Broker) Publish(analysisID string) {
	snap, err := b.store.Snapshot(analysisID)
	if err != nil {
		b.log.Warn("progress.snapshot_failed", "analysis_id", analysisID, "error", err)
		return
	}
	if err := b.store.AppendEvent(snap); err != nil {
		b.log.Warn("progress.journal_failed", "analysis_id", analysisID, "error", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[analysisID] {
		select {
		case ch <- snap:
		default:
			// Full buffer: drop the oldest queued snapshot, then try once
			// more. Snapshots are cumulative so skipping one loses nothing.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Subscribe registers a listener for an analysis. A fresh snapshot is queued
// immediately so late subscribers see current state without waiting for the
// next transition. The returned cancel removes the subscription and closes
// the channel.
func (b *Broker) Subscribe(analysisID string) (<-chan *store.Snapshot, func(), error) {
	snap, err := b.store.Snapshot(analysisID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *store.Snapshot, subscriberBuffer)
	ch <- snap

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[analysisID] == nil {
		b.subs[analysisID] = make(map[int]chan *store.Snapshot)
	}
	b.subs[analysisID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		m := b.subs[analysisID]
		if m == nil {
			return
		}
		if _, ok := m[id]; !ok {
			return
		}
		delete(m, id)
		if len(m) == 0 {
			delete(b.subs, analysisID)
		}
		// Publish sends only under the lock, so closing here cannot race a
		// send to this channel.
		close(ch)
	}
	return ch, cancel, nil
}

// SubscriberCount reports active subscriptions for an analysis.
func (b *Broker) SubscriberCount(analysisID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[analysisID])
}
