package memq

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/keel/internal/queue"
)

// recordsLock guards the canonical record map.
type recordsLock struct {
	sync.RWMutex
	records map[uuid.UUID]*queue.Record
}

// queuesLock guards the per-tenant, per-queue ordered id lists.
type queuesLock struct {
	sync.RWMutex
	queues map[string]map[string][]queueItem
}

// idemLock guards the idempotency scope map: scope key -> live job id.
type idemLock struct {
	sync.Mutex
	scopes map[string]uuid.UUID
}

// queueItem is one waiting id with its static sort key. seq breaks ties
// between equal created timestamps so ordering stays deterministic.
type queueItem struct {
	id       uuid.UUID
	priority queue.Priority
	created  time.Time
	seq      uint64
}

// beats reports whether a should be dequeued before other: higher
// priority first, then oldest created, then arrival order.
func (a queueItem) beats(other queueItem) bool {
	if a.priority != other.priority {
		return a.priority > other.priority
	}
	if !a.created.Equal(other.created) {
		return a.created.Before(other.created)
	}
	return a.seq < other.seq
}

// insertLocked places the item at its sorted position. Caller holds the
// queue write lock.
func (b *Backend) insertLocked(tenantID, queueName string, it queueItem) {
	tq := b.qmu.queues[tenantID]
	if tq == nil {
		tq = make(map[string][]queueItem)
		b.qmu.queues[tenantID] = tq
	}
	items := tq[queueName]
	pos := sort.Search(len(items), func(i int) bool {
		return it.beats(items[i])
	})
	items = append(items, queueItem{})
	copy(items[pos+1:], items[pos:])
	items[pos] = it
	tq[queueName] = items
}

func removeAt(items []queueItem, i int) []queueItem {
	copy(items[i:], items[i+1:])
	return items[:len(items)-1]
}
