package redisq

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/keel/internal/queue"
)

// Key layout under the configured prefix:
//
//	<p>:job:<id>              record JSON
//	<p>:t:<tenant>:q:<q>:ready    ZSET, score = priority band + created ms
//	<p>:t:<tenant>:q:<q>:delayed  ZSET, score = eligible-at ms
//	<p>:t:<tenant>:queues     SET of queue names seen for the tenant
//	<p>:idem:<scope>          active idempotency mapping -> job id
//	<p>:processing            ZSET across tenants, score = lease deadline ms
//	<p>:events:<tenant>       pub/sub channel for job events
func (b *Backend) jobKey(id uuid.UUID) string { return b.prefix + ":job:" + id.String() }

func (b *Backend) readyKey(tenantID, queueName string) string {
	return b.prefix + ":t:" + tenantID + ":q:" + queueName + ":ready"
}

func (b *Backend) delayedKey(tenantID, queueName string) string {
	return b.prefix + ":t:" + tenantID + ":q:" + queueName + ":delayed"
}

func (b *Backend) queuesKey(tenantID string) string {
	return b.prefix + ":t:" + tenantID + ":queues"
}

func (b *Backend) idemKey(scope string) string { return b.prefix + ":idem:" + scope }

func (b *Backend) processingKey() string { return b.prefix + ":processing" }

func (b *Backend) eventsChannel(tenantID string) string {
	return b.prefix + ":events:" + tenantID
}

// priorityBand separates priorities in the ready score. Creation
// milliseconds stay far below one band until the year 2286, so higher
// priorities always pop first and FIFO holds within a priority.
const priorityBand = 1e13

func readyScore(p queue.Priority, created time.Time) float64 {
	band := int(queue.PriorityCritical) - int(p)
	if band < 0 {
		band = 0
	}
	if band > int(queue.PriorityCritical) {
		band = int(queue.PriorityCritical)
	}
	return float64(band)*priorityBand + float64(created.UnixMilli())
}

func delayedScore(at time.Time) float64 { return float64(at.UnixMilli()) }

// storedRecord carries the lease token through JSON, which the record
// itself deliberately never serializes.
type storedRecord struct {
	queue.Record
	Lease string `json:"lease_token,omitempty"`
}

func marshalRecord(rec *queue.Record) ([]byte, error) {
	raw, err := json.Marshal(storedRecord{Record: *rec, Lease: rec.LeaseToken})
	if err != nil {
		return nil, queue.ErrSerialization(err)
	}
	return raw, nil
}

func unmarshalRecord(raw []byte) (*queue.Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, queue.ErrSerialization(err)
	}
	rec := sr.Record
	rec.LeaseToken = sr.Lease
	return &rec, nil
}

func eligible(rec *queue.Record, now time.Time) bool {
	if rec.Message.RunAt.After(now) {
		return false
	}
	switch rec.Status {
	case queue.StatusEnqueued, queue.StatusScheduled:
		return true
	case queue.StatusRetrying:
		return !rec.RetryAt.After(now)
	default:
		return false
	}
}
