// Package ids generates time-sortable identifiers and computes the stable
// partition hash used to route a task within its queue (spec §2 component A,
// §4.1).
package ids

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// New returns a time-sortable (UUIDv7) identifier string.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/random source is broken;
		// fall back to a random v4 rather than panicking in a hot path.
		return uuid.New().String()
	}
	return id.String()
}

// PartitionFor computes partition_for(queue, task_id, N) = stable_hash(queue
// ‖ task_id) mod N, per spec §4.1. The hash is a fixed non-cryptographic
// hash (FNV-1a) so the result is stable across processes and Go versions.
func PartitionFor(queueName, taskID string, numPartitions int32) int32 {
	if numPartitions <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(queueName))
	_, _ = h.Write([]byte{0}) // separator, avoids ("ab","c") colliding with ("a","bc")
	_, _ = h.Write([]byte(taskID))
	return int32(h.Sum64() % uint64(numPartitions))
}
