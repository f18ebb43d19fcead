// Package scheduler runs the background maintenance loops every Valka node
// needs: a single elected leader reaps expired leases, schedules retries,
// processes the dead-letter queue, and promotes delayed tasks, while every
// node (leader or not) runs a log ingester that batches worker log uploads
// into Postgres (spec §4.7, §4.8, §9; components J and the log half of H).
//
// Leadership is a Postgres advisory lock rather than a second consensus
// protocol: exactly one node holds pg_try_advisory_lock(VALKA) at a time,
// and the holder alone runs the four interval loops below. Losing the
// connection that holds the lock releases it automatically, so a crashed
// leader's work picks back up within one retry interval on another node.
package scheduler
