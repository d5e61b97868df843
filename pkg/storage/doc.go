/*
Package storage provides the embedded persistence layer of the agent.

Every subsystem shares one SQLite database through the Store interface:
the device registration row, the durable offline queue, cached telemetry,
security events, backup records, command history, and the audit log. The
queue is the only transport between the agent and the backend; producers
enqueue rows and the sync worker drains them, so nothing observed while
offline is ever lost.

SQLiteStore is the production implementation, built on sqlx and the pure
Go modernc.org/sqlite driver so the agent binary stays CGO-free.
*/
package storage
