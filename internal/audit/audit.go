// Package audit implements the append-only audit event store for an
// organization's domain activity.
//
// Events are written once and never updated or deleted; every read is a
// filtered scan by organization, time, type, or aggregate. Recording an event
// also hands a copy to a Publisher (normally the webhook pipeline) on a
// best-effort basis, so a delivery problem never fails the caller.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package audit
