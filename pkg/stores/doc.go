// Package stores provides persistence layer implementations for mlpipe.
// It includes SQLite-based storage with WAL mode, connection pooling and
// embedded migrations for pipeline records, deployment units, stackset
// instances, lifecycle history and provisioning locks.
package stores
