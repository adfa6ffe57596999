// Package store provides SQLite-backed durable storage for one backup
// history: content-addressed block bodies, an append-only redo log, and
// the consistent points that mark publishable snapshots.
//
// CRITICAL PATTERNS:
//
// CP-1: Content addressing
// CAS block rows are keyed by hash; PutCAS is a no-op on an existing key
// because content-addressing guarantees any two rows with the same hash
// have identical content.
//
// CP-2: Logical sequencing
// Every redo row is stamped with a monotonic LSN from WriteTx.NextLSN.
// NEVER use wall-clock time to order redo rows; created_at on a consistent
// point is informational only, never used for ordering or replay.
//
// CP-3: Deterministic projection
// IterRedoUpto returns rows ordered by (lsn, block_id) so a caller folding
// them into a block_id -> hash map always sees each block's writes in
// commit order and keeps the last one.
//
// CP-4: Single writer
// The database connection pool is capped at one connection, and BeginWrite
// additionally takes a cross-process advisory file lock before opening a
// transaction. Only one pull or squash may mutate the store at a time.
//
// Database Configuration:
// WAL journal mode, synchronous=FULL (redo durability is the product,
// unlike a cache that can afford NORMAL), 5 second busy timeout, foreign
// keys on.
package store
