// Package mongo registers MongoDB-backed storage for executions and their
// observation logs.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain an ingest.Store that persists executions and append-only observation
// logs with contiguous per-execution sequence numbers.
package mongo
