// Package storeclient defines the contract the recovery engine needs from
// the store cluster: starting an iterator over a key range, and running
// bulk reads/writes against a single, pinned node. The store itself is an
// external collaborator — this package only states what it must support.
// internal/storeclient/httptransport ships the one concrete implementation
// this repo carries, talking JSON-over-HTTP to internal/memstore.
package storeclient

import (
	"context"
	"time"

	"dc-recover/internal/iterresult"
	"dc-recover/internal/record"
)

// TimeRange bounds an iterator request: only records with a timestamp at or
// after From are returned. The reconciler leaves To at its zero value, and
// the httptransport iterator does not apply an upper bound.
type TimeRange struct {
	From, To time.Time
}

// IteratorClient runs a store-side iteration over one or more key ranges
// and materializes the result as an iterresult.Result backed by a local
// temp file, ready for Sort/Diff/Merge.
type IteratorClient interface {
	Start(ctx context.Context, eid record.EID, tsRange TimeRange, keyRanges []record.KeyRange, tmpDir, address string) (*iterresult.Result, error)
}

// ReadResult is one outcome of a BulkRead: either Data is populated, or
// Err explains why this particular key could not be read.
type ReadResult struct {
	Key       record.Key
	Timestamp uint64
	UserFlags uint32
	Data      []byte
	Err       error
}

// Session is a group-scoped handle for bulk key I/O pinned to one node
// address, bypassing any placement logic the cluster might otherwise
// apply.
type Session interface {
	// BulkRead issues one batched read for keys and streams back one
	// ReadResult per key as each completes. The channel is closed once
	// every key has been accounted for (successfully or not).
	BulkRead(ctx context.Context, keys []record.Key) (<-chan ReadResult, error)

	// WriteAsync starts an asynchronous write and returns a Future the
	// caller waits on, mirroring write_data_async/r.wait()/r.successful().
	WriteAsync(ctx context.Context, key record.Key, timestamp uint64, userFlags uint32, data []byte) Future

	// SetDirectID pins every subsequent request on this session to
	// address rather than letting the client route by key hash.
	SetDirectID(address string)
}

// Future is the result of an in-flight asynchronous write.
type Future interface {
	Wait() error
	Successful() bool
}

// Node is a connection to one store endpoint, scoped to produce Sessions
// for specific replication groups.
type Node interface {
	Session(groupID uint32) (Session, error)
	Close() error
}
