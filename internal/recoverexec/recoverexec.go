// Package recoverexec is the recovery executor: given the per-source-address
// recovery plan internal/iterresult.Merge produced, it bulk-reads each
// batch of keys from its source and bulk-writes them back to the local
// node, the same two-step "pull then push" recover/recover_keys does in
// original_source/dc.py.
package recoverexec

import (
	"context"
	"fmt"

	"dc-recover/internal/iterresult"
	"dc-recover/internal/record"
	"dc-recover/internal/routing"
	"dc-recover/internal/stats"
	"dc-recover/internal/storeclient"
)

// NodeDialer opens a Node connection to address. Recover calls it for the
// local node and once per source address, and closes each node when done,
// so every node/session created during a range's recovery stays on the
// goroutine processing that range.
type NodeDialer func(address string) (storeclient.Node, error)

// Recover pulls and replays every diff's keys, batched by rc.BatchSize, and
// reports whether every batch's writes fully succeeded. diffs is consumed:
// each Result is closed once its keys have been processed.
func Recover(ctx context.Context, rc *routing.Context, diffs []*iterresult.Result, dial NodeDialer, sink *stats.Sink) (bool, error) {
	localNode, err := dial(rc.Address)
	if err != nil {
		return false, fmt.Errorf("recoverexec: dial local node %s: %w", rc.Address, err)
	}
	defer localNode.Close()

	localSession, err := localNode.Session(rc.GroupID)
	if err != nil {
		return false, fmt.Errorf("recoverexec: open local session on group %d: %w", rc.GroupID, err)
	}
	localSession.SetDirectID(rc.Address)

	result := true
	var total int
	for _, d := range diffs {
		total += d.Length()
	}
	rc.Log.Infow("recovering keys", "count", total)

	for _, diff := range diffs {
		ok, err := recoverOne(ctx, rc, diff, localSession, dial, sink)
		diff.Close()
		if err != nil {
			return false, err
		}
		result = result && ok
	}
	return result, nil
}

func recoverOne(ctx context.Context, rc *routing.Context, diff *iterresult.Result, localSession storeclient.Session, dial NodeDialer, sink *stats.Sink) (bool, error) {
	remoteNode, err := dial(diff.Address)
	if err != nil {
		return false, fmt.Errorf("recoverexec: dial remote node %s: %w", diff.Address, err)
	}
	defer remoteNode.Close()

	remoteSession, err := remoteNode.Session(diff.GroupID)
	if err != nil {
		return false, fmt.Errorf("recoverexec: open remote session on group %d: %w", diff.GroupID, err)
	}
	remoteSession.SetDirectID(diff.Address)

	records, err := diff.Records()
	if err != nil {
		return false, fmt.Errorf("recoverexec: read diff for %s: %w", diff.Address, err)
	}

	ok := true
	for _, batch := range chunkRecords(records, rc.BatchSize) {
		successes, failures := recoverKeys(ctx, rc, diff.GroupID, batch, localSession, remoteSession, sink)
		sink.Counter("recovered_keys", int64(successes))
		sink.Counter("recovered_keys", -int64(failures))
		ok = ok && failures == 0
	}
	return ok, nil
}

// chunkRecords slices records into fixed-size batches, the Go equivalent of
// groupby(enumerate(diff), key=lambda x: x[0] / ctx.batch_size).
func chunkRecords(records []record.Record, batchSize int) [][]record.Record {
	if batchSize <= 0 {
		batchSize = 1
	}
	var out [][]record.Record
	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[i:end])
	}
	return out
}

// recoverKeys bulk-reads batch's keys from remoteSession and bulk-writes
// them to localSession, returning the number of keys that made the full
// round trip successfully versus not.
func recoverKeys(ctx context.Context, rc *routing.Context, remoteGroupID uint32, batch []record.Record, localSession, remoteSession storeclient.Session, sink *stats.Sink) (successes, failures int) {
	keys := make([]record.Key, len(batch))
	for i, r := range batch {
		keys[i] = r.Key
	}

	reads, err := remoteSession.BulkRead(ctx, keys)
	if err != nil {
		rc.Log.Debugw("bulk read failed", "keys", len(keys), "error", err)
		return 0, len(keys)
	}

	type pending struct {
		future storeclient.Future
		size   int
	}
	var inFlight []pending
	var readBytes int

	for r := range reads {
		if r.Err != nil {
			failures++
			continue
		}
		f := localSession.WriteAsync(ctx, r.Key, r.Timestamp, r.UserFlags, r.Data)
		inFlight = append(inFlight, pending{future: f, size: len(r.Data)})
		readBytes += len(r.Data)
	}

	var successSize, failureSize int
	for _, p := range inFlight {
		if err := p.future.Wait(); err != nil {
			failureSize += p.size
			failures++
			continue
		}
		if p.future.Successful() {
			successSize += p.size
			successes++
		} else {
			failureSize += p.size
			failures++
		}
	}

	if rc.LegacyByteAccounting {
		// Credits successSize twice instead of debiting failureSize on
		// the failure branch, reproducing a historical accounting quirk.
		sink.Counter("recovered_bytes", int64(successSize))
		sink.Counter("recovered_bytes", int64(successSize))
	} else {
		sink.Counter("recovered_bytes", int64(successSize))
		sink.Counter("recovered_bytes", -int64(failureSize))
	}

	return successes, failures
}
