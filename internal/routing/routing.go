// Package routing holds the recovery run's static configuration (Context)
// and the cluster's range-to-group-to-address map (RoutingTable), which
// together answer the two questions every other package needs answered:
// "what ranges does this address own" and "who else replicates this key
// range". The real answer to both normally comes from the store cluster
// itself; this package only defines the shapes and ships one in-memory
// implementation for tests and `dc-recover simulate`.
package routing

import (
	"fmt"
	"time"

	"dc-recover/internal/record"
	"dc-recover/internal/stats"

	"go.uber.org/zap"
)

// GroupAddress is one replica of a Range: which endpoint-id owns the range
// inside group GroupID, and the network address to reach it at.
type GroupAddress struct {
	EID     record.EID
	Address string
}

// Range is one contiguous slice of the keyspace, replicated across the
// groups listed in Address.
type Range struct {
	IDRange record.KeyRange

	// Address maps a replication group id to the endpoint owning this
	// range inside that group. Exactly one entry is this run's own
	// group (Context.GroupID); the rest are the remotes run_iterators
	// reads from.
	Address map[uint32]GroupAddress
}

func (r Range) String() string {
	return fmt.Sprintf("%s-%s", r.IDRange.Lo, r.IDRange.Hi)
}

// RoutingTable answers the two questions the pool driver needs: which
// group this address belongs to, and which ranges that address owns.
type RoutingTable interface {
	// FilterByAddress returns every route entry whose group serves
	// address, in routing-table order. The pool driver uses entry 0's
	// group id as the run's own group (mirrors
	// routes.filter_by_address(address)[0].key.group_id).
	FilterByAddress(address string) []GroupAddress

	// RangesByAddress returns every range owned (locally) by address.
	RangesByAddress(address string) []Range
}

// StaticTable is an in-memory RoutingTable, built once and never mutated
// after construction. It backs `dc-recover simulate` and integration
// tests; a production deployment would instead adapt a client for the
// store cluster's own route discovery (out of scope, per the external
// store collaborator boundary).
type StaticTable struct {
	ranges []Range
}

// NewStaticTable builds a StaticTable from a fixed list of ranges.
func NewStaticTable(ranges []Range) *StaticTable {
	return &StaticTable{ranges: ranges}
}

func (t *StaticTable) FilterByAddress(address string) []GroupAddress {
	var out []GroupAddress
	for _, r := range t.ranges {
		for _, ga := range r.Address {
			if ga.Address == address {
				out = append(out, ga)
			}
		}
	}
	return out
}

func (t *StaticTable) RangesByAddress(address string) []Range {
	var out []Range
	for _, r := range t.ranges {
		if _, ok := byAddress(r, address); ok {
			out = append(out, r)
		}
	}
	return out
}

func byAddress(r Range, address string) (GroupAddress, bool) {
	for _, ga := range r.Address {
		if ga.Address == address {
			return ga, true
		}
	}
	return GroupAddress{}, false
}

// Context is the immutable configuration for one recovery run, threaded
// explicitly through every worker — never held in a package-level global,
// per the resolved "cross-process shared context" open question.
type Context struct {
	// Address is this run's own node address ("host:port"), used to
	// create the local iterator/session and to resolve GroupID via
	// Routes.FilterByAddress.
	Address string

	// Groups restricts recovery to this set of replication groups; a
	// nil/empty slice means "use every group Routes knows about".
	Groups []uint32

	// GroupID is resolved once at the start of a run from
	// Routes.FilterByAddress(Address)[0].EID.GroupID and then held
	// fixed for every range the run processes.
	GroupID uint32

	// Timestamp is the recovery floor: iterators only need to consider
	// records written at or after this time.
	Timestamp time.Time

	// BatchSize bounds how many keys recoverexec reads and writes per
	// bulk round-trip.
	BatchSize int

	// TmpDir is where iterator result temp files are created.
	TmpDir string

	// NProcess bounds how many ranges the pool driver processes
	// concurrently; the effective worker count is min(NProcess,
	// len(ranges)).
	NProcess int

	// DryRun computes diffs and the recovery plan but skips the actual
	// recover stage.
	DryRun bool

	// LegacyByteAccounting reproduces a historical recovered_bytes
	// accounting quirk, which adds a batch's successfully written bytes
	// twice and never debits the bytes of failed writes. Left available for operators who have
	// dashboards built against the skewed figure; new deployments
	// should leave this false.
	LegacyByteAccounting bool

	// PipelineDepth is the number of chunks kept in flight per range at
	// once. The executor keeps one chunk in flight regardless of this
	// value; Validate only replaces an unset (zero) depth with 1.
	PipelineDepth int

	Routes RoutingTable
	Stats  *stats.Sink
	Log    *zap.SugaredLogger
}

// Validate checks the fields process_range and recover rely on being
// sane, surfacing configuration mistakes before a pool of workers is
// spawned rather than mid-run.
func (c *Context) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("routing: Context.Address must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("routing: Context.BatchSize must be positive, got %d", c.BatchSize)
	}
	if c.NProcess <= 0 {
		return fmt.Errorf("routing: Context.NProcess must be positive, got %d", c.NProcess)
	}
	if c.TmpDir == "" {
		return fmt.Errorf("routing: Context.TmpDir must not be empty")
	}
	if c.Routes == nil {
		return fmt.Errorf("routing: Context.Routes must not be nil")
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 1
	}
	return nil
}
