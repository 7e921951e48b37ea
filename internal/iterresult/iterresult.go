// Package iterresult implements the iterator result container described by
// the recovery engine's core spec: an append-then-sort file of records that
// supports length, iteration, in-place sort, pairwise diff, and N-way
// merge-split.
//
// A Result owns exactly one temp file for its lifetime. Sort mutates that
// file in place; Diff and Merge always produce brand new handles and leave
// their inputs untouched, so the reconciler can keep using "local" after
// diffing it against several remotes.
package iterresult

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"

	"dc-recover/internal/record"
)

// sortChunkRecords bounds how many records are sorted in memory at once
// before spilling to a run file. Kept small enough to exercise the
// external-merge path in tests without needing huge fixtures.
const sortChunkRecords = 4096

// Result is a handle to a temp file holding an iteration stream plus the
// metadata the reconciler and executor need to route reads.
type Result struct {
	path    string
	tmpDir  string
	length  int
	sorted  bool
	IDRange record.KeyRange
	Address string
	GroupID uint32
	EID     record.EID
}

// Builder accumulates records for a single iterator invocation before they
// are frozen into a Result.
type Builder struct {
	tmpDir  string
	idRange record.KeyRange
	f       *os.File
	w       *bufio.Writer
	length  int
}

// NewBuilder opens a fresh temp file under tmpDir for one iterator result.
func NewBuilder(tmpDir string, idRange record.KeyRange) (*Builder, error) {
	f, err := os.CreateTemp(tmpDir, "dc-recover-iter-*.bin")
	if err != nil {
		return nil, fmt.Errorf("create iterator temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &Builder{tmpDir: tmpDir, idRange: idRange, f: f, w: w}, nil
}

// Append adds one record to the builder, in file order (not required to be
// sorted — Sort is a separate stage).
func (b *Builder) Append(r record.Record) error {
	var wbuf bytes.Buffer
	if err := gob.NewEncoder(&wbuf).Encode(&r); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	buf := wbuf.Bytes()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := b.w.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := b.w.Write(buf); err != nil {
		return err
	}
	b.length++
	return nil
}

// Finish flushes and closes the builder, returning the finished Result.
func (b *Builder) Finish(address string, groupID uint32, eid record.EID) (*Result, error) {
	if err := b.w.Flush(); err != nil {
		return nil, err
	}
	path := b.f.Name()
	if err := b.f.Close(); err != nil {
		return nil, err
	}
	return &Result{
		path:    path,
		tmpDir:  b.tmpDir,
		length:  b.length,
		IDRange: b.idRange,
		Address: address,
		GroupID: groupID,
		EID:     eid,
	}, nil
}

// Abort discards a builder that will never be finished (e.g. the remote
// iterator failed mid-stream).
func (b *Builder) Abort() {
	b.f.Close()
	os.Remove(b.f.Name())
}

// Length returns the number of records currently in the container. O(1).
func (r *Result) Length() int { return r.length }

// Sorted reports whether Sort has succeeded on this handle.
func (r *Result) Sorted() bool { return r.sorted }

// Close removes the backing temp file. Safe to call multiple times.
func (r *Result) Close() error {
	if r.path == "" {
		return nil
	}
	err := os.Remove(r.path)
	r.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Records reads the entire container into memory, in file order. Exposed
// for the stages that need to materialize a small container (diff inputs
// after sort, merge buckets); large containers should prefer Sort's
// external-merge path instead of calling Records directly.
func (r *Result) Records() ([]record.Record, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open iterator result: %w", err)
	}
	defer f.Close()
	return readAll(f)
}

func readAll(f *os.File) ([]record.Record, error) {
	reader := bufio.NewReader(f)
	var out []record.Record
	for {
		rec, err := readOne(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt iterator result: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func readOne(r *bufio.Reader) (record.Record, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return record.Record{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return record.Record{}, err
	}
	var rec record.Record
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&rec); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// Sort orders records ascending by key; for records sharing a key, newer
// timestamp wins the tie (see record.Less). Sort is external-merge capable:
// records are read in bounded chunks, each chunk sorted in memory and
// spilled to its own run file, then the runs are k-way merged back into the
// original path. Stability on secondary fields is not required.
func (r *Result) Sort() error {
	if r.length == 0 {
		r.sorted = true
		return nil
	}

	runs, err := r.spillSortedRuns()
	if err != nil {
		cleanupRuns(runs)
		return fmt.Errorf("sort %v: %w", r.IDRange, err)
	}
	if len(runs) == 1 {
		if err := os.Rename(runs[0], r.path); err != nil {
			cleanupRuns(runs)
			return fmt.Errorf("sort %v: %w", r.IDRange, err)
		}
		r.sorted = true
		return nil
	}

	merged, err := kWayMergeRuns(r.tmpDir, runs)
	cleanupRuns(runs)
	if err != nil {
		return fmt.Errorf("sort %v: %w", r.IDRange, err)
	}
	if err := os.Rename(merged, r.path); err != nil {
		return fmt.Errorf("sort %v: %w", r.IDRange, err)
	}
	r.sorted = true
	return nil
}

func cleanupRuns(runs []string) {
	for _, p := range runs {
		os.Remove(p)
	}
}

// spillSortedRuns reads the container in bounded chunks, sorts each chunk in
// memory, and writes it out as its own run file.
func (r *Result) spillSortedRuns() ([]string, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	reader := bufio.NewReader(f)

	var runs []string
	chunk := make([]record.Record, 0, sortChunkRecords)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		sort.Slice(chunk, func(i, j int) bool { return record.Less(chunk[i], chunk[j]) })
		path, err := writeRun(r.tmpDir, chunk)
		if err != nil {
			return err
		}
		runs = append(runs, path)
		chunk = chunk[:0]
		return nil
	}

	for {
		rec, err := readOne(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return runs, fmt.Errorf("corrupt iterator result: %w", err)
		}
		chunk = append(chunk, rec)
		if len(chunk) >= sortChunkRecords {
			if err := flush(); err != nil {
				return runs, err
			}
		}
	}
	if err := flush(); err != nil {
		return runs, err
	}
	return runs, nil
}

func writeRun(tmpDir string, recs []record.Record) (string, error) {
	f, err := os.CreateTemp(tmpDir, "dc-recover-run-*.bin")
	if err != nil {
		return "", err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for i := range recs {
		if err := writeOne(w, recs[i]); err != nil {
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func writeOne(w *bufio.Writer, r record.Record) error {
	var wbuf bytes.Buffer
	if err := gob.NewEncoder(&wbuf).Encode(&r); err != nil {
		return err
	}
	buf := wbuf.Bytes()
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// runCursor holds one run file's decoder state during a k-way merge.
type runCursor struct {
	r     *bufio.Reader
	f     *os.File
	cur   record.Record
	valid bool
}

func openRunCursor(path string) (*runCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c := &runCursor{r: bufio.NewReader(f), f: f}
	if err := c.advance(); err != nil && err != io.EOF {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *runCursor) advance() error {
	rec, err := readOne(c.r)
	if err != nil {
		c.valid = false
		return err
	}
	c.cur = rec
	c.valid = true
	return nil
}

func (c *runCursor) close() { c.f.Close() }

// kWayMergeRuns merges already-sorted run files into one sorted output file.
func kWayMergeRuns(tmpDir string, runs []string) (string, error) {
	cursors := make([]*runCursor, 0, len(runs))
	defer func() {
		for _, c := range cursors {
			c.close()
		}
	}()
	for _, p := range runs {
		c, err := openRunCursor(p)
		if err != nil {
			return "", err
		}
		cursors = append(cursors, c)
	}

	out, err := os.CreateTemp(tmpDir, "dc-recover-merged-*.bin")
	if err != nil {
		return "", err
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	for {
		best := -1
		for i, c := range cursors {
			if !c.valid {
				continue
			}
			if best == -1 || record.Less(c.cur, cursors[best].cur) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		if err := writeOne(w, cursors[best].cur); err != nil {
			return "", err
		}
		if err := cursors[best].advance(); err != nil && err != io.EOF {
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return out.Name(), nil
}

// Diff performs a linear merge of self and other, which must already be
// sorted and share the same id range. It emits every record from other
// whose key is absent from self, or present in self with an older
// timestamp. The output inherits other's source metadata.
func (r *Result) Diff(other *Result, tmpDir string) (*Result, error) {
	if !r.sorted || !other.sorted {
		return nil, fmt.Errorf("diff %v: both inputs must be sorted", r.IDRange)
	}

	selfRecs, err := r.Records()
	if err != nil {
		return nil, fmt.Errorf("diff %v: %w", r.IDRange, err)
	}
	otherRecs, err := other.Records()
	if err != nil {
		return nil, fmt.Errorf("diff %v: %w", r.IDRange, err)
	}

	b, err := NewBuilder(tmpDir, other.IDRange)
	if err != nil {
		return nil, err
	}

	i, j := 0, 0
	for j < len(otherRecs) {
		oRec := otherRecs[j]
		for i < len(selfRecs) && selfRecs[i].Key.Less(oRec.Key) {
			i++
		}
		needed := true
		if i < len(selfRecs) && selfRecs[i].Key.Equal(oRec.Key) {
			needed = oRec.Timestamp > selfRecs[i].Timestamp
		}
		if needed {
			tagged := oRec
			tagged.Address = other.Address
			tagged.GroupID = other.GroupID
			tagged.EID = other.EID
			if err := b.Append(tagged); err != nil {
				b.Abort()
				return nil, err
			}
		}
		j++
	}

	out, err := b.Finish(other.Address, other.GroupID, other.EID)
	if err != nil {
		return nil, err
	}
	out.sorted = true
	return out, nil
}

// Merge performs an N-way linear merge over key order across diffs (which
// must all be sorted and share an id range). For each key, the record with
// the greatest timestamp wins (ties broken by address, for a deterministic,
// stable choice) and is routed into the output bucket keyed by the winner's
// source address. Returns one Result per distinct source address, sorted by
// key, and each key appears in exactly one bucket.
func Merge(tmpDir string, diffs []*Result) ([]*Result, error) {
	if len(diffs) == 0 {
		return nil, nil
	}

	var all []record.Record
	for _, d := range diffs {
		if !d.sorted {
			return nil, fmt.Errorf("merge: diff for %s is not sorted", d.Address)
		}
		recs, err := d.Records()
		if err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		all = append(all, recs...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Key.Equal(all[j].Key) {
			return all[i].Key.Less(all[j].Key)
		}
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp > all[j].Timestamp
		}
		return all[i].Address < all[j].Address
	})

	winners := make([]record.Record, 0, len(all))
	i := 0
	for i < len(all) {
		j := i + 1
		for j < len(all) && all[j].Key.Equal(all[i].Key) {
			j++
		}
		winners = append(winners, all[i]) // group already ordered by timestamp desc, address asc
		i = j
	}

	builders := map[string]*Builder{}
	order := []string{}
	idRange := diffs[0].IDRange
	for _, w := range winners {
		b, ok := builders[w.Address]
		if !ok {
			var err error
			b, err = NewBuilder(tmpDir, idRange)
			if err != nil {
				for _, other := range builders {
					other.Abort()
				}
				return nil, err
			}
			builders[w.Address] = b
			order = append(order, w.Address)
		}
		if err := b.Append(w); err != nil {
			for _, other := range builders {
				other.Abort()
			}
			return nil, err
		}
	}

	sort.Strings(order)
	out := make([]*Result, 0, len(order))
	bySource := map[string]record.Record{}
	for _, w := range winners {
		if _, ok := bySource[w.Address]; !ok {
			bySource[w.Address] = w
		}
	}
	for _, addr := range order {
		src := bySource[addr]
		res, err := builders[addr].Finish(addr, src.GroupID, src.EID)
		if err != nil {
			return out, err
		}
		res.sorted = true
		out = append(out, res)
	}
	return out, nil
}
