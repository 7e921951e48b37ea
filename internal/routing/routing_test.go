package routing

import (
	"os"
	"path/filepath"
	"testing"

	"dc-recover/internal/record"
)

func rng(lo, hi byte, addrs map[uint32]string) Range {
	var loKey, hiKey record.Key
	loKey[0], hiKey[0] = lo, hi

	addr := make(map[uint32]GroupAddress, len(addrs))
	for gid, a := range addrs {
		addr[gid] = GroupAddress{EID: record.EID{GroupID: gid}, Address: a}
	}
	return Range{IDRange: record.KeyRange{Lo: loKey, Hi: hiKey}, Address: addr}
}

func TestStaticTableRangesByAddress(t *testing.T) {
	table := NewStaticTable([]Range{
		rng(0x00, 0x80, map[uint32]string{1: "node-a", 2: "node-b"}),
		rng(0x80, 0xff, map[uint32]string{1: "node-c", 2: "node-b"}),
	})

	got := table.RangesByAddress("node-b")
	if len(got) != 2 {
		t.Fatalf("expected node-b to own 2 ranges, got %d", len(got))
	}

	got = table.RangesByAddress("node-a")
	if len(got) != 1 {
		t.Fatalf("expected node-a to own 1 range, got %d", len(got))
	}

	got = table.RangesByAddress("nowhere")
	if len(got) != 0 {
		t.Fatalf("expected unknown address to own 0 ranges, got %d", len(got))
	}
}

func TestStaticTableFilterByAddress(t *testing.T) {
	table := NewStaticTable([]Range{
		rng(0x00, 0x80, map[uint32]string{1: "node-a", 2: "node-b"}),
	})

	got := table.FilterByAddress("node-a")
	if len(got) != 1 || got[0].EID.GroupID != 1 {
		t.Fatalf("expected node-a to resolve to group 1, got %+v", got)
	}
}

func TestContextValidateRejectsMissingFields(t *testing.T) {
	base := Context{
		Address:   "node-a",
		BatchSize: 10,
		NProcess:  1,
		TmpDir:    "/tmp",
		Routes:    NewStaticTable(nil),
	}

	cases := []struct {
		name    string
		mutate  func(c *Context)
		wantErr bool
	}{
		{"valid", func(c *Context) {}, false},
		{"no address", func(c *Context) { c.Address = "" }, true},
		{"zero batch size", func(c *Context) { c.BatchSize = 0 }, true},
		{"zero nprocess", func(c *Context) { c.NProcess = 0 }, true},
		{"no tmp dir", func(c *Context) { c.TmpDir = "" }, true},
		{"no routes", func(c *Context) { c.Routes = nil }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestContextValidateDefaultsPipelineDepth(t *testing.T) {
	c := Context{
		Address:   "node-a",
		BatchSize: 10,
		NProcess:  1,
		TmpDir:    "/tmp",
		Routes:    NewStaticTable(nil),
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.PipelineDepth != 1 {
		t.Fatalf("expected PipelineDepth to default to 1, got %d", c.PipelineDepth)
	}
}

func TestLoadStaticTableFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	yamlContent := `
ranges:
  - lo: "00"
    hi: "80"
    address:
      1:
        address: "127.0.0.1:1001"
        eid: 1
      2:
        address: "127.0.0.1:1002"
        eid: 2
  - lo: "80"
    hi: "max"
    address:
      1:
        address: "127.0.0.1:1001"
        eid: 3
      2:
        address: "127.0.0.1:1003"
        eid: 4
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	table, err := LoadStaticTable(path)
	if err != nil {
		t.Fatalf("LoadStaticTable: %v", err)
	}

	got := table.RangesByAddress("127.0.0.1:1001")
	if len(got) != 2 {
		t.Fatalf("expected 127.0.0.1:1001 to own 2 ranges, got %d", len(got))
	}

	got = table.RangesByAddress("127.0.0.1:1003")
	if len(got) != 1 {
		t.Fatalf("expected 127.0.0.1:1003 to own 1 range, got %d", len(got))
	}
	if got[0].IDRange.Hi[0] != 0xff {
		t.Fatalf("expected 'max' hi bound to decode to 0xff, got %x", got[0].IDRange.Hi[0])
	}
}
