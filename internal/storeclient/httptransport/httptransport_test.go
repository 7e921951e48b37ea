package httptransport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dc-recover/internal/memstore"
	"dc-recover/internal/record"
	"dc-recover/internal/storeclient"

	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T, store *memstore.Store) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewServer(store).Register(router)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	address := strings.TrimPrefix(ts.URL, "http://")
	return ts, address
}

func key(b byte) record.Key {
	var k record.Key
	k[0] = b
	return k
}

func TestIteratorStartReturnsStoreRecords(t *testing.T) {
	store := memstore.New()
	store.Put(1, key(0x10), 100, 0, []byte("a"))
	store.Put(1, key(0x20), 200, 0, []byte("b"))

	_, address := newTestServer(t, store)
	node := NewNode(address, time.Second)
	it := NewIterator(node)

	tmpDir := t.TempDir()
	res, err := it.Start(context.Background(), record.EID{GroupID: 1},
		storeclient.TimeRange{From: time.Unix(0, 0)},
		[]record.KeyRange{{Lo: key(0x00), Hi: key(0xff)}},
		tmpDir, address)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer res.Close()

	if res.Length() != 2 {
		t.Fatalf("expected 2 records, got %d", res.Length())
	}
}

func TestSessionBulkReadAndWriteAsyncRoundTrip(t *testing.T) {
	store := memstore.New()
	store.Put(1, key(0x10), 100, 0, []byte("hello"))

	_, address := newTestServer(t, store)
	node := NewNode(address, time.Second)
	sess, err := node.Session(1)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	sess.SetDirectID(address)

	ch, err := sess.BulkRead(context.Background(), []record.Key{key(0x10)})
	if err != nil {
		t.Fatalf("BulkRead: %v", err)
	}
	var got storeclient.ReadResult
	for r := range ch {
		got = r
	}
	if got.Err != nil || string(got.Data) != "hello" {
		t.Fatalf("unexpected bulk read result: %+v", got)
	}

	f := sess.WriteAsync(context.Background(), key(0x20), 300, 0, []byte("written"))
	if err := f.Wait(); err != nil {
		t.Fatalf("WriteAsync: %v", err)
	}
	if !f.Successful() {
		t.Fatalf("expected write to succeed")
	}

	rec, err := store.Get(1, key(0x20))
	if err != nil || string(rec.Data) != "written" {
		t.Fatalf("expected write to land in store, got %+v err=%v", rec, err)
	}
}

func TestBulkReadReportsPerKeyErrorWithoutFailingTheBatch(t *testing.T) {
	store := memstore.New()
	store.Put(1, key(0x10), 100, 0, []byte("present"))

	_, address := newTestServer(t, store)
	node := NewNode(address, time.Second)
	sess, _ := node.Session(1)

	ch, err := sess.BulkRead(context.Background(), []record.Key{key(0x10), key(0xaa)})
	if err != nil {
		t.Fatalf("BulkRead: %v", err)
	}
	results := map[record.Key]storeclient.ReadResult{}
	for r := range ch {
		results[r.Key] = r
	}
	if results[key(0x10)].Err != nil {
		t.Fatalf("expected present key to succeed, got %v", results[key(0x10)].Err)
	}
	if results[key(0xaa)].Err == nil {
		t.Fatalf("expected missing key to report an error")
	}
}
