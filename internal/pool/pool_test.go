package pool

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dc-recover/internal/memstore"
	"dc-recover/internal/reconcile"
	"dc-recover/internal/record"
	"dc-recover/internal/routing"
	"dc-recover/internal/stats"
	"dc-recover/internal/storeclient"
	"dc-recover/internal/storeclient/httptransport"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func key(b byte) record.Key {
	var k record.Key
	k[0] = b
	return k
}

func newNodeServer(t *testing.T) (*memstore.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	store := memstore.New()
	httptransport.NewServer(store).Register(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return store, strings.TrimPrefix(ts.URL, "http://")
}

func newReconciler() *reconcile.Reconciler {
	dialNode := func(address string) (storeclient.Node, error) {
		return httptransport.NewNode(address, time.Second), nil
	}
	dialIterator := func(address string) (storeclient.IteratorClient, error) {
		return httptransport.NewIterator(httptransport.NewNode(address, time.Second)), nil
	}
	return reconcile.New(dialNode, dialIterator)
}

func TestRunProcessesEveryOwnedRange(t *testing.T) {
	localStore, localAddr := newNodeServer(t)
	remoteStore, remoteAddr := newNodeServer(t)
	remoteStore.Put(2, key(0x10), 100, 0, []byte("a"))
	remoteStore.Put(2, key(0x90), 100, 0, []byte("b"))

	rangeA := routing.Range{
		IDRange: record.KeyRange{Lo: key(0x00), Hi: key(0x80)},
		Address: map[uint32]routing.GroupAddress{
			1: {EID: record.EID{GroupID: 1}, Address: localAddr},
			2: {EID: record.EID{GroupID: 2}, Address: remoteAddr},
		},
	}
	rangeB := routing.Range{
		IDRange: record.KeyRange{Lo: key(0x80), Hi: key(0xff)},
		Address: map[uint32]routing.GroupAddress{
			1: {EID: record.EID{GroupID: 1}, Address: localAddr},
			2: {EID: record.EID{GroupID: 2}, Address: remoteAddr},
		},
	}
	table := routing.NewStaticTable([]routing.Range{rangeA, rangeB})

	logger, _ := zap.NewDevelopment()
	rc := &routing.Context{
		Address:   localAddr,
		Timestamp: time.Unix(0, 0),
		BatchSize: 4,
		TmpDir:    t.TempDir(),
		NProcess:  2,
		Routes:    table,
		Stats:     stats.New(nil),
		Log:       logger.Sugar(),
	}
	if err := rc.Validate(); err != nil {
		t.Fatalf("invalid context: %v", err)
	}

	ok, err := Run(context.Background(), rc, newReconciler())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatalf("expected overall recovery to succeed")
	}

	if _, err := localStore.Get(1, key(0x10)); err != nil {
		t.Fatalf("expected range A's key to be recovered: %v", err)
	}
	if _, err := localStore.Get(1, key(0x90)); err != nil {
		t.Fatalf("expected range B's key to be recovered: %v", err)
	}
}

func TestRunReturnsErrorWhenAddressUnknownToRoutes(t *testing.T) {
	table := routing.NewStaticTable(nil)
	logger, _ := zap.NewDevelopment()
	rc := &routing.Context{
		Address:   "nowhere:1234",
		BatchSize: 4,
		TmpDir:    t.TempDir(),
		NProcess:  1,
		Routes:    table,
		Stats:     stats.New(nil),
		Log:       logger.Sugar(),
	}
	if err := rc.Validate(); err != nil {
		t.Fatalf("invalid context: %v", err)
	}

	_, err := Run(context.Background(), rc, newReconciler())
	if err == nil {
		t.Fatalf("expected an error for an address absent from the routing table")
	}
}

func TestRunSkipsOwnedRangeWithNoRemotes(t *testing.T) {
	_, otherAddr := newNodeServer(t)
	rng := routing.Range{
		IDRange: record.KeyRange{Lo: key(0x00), Hi: key(0xff)},
		Address: map[uint32]routing.GroupAddress{
			1: {EID: record.EID{GroupID: 1}, Address: otherAddr},
		},
	}
	table := routing.NewStaticTable([]routing.Range{rng})

	logger, _ := zap.NewDevelopment()
	rc := &routing.Context{
		Address:   otherAddr,
		BatchSize: 4,
		TmpDir:    t.TempDir(),
		NProcess:  1,
		Routes:    table,
		Stats:     stats.New(nil),
		Log:       logger.Sugar(),
	}
	if err := rc.Validate(); err != nil {
		t.Fatalf("invalid context: %v", err)
	}

	ok, err := Run(context.Background(), rc, newReconciler())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatalf("expected an address that owns its only range to succeed trivially")
	}
}
