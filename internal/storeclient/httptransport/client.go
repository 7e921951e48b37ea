package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dc-recover/internal/iterresult"
	"dc-recover/internal/record"
	"dc-recover/internal/storeclient"
)

// Node is a connection to one reference store endpoint. It implements
// storeclient.Node as a base URL plus a timeout-bounded *http.Client, no
// connection pooling beyond what net/http already gives us.
type Node struct {
	address    string
	httpClient *http.Client
}

// NewNode dials address (a "host:port" reachable over HTTP).
func NewNode(address string, timeout time.Duration) *Node {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Node{address: address, httpClient: &http.Client{Timeout: timeout}}
}

func (n *Node) baseURL() string { return fmt.Sprintf("http://%s", n.address) }

// Session returns a group-scoped session. Direct HTTP has no persistent
// session state beyond the address pin SetDirectID applies, so Session
// never fails for this transport.
func (n *Node) Session(groupID uint32) (storeclient.Session, error) {
	return &session{node: n, groupID: groupID, directAddress: n.address}, nil
}

func (n *Node) Close() error { return nil }

// session is a group-scoped handle pinned to one address, bypassing any
// placement logic the cluster might otherwise apply.
type session struct {
	node          *Node
	groupID       uint32
	directAddress string
}

func (s *session) SetDirectID(address string) { s.directAddress = address }

func (s *session) baseURL() string { return fmt.Sprintf("http://%s", s.directAddress) }

// BulkRead issues one POST /store/bulk-read and fans the JSON array back out
// onto a channel, one ReadResult per requested key, preserving the
// "read_count/size" accounting recoverexec needs from a single round trip.
func (s *session) BulkRead(ctx context.Context, keys []record.Key) (<-chan storeclient.ReadResult, error) {
	hexKeys := make([]string, len(keys))
	for i, k := range keys {
		hexKeys[i] = encodeKey(k)
	}

	body, err := json.Marshal(bulkReadRequest{GroupID: s.groupID, Keys: hexKeys})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL()+"/store/bulk-read", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.node.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httptransport: bulk read %d keys: %w", len(keys), err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var decoded struct {
		Results []bulkReadResponseItem `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("httptransport: decode bulk read response: %w", err)
	}

	out := make(chan storeclient.ReadResult, len(decoded.Results))
	for _, item := range decoded.Results {
		key, keyErr := decodeKey(item.Key)
		if keyErr != nil {
			out <- storeclient.ReadResult{Err: keyErr}
			continue
		}
		if item.Error != "" {
			out <- storeclient.ReadResult{Key: key, Err: fmt.Errorf("httptransport: %s", item.Error)}
			continue
		}
		out <- storeclient.ReadResult{Key: key, Timestamp: item.Timestamp, UserFlags: item.UserFlags, Data: item.Data}
	}
	close(out)
	return out, nil
}

// WriteAsync fires the write in a goroutine and returns a Future the caller
// waits on, mirroring write_data_async/r.wait()/r.successful().
func (s *session) WriteAsync(ctx context.Context, key record.Key, timestamp uint64, userFlags uint32, data []byte) storeclient.Future {
	f := &future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		body, err := json.Marshal(writeRequest{
			GroupID:   s.groupID,
			Key:       encodeKey(key),
			Timestamp: timestamp,
			UserFlags: userFlags,
			Data:      data,
		})
		if err != nil {
			f.err = err
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL()+"/store/write", bytes.NewReader(body))
		if err != nil {
			f.err = err
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.node.httpClient.Do(req)
		if err != nil {
			f.err = fmt.Errorf("httptransport: write %s: %w", key, err)
			return
		}
		defer resp.Body.Close()
		f.err = checkStatus(resp)
	}()
	return f
}

// future is the in-flight result of one WriteAsync call.
type future struct {
	done chan struct{}
	err  error
}

func (f *future) Wait() error      { <-f.done; return f.err }
func (f *future) Successful() bool { <-f.done; return f.err == nil }

// Iterator is the storeclient.IteratorClient backed by a reference store
// node: it POSTs /store/iterate and streams the JSON array into an
// iterresult.Builder, exactly the shape run_iterators expects back from
// Iterator(node, group_id).start(...).
type Iterator struct {
	node *Node
}

// NewIterator builds an IteratorClient against node.
func NewIterator(node *Node) *Iterator {
	return &Iterator{node: node}
}

func (it *Iterator) Start(ctx context.Context, eid record.EID, tsRange storeclient.TimeRange, keyRanges []record.KeyRange, tmpDir, address string) (*iterresult.Result, error) {
	if len(keyRanges) != 1 {
		return nil, fmt.Errorf("httptransport: iterator requires exactly one key range, got %d", len(keyRanges))
	}
	kr := keyRanges[0]

	body, err := json.Marshal(iterateRequest{
		GroupID:        eid.GroupID,
		KeyLo:          encodeKey(kr.Lo),
		KeyHi:          encodeKey(kr.Hi),
		SinceTimestamp: uint64(tsRange.From.Unix()),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.node.baseURL()+"/store/iterate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := it.node.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httptransport: iterate %v: %w", kr, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var decoded struct {
		Records []recordWire `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("httptransport: decode iterate response: %w", err)
	}

	b, err := iterresult.NewBuilder(tmpDir, kr)
	if err != nil {
		return nil, err
	}
	for _, rw := range decoded.Records {
		key, err := decodeKey(rw.Key)
		if err != nil {
			b.Abort()
			return nil, err
		}
		if err := b.Append(record.Record{
			Key:       key,
			Timestamp: rw.Timestamp,
			UserFlags: rw.UserFlags,
			Size:      rw.Size,
			Address:   address,
			GroupID:   eid.GroupID,
			EID:       eid,
		}); err != nil {
			b.Abort()
			return nil, err
		}
	}
	return b.Finish(address, eid.GroupID, eid)
}

// APIError carries the HTTP status and message from the reference server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("httptransport: HTTP %d: %s", e.Status, e.Message) }

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
