// Package httptransport is the one concrete storeclient implementation this
// repo ships: a direct, JSON-over-HTTP transport, plus a reference server
// half backed by internal/memstore so the whole pipeline can run end to
// end against something other than a live cluster.
package httptransport

import (
	"net/http"

	"dc-recover/internal/memstore"
	"dc-recover/internal/record"

	"github.com/gin-gonic/gin"
)

// iterateRequest is the wire body of POST /store/iterate.
type iterateRequest struct {
	GroupID        uint32 `json:"group_id"`
	KeyLo          string `json:"key_lo"`
	KeyHi          string `json:"key_hi"`
	SinceTimestamp uint64 `json:"since_timestamp"`
}

type recordWire struct {
	Key       string `json:"key"`
	Timestamp uint64 `json:"timestamp"`
	UserFlags uint32 `json:"user_flags"`
	Size      uint32 `json:"size"`
}

type bulkReadRequest struct {
	GroupID uint32   `json:"group_id"`
	Keys    []string `json:"keys"`
}

type bulkReadResponseItem struct {
	Key       string `json:"key"`
	Timestamp uint64 `json:"timestamp"`
	UserFlags uint32 `json:"user_flags"`
	Data      []byte `json:"data"`
	Error     string `json:"error,omitempty"`
}

type writeRequest struct {
	GroupID   uint32 `json:"group_id"`
	Key       string `json:"key"`
	Timestamp uint64 `json:"timestamp"`
	UserFlags uint32 `json:"user_flags"`
	Data      []byte `json:"data"`
}

// Server is the reference store node: it answers iterate, bulk-read and
// write requests against an in-memory memstore.Store. It exists for
// integration tests, not production use.
type Server struct {
	store *memstore.Store
}

// NewServer wraps store as an HTTP server.
func NewServer(store *memstore.Store) *Server {
	return &Server{store: store}
}

// Register mounts the reference store's routes on r under one route
// group.
func (s *Server) Register(r *gin.Engine) {
	store := r.Group("/store")
	store.POST("/iterate", s.handleIterate)
	store.POST("/bulk-read", s.handleBulkRead)
	store.POST("/write", s.handleWrite)
}

func (s *Server) handleIterate(c *gin.Context) {
	var req iterateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lo, err := decodeKey(req.KeyLo)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hi, err := decodeKey(req.KeyHi)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records := s.store.Iterate(req.GroupID, record.KeyRange{Lo: lo, Hi: hi}, req.SinceTimestamp)
	out := make([]recordWire, len(records))
	for i, r := range records {
		out[i] = recordWire{Key: encodeKey(r.Key), Timestamp: r.Timestamp, UserFlags: r.UserFlags, Size: r.Size}
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

func (s *Server) handleBulkRead(c *gin.Context) {
	var req bulkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out := make([]bulkReadResponseItem, 0, len(req.Keys))
	for _, hexKey := range req.Keys {
		key, err := decodeKey(hexKey)
		if err != nil {
			out = append(out, bulkReadResponseItem{Key: hexKey, Error: err.Error()})
			continue
		}
		rec, err := s.store.Get(req.GroupID, key)
		if err != nil {
			out = append(out, bulkReadResponseItem{Key: hexKey, Error: err.Error()})
			continue
		}
		out = append(out, bulkReadResponseItem{
			Key:       hexKey,
			Timestamp: rec.Timestamp,
			UserFlags: rec.UserFlags,
			Data:      rec.Data,
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) handleWrite(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := decodeKey(req.Key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.store.Put(req.GroupID, key, req.Timestamp, req.UserFlags, req.Data)
	c.Status(http.StatusNoContent)
}
