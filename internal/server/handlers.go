package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dantte-lp/arbcast/internal/rbc"
	"github.com/dantte-lp/arbcast/internal/wire"
)

// -------------------------------------------------------------------------
// Request / Response Bodies
// -------------------------------------------------------------------------

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BroadcastRequest is the POST /v1/broadcast body. Payload is raw bytes;
// gin decodes the JSON base64 string into it. Sequence 0 (or absent)
// asks the node to allocate the next local sequence.
type BroadcastRequest struct {
	Sequence uint64 `json:"sequence"`
	Payload  []byte `json:"payload" binding:"required"`
}

// BroadcastResponse reports the identifier an accepted broadcast runs
// under.
type BroadcastResponse struct {
	Sender   uint16 `json:"sender"`
	Sequence uint64 `json:"sequence"`
	ID       string `json:"id"`
}

// InstanceView is one instance in API responses.
type InstanceView struct {
	Sender       uint16 `json:"sender"`
	Sequence     uint64 `json:"sequence"`
	ID           string `json:"id"`
	Phase        string `json:"phase"`
	EchoCount    int    `json:"echo_count"`
	ReadyCount   int    `json:"ready_count"`
	ReadySent    bool   `json:"ready_sent"`
	DigestLocked bool   `json:"digest_locked"`
	Delivered    bool   `json:"delivered"`
	PayloadSize  int    `json:"payload_size"`
}

// DeliveryView is one delivered broadcast in API responses.
type DeliveryView struct {
	Sender   uint16    `json:"sender"`
	Sequence uint64    `json:"sequence"`
	ID       string    `json:"id"`
	Payload  []byte    `json:"payload"`
	Time     time.Time `json:"time"`
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status    string `json:"status"`
	NodeID    uint16 `json:"node_id"`
	Instances int    `json:"instances"`
}

func viewOf(snap rbc.Snapshot) InstanceView {
	return InstanceView{
		Sender:       snap.ID.Sender,
		Sequence:     snap.ID.Sequence,
		ID:           snap.ID.String(),
		Phase:        snap.Phase(),
		EchoCount:    snap.EchoCount,
		ReadyCount:   snap.ReadyCount,
		ReadySent:    snap.ReadySent,
		DigestLocked: snap.DigestLocked,
		Delivered:    snap.Delivered,
		PayloadSize:  snap.PayloadSize,
	}
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

// handleBroadcast handles POST /v1/broadcast.
func (s *Server) handleBroadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	seq := req.Sequence
	if seq == 0 {
		seq = s.rt.NextSequence()
	}

	id, err := s.rt.Broadcast(c.Request.Context(), seq, req.Payload)
	switch {
	case errors.Is(err, rbc.ErrDuplicateSequence):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	case errors.Is(err, wire.ErrPayloadTooLarge):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		s.log.Error("broadcast failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, BroadcastResponse{
		Sender:   id.Sender,
		Sequence: id.Sequence,
		ID:       id.String(),
	})
}

// handleInstances handles GET /v1/instances.
func (s *Server) handleInstances(c *gin.Context) {
	snaps := s.rt.Snapshots()

	views := make([]InstanceView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, viewOf(snap))
	}

	c.JSON(http.StatusOK, views)
}

// handleInstance handles GET /v1/instances/:sender/:sequence.
func (s *Server) handleInstance(c *gin.Context) {
	sender, err := strconv.ParseUint(c.Param("sender"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "sender must be a 16-bit integer"})
		return
	}
	sequence, err := strconv.ParseUint(c.Param("sequence"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "sequence must be a 64-bit integer"})
		return
	}

	id := wire.Identifier{Sender: uint16(sender), Sequence: sequence}
	snap, ok := s.rt.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no live instance " + id.String()})
		return
	}

	c.JSON(http.StatusOK, viewOf(snap))
}

// handleDeliveries handles GET /v1/deliveries?limit=N.
func (s *Server) handleDeliveries(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	recent := s.rt.Deliveries(limit)

	views := make([]DeliveryView, 0, len(recent))
	for _, d := range recent {
		views = append(views, DeliveryView{
			Sender:   d.ID.Sender,
			Sequence: d.ID.Sequence,
			ID:       d.ID.String(),
			Payload:  d.Payload,
			Time:     d.Time,
		})
	}

	c.JSON(http.StatusOK, views)
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		NodeID:    s.rt.NodeID(),
		Instances: s.rt.InstanceCount(),
	})
}
