package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/queue"
)

type enqueueRequest struct {
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	CodecID        string          `json:"codec_id"`
	Priority       *int            `json:"priority"`
	MaxRetries     int             `json:"max_retries"`
	RunAt          *time.Time      `json:"run_at"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// POST /v1/queues/:queue/jobs
func (s *Server) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.BadRequest("invalid request body").WithSource(err))
		return
	}
	if req.JobType == "" {
		renderError(c, errdefs.BadRequest("job_type is required"))
		return
	}

	msg := queue.Message{
		JobType:        req.JobType,
		Payload:        []byte(req.Payload),
		CodecID:        req.CodecID,
		Queue:          c.Param("queue"),
		MaxRetries:     req.MaxRetries,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Priority != nil {
		msg.Priority = queue.Priority(*req.Priority)
	}
	if req.RunAt != nil {
		msg.RunAt = *req.RunAt
	}

	id, err := s.adapter.EnqueueMessage(c.Request.Context(), tenantFrom(c), msg)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id.String()})
}

// GET /v1/jobs/:id
func (s *Server) handleJobStatus(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		renderError(c, errdefs.BadRequest("invalid job id"))
		return
	}
	rec, err := s.adapter.Backend().GetRecord(c.Request.Context(), tenantFrom(c), jobID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DELETE /v1/jobs/:id
func (s *Server) handleJobCancel(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		renderError(c, errdefs.BadRequest("invalid job id"))
		return
	}
	canceled, err := s.adapter.Backend().Cancel(c.Request.Context(), tenantFrom(c), jobID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID.String(), "canceled": canceled})
}

// GET /v1/queue/stats
func (s *Server) handleQueueStats(c *gin.Context) {
	events := make(map[string]int64)
	for kind, n := range s.recorder.Counts() {
		events[string(kind)] = n
	}
	jobTypes := make(map[string]any)
	for _, jt := range s.recorder.JobTypes() {
		st, ok := s.recorder.Stats(jt)
		if !ok {
			continue
		}
		jobTypes[jt] = gin.H{
			"count":   st.Count,
			"success": st.Success,
			"failure": st.Failure,
			"mean_ms": st.Mean.Milliseconds(),
			"p50_ms":  st.P50.Milliseconds(),
			"p95_ms":  st.P95.Milliseconds(),
			"p99_ms":  st.P99.Milliseconds(),
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "job_types": jobTypes})
}

// GET /v1/queue/events
//
// Streams the tenant's job events as SSE until the client goes away.
func (s *Server) handleJobEvents(c *gin.Context) {
	events, cancel, err := s.adapter.Backend().Subscribe(c.Request.Context(), tenantFrom(c))
	if err != nil {
		renderError(c, err)
		return
	}
	defer cancel()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			w.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("encode job event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", string(ev.Kind), raw)
			w.Flush()
		}
	}
}
