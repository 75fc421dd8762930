package httpapi

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/ingest"
	"crabstack.local/projects/crab-observer/internal/store"
)

func (s *server) readBody(c *gin.Context) ([]byte, bool) {
	defer c.Request.Body.Close()
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxBodyBytes+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_body", "read body failed")
		return nil, false
	}
	if int64(len(body)) > s.maxBodyBytes {
		writeError(c, http.StatusRequestEntityTooLarge, "body_too_large", fmt.Sprintf("body exceeds %d bytes", s.maxBodyBytes))
		return nil, false
	}
	return body, true
}

func (s *server) handleSubmitOne(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	raw, err := event.DecodeRaw(body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	result := s.gateway.SubmitOne(c.Request.Context(), raw)
	c.JSON(resultStatus(result), result)
}

func (s *server) handleSubmitBatch(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	var (
		raws []event.Raw
		err  error
	)
	if isNDJSON(c.GetHeader("Content-Type")) {
		raws, err = decodeNDJSON(body)
	} else {
		raws, err = event.DecodeRawList(body)
	}
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	results, err := s.gateway.SubmitBatch(c.Request.Context(), raws)
	switch {
	case errors.Is(err, ingest.ErrBatchTooLarge):
		writeError(c, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
		return
	case errors.Is(err, ingest.ErrShuttingDown):
		writeError(c, http.StatusServiceUnavailable, ingest.CodeShuttingDown, err.Error())
		return
	case err != nil:
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// resultStatus maps a single-event outcome. Sampled and filtered events
// are not errors, they were just not kept.
func resultStatus(r ingest.Result) int {
	switch r.Status {
	case ingest.StatusAccepted:
		return http.StatusCreated
	case ingest.StatusSampledOut, ingest.StatusFiltered:
		return http.StatusAccepted
	case ingest.StatusRejected:
		return http.StatusBadRequest
	case ingest.StatusRateLimited:
		return http.StatusTooManyRequests
	case ingest.StatusUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isNDJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "application/x-ndjson", "application/ndjson", "application/jsonl", "application/x-jsonlines":
		return true
	}
	return false
}

// decodeNDJSON reads one object per line. Blank lines are skipped and lines
// that are not objects become nil entries, reported per item.
func decodeNDJSON(body []byte) ([]event.Raw, error) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64<<10), len(body)+1)
	var out []event.Raw
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		raw, err := event.DecodeRaw(line)
		if err != nil {
			out = append(out, nil)
			continue
		}
		out = append(out, raw)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("decode ndjson: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("empty batch")
	}
	return out, nil
}

func (s *server) handleGetEvent(c *gin.Context) {
	ev, err := s.query.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *server) handleQueryEvents(c *gin.Context) {
	r, err := rangeParams(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	filter, err := filterParams(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	page, err := s.query.Events(c.Request.Context(), store.RangeQuery{
		Range:  r,
		Filter: filter,
		Cursor: c.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": nonNil(page.Events), "next_cursor": page.NextCursor})
}

func (s *server) handleSessionEvents(c *gin.Context) {
	r, err := rangeParams(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := c.Param("id")
	events, err := s.query.SessionEvents(c.Request.Context(), id, r)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "events": nonNil(events)})
}

func (s *server) handleSessionSummary(c *gin.Context) {
	r, err := rangeParams(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	summary, err := s.query.SessionSummary(c.Request.Context(), c.Param("id"), r)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *server) handleAgentEvents(c *gin.Context) {
	r, err := rangeParams(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := c.Param("id")
	events, err := s.query.AgentEvents(c.Request.Context(), id, r)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "events": nonNil(events)})
}

func (s *server) handleAgentSummary(c *gin.Context) {
	r, err := rangeParams(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	summary, err := s.query.AgentSummary(c.Request.Context(), c.Param("id"), r)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func nonNil(events []event.Event) []event.Event {
	if events == nil {
		return []event.Event{}
	}
	return events
}
