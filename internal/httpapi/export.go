package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/store"
)

const (
	formatJSON  = "json"
	formatJSONL = "jsonl"
)

type exportQueryBody struct {
	Filter store.Filter `json:"filter"`
	From   string       `json:"from"`
	To     string       `json:"to"`
	Format string       `json:"format"`
}

func parseFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", formatJSON:
		return formatJSON, nil
	case formatJSONL, "ndjson":
		return formatJSONL, nil
	default:
		return "", fmt.Errorf("unsupported format %q", raw)
	}
}

// exportWriter streams events as a JSON array or as JSON lines. The
// response is committed on the first event, so later failures can only
// cut the body short.
type exportWriter struct {
	c       *gin.Context
	format  string
	name    string
	enc     *json.Encoder
	started bool
	n       int
}

func newExportWriter(c *gin.Context, format, name string) *exportWriter {
	return &exportWriter{c: c, format: format, name: name}
}

func (w *exportWriter) start() {
	if w.started {
		return
	}
	w.started = true
	contentType, ext := "application/json", "json"
	if w.format == formatJSONL {
		contentType, ext = "application/x-ndjson", "jsonl"
	}
	h := w.c.Writer.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": w.name + "." + ext}))
	w.c.Status(http.StatusOK)
	w.enc = json.NewEncoder(w.c.Writer)
	if w.format == formatJSON {
		_, _ = io.WriteString(w.c.Writer, "[")
	}
}

func (w *exportWriter) write(ev event.Event) error {
	w.start()
	if w.format == formatJSON && w.n > 0 {
		if _, err := io.WriteString(w.c.Writer, ","); err != nil {
			return err
		}
	}
	w.n++
	return w.enc.Encode(ev)
}

func (w *exportWriter) finish() {
	w.start()
	if w.format == formatJSON {
		_, _ = io.WriteString(w.c.Writer, "]\n")
	}
}

func (s *server) handleExportSession(c *gin.Context) {
	format, err := parseFormat(c.Query("format"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := c.Param("id")
	w := newExportWriter(c, format, "session-"+id)
	n, err := s.query.ExportSession(c.Request.Context(), id, w.write)
	s.finishExport(c, w, n, err)
}

func (s *server) handleExportQuery(c *gin.Context) {
	var body exportQueryBody
	if !decodeJSONBody(c, &body) {
		return
	}
	format, err := parseFormat(body.Format)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	from, err := parseTime(body.From)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "from: "+err.Error())
		return
	}
	to, err := parseTime(body.To)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "to: "+err.Error())
		return
	}
	if err := canonicalSeverities(&body.Filter); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	w := newExportWriter(c, format, "events")
	n, err := s.query.ExportQuery(c.Request.Context(), store.TimeRange{From: from, To: to}, body.Filter, w.write)
	s.finishExport(c, w, n, err)
}

func (s *server) finishExport(c *gin.Context, w *exportWriter, n int, err error) {
	if err != nil {
		if !w.started {
			s.writeStoreError(c, err)
			return
		}
		s.logger.Warn("export interrupted", "exported", n, "err", err)
		return
	}
	w.finish()
	s.logger.Debug("export finished", "exported", n, "format", w.format)
}
