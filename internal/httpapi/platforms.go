package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/platform"
)

const maxPlatformRequestBytes int64 = 1 << 20

type createPlatformBody struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name"`
	Version       string         `json:"version"`
	SchemaVersion string         `json:"schema_version"`
	Enabled       *bool          `json:"enabled"`
	Config        map[string]any `json:"config"`
}

type platformSchema struct {
	platform.Platform
	Fields     []string `json:"fields"`
	Required   []string `json:"required"`
	EventTypes []string `json:"event_types"`
}

var requiredFields = []string{"platform", "source_app", "session_id", "event_type", "timestamp"}

func (s *server) handleListPlatforms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"platforms": s.platforms.List()})
}

func (s *server) handlePlatformSchema(c *gin.Context) {
	p, err := s.platforms.Get(c.Param("name"))
	if err != nil {
		s.writePlatformError(c, err)
		return
	}
	fields := make([]string, 0, len(event.KnownFields))
	for f := range event.KnownFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	c.JSON(http.StatusOK, platformSchema{
		Platform:   p,
		Fields:     fields,
		Required:   requiredFields,
		EventTypes: event.KnownTypes(),
	})
}

func (s *server) handleCreatePlatform(c *gin.Context) {
	var body createPlatformBody
	if !decodeJSONBody(c, &body) {
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	p, err := s.platforms.Create(c.Request.Context(), platform.Platform{
		Name:          body.Name,
		DisplayName:   body.DisplayName,
		Version:       body.Version,
		SchemaVersion: body.SchemaVersion,
		Enabled:       enabled,
		Config:        body.Config,
	})
	if err != nil {
		s.writePlatformError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *server) handleUpdatePlatform(c *gin.Context) {
	var upd platform.Update
	if !decodeJSONBody(c, &upd) {
		return
	}
	p, err := s.platforms.Update(c.Request.Context(), c.Param("name"), upd)
	if err != nil {
		s.writePlatformError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *server) handleDisablePlatform(c *gin.Context) {
	p, err := s.platforms.Disable(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.writePlatformError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *server) writePlatformError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, platform.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, platform.ErrExists):
		writeError(c, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, platform.ErrInvalid):
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error("platform update failed", "err", err)
		writeError(c, http.StatusInternalServerError, "internal", "internal error")
	}
}

// decodeJSONBody rejects unknown fields and trailing content.
func decodeJSONBody(c *gin.Context, dst any) bool {
	defer c.Request.Body.Close()
	dec := json.NewDecoder(io.LimitReader(c.Request.Body, maxPlatformRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	if dec.More() {
		writeError(c, http.StatusBadRequest, "invalid_json", "trailing content")
		return false
	}
	return true
}
