package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crabstack.local/projects/crab-observer/internal/store"
)

func analyticsParams(c *gin.Context) (store.TimeRange, store.Filter, bool) {
	r, err := rangeParams(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return store.TimeRange{}, store.Filter{}, false
	}
	f, err := filterParams(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return store.TimeRange{}, store.Filter{}, false
	}
	return r, f, true
}

func (s *server) handleAnalyzeSessions(c *gin.Context) {
	r, f, ok := analyticsParams(c)
	if !ok {
		return
	}
	report, err := s.query.AnalyzeSessions(c.Request.Context(), r, f)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *server) handleAnalyzeAgents(c *gin.Context) {
	r, f, ok := analyticsParams(c)
	if !ok {
		return
	}
	report, err := s.query.AnalyzeAgents(c.Request.Context(), r, f)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *server) handleCosts(c *gin.Context) {
	r, f, ok := analyticsParams(c)
	if !ok {
		return
	}
	report, err := s.query.Costs(c.Request.Context(), r, f)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *server) handleErrors(c *gin.Context) {
	r, f, ok := analyticsParams(c)
	if !ok {
		return
	}
	latest, err := intParam(c, "latest", defaultLatestErrors)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	report, err := s.query.Errors(c.Request.Context(), r, f, latest)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
