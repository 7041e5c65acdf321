package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-aviation-accidents/internal/events"
	"github.com/mr1hm/go-aviation-accidents/internal/ingestion"
	"github.com/mr1hm/go-aviation-accidents/internal/models"
	"github.com/mr1hm/go-aviation-accidents/internal/repository"
)

// Triggerer starts a synchronous ingestion run for a named source.
type Triggerer interface {
	Trigger(ctx context.Context, source string, refresh *bool) (models.RunStats, error)
}

type Handler struct {
	repo        repository.AccidentRepository
	trigger     Triggerer
	broadcaster *events.Broadcaster
	auth        SyncAuth
	logger      *slog.Logger
}

type HandlerOption func(*Handler)

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

func NewHandler(repo repository.AccidentRepository, trigger Triggerer, broadcaster *events.Broadcaster, auth SyncAuth, opts ...HandlerOption) *Handler {
	h := &Handler{
		repo:        repo,
		trigger:     trigger,
		broadcaster: broadcaster,
		auth:        auth,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/api/accidents", h.getAccidents)
	r.GET("/api/runs", h.getRuns)
	r.GET("/api/runs/stream", h.streamRuns)

	protected := r.Group("/api", h.auth.Middleware())
	protected.POST("/sync/:source", h.sync)
	protected.GET("/sync/:source", h.sync)
	protected.PUT("/accidents/:key/coordinates", h.setCoordinates)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) getAccidents(c *gin.Context) {
	filter := repository.Filter{WithCoordinates: true}

	if s := c.Query("since"); s != "" {
		if t, ok := parseDate(s); ok {
			filter.Since = &t
		}
	}
	if u := c.Query("until"); u != "" {
		if t, ok := parseDate(u); ok {
			filter.Until = &t
		}
	}
	if s := c.Query("severity"); s != "" {
		if sev, ok := parseSeverity(s); ok {
			filter.Severity = &sev
		}
	}
	if cl := c.Query("class"); cl != "" {
		if class, ok := parseClass(cl); ok {
			filter.Class = &class
		}
	}
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 {
			filter.Limit = lim
		}
	}
	if o := c.Query("offset"); o != "" {
		if off, err := strconv.Atoi(o); err == nil && off > 0 {
			filter.Offset = off
		}
	}

	accidents, err := h.repo.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("error listing accidents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to fetch accidents",
		})
		return
	}

	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, toGeoJSON(accidents))
}

func (h *Handler) getRuns(c *gin.Context) {
	limit := 20
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 {
			limit = lim
		}
	}

	runs, err := h.repo.ListRuns(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("error listing runs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to fetch runs",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// streamRuns sends every finalized run as a server-sent event until the
// client goes away or the broadcaster is closed.
func (h *Handler) streamRuns(c *gin.Context) {
	if h.broadcaster == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run stream unavailable"})
		return
	}

	id, ch := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(id)

	h.logger.Debug("run stream subscriber connected", "subscriber", id)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case stats, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("run", stats)
			return true
		}
	})
}

func (h *Handler) sync(c *gin.Context) {
	source := c.Param("source")

	var refresh *bool
	if r := c.Query("refresh"); r != "" {
		v, err := strconv.ParseBool(r)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh must be a boolean"})
			return
		}
		refresh = &v
	}

	stats, err := h.trigger.Trigger(c.Request.Context(), source, refresh)
	switch {
	case errors.Is(err, ingestion.ErrUnknownSource):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ingestion.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("error triggering run", "source", source, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger run"})
		return
	}

	switch stats.State {
	case models.RunStateAborted:
		c.JSON(http.StatusBadGateway, stats)
	case models.RunStateCancelled:
		c.JSON(http.StatusServiceUnavailable, stats)
	default:
		c.JSON(http.StatusOK, stats)
	}
}

type coordinatesRequest struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
}

func (h *Handler) setCoordinates(c *gin.Context) {
	key := c.Param("key")

	var req coordinatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng are required"})
		return
	}
	coords := models.Coordinates{Lat: *req.Lat, Lng: *req.Lng}
	if !coords.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coordinates out of range"})
		return
	}

	err := h.repo.SetCoordinates(c.Request.Context(), key, coords)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("error setting coordinates", "external_key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set coordinates"})
		return
	}

	h.logger.Info("coordinates overridden", "external_key", key, "lat", coords.Lat, "lng", coords.Lng)
	c.JSON(http.StatusOK, gin.H{
		"external_key": key,
		"coordinates":  coords,
		"estimated":    true,
	})
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseSeverity(s string) (models.InjurySeverity, bool) {
	switch sev := models.InjurySeverity(strings.ToLower(s)); sev {
	case models.InjuryNone, models.InjuryMinor, models.InjurySerious, models.InjuryFatal:
		return sev, true
	default:
		return "", false
	}
}

func parseClass(s string) (models.EventClass, bool) {
	switch class := models.EventClass(strings.ToLower(s)); class {
	case models.EventClassAccident, models.EventClassIncident:
		return class, true
	default:
		return "", false
	}
}
