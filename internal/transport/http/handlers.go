// Package http is the gin transport: ingestion, live map, route queries,
// geofence administration, alerts and workflow management.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/geo"
	"fieldtrack/internal/ingest"
	"fieldtrack/internal/store"
	"fieldtrack/internal/visits"
)

// maxPingBody bounds the raw payload we retain per ping.
const maxPingBody = 16 << 10

type Server struct {
	ingestor  *ingest.Ingestor
	pg        *store.PostgresStore
	redis     *store.RedisStore
	registry  GeofenceRegistry
	routes    *visits.Service
	workflow  WorkflowAdmin
	locByDate *time.Location
}

// GeofenceRegistry is the evaluator-side cache the CRUD handlers invalidate.
type GeofenceRegistry interface {
	Invalidate()
}

// WorkflowAdmin is the management surface of the rule engine.
type WorkflowAdmin interface {
	Reload() error
}

func NewServer(
	ingestor *ingest.Ingestor,
	pg *store.PostgresStore,
	redis *store.RedisStore,
	registry GeofenceRegistry,
	routes *visits.Service,
	workflow WorkflowAdmin,
	loc *time.Location,
) *Server {
	if loc == nil {
		loc = time.Local
	}
	return &Server{
		ingestor:  ingestor,
		pg:        pg,
		redis:     redis,
		registry:  registry,
		routes:    routes,
		workflow:  workflow,
		locByDate: loc,
	}
}

// ── Ingestion ───────────────────────────────────────────────

type pingRequest struct {
	UserID       string    `json:"user_id"`
	CapturedAt   time.Time `json:"captured_at"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	AccuracyM    float64   `json:"accuracy_m"`
	BatteryLevel int       `json:"battery_level"`
	GPSEnabled   *bool     `json:"gps_enabled"`
}

func (s *Server) handlePing(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPingBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	var req pingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}

	// The stream a ping lands in is bound to the API key, never to the body.
	// Admin keys may submit on behalf of another user (bulk import tooling).
	id := callerIdentity(c)
	userID := id.UserID
	fullName := id.FullName
	if req.UserID != "" && req.UserID != id.UserID {
		if !id.Admin {
			c.JSON(http.StatusForbidden, gin.H{"error": "user_id does not match API key"})
			return
		}
		userID = req.UserID
		fullName = ""
	}

	gpsEnabled := true
	if req.GPSEnabled != nil {
		gpsEnabled = *req.GPSEnabled
	}

	p := &domain.LocationPing{
		CapturedAt:   req.CapturedAt,
		UserID:       userID,
		FullName:     fullName,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		AccuracyM:    req.AccuracyM,
		BatteryLevel: req.BatteryLevel,
		GPSEnabled:   gpsEnabled,
		RawPayload:   body,
	}

	switch err := s.ingestor.Accept(p); {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	case errors.Is(err, ingest.ErrStale):
		c.JSON(http.StatusConflict, gin.H{"error": "stale ping"})
	default:
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
	}
}

// ── Live locations ──────────────────────────────────────────

func (s *Server) handleLiveLocations(c *gin.Context) {
	locations, err := s.redis.LiveLocations(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("live location read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "live state unavailable"})
		return
	}
	if locations == nil {
		locations = []domain.LiveLocation{}
	}
	c.JSON(http.StatusOK, gin.H{"locations": locations, "count": len(locations)})
}

// ── Routes ──────────────────────────────────────────────────

func (s *Server) handleUserRoute(c *gin.Context) {
	userID := c.Param("id")
	date := c.Query("date")
	if date == "" {
		date = time.Now().In(s.locByDate).Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected YYYY-MM-DD"})
		return
	}

	route, err := s.routes.Route(c.Request.Context(), userID, date)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Str("date", date).Msg("route query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "route unavailable"})
		return
	}
	c.JSON(http.StatusOK, route)
}

// ── Geofences ───────────────────────────────────────────────

type geofenceView struct {
	domain.Geofence
	Style domain.GeofenceStyle `json:"style"`
}

func (s *Server) handleListGeofences(c *gin.Context) {
	activeOnly := c.Query("all") != "true"
	fences, err := s.pg.ListGeofences(c.Request.Context(), activeOnly)
	if err != nil {
		log.Error().Err(err).Msg("geofence list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "geofences unavailable"})
		return
	}

	views := make([]geofenceView, 0, len(fences))
	for _, g := range fences {
		views = append(views, geofenceView{Geofence: g, Style: domain.StyleFor(g.Type)})
	}
	c.JSON(http.StatusOK, gin.H{"geofences": views})
}

type geofenceRequest struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusM   float64 `json:"radius_m"`
	IsActive  *bool   `json:"is_active"`
}

func (r *geofenceRequest) validate() string {
	if r.Name == "" {
		return "name is required"
	}
	if !domain.GeofenceType(r.Type).Valid() {
		return "type must be one of office, client, warehouse, restricted"
	}
	if !geo.ValidCoordinates(r.Latitude, r.Longitude) {
		return "coordinates out of range"
	}
	if r.RadiusM <= 0 {
		return "radius_m must be positive"
	}
	return ""
}

func (s *Server) handleCreateGeofence(c *gin.Context) {
	var req geofenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	g := &domain.Geofence{
		Name:      req.Name,
		Type:      domain.GeofenceType(req.Type),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		RadiusM:   req.RadiusM,
		IsActive:  active,
	}
	if err := s.pg.CreateGeofence(c.Request.Context(), g); err != nil {
		log.Error().Err(err).Msg("geofence create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "geofence create failed"})
		return
	}

	s.invalidateGeofences(c.Request.Context())
	c.JSON(http.StatusCreated, geofenceView{Geofence: *g, Style: domain.StyleFor(g.Type)})
}

func (s *Server) handleUpdateGeofence(c *gin.Context) {
	var req geofenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	g := &domain.Geofence{
		ID:        c.Param("id"),
		Name:      req.Name,
		Type:      domain.GeofenceType(req.Type),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		RadiusM:   req.RadiusM,
		IsActive:  active,
	}
	if err := s.pg.UpdateGeofence(c.Request.Context(), g); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "geofence not found"})
			return
		}
		log.Error().Err(err).Msg("geofence update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "geofence update failed"})
		return
	}

	s.invalidateGeofences(c.Request.Context())
	c.JSON(http.StatusOK, geofenceView{Geofence: *g, Style: domain.StyleFor(g.Type)})
}

func (s *Server) handleDeleteGeofence(c *gin.Context) {
	if err := s.pg.DeleteGeofence(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "geofence not found"})
			return
		}
		log.Error().Err(err).Msg("geofence delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "geofence delete failed"})
		return
	}

	s.invalidateGeofences(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) invalidateGeofences(ctx context.Context) {
	s.registry.Invalidate()
	if err := s.redis.PublishGeofenceInvalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("geofence invalidation broadcast failed")
	}
}

// ── Alerts ──────────────────────────────────────────────────

func (s *Server) handleOpenAlerts(c *gin.Context) {
	alerts, err := s.pg.ListOpenAlerts(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("open alerts query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alerts unavailable"})
		return
	}
	if alerts == nil {
		alerts = []domain.DeviceAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleAckAlert(c *gin.Context) {
	err := s.pg.AcknowledgeAlert(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no open alert with that id"})
			return
		}
		log.Error().Err(err).Msg("alert acknowledge failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "acknowledge failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

// ── Workflow management ─────────────────────────────────────

func (s *Server) handleWorkflowReload(c *gin.Context) {
	if err := s.workflow.Reload(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rules rejected: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func (s *Server) handleWorkflowExecutions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	executions, err := s.pg.ListExecutions(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("execution query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "executions unavailable"})
		return
	}
	if executions == nil {
		executions = []domain.WorkflowExecution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

// ── Health ──────────────────────────────────────────────────

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{"postgres": "ok", "redis": "ok"}
	if err := s.pg.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.redis.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, checks)
}
