package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/manpreetbhatti/sketchsync/internal/auth"
	"github.com/manpreetbhatti/sketchsync/internal/db"
	"github.com/manpreetbhatti/sketchsync/internal/presence"
	"github.com/manpreetbhatti/sketchsync/internal/ratelimit"
	"github.com/manpreetbhatti/sketchsync/internal/router"
	"github.com/manpreetbhatti/sketchsync/internal/strokelog"
)

// Hub is the live side of the server, satisfied by *ws.Hub.
type Hub interface {
	ActiveSessions() map[string]int
	Participants(sessionID string) []presence.Participant
	SessionInfo(sessionID string) (router.Info, bool)
	Stats() map[string]int
	ClearSession(ctx context.Context, sessionID, by string) error
}

// SessionStore is satisfied by *db.Database.
type SessionStore interface {
	CreateSession(ctx context.Context, id, name, createdBy string) (*db.Session, error)
	GetSession(ctx context.Context, id string) (*db.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]db.Session, error)
	DeleteSession(ctx context.Context, id string) error
	GetStats(ctx context.Context) (map[string]int, error)
}

type API struct {
	hub      Hub
	sessions SessionStore
	strokes  strokelog.Log
	provider auth.Provider
	limiters *ratelimit.ClientLimiters
	logger   *slog.Logger
}

func New(hub Hub, sessions SessionStore, strokes strokelog.Log, provider auth.Provider, limiters *ratelimit.ClientLimiters, logger *slog.Logger) *API {
	return &API{
		hub:      hub,
		sessions: sessions,
		strokes:  strokes,
		provider: provider,
		limiters: limiters,
		logger:   logger,
	}
}

func errorResponse(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(c *gin.Context) {
	live := a.hub.Stats()
	stats := gin.H{
		"active_sessions": live["active_sessions"],
		"active_clients":  live["connections"],
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if dbStats, err := a.sessions.GetStats(c.Request.Context()); err == nil {
		stats["total_sessions"] = dbStats["session_count"]
		stats["total_strokes"] = dbStats["stroke_count"]
	} else {
		a.logger.Warn("failed to read database stats", "error", err)
	}

	c.JSON(http.StatusOK, stats)
}

func (a *API) CurrentUserHandler(c *gin.Context) {
	identity, err := a.provider.CurrentUser(c.Request)
	if errors.Is(err, auth.ErrUnauthenticated) {
		errorResponse(c, http.StatusUnauthorized, "Authentication required")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to resolve user")
		return
	}
	c.JSON(http.StatusOK, identity)
}

// Session handlers

type SessionResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`

	// set only while someone is connected
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

type CreateSessionRequest struct {
	Name string `json:"name"`
}

func toSessionResponse(s db.Session, active int) SessionResponse {
	return SessionResponse{
		ID:          s.ID,
		Name:        s.Name,
		CreatedBy:   s.CreatedBy,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		ActiveUsers: active,
	}
}

func (a *API) ListSessionsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	sessions, err := a.sessions.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		a.logger.Error("failed to list sessions", "error", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	active := a.hub.ActiveSessions()
	response := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		response[i] = toSessionResponse(s, active[s.ID])
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": response,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CreateSessionHandler(c *gin.Context) {
	if a.limiters != nil && !a.limiters.Allow(c.ClientIP()) {
		errorResponse(c, http.StatusTooManyRequests, "Too many requests")
		return
	}

	identity, err := a.provider.CurrentUser(c.Request)
	if errors.Is(err, auth.ErrUnauthenticated) {
		errorResponse(c, http.StatusUnauthorized, "Authentication required")
		return
	}
	if err != nil {
		a.logger.Error("failed to resolve user", "error", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to resolve user")
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		errorResponse(c, http.StatusBadRequest, "Session name is required")
		return
	}

	session, err := a.sessions.CreateSession(c.Request.Context(), uuid.NewString(), name, identity.ID)
	if err != nil {
		a.logger.Error("failed to create session", "error", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to create session")
		return
	}

	a.logger.Info("📄 session created", "session", session.ID, "name", session.Name)
	c.JSON(http.StatusCreated, toSessionResponse(*session, 0))
}

func (a *API) GetSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := a.sessions.GetSession(c.Request.Context(), sessionID)
	if errors.Is(err, db.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get session")
		return
	}

	response := toSessionResponse(*session, 0)
	if info, ok := a.hub.SessionInfo(sessionID); ok {
		response.ActiveUsers = info.Members
		response.LastActivity = &info.LastActivity
	}
	c.JSON(http.StatusOK, response)
}

// DeleteSessionHandler removes the session metadata and its strokes. Anyone
// still connected sees the canvas cleared.
func (a *API) DeleteSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := a.sessions.GetSession(ctx, sessionID); errors.Is(err, db.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "Session not found")
		return
	}

	if err := a.hub.ClearSession(ctx, sessionID, "api"); err != nil {
		a.logger.Warn("failed to clear strokes of deleted session", "session", sessionID, "error", err)
	}
	if err := a.sessions.DeleteSession(ctx, sessionID); err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to delete session")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

// Stroke and presence handlers

func (a *API) ListStrokesHandler(c *gin.Context) {
	sessionID := c.Param("id")

	strokes, err := a.strokes.ReadAll(c.Request.Context(), sessionID)
	if err != nil {
		a.logger.Error("failed to read strokes", "session", sessionID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to read strokes")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"strokes":    strokes,
		"count":      len(strokes),
	})
}

func (a *API) ClearStrokesHandler(c *gin.Context) {
	sessionID := c.Param("id")

	by := "api"
	if identity, err := a.provider.CurrentUser(c.Request); err == nil && !identity.Anonymous {
		by = identity.ID
	}

	if err := a.hub.ClearSession(c.Request.Context(), sessionID, by); err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to clear strokes")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Canvas cleared"})
}

func (a *API) ListUsersHandler(c *gin.Context) {
	sessionID := c.Param("id")
	users := a.hub.Participants(sessionID)
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"users":      users,
		"count":      len(users),
	})
}
