package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"numbers-betting-backend/internal/middleware"
	"numbers-betting-backend/internal/models"
	"numbers-betting-backend/internal/services"
)

// SessionEnder is the slice of the settlement engine the admin endpoint needs.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID, adminID int64) (*models.SettlementResult, error)
	RefreshActiveSessions(ctx context.Context) error
}

type SessionHandler struct {
	engine SessionEnder
	store  services.LedgerStore
	log    zerolog.Logger
}

func NewSessionHandler(engine SessionEnder, store services.LedgerStore, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		engine: engine,
		store:  store,
		log:    log,
	}
}

func (h *SessionHandler) GetActiveSessions(c *gin.Context) {
	sessions, err := h.store.ActiveSessions(c.Request.Context(), time.Now())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load active sessions")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to load active sessions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// EndSession settles a session immediately on behalf of the calling admin.
func (h *SessionHandler) EndSession(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	adminID := c.GetInt64(middleware.ContextUserID)

	result, err := h.engine.EndSession(c.Request.Context(), sessionID, adminID)
	if err != nil {
		var se *services.StorageError
		switch {
		case errors.Is(err, services.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Game session not found"})
		case errors.Is(err, services.ErrInvalidWinningNumber):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "Stored winning number is invalid",
				"details": err.Error(),
			})
		case errors.As(err, &se):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":     "Settlement failed, try again",
				"retryable": se.Transient,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Settlement failed"})
		}
		return
	}

	if !result.AlreadySettled {
		if err := h.engine.RefreshActiveSessions(c.Request.Context()); err != nil {
			h.log.Warn().Err(err).Msg("failed to broadcast active sessions")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"already_settled": result.AlreadySettled,
		"run_id":          result.RunID,
		"session":         result.Session,
		"bets_resolved":   len(result.Outcomes),
		"winners":         result.Winners,
		"total_stakes":    result.TotalStakes,
		"total_payouts":   result.TotalPayouts,
		"net_revenue":     result.NetRevenue(),
	})
}
