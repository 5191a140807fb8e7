package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"numbers-betting-backend/internal/middleware"
	"numbers-betting-backend/internal/services"
)

type UserHandler struct {
	store services.LedgerStore
	log   zerolog.Logger
}

func NewUserHandler(store services.LedgerStore, log zerolog.Logger) *UserHandler {
	return &UserHandler{
		store: store,
		log:   log,
	}
}

func (h *UserHandler) GetSessionBets(c *gin.Context) {
	userID, exists := c.Get(middleware.ContextUserID)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	bets, err := h.store.UserBets(c.Request.Context(), userID.(int64), sessionID)
	if err != nil {
		h.log.Error().Err(err).Int64("session_id", sessionID).Msg("failed to load bets")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to load bets"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"game_session_id": sessionID,
		"bets":            bets,
	})
}
