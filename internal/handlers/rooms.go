package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/camlink/internal/codes"
	"github.com/mossy-p/camlink/internal/middleware"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/registry"
)

// CodeGenerator issues pairing codes.
type CodeGenerator interface {
	Generate(ctx context.Context) (models.PairingCode, error)
}

// GenerateCode hands out a new pairing code (viewer side "add camera")
func (h *Handler) GenerateCode(c *gin.Context) {
	code, err := h.generator.Generate(c.Request.Context())
	if errors.Is(err, codes.ErrExhausted) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No pairing codes available, try again later"})
		return
	}
	if err != nil {
		h.log.Error("failed to generate code", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate code"})
		return
	}

	c.JSON(http.StatusOK, models.GenerateCodeResponse{
		Code:      code.Value,
		ExpiresAt: code.ExpiresAt,
	})
}

// GetRoom reports membership and status of an open room (public)
func (h *Handler) GetRoom(c *gin.Context) {
	info, err := h.registry.Info(c.Request.Context(), c.Param("code"))
	if errors.Is(err, registry.ErrInvalidCode) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
		return
	}

	c.JSON(http.StatusOK, info)
}

// DeleteRoom closes a room (requires a rejoin token for that room)
func (h *Handler) DeleteRoom(c *gin.Context) {
	code := c.Param("code")
	claims := middleware.ClaimsFrom(c)
	if claims == nil || claims.RoomCode != code {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only members of the room can close it"})
		return
	}

	err := h.registry.Close(c.Request.Context(), code, "closed by "+string(claims.Role))
	if errors.Is(err, registry.ErrInvalidCode) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to close room"})
		return
	}

	h.log.Info("room closed over REST", slog.String("room", code), slog.String("member", claims.MemberID))
	c.JSON(http.StatusOK, gin.H{"message": "Room closed"})
}

// Health reports liveness and the number of open rooms
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": h.registry.Len()})
}
