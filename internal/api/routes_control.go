package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/db"
)

type kickRequest struct {
	Reason string `json:"reason"`
}

type banRequest struct {
	IP     string `json:"ip" binding:"required"`
	Reason string `json:"reason"`
}

type shutdownRequest struct {
	Reason string `json:"reason"`
}

// handleKick disconnects the player best matching :name.
func (s *Server) handleKick(c *gin.Context) {
	name := c.Param("name")
	var req kickRequest
	// body is optional
	_ = c.ShouldBindJSON(&req)

	if !s.deps.Proxy.Kick(name, req.Reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found", "name": name})
		return
	}

	log.Info().Str("player", name).Str("client_ip", c.ClientIP()).Msg("API: player kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "name": name})
}

func (s *Server) handleListBans(c *gin.Context) {
	bans := s.deps.Bans.List()
	c.JSON(http.StatusOK, gin.H{
		"bans":  bans,
		"total": len(bans),
	})
}

func (s *Server) handleBan(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	addr, err := db.ParseIP(req.IP)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ban, err := s.deps.Bans.Ban(addr, req.Reason)
	if err != nil {
		log.Error().Err(err).Str("ip", req.IP).Msg("API: failed to ban")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, ban)
}

func (s *Server) handleUnban(c *gin.Context) {
	addr, err := db.ParseIP(c.Param("ip"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Bans.Unban(addr); err != nil {
		if errors.Is(err, db.ErrNotBanned) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "ip": addr.String()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned", "ip": addr.String()})
}

// handleShutdown stops the proxy after the response is written.
func (s *Server) handleShutdown(c *gin.Context) {
	if s.deps.Shutdown == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "shutdown is not available"})
		return
	}
	var req shutdownRequest
	_ = c.ShouldBindJSON(&req)

	log.Warn().Str("client_ip", c.ClientIP()).Str("reason", req.Reason).Msg("API: shutdown requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
	go s.deps.Shutdown(req.Reason)
}
