package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nethergate/nethergate/internal/util"
)

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Monitor.Status())
}

// handleSystem reports host and process facts.
func (s *Server) handleSystem(c *gin.Context) {
	mem := util.GetProcessMemory()
	c.JSON(http.StatusOK, gin.H{
		"system":  util.GetSystemInfo(),
		"memory":  mem,
		"rss":     mem.Human(),
		"version": util.Version,
	})
}

func (s *Server) handlePlayers(c *gin.Context) {
	players := s.deps.Proxy.PlayerInfos()
	c.JSON(http.StatusOK, gin.H{
		"players": players,
		"total":   len(players),
	})
}

// handleServers returns the backend list in the shape backends receive it.
func (s *Server) handleServers(c *gin.Context) {
	data := s.deps.Proxy.ClientData()
	c.JSON(http.StatusOK, gin.H{
		"clientList": data.ClientList,
		"total":      len(data.ClientList),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.deps.Sessions == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []any{}, "total": 0})
		return
	}
	sessions := s.deps.Sessions.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}
