package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nethergate/nethergate/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "nethergate",
		"version": util.Version,
	})
}

// handleQuery returns the last query snapshot, the same data server lists see.
func (s *Server) handleQuery(c *gin.Context) {
	q, ok := s.deps.Monitor.Query()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "query information not generated yet"})
		return
	}
	c.JSON(http.StatusOK, q)
}
