package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/srcquery/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "srcquery",
		"version": util.Version,
	})
}

// handleHost returns host metadata and fleet counters.
func (s *Server) handleHost(c *gin.Context) {
	host := util.GetHostInfo()
	total, online, sessions := s.manager.Counts()

	c.JSON(http.StatusOK, gin.H{
		"host":          host,
		"servers":       total,
		"online":        online,
		"rcon_sessions": sessions,
	})
}
