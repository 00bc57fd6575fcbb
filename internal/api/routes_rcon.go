package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// handleRCONExec runs one command over the server's RCON session.
func (s *Server) handleRCONExec(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}

	var body struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	out, err := inst.Exec(c.Request.Context(), body.Command)
	if err != nil {
		log.Warn().Err(err).Str("server", inst.Address()).Msg("API: rcon command failed")
		c.JSON(errorStatus(err), gin.H{"error": err.Error(), "rcon": inst.RCONState()})
		return
	}

	log.Info().
		Str("server", inst.Address()).
		Str("command", body.Command).
		Str("client_ip", c.ClientIP()).
		Msg("API: rcon command")

	c.JSON(http.StatusOK, gin.H{
		"address":     inst.Address(),
		"command":     body.Command,
		"output":      out,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// handleRCONPassword replaces the RCON password and reconnects. An empty
// password disables RCON for the server.
func (s *Server) handleRCONPassword(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}

	var body struct {
		Password string `json:"password"`
		Persist  *bool  `json:"persist"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	persist := body.Persist == nil || *body.Persist
	if err := s.manager.SetRCONPassword(c.Request.Context(), inst.Address(), body.Password, persist); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error(), "rcon": inst.RCONState()})
		return
	}

	log.Info().Str("server", inst.Address()).Msg("API: rcon password updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated", "rcon": inst.RCONState()})
}
