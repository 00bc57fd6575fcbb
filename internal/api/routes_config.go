package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/events"
)

// handleGetConfig returns the runtime sections of the configuration.
// Secrets are redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	servers := s.cfg.GetServers()
	for i := range servers {
		if servers[i].RCONPassword != "" {
			servers[i].RCONPassword = "xxxxx"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"query":   s.cfg.GetQuery(),
		"rcon":    s.cfg.GetRCON(),
		"master":  s.cfg.GetMaster(),
		"timers":  s.cfg.GetTimers(),
		"servers": servers,
	})
}

// handleUpdateConfig sets one key of a runtime section and saves the
// configuration.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	section := c.Param("section")

	var body struct {
		Key   string      `json:"key" binding:"required"`
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.cfg.UpdateField(section, body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "details": result.Errors})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: section,
			Key:     body.Key,
			Value:   body.Value,
		},
	})

	log.Info().Str("section", section).Str("key", body.Key).Msg("API: config updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
