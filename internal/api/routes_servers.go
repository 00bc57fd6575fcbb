package api

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/a2s"
	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/connector"
	"github.com/energizer-project/srcquery/internal/network"
	"github.com/energizer-project/srcquery/internal/rcon"
	"github.com/energizer-project/srcquery/internal/server"
)

// handleListServers returns the status of every monitored server.
func (s *Server) handleListServers(c *gin.Context) {
	servers := s.manager.GetAllInfo()
	c.JSON(http.StatusOK, gin.H{
		"servers": servers,
		"total":   len(servers),
	})
}

type addServerRequest struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	RCONPort     int    `json:"rcon_port"`
	RCONPassword string `json:"rcon_password"`
	Persist      *bool  `json:"persist"`
}

// handleAddServer starts monitoring a server given either "address" or
// "ip" and "port".
func (s *Server) handleAddServer(c *gin.Context) {
	var body addServerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sc := config.ServerConfig{IP: body.IP, Port: body.Port}
	if body.Address != "" {
		parsed, err := server.ParseServerAddress(body.Address)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sc = parsed
	}
	if sc.Port == 0 {
		sc.Port = config.DefaultGamePort
	}
	sc.Name = body.Name
	sc.RCONPort = body.RCONPort
	sc.RCONPassword = body.RCONPassword

	persist := body.Persist == nil || *body.Persist
	inst, err := s.manager.Add(c.Request.Context(), sc, persist)
	if err != nil && inst == nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("server", inst.Address()).Msg("API: server added with warnings")
	}

	log.Info().Str("server", inst.Address()).Msg("API: server added")
	c.JSON(http.StatusCreated, gin.H{
		"status":  "added",
		"address": inst.Address(),
		"rcon":    inst.RCONState(),
	})
}

// handleRemoveServer stops monitoring a server.
func (s *Server) handleRemoveServer(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}

	persist := c.DefaultQuery("persist", "true") != "false"
	if err := s.manager.Remove(c.Request.Context(), inst.Address(), persist); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("server", inst.Address()).Msg("API: server removed")
	c.JSON(http.StatusOK, gin.H{"status": "removed", "address": inst.Address()})
}

// handleGetServer returns the last observed state, including cached
// players and rules.
func (s *Server) handleGetServer(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}

	snap := inst.State().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"address": inst.Address(),
		"name":    inst.Name(),
		"rcon":    inst.RCONState(),
		"state":   snap,
		"info":    snap.Info,
		"players": snap.Players,
		"rules":   snap.Rules,
	})
}

// handleRefreshAll polls every server now. With ?full=true players and
// rules are fetched too.
func (s *Server) handleRefreshAll(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.manager.PollTimeout())
	defer cancel()

	results := s.manager.RefreshAll(ctx, c.Query("full") == "true")
	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		out = append(out, gin.H{
			"address": r.Address,
			"status":  r.Status,
			"ping_ms": r.Ping.Milliseconds(),
			"error":   r.Error,
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) handleServerInfo(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}
	info, err := inst.Info(c.Request.Context())
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, infoResponse(info))
}

func (s *Server) handleServerPlayers(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}
	players, err := inst.Players(c.Request.Context())
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, players)
}

func (s *Server) handleServerRules(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}
	rules, err := inst.Rules(c.Request.Context())
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) handleServerPing(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}
	rtt, err := inst.Ping(c.Request.Context())
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": inst.Address(),
		"ping_ms": float64(rtt.Microseconds()) / 1000,
	})
}

func (s *Server) handleServerLatency(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.latency == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "latency monitor disabled"})
		return
	}
	data, ok := s.latency.Get(inst.Address())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no latency samples yet"})
		return
	}
	c.JSON(http.StatusOK, data)
}

// handleProbe queries INFO from any server, monitored or not.
func (s *Server) handleProbe(c *gin.Context) {
	addr, err := netip.ParseAddrPort(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be ip:port"})
		return
	}
	info, err := s.manager.Probe(c.Request.Context(), addr)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, infoResponse(info))
}

// handleMaster lists servers from the master server. Query parameters
// region, filter and quantity override the configured defaults.
func (s *Server) handleMaster(c *gin.Context) {
	q, err := s.manager.MasterQueryFromConfig()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if v := c.Query("region"); v != "" {
		if q.Region, err = connector.ParseRegion(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if v, ok := c.GetQuery("filter"); ok {
		q.Filter = v
	}
	if v := c.Query("quantity"); v != "" {
		if q.Quantity, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity"})
			return
		}
	}

	res, err := s.manager.QueryMaster(c.Request.Context(), q)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"region":   q.Region.String(),
		"filter":   q.Filter,
		"count":    len(res.Servers),
		"pages":    res.Pages,
		"servers":  res.Servers,
		"warnings": res.Warnings,
	})
}

func infoResponse(info *a2s.InfoResult) gin.H {
	return gin.H{
		"engine":   info.Info.Engine().String(),
		"app_id":   info.AppID(),
		"info":     info.Info,
		"legacy":   info.Legacy,
		"warnings": info.Warnings,
	}
}

// lookup resolves the :addr parameter, writing a 404 when the server is
// not monitored.
func (s *Server) lookup(c *gin.Context) (*server.Instance, bool) {
	inst, err := s.manager.Lookup(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return inst, true
}

// errorStatus maps query and RCON errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, server.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, server.ErrServerExists):
		return http.StatusConflict
	case errors.Is(err, server.ErrNoRCON):
		return http.StatusConflict
	case errors.Is(err, rcon.ErrWrongPassword):
		return http.StatusForbidden
	case errors.Is(err, network.ErrTimeout), errors.Is(err, rcon.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rcon.ErrNotAuthenticated), errors.Is(err, rcon.ErrNotConnected),
		errors.Is(err, rcon.ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, a2s.ErrWrongResponse), errors.Is(err, connector.ErrInvalidResponse):
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}
