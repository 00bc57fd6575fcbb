package a2s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/network"
	"github.com/energizer-project/srcquery/internal/protocol"
)

// ErrWrongResponse is returned when a server answers with an unexpected
// packet, or keeps challenging after the token was echoed.
var ErrWrongResponse = errors.New("a2s: wrong server response")

// DefaultInfoGrace is how long Info waits for the second packet of a
// server that answers with both 0x49 and 0x6D.
const DefaultInfoGrace = 500 * time.Millisecond

var noChallenge = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// Config configures a Client.
type Config struct {
	// Timeout bounds each request/response exchange. Zero uses the
	// registry's default.
	Timeout time.Duration

	// InfoGrace overrides DefaultInfoGrace.
	InfoGrace time.Duration

	Family network.Family
}

// Client queries one game server. Operations are safe for concurrent use;
// those that may be answered with a challenge run one at a time because
// the 0x41 header cannot be attributed to a request otherwise.
type Client struct {
	conn   *network.Connection
	cfg    Config
	logger zerolog.Logger

	// opMu serializes INFO, PLAYER and RULES.
	opMu sync.Mutex

	mu        sync.Mutex
	challenge []byte
	appID     uint32
	protocol  uint8
	appKnown  bool
	gold      bool
}

// Dial registers a connection to addr on reg.
func Dial(reg *network.Registry, addr netip.AddrPort, cfg Config) (*Client, error) {
	if cfg.Family == 0 {
		cfg.Family = network.IPv4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = reg.QueryTimeout()
	}
	if cfg.InfoGrace <= 0 {
		cfg.InfoGrace = DefaultInfoGrace
	}

	conn, err := reg.Connect(addr, cfg.Family)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &Client{
		conn: conn,
		cfg:  cfg,
		logger: log.With().
			Str("component", "a2s").
			Str("server", conn.Key()).
			Logger(),
	}, nil
}

// Addr returns the server address.
func (c *Client) Addr() netip.AddrPort { return c.conn.Addr() }

// LastPing returns the round trip time of the last answered request.
func (c *Client) LastPing() time.Duration { return c.conn.LastPing() }

// Close releases the client's connection.
func (c *Client) Close() error { return c.conn.Close() }

// AppID returns the app ID learned from the last Info call.
func (c *Client) AppID() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appID, c.appKnown
}

func (c *Client) cachedChallenge() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenge
}

func (c *Client) setChallenge(token []byte) {
	c.mu.Lock()
	c.challenge = append([]byte(nil), token...)
	c.mu.Unlock()
}

func (c *Client) isGoldSource() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gold
}

func (c *Client) setApp(appID uint32, protocolVersion uint8, goldSource bool) {
	c.mu.Lock()
	c.appID = appID
	c.protocol = protocolVersion
	c.appKnown = true
	c.gold = goldSource
	c.mu.Unlock()
	c.conn.SetAppInfo(appID, protocolVersion)
}

// Info sends A2S_INFO. It echoes a challenge at most once and merges the
// extra 0x6D packet of GoldSource servers when it arrives within the grace
// window.
func (c *Client) Info(ctx context.Context) (*InfoResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	legacy, err := c.conn.Expect(protocol.A2SInfoLegacyResponse)
	if err != nil {
		return nil, err
	}
	defer legacy.Cancel()

	var source *network.Pending
	defer func() {
		if source != nil {
			source.Cancel()
		}
	}()

	request := protocol.BuildInfoRequest(c.cachedChallenge())
	challenged := false

	for {
		source, err = c.conn.Expect(protocol.A2SInfoResponse, protocol.A2SChallengeResponse)
		if err != nil {
			return nil, err
		}

		first, payload, err := c.conn.Exchange(ctx, request, c.cfg.Timeout, source, legacy)
		if err != nil {
			return nil, err
		}

		if first == source && payload[0] == protocol.A2SChallengeResponse {
			if challenged {
				return nil, fmt.Errorf("%w: challenged twice", ErrWrongResponse)
			}
			token, err := challengeToken(payload)
			if err != nil {
				return nil, err
			}
			challenged = true
			c.setChallenge(token)
			c.logger.Debug().Hex("token", token).Msg("info challenged")
			request = protocol.BuildInfoRequest(token)
			continue
		}

		return c.collectInfo(ctx, first, payload, source, legacy)
	}
}

// collectInfo waits out the grace window for the packet that did not
// arrive first and builds the result.
func (c *Client) collectInfo(ctx context.Context, first *network.Pending, payload []byte, source, legacy *network.Pending) (*InfoResult, error) {
	other := legacy
	if first == legacy {
		other = source
	}

	var second []byte
	grace := time.NewTimer(c.cfg.InfoGrace)
	defer grace.Stop()
	select {
	case <-other.Done():
		if p, err := other.Result(); err == nil && p[0] != protocol.A2SChallengeResponse {
			second = p
		}
	case <-grace.C:
	case <-ctx.Done():
	}

	sourcePayload, legacyPayload := payload, second
	if first == legacy {
		sourcePayload, legacyPayload = second, payload
	}

	res := &InfoResult{}
	if legacyPayload != nil {
		gs, warnings, err := parseGoldSourceInfo(legacyPayload)
		if err != nil && sourcePayload == nil {
			return nil, err
		}
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("ignored malformed goldsource info: %v", err))
		} else {
			res.Legacy = gs
			res.Warnings = append(res.Warnings, warnings...)
		}
	}

	if sourcePayload != nil {
		info, warnings, err := parseSourceInfo(sourcePayload)
		if err != nil {
			return nil, err
		}
		res.Info = info
		res.Warnings = append(res.Warnings, warnings...)
		c.setApp(info.AppID, info.Protocol, false)
	} else {
		res.Info = res.Legacy
		res.Legacy = nil
		c.setApp(0, res.Info.(*GoldSourceInfo).Protocol, true)
	}

	for _, w := range res.Warnings {
		c.logger.Warn().Str("warning", w).Msg("info response degraded")
	}
	return res, nil
}

// Players sends A2S_PLAYER.
func (c *Client) Players(ctx context.Context) (*PlayersResult, error) {
	appID, err := c.ensureApp(ctx)
	if err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	payload, err := c.challenged(ctx, protocol.A2SPlayerRequest, protocol.A2SPlayerResponse, appID)
	if err != nil {
		return nil, err
	}

	res, err := parsePlayers(payload, IsShip(appID))
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		c.logger.Warn().Str("warning", w).Msg("player response degraded")
	}
	return res, nil
}

// Rules sends A2S_RULES.
func (c *Client) Rules(ctx context.Context) (*RulesResult, error) {
	appID, err := c.ensureApp(ctx)
	if err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	payload, err := c.challenged(ctx, protocol.A2SRulesRequest, protocol.A2SRulesResponse, appID)
	if err != nil {
		return nil, err
	}

	res, err := parseRules(payload)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		c.logger.Warn().Str("warning", w).Msg("rules response degraded")
	}
	return res, nil
}

// ensureApp runs Info once so PLAYER and RULES know the app ID.
func (c *Client) ensureApp(ctx context.Context) (uint32, error) {
	if appID, ok := c.AppID(); ok {
		return appID, nil
	}
	if _, err := c.Info(ctx); err != nil {
		return 0, fmt.Errorf("failed to query info first: %w", err)
	}
	appID, _ := c.AppID()
	return appID, nil
}

// challenged runs the two-step challenge exchange for PLAYER and RULES.
func (c *Client) challenged(ctx context.Context, command, response byte, appID uint32) ([]byte, error) {
	accepted := []byte{response, protocol.A2SChallengeResponse}

	token := c.cachedChallenge()
	request := command
	if token == nil {
		token = noChallenge
		if !legacyChallengeApps[appID] && !c.isGoldSource() {
			request = protocol.A2SChallengeRequest
		}
	}

	first, err := c.conn.Query(ctx, protocol.BuildChallengedRequest(request, token), accepted, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	// Handshake-skipping servers answer directly. A five byte reply under
	// the response header is a token, not a short list.
	if first[0] == response && len(first) > 5 {
		return first, nil
	}

	token, err = challengeToken(first)
	if err != nil {
		return nil, err
	}
	c.setChallenge(token)

	payload, err := c.conn.Query(ctx, protocol.BuildChallengedRequest(command, token), accepted, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if payload[0] == protocol.A2SChallengeResponse {
		return nil, fmt.Errorf("%w: challenged twice", ErrWrongResponse)
	}
	if bytes.Equal(payload, first) {
		return nil, fmt.Errorf("%w: server echoed the challenge", ErrWrongResponse)
	}
	return payload, nil
}

// Ping measures the round trip with the deprecated A2S_PING, falling back
// to an INFO request for servers that no longer answer it.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	_, err := c.conn.Query(ctx, protocol.BuildPingRequest(), []byte{protocol.A2SPingResponse}, c.cfg.Timeout)
	if err == nil {
		return c.conn.LastPing(), nil
	}
	if !errors.Is(err, network.ErrTimeout) {
		return 0, err
	}

	c.logger.Debug().Msg("ping unanswered, falling back to info")
	if _, err := c.Info(ctx); err != nil {
		return 0, err
	}
	return c.conn.LastPing(), nil
}

// challengeToken extracts the 4-byte token of a challenge reply. Some
// servers send it under the expected response header instead of 0x41.
func challengeToken(payload []byte) ([]byte, error) {
	if len(payload) < 5 {
		return nil, fmt.Errorf("%w: challenge reply of %d bytes", ErrWrongResponse, len(payload))
	}
	return append([]byte(nil), payload[1:5]...), nil
}
