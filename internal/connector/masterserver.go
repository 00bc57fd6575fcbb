// Package connector implements clients for external directory services,
// currently the Valve master server.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/network"
	"github.com/energizer-project/srcquery/internal/protocol"
)

// ErrInvalidResponse is returned for a master server page that cannot be
// decoded.
var ErrInvalidResponse = errors.New("master server: invalid response")

// DefaultMasterServer is Valve's Source master server.
const DefaultMasterServer = "hl2master.steampowered.com:27011"

// Region selects the part of the world a master query lists.
type Region byte

const (
	RegionUSEast       Region = 0x00
	RegionUSWest       Region = 0x01
	RegionSouthAmerica Region = 0x02
	RegionEurope       Region = 0x03
	RegionAsia         Region = 0x04
	RegionAustralia    Region = 0x05
	RegionMiddleEast   Region = 0x06
	RegionAfrica       Region = 0x07
	RegionOther        Region = 0xFF
)

var regionNames = map[string]Region{
	"us_east":       RegionUSEast,
	"us_west":       RegionUSWest,
	"south_america": RegionSouthAmerica,
	"europe":        RegionEurope,
	"asia":          RegionAsia,
	"australia":     RegionAustralia,
	"middle_east":   RegionMiddleEast,
	"africa":        RegionAfrica,
	"other":         RegionOther,
	"all":           RegionOther,
}

// ParseRegion accepts a region name such as "europe" or a numeric code.
func ParseRegion(s string) (Region, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if r, ok := regionNames[key]; ok {
		return r, nil
	}
	n, err := strconv.ParseUint(key, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown region %q", s)
	}
	r := Region(n)
	if r > RegionAfrica && r != RegionOther {
		return 0, fmt.Errorf("unknown region code %d", n)
	}
	return r, nil
}

func (r Region) String() string {
	for name, v := range regionNames {
		if v == r && name != "all" {
			return name
		}
	}
	return "unknown"
}

// MasterQuery describes one listing request.
type MasterQuery struct {
	Region Region
	Filter string

	// Quantity caps the result. Zero or less lists until the end marker.
	Quantity int
}

// MasterResult is the outcome of a listing.
type MasterResult struct {
	Servers  []string `json:"servers"`
	Pages    int      `json:"pages"`
	Warnings []string `json:"warnings,omitempty"`
}

// MasterServerConnector pages through a master server's listing over the
// shared UDP transport.
type MasterServerConnector struct {
	registry *network.Registry
	addr     netip.AddrPort
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewMasterServerConnector creates a connector for the master server at
// addr. A zero timeout uses the registry default.
func NewMasterServerConnector(reg *network.Registry, addr netip.AddrPort, timeout time.Duration) *MasterServerConnector {
	if timeout <= 0 {
		timeout = reg.QueryTimeout()
	}
	return &MasterServerConnector{
		registry: reg,
		addr:     addr,
		timeout:  timeout,
		logger: log.With().
			Str("component", "master_server").
			Str("server", addr.String()).
			Logger(),
	}
}

// Query requests pages until the quantity is reached or the server sends
// the end marker. A failure on the first page is returned; later failures
// end the listing early with a warning.
func (c *MasterServerConnector) Query(ctx context.Context, q MasterQuery) (*MasterResult, error) {
	conn, err := c.registry.Connect(c.addr, network.IPv4)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	res := &MasterResult{Servers: []string{}}
	cursor := protocol.MasterSentinel
	accepted := []byte{protocol.MasterQueryResponse}

	for {
		request := protocol.BuildMasterRequest(byte(q.Region), cursor, q.Filter)
		payload, err := conn.Query(ctx, request, accepted, c.timeout)
		if err == nil {
			var page []string
			page, err = parseMasterPage(payload)
			if err == nil {
				res.Pages++
				if c.appendPage(res, page, q.Quantity) {
					break
				}
				next := page[len(page)-1]
				if next == cursor {
					res.Warnings = append(res.Warnings, "master server repeated the cursor, listing stopped")
					break
				}
				cursor = next
				continue
			}
		}

		if res.Pages == 0 {
			return nil, fmt.Errorf("failed to query master server %s: %w", c.addr, err)
		}
		c.logger.Warn().Err(err).Int("pages", res.Pages).Msg("master server page failed, returning partial list")
		res.Warnings = append(res.Warnings, fmt.Sprintf("page %d failed: %v", res.Pages+1, err))
		break
	}

	c.logger.Debug().
		Int("servers", len(res.Servers)).
		Int("pages", res.Pages).
		Msg("master server listing complete")
	return res, nil
}

// appendPage adds a page to res and reports whether the listing is done.
func (c *MasterServerConnector) appendPage(res *MasterResult, page []string, quantity int) bool {
	for _, addr := range page {
		if addr == protocol.MasterSentinel {
			return true
		}
		res.Servers = append(res.Servers, addr)
		if quantity > 0 && len(res.Servers) >= quantity {
			res.Servers = res.Servers[:quantity]
			return true
		}
	}
	return false
}

// parseMasterPage decodes 0x66 0x0A followed by 6-byte IPv4/port entries.
func parseMasterPage(payload []byte) ([]string, error) {
	r := protocol.NewReader(payload)
	header, err := r.ReadUint8()
	if err != nil || header != protocol.MasterQueryResponse {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidResponse)
	}
	if sep, err := r.ReadUint8(); err != nil || sep != protocol.MasterResponseSeparator {
		return nil, fmt.Errorf("%w: missing separator", ErrInvalidResponse)
	}

	if r.Len() == 0 || r.Len()%6 != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidResponse, r.Len())
	}

	page := make([]string, 0, r.Len()/6)
	for r.Len() > 0 {
		ip, _ := r.ReadBytes(4)
		port, _ := r.ReadUint16BE()
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte(ip)), port)
		page = append(page, addr.String())
	}
	return page, nil
}
