// Package a2s implements the Valve A2S server query client: INFO, PLAYER
// and RULES with challenge handling, over the shared UDP transport.
package a2s

// Engine is the discriminant of an Info value.
type Engine int

const (
	EngineSource Engine = iota
	EngineGoldSource
)

func (e Engine) String() string {
	if e == EngineGoldSource {
		return "goldsource"
	}
	return "source"
}

// ServerType describes how the server is hosted.
type ServerType byte

const (
	ServerDedicated    ServerType = 'd'
	ServerNonDedicated ServerType = 'l'
	ServerProxy        ServerType = 'p'
)

func (t ServerType) String() string {
	switch t | 0x20 {
	case 'd':
		return "dedicated"
	case 'l':
		return "non-dedicated"
	case 'p':
		return "proxy"
	default:
		return "unknown"
	}
}

// Environment is the server's operating system.
type Environment byte

func (e Environment) String() string {
	switch e | 0x20 {
	case 'l':
		return "linux"
	case 'w':
		return "windows"
	case 'm', 'o':
		return "mac"
	default:
		return "unknown"
	}
}

// EDF holds the Extra Data Flags of a Source INFO response.
type EDF byte

const (
	EDFGamePort EDF = 0x80
	EDFSteamID  EDF = 0x10
	EDFSourceTV EDF = 0x40
	EDFKeywords EDF = 0x20
	EDFGameID   EDF = 0x01
)

// Has reports whether flag is set.
func (f EDF) Has(flag EDF) bool { return f&flag != 0 }

// Info is an A2S_INFO answer. It is either *SourceInfo or *GoldSourceInfo.
type Info interface {
	Engine() Engine
	ServerName() string
	MapName() string
	PlayerCount() int
	MaxPlayerCount() int
	isInfo()
}

// ShipInfo carries the extra server fields of The Ship.
type ShipInfo struct {
	Mode      uint8 `json:"mode"`
	Witnesses uint8 `json:"witnesses"`
	Duration  uint8 `json:"duration"`
}

// SourceTV is the spectator relay advertised in the EDF block.
type SourceTV struct {
	Port uint16 `json:"port"`
	Name string `json:"name"`
}

// SourceInfo is a 0x49 INFO response.
type SourceInfo struct {
	Protocol    uint8       `json:"protocol"`
	Name        string      `json:"name"`
	Map         string      `json:"map"`
	Folder      string      `json:"folder"`
	Game        string      `json:"game"`
	AppID       uint32      `json:"app_id"`
	Players     uint8       `json:"players"`
	MaxPlayers  uint8       `json:"max_players"`
	Bots        uint8       `json:"bots"`
	ServerType  ServerType  `json:"server_type"`
	Environment Environment `json:"environment"`
	Password    bool        `json:"password"`
	VAC         bool        `json:"vac"`
	Ship        *ShipInfo   `json:"ship,omitempty"`
	Version     string      `json:"version"`

	// Fields below are present according to EDF.
	EDF      EDF       `json:"edf"`
	GamePort uint16    `json:"game_port,omitempty"`
	SteamID  uint64    `json:"steam_id,omitempty"`
	SourceTV *SourceTV `json:"source_tv,omitempty"`
	Keywords []string  `json:"keywords,omitempty"`
	GameID   uint64    `json:"game_id,omitempty"`
}

func (*SourceInfo) isInfo() {}
func (*SourceInfo) Engine() Engine { return EngineSource }
func (i *SourceInfo) ServerName() string { return i.Name }
func (i *SourceInfo) MapName() string { return i.Map }
func (i *SourceInfo) PlayerCount() int { return int(i.Players) }
func (i *SourceInfo) MaxPlayerCount() int { return int(i.MaxPlayers) }

// ModInfo describes a Half-Life mod in a GoldSource INFO response.
type ModInfo struct {
	Link        string `json:"link"`
	Download    string `json:"download"`
	Version     uint32 `json:"version"`
	Size        uint32 `json:"size"`
	Multiplayer bool   `json:"multiplayer_only"`
	OwnDLL      bool   `json:"own_dll"`
}

// GoldSourceInfo is a 0x6D INFO response.
type GoldSourceInfo struct {
	Address     string      `json:"address"`
	Name        string      `json:"name"`
	Map         string      `json:"map"`
	Folder      string      `json:"folder"`
	Game        string      `json:"game"`
	Players     uint8       `json:"players"`
	MaxPlayers  uint8       `json:"max_players"`
	Protocol    uint8       `json:"protocol"`
	ServerType  ServerType  `json:"server_type"`
	Environment Environment `json:"environment"`
	Password    bool        `json:"password"`
	Mod         *ModInfo    `json:"mod,omitempty"`
	VAC         bool        `json:"vac"`
	Bots        uint8       `json:"bots"`
}

func (*GoldSourceInfo) isInfo() {}
func (*GoldSourceInfo) Engine() Engine { return EngineGoldSource }
func (i *GoldSourceInfo) ServerName() string { return i.Name }
func (i *GoldSourceInfo) MapName() string { return i.Map }
func (i *GoldSourceInfo) PlayerCount() int { return int(i.Players) }
func (i *GoldSourceInfo) MaxPlayerCount() int { return int(i.MaxPlayers) }

// InfoResult is the answer to Client.Info.
type InfoResult struct {
	Info Info `json:"info"`

	// Legacy is the additional 0x6D packet some GoldSource servers send
	// next to a 0x49 answer.
	Legacy *GoldSourceInfo `json:"legacy,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// AppID returns the effective app ID of the answer, or zero for servers
// that only sent a GoldSource packet.
func (r *InfoResult) AppID() uint32 {
	if s, ok := r.Info.(*SourceInfo); ok {
		return s.AppID
	}
	return 0
}

// Player is one entry of an A2S_PLAYER response.
type Player struct {
	Index    uint8   `json:"index"`
	Name     string  `json:"name"`
	Score    int32   `json:"score"`
	Duration float32 `json:"duration"`

	// The Ship only.
	Deaths *int32 `json:"deaths,omitempty"`
	Money  *int32 `json:"money,omitempty"`
}

// PlayersResult is the answer to Client.Players.
type PlayersResult struct {
	Players  []Player `json:"players"`
	Warnings []string `json:"warnings,omitempty"`
}

// Rule is one server cvar of an A2S_RULES response.
type Rule struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RulesResult is the answer to Client.Rules.
type RulesResult struct {
	Rules    []Rule   `json:"rules"`
	Warnings []string `json:"warnings,omitempty"`
}

// Map returns the rules keyed by name.
func (r *RulesResult) Map() map[string]string {
	m := make(map[string]string, len(r.Rules))
	for _, rule := range r.Rules {
		m[rule.Name] = rule.Value
	}
	return m
}

// shipApps run The Ship and carry its extra INFO and PLAYER fields.
var shipApps = map[uint32]bool{
	2400: true,
	2401: true,
	2402: true,
	2403: true,
	2405: true,
	2406: true,
	2412: true,
	2430: true,
}

// IsShip reports whether appID is a The Ship variant.
func IsShip(appID uint32) bool { return shipApps[appID] }

// legacyChallengeApps answer PLAYER and RULES sent with a -1 token but not
// the dedicated 0x57 challenge request: the Half-Life family and The Ship.
var legacyChallengeApps = func() map[uint32]bool {
	m := map[uint32]bool{10: true, 20: true, 30: true, 40: true, 50: true, 60: true, 70: true, 80: true, 130: true}
	for id := range shipApps {
		m[id] = true
	}
	return m
}()
