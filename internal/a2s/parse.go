package a2s

import (
	"fmt"
	"strings"

	"github.com/energizer-project/srcquery/internal/protocol"
)

// All parsers take the payload after the -1 header, starting with the
// response type byte.

// parseSourceInfo decodes a 0x49 payload. A truncated EDF block yields the
// fields read so far plus a warning.
func parseSourceInfo(payload []byte) (*SourceInfo, []string, error) {
	r := protocol.NewReader(payload)
	if err := expectHeader(r, protocol.A2SInfoResponse); err != nil {
		return nil, nil, err
	}

	info := &SourceInfo{}
	var shortAppID uint16
	var serverType, env uint8
	var err error

	if info.Protocol, err = r.ReadUint8(); err != nil {
		return nil, nil, err
	}
	if info.Name, err = r.ReadString(); err != nil {
		return nil, nil, err
	}
	if info.Map, err = r.ReadString(); err != nil {
		return nil, nil, err
	}
	if info.Folder, err = r.ReadString(); err != nil {
		return nil, nil, err
	}
	if info.Game, err = r.ReadString(); err != nil {
		return nil, nil, err
	}
	if shortAppID, err = r.ReadUint16(); err != nil {
		return nil, nil, err
	}
	info.AppID = uint32(shortAppID)
	if info.Players, err = r.ReadUint8(); err != nil {
		return nil, nil, err
	}
	if info.MaxPlayers, err = r.ReadUint8(); err != nil {
		return nil, nil, err
	}
	if info.Bots, err = r.ReadUint8(); err != nil {
		return nil, nil, err
	}
	if serverType, err = r.ReadUint8(); err != nil {
		return nil, nil, err
	}
	info.ServerType = ServerType(serverType)
	if env, err = r.ReadUint8(); err != nil {
		return nil, nil, err
	}
	info.Environment = Environment(env)
	if info.Password, err = r.ReadBool(); err != nil {
		return nil, nil, err
	}
	if info.VAC, err = r.ReadBool(); err != nil {
		return nil, nil, err
	}

	if IsShip(info.AppID) {
		ship := &ShipInfo{}
		if ship.Mode, err = r.ReadUint8(); err != nil {
			return nil, nil, err
		}
		if ship.Witnesses, err = r.ReadUint8(); err != nil {
			return nil, nil, err
		}
		if ship.Duration, err = r.ReadUint8(); err != nil {
			return nil, nil, err
		}
		info.Ship = ship
	}

	if info.Version, err = r.ReadString(); err != nil {
		return nil, nil, err
	}

	if r.Len() == 0 {
		return info, nil, nil
	}

	var warnings []string
	if err := parseEDF(r, info); err != nil {
		warnings = append(warnings, fmt.Sprintf("extra data truncated: %v", err))
	}
	return info, warnings, nil
}

func parseEDF(r *protocol.Reader, info *SourceInfo) error {
	flags, err := r.ReadUint8()
	if err != nil {
		return err
	}
	info.EDF = EDF(flags)

	if info.EDF.Has(EDFGamePort) {
		if info.GamePort, err = r.ReadUint16(); err != nil {
			return err
		}
	}
	if info.EDF.Has(EDFSteamID) {
		if info.SteamID, err = r.ReadUint64(); err != nil {
			return err
		}
	}
	if info.EDF.Has(EDFSourceTV) {
		tv := &SourceTV{}
		if tv.Port, err = r.ReadUint16(); err != nil {
			return err
		}
		if tv.Name, err = r.ReadString(); err != nil {
			return err
		}
		info.SourceTV = tv
	}
	if info.EDF.Has(EDFKeywords) {
		kw, err := r.ReadString()
		if err != nil {
			return err
		}
		if kw != "" {
			info.Keywords = strings.Split(kw, ",")
		}
	}
	if info.EDF.Has(EDFGameID) {
		if info.GameID, err = r.ReadUint64(); err != nil {
			return err
		}
		// The low 24 bits are the full app ID.
		info.AppID = uint32(info.GameID & 0xFFFFFF)
	}
	return nil
}

// parseGoldSourceInfo decodes an obsolete 0x6D payload.
func parseGoldSourceInfo(payload []byte) (*GoldSourceInfo, []string, error) {
	r := protocol.NewReader(payload)
	if err := expectHeader(r, protocol.A2SInfoLegacyResponse); err != nil {
		return nil, nil, err
	}

	info := &GoldSourceInfo{}
	var serverType, env uint8
	var isMod bool
	var err error

	for _, s := range []*string{&info.Address, &info.Name, &info.Map, &info.Folder, &info.Game} {
		if *s, err = r.ReadString(); err != nil {
			return nil, nil, err
		}
	}
	for _, b := range []*uint8{&info.Players, &info.MaxPlayers, &info.Protocol, &serverType, &env} {
		if *b, err = r.ReadUint8(); err != nil {
			return nil, nil, err
		}
	}
	info.ServerType = ServerType(serverType)
	info.Environment = Environment(env)

	if info.Password, err = r.ReadBool(); err != nil {
		return nil, nil, err
	}
	if isMod, err = r.ReadBool(); err != nil {
		return nil, nil, err
	}

	var warnings []string
	if isMod {
		mod, err := parseMod(r)
		if err != nil {
			return info, append(warnings, fmt.Sprintf("mod block truncated: %v", err)), nil
		}
		info.Mod = mod
	}

	// Some servers stop after the mod block.
	if info.VAC, err = r.ReadBool(); err != nil {
		return info, append(warnings, "missing vac and bots fields"), nil
	}
	if info.Bots, err = r.ReadUint8(); err != nil {
		return info, append(warnings, "missing bots field"), nil
	}
	return info, warnings, nil
}

func parseMod(r *protocol.Reader) (*ModInfo, error) {
	mod := &ModInfo{}
	var err error

	if mod.Link, err = r.ReadString(); err != nil {
		return nil, err
	}
	if mod.Download, err = r.ReadString(); err != nil {
		return nil, err
	}
	if err = r.Skip(1); err != nil {
		return nil, err
	}
	if mod.Version, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if mod.Size, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if mod.Multiplayer, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if mod.OwnDLL, err = r.ReadBool(); err != nil {
		return nil, err
	}
	return mod, nil
}

// parsePlayers decodes a 0x44 payload. Players that do not fit are
// reported as a warning.
func parsePlayers(payload []byte, ship bool) (*PlayersResult, error) {
	r := protocol.NewReader(payload)
	if err := expectHeader(r, protocol.A2SPlayerResponse); err != nil {
		return nil, err
	}

	res := &PlayersResult{Players: []Player{}}
	count, err := r.ReadUint8()
	if err != nil {
		// Empty servers may answer with the bare header.
		return res, nil
	}

	for i := 0; i < int(count); i++ {
		p, err := readPlayer(r)
		if err != nil {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("player list truncated after %d of %d entries", len(res.Players), count))
			return res, nil
		}
		res.Players = append(res.Players, p)
	}

	if ship {
		for i := range res.Players {
			deaths, err := r.ReadInt32()
			if err != nil {
				res.Warnings = append(res.Warnings, "ship player fields truncated")
				break
			}
			money, err := r.ReadInt32()
			if err != nil {
				res.Warnings = append(res.Warnings, "ship player fields truncated")
				break
			}
			res.Players[i].Deaths = &deaths
			res.Players[i].Money = &money
		}
	}

	return res, nil
}

func readPlayer(r *protocol.Reader) (Player, error) {
	var p Player
	var err error

	if p.Index, err = r.ReadUint8(); err != nil {
		return p, err
	}
	if p.Name, err = r.ReadString(); err != nil {
		return p, err
	}
	if p.Score, err = r.ReadInt32(); err != nil {
		return p, err
	}
	if p.Duration, err = r.ReadFloat32(); err != nil {
		return p, err
	}
	return p, nil
}

// parseRules decodes a 0x45 payload.
func parseRules(payload []byte) (*RulesResult, error) {
	r := protocol.NewReader(payload)
	if err := expectHeader(r, protocol.A2SRulesResponse); err != nil {
		return nil, err
	}

	res := &RulesResult{Rules: []Rule{}}
	count, err := r.ReadUint16()
	if err != nil {
		return res, nil
	}

	for i := 0; i < int(count); i++ {
		name, err := r.ReadString()
		if err != nil {
			break
		}
		value, err := r.ReadString()
		if err != nil {
			break
		}
		res.Rules = append(res.Rules, Rule{Name: name, Value: value})
	}

	if len(res.Rules) != int(count) {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("rule list truncated after %d of %d entries", len(res.Rules), count))
	}
	return res, nil
}

func expectHeader(r *protocol.Reader, want byte) error {
	got, err := r.ReadUint8()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: header 0x%02X, want 0x%02X", ErrWrongResponse, got, want)
	}
	return nil
}
