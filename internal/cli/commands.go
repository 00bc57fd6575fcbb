// Package cli implements the interactive console: live server status,
// A2S queries, master server listings and RCON.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/a2s"
	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/connector"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/server"
)

// errQuit ends the read loop.
var errQuit = errors.New("quit")

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	manager  *server.Manager

	in  io.Reader
	out io.Writer
}

// NewCLI creates a CLI reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, manager *server.Manager, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		manager:  manager,
		in:       in,
		out:      out,
	}
}

// Start runs the read loop until ctx ends, input is exhausted or the user
// quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nsrcquery CLI ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		fmt.Fprint(c.out, "srcquery> ")

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		err := c.Execute(ctx, line)
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// Execute runs a single command line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.cmdStatus(args)
	case "info", "i":
		return c.cmdInfo(ctx, args)
	case "players", "p":
		return c.cmdPlayers(ctx, args)
	case "rules", "r":
		return c.cmdRules(ctx, args)
	case "ping":
		return c.cmdPing(ctx, args)
	case "refresh":
		return c.cmdRefresh(ctx)
	case "add":
		return c.cmdAdd(ctx, args)
	case "remove", "rm":
		return c.cmdRemove(ctx, args)
	case "rcon":
		return c.cmdRCON(ctx, args)
	case "rconpass":
		return c.cmdRCONPassword(ctx, args)
	case "master", "m":
		return c.cmdMaster(ctx, args)
	case "set":
		return c.cmdSet(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down srcquery...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := c.table("Command", "Description")
	tw.AppendBulk([][]string{
		{"status [addr]", "Show status of all or one monitored server"},
		{"info <addr>", "Query A2S_INFO (any server, monitored or not)"},
		{"players <addr>", "Query the player list"},
		{"rules <addr>", "Query the server rules"},
		{"ping <addr>", "Measure the round trip"},
		{"refresh", "Poll every monitored server now"},
		{"add <ip:port> [name] [rcon password]", "Monitor a server"},
		{"remove <addr>", "Stop monitoring a server"},
		{"rcon <addr> <command>", "Run an RCON command"},
		{"rconpass <addr> [password]", "Change the RCON password, empty disables RCON"},
		{"master [region] [filter] [quantity]", "List servers from the master server"},
		{"set <section> <key> <value>", "Update a configuration value"},
		{"quit", "Shutdown srcquery"},
	})
	tw.Render()
}

func (c *CLI) table(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) cmdStatus(args []string) error {
	if len(args) > 0 {
		inst, err := c.manager.Lookup(args[0])
		if err != nil {
			return err
		}
		c.printServerDetail(inst)
		return nil
	}

	servers := c.manager.GetAllInfo()
	if len(servers) == 0 {
		fmt.Fprintln(c.out, "No servers monitored. Use 'add <ip:port>'.")
		return nil
	}

	tw := c.table("Address", "Name", "Status", "Map", "Players", "Ping", "RCON", "Last Seen")
	for _, s := range servers {
		lastSeen := "-"
		if !s.LastSeen.IsZero() {
			lastSeen = time.Since(s.LastSeen).Round(time.Second).String() + " ago"
		}
		tw.Append([]string{
			s.Address,
			s.Name,
			s.Status.String(),
			s.Map,
			fmt.Sprintf("%d/%d", s.PlayerCount, s.MaxPlayers),
			fmt.Sprintf("%.0fms", s.PingMS),
			s.RCON,
			lastSeen,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printServerDetail(inst *server.Instance) {
	snap := inst.State().Snapshot()

	tw := c.table("Field", "Value")
	tw.AppendBulk([][]string{
		{"Address", inst.Address()},
		{"Name", inst.Name()},
		{"Status", snap.Status.String()},
		{"Since", formatTime(snap.StatusChangedAt)},
		{"Last Seen", formatTime(snap.LastSeen)},
		{"Failures", strconv.Itoa(snap.Failures)},
		{"Last Error", snap.LastError},
		{"Engine", snap.Engine},
		{"App ID", strconv.FormatUint(uint64(snap.AppID), 10)},
		{"Map", snap.Map},
		{"Players", fmt.Sprintf("%d/%d", snap.PlayerCount, snap.MaxPlayers)},
		{"Ping", fmt.Sprintf("%.1fms", snap.PingMS)},
		{"RCON", inst.RCONState()},
	})
	tw.Render()
}

// cmdInfo queries a monitored server, or probes any other address.
func (c *CLI) cmdInfo(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: info <ip:port>")
	}

	var info *a2s.InfoResult
	inst, err := c.manager.Lookup(args[0])
	if err == nil {
		info, err = inst.Info(ctx)
	} else {
		var addr netip.AddrPort
		addr, err = netip.ParseAddrPort(args[0])
		if err != nil {
			return fmt.Errorf("address must be ip:port: %w", err)
		}
		info, err = c.manager.Probe(ctx, addr)
	}
	if err != nil {
		return err
	}

	c.printInfo(info)
	return nil
}

func (c *CLI) printInfo(info *a2s.InfoResult) {
	tw := c.table("Field", "Value")
	switch i := info.Info.(type) {
	case *a2s.SourceInfo:
		tw.AppendBulk([][]string{
			{"Engine", i.Engine().String()},
			{"Name", i.Name},
			{"Map", i.Map},
			{"Game", fmt.Sprintf("%s (%s)", i.Game, i.Folder)},
			{"App ID", strconv.FormatUint(uint64(i.AppID), 10)},
			{"Players", fmt.Sprintf("%d/%d (%d bots)", i.Players, i.MaxPlayers, i.Bots)},
			{"Type", i.ServerType.String()},
			{"Environment", i.Environment.String()},
			{"Password", strconv.FormatBool(i.Password)},
			{"VAC", strconv.FormatBool(i.VAC)},
			{"Version", i.Version},
		})
		if i.EDF.Has(a2s.EDFGamePort) {
			tw.Append([]string{"Game Port", strconv.Itoa(int(i.GamePort))})
		}
		if i.EDF.Has(a2s.EDFSteamID) {
			tw.Append([]string{"Steam ID", strconv.FormatUint(i.SteamID, 10)})
		}
		if i.SourceTV != nil {
			tw.Append([]string{"SourceTV", fmt.Sprintf("%s:%d", i.SourceTV.Name, i.SourceTV.Port)})
		}
		if len(i.Keywords) > 0 {
			tw.Append([]string{"Keywords", strings.Join(i.Keywords, ",")})
		}
	case *a2s.GoldSourceInfo:
		tw.AppendBulk([][]string{
			{"Engine", i.Engine().String()},
			{"Address", i.Address},
			{"Name", i.Name},
			{"Map", i.Map},
			{"Game", fmt.Sprintf("%s (%s)", i.Game, i.Folder)},
			{"Players", fmt.Sprintf("%d/%d (%d bots)", i.Players, i.MaxPlayers, i.Bots)},
			{"Type", i.ServerType.String()},
			{"Environment", i.Environment.String()},
			{"Password", strconv.FormatBool(i.Password)},
			{"VAC", strconv.FormatBool(i.VAC)},
		})
	}
	tw.Render()
	c.printWarnings(info.Warnings)
}

func (c *CLI) cmdPlayers(ctx context.Context, args []string) error {
	inst, err := c.instanceArg(args, "players")
	if err != nil {
		return err
	}
	res, err := inst.Players(ctx)
	if err != nil {
		return err
	}

	tw := c.table("#", "Name", "Score", "Time")
	for _, p := range res.Players {
		tw.Append([]string{
			strconv.Itoa(int(p.Index)),
			p.Name,
			strconv.Itoa(int(p.Score)),
			(time.Duration(p.Duration) * time.Second).String(),
		})
	}
	tw.SetFooter([]string{"", "Total", strconv.Itoa(len(res.Players)), ""})
	tw.Render()
	c.printWarnings(res.Warnings)
	return nil
}

func (c *CLI) cmdRules(ctx context.Context, args []string) error {
	inst, err := c.instanceArg(args, "rules")
	if err != nil {
		return err
	}
	res, err := inst.Rules(ctx)
	if err != nil {
		return err
	}

	rules := append([]a2s.Rule(nil), res.Rules...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	tw := c.table("Rule", "Value")
	for _, r := range rules {
		tw.Append([]string{r.Name, r.Value})
	}
	tw.Render()
	c.printWarnings(res.Warnings)
	return nil
}

func (c *CLI) cmdPing(ctx context.Context, args []string) error {
	inst, err := c.instanceArg(args, "ping")
	if err != nil {
		return err
	}
	rtt, err := inst.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: %.1fms\n", inst.Address(), float64(rtt.Microseconds())/1000)
	return nil
}

func (c *CLI) cmdRefresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.manager.PollTimeout())
	defer cancel()

	results := c.manager.RefreshAll(ctx, true)
	tw := c.table("Address", "Status", "Ping", "Error")
	for _, r := range results {
		tw.Append([]string{
			r.Address,
			r.Status.String(),
			r.Ping.Round(time.Millisecond).String(),
			r.Error,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdAdd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: add <ip:port> [name] [rcon password]")
	}
	sc, err := server.ParseServerAddress(args[0])
	if err != nil {
		return err
	}
	if len(args) > 1 {
		sc.Name = args[1]
	}
	if len(args) > 2 {
		sc.RCONPassword = args[2]
	}

	inst, err := c.manager.Add(ctx, sc, true)
	if err != nil && inst == nil {
		return err
	}
	fmt.Fprintf(c.out, "Monitoring %s (rcon: %s)\n", inst.Address(), inst.RCONState())
	return err
}

func (c *CLI) cmdRemove(ctx context.Context, args []string) error {
	inst, err := c.instanceArg(args, "remove")
	if err != nil {
		return err
	}
	if err := c.manager.Remove(ctx, inst.Address(), true); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Removed %s\n", inst.Address())
	return nil
}

func (c *CLI) cmdRCON(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: rcon <addr> <command>")
	}
	inst, err := c.manager.Lookup(args[0])
	if err != nil {
		return err
	}
	out, err := inst.Exec(ctx, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, strings.TrimRight(out, "\n"))
	return nil
}

func (c *CLI) cmdRCONPassword(ctx context.Context, args []string) error {
	inst, err := c.instanceArg(args, "rconpass")
	if err != nil {
		return err
	}
	password := strings.Join(args[1:], " ")
	if err := c.manager.SetRCONPassword(ctx, inst.Address(), password, true); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "RCON for %s: %s\n", inst.Address(), inst.RCONState())
	return nil
}

func (c *CLI) cmdMaster(ctx context.Context, args []string) error {
	q, err := c.manager.MasterQueryFromConfig()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		if q.Region, err = connector.ParseRegion(args[0]); err != nil {
			return err
		}
	}
	if len(args) > 1 {
		q.Filter = args[1]
	}
	if len(args) > 2 {
		if q.Quantity, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("invalid quantity: %s", args[2])
		}
	}

	res, err := c.manager.QueryMaster(ctx, q)
	if err != nil {
		return err
	}

	tw := c.table("#", "Address")
	for i, addr := range res.Servers {
		tw.Append([]string{strconv.Itoa(i + 1), addr})
	}
	tw.SetFooter([]string{"", fmt.Sprintf("%d servers, %d pages", len(res.Servers), res.Pages)})
	tw.Render()
	c.printWarnings(res.Warnings)
	return nil
}

// cmdSet updates one key of a runtime config section. Values that parse
// as integers or booleans are stored as such.
func (c *CLI) cmdSet(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: set <section> <key> <value>")
	}
	section, key := args[0], args[1]
	raw := strings.Join(args[2:], " ")

	var value interface{} = raw
	if n, err := strconv.Atoi(raw); err == nil {
		value = n
	} else if b, err := strconv.ParseBool(raw); err == nil {
		value = b
	}

	if err := c.cfg.UpdateField(section, key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		return fmt.Errorf("invalid configuration: %v", result.Errors)
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:   events.EventConfigChanged,
		Source: "cli",
		Payload: events.ConfigChangedPayload{
			Section: section,
			Key:     key,
			Value:   value,
		},
	})
	fmt.Fprintf(c.out, "Config updated: %s.%s = %v\n", section, key, value)
	return nil
}

func (c *CLI) instanceArg(args []string, usage string) (*server.Instance, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: %s <addr>", usage)
	}
	return c.manager.Lookup(args[0])
}

func (c *CLI) printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(c.out, "warning: %s\n", w)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
