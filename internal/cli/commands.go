// Package cli implements the interactive console of the proxy. Listings are
// rendered as tables.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/backend"
	"github.com/nethergate/nethergate/internal/db"
	"github.com/nethergate/nethergate/internal/proxy"
	"github.com/nethergate/nethergate/internal/raknet"
	"github.com/nethergate/nethergate/internal/tick"
)

// ErrStop is returned by Execute for the stop command.
var ErrStop = errors.New("stop requested")

// Monitor is the read side of the tick orchestrator.
type Monitor interface {
	Status() tick.Status
}

// Proxy is the player and backend state.
type Proxy interface {
	PlayerInfos() []proxy.PlayerInfo
	ClientData() backend.ClientData
	Kick(name, reason string) bool
}

// Sessions lists transport sessions.
type Sessions interface {
	Snapshot() []raknet.SessionInfo
}

// Bans is the persistent ban list.
type Bans interface {
	Ban(addr netip.Addr, reason string) (db.Ban, error)
	Unban(addr netip.Addr) error
	List() []db.Ban
}

// Deps are the components the console reads and controls.
type Deps struct {
	Monitor  Monitor
	Proxy    Proxy
	Sessions Sessions
	Bans     Bans
	// Shutdown is called by the stop command.
	Shutdown func(reason string)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	deps Deps
	in   io.Reader
	out  io.Writer
	now  func() time.Time
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(deps Deps, in io.Reader, out io.Writer) *CLI {
	return &CLI{deps: deps, in: in, out: out, now: time.Now}
}

// Start reads commands until ctx is done, input ends, or stop is run.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nNethergate console ready. Type 'help' for available commands.")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

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
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			err := c.Execute(strings.ToLower(fields[0]), fields[1:])
			if errors.Is(err, ErrStop) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one command.
func (c *CLI) Execute(cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "players", "list":
		c.printPlayers()
	case "servers":
		c.printServers()
	case "sessions":
		c.printSessions()
	case "bans":
		c.printBans()
	case "ban":
		return c.cmdBan(args)
	case "unban", "pardon":
		return c.cmdUnban(args)
	case "kick":
		return c.cmdKick(args)
	case "stop", "quit", "exit", "q":
		reason := strings.Join(args, " ")
		fmt.Fprintln(c.out, "Stopping Nethergate...")
		log.Info().Str("reason", reason).Msg("CLI: stop requested")
		if c.deps.Shutdown != nil {
			c.deps.Shutdown(reason)
		}
		return ErrStop
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := c.table([]string{"Command", "Description"})
	tw.AppendBulk([][]string{
		{"status", "Tick rate, load, players and memory"},
		{"players", "Connected players"},
		{"servers", "Attached backend servers"},
		{"sessions", "RakNet sessions"},
		{"bans", "Banned addresses"},
		{"ban <ip> [reason]", "Ban an address"},
		{"unban <ip>", "Lift a ban"},
		{"kick <name> [reason]", "Disconnect a player"},
		{"stop [reason]", "Shut the proxy down"},
		{"help", "Show this help message"},
	})
	tw.Render()
}

func (c *CLI) printStatus() {
	st := c.deps.Monitor.Status()
	tw := c.table([]string{"Tick", "TPS", "TPS avg", "Load %", "Load avg", "Players", "Servers", "Sessions", "Memory", "Pool queued", "Pool dropped"})
	tw.Append([]string{
		fmt.Sprint(st.Tick),
		fmt.Sprintf("%.2f", st.TPS),
		fmt.Sprintf("%.2f", st.TPSAverage),
		fmt.Sprintf("%.2f", st.Load),
		fmt.Sprintf("%.2f", st.LoadAverage),
		fmt.Sprint(st.Players),
		fmt.Sprint(st.Servers),
		fmt.Sprint(st.Sessions),
		st.Memory,
		fmt.Sprint(st.Pool.Queued),
		humanize.Comma(int64(st.Pool.Dropped)),
	})
	tw.Render()
}

func (c *CLI) printPlayers() {
	players := c.deps.Proxy.PlayerInfos()
	tw := c.table([]string{"Name", "Address", "Backend", "Protocol", "Connected"})
	for _, p := range players {
		name := p.Name
		if !p.LoggedIn {
			name = "(logging in)"
		}
		tw.Append([]string{name, p.Address, dash(p.Backend), fmt.Sprint(p.Protocol), humanize.RelTime(p.ConnectedAt, c.now(), "ago", "from now")})
	}
	tw.SetFooter([]string{"", "", "", "Total", fmt.Sprint(len(players))})
	tw.Render()
}

func (c *CLI) printServers() {
	data := c.deps.Proxy.ClientData()
	hashes := make([]string, 0, len(data.ClientList))
	for h := range data.ClientList {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	tw := c.table([]string{"Description", "Link", "Address", "Players", "TPS", "Load", "Uptime"})
	for _, h := range hashes {
		e := data.ClientList[h]
		tw.Append([]string{
			e.Description,
			h,
			fmt.Sprintf("%s:%d", e.IP, e.Port),
			fmt.Sprintf("%d/%d", e.PlayerCount, e.MaxPlayers),
			fmt.Sprintf("%.2f", e.TPS),
			fmt.Sprintf("%.2f", e.Load),
			(time.Duration(e.UpTime) * time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) printSessions() {
	if c.deps.Sessions == nil {
		fmt.Fprintln(c.out, "No transport attached")
		return
	}
	tw := c.table([]string{"Remote", "GUID", "State", "MTU", "Protocol", "Age"})
	for _, s := range c.deps.Sessions.Snapshot() {
		tw.Append([]string{
			s.Remote,
			fmt.Sprintf("%016x", s.GUID),
			s.State.String(),
			fmt.Sprint(s.MTU),
			fmt.Sprint(s.Protocol),
			c.now().Sub(s.Created).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) printBans() {
	tw := c.table([]string{"IP", "Reason", "Banned"})
	for _, b := range c.deps.Bans.List() {
		tw.Append([]string{b.IP, dash(b.Reason), humanize.RelTime(b.CreatedAt, c.now(), "ago", "from now")})
	}
	tw.Render()
}

func (c *CLI) cmdBan(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ban <ip> [reason]")
	}
	addr, err := db.ParseIP(args[0])
	if err != nil {
		return err
	}
	if _, err := c.deps.Bans.Ban(addr, strings.Join(args[1:], " ")); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Banned %s\n", addr)
	return nil
}

func (c *CLI) cmdUnban(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: unban <ip>")
	}
	addr, err := db.ParseIP(args[0])
	if err != nil {
		return err
	}
	if err := c.deps.Bans.Unban(addr); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Unbanned %s\n", addr)
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kick <name> [reason]")
	}
	if !c.deps.Proxy.Kick(args[0], strings.Join(args[1:], " ")) {
		return fmt.Errorf("no player matching '%s'", args[0])
	}
	fmt.Fprintf(c.out, "Kicked %s\n", args[0])
	return nil
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
