// Package tick drives the proxy control loop: a fixed 10ms cadence that pumps
// transports, the backend link and the scheduler, fans player updates out to
// a worker pool and tracks TPS and load.
package tick

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/events"
	"github.com/nethergate/nethergate/internal/worker"
)

const (
	// Interval is the target tick spacing.
	Interval = 10 * time.Millisecond

	// earlyTolerance lets an iteration run a tick slightly before it is due.
	earlyTolerance = -5 * time.Millisecond

	// resyncThreshold is how far behind the loop may fall before it stops
	// catching up and restarts the schedule from now.
	resyncThreshold = -1000 * time.Millisecond

	statusEvery = 64  // ticks, power of two
	queryEvery  = 512 // ticks, power of two

	windowSize = 20

	// DefaultShutdownReason is shown to players on a normal stop.
	DefaultShutdownReason = "Proxy server closed"
)

// ErrAlreadyStopped is returned by Shutdown when the loop is not running.
var ErrAlreadyStopped = errors.New("tick: proxy has already shut down")

// Player is a connection ticked on the worker pool.
type Player interface {
	CanTick() bool
	OnUpdate(tick uint64)
}

// Client is a backend server updated on the control thread.
type Client interface {
	OnUpdate(tick uint64)
}

// QueryInfo is the status snapshot regenerated every 512 ticks.
type QueryInfo struct {
	Motd        string    `json:"motd"`
	Version     string    `json:"version"`
	Protocol    int       `json:"protocol"`
	Players     int       `json:"players"`
	MaxPlayers  int       `json:"max_players"`
	PlayerNames []string  `json:"player_names"`
	Servers     []string  `json:"servers"`
	Port        int       `json:"port"`
	GeneratedAt time.Time `json:"generated_at"`
	Tick        uint64    `json:"tick"`
}

// World is the proxy state the loop iterates.
type World interface {
	TickPlayers() []Player
	TickClients() []Client
	PlayerCount() int
	ClientCount() int
	SessionCount() int
	QueryInfo() (QueryInfo, error)
	CloseAll(reason string)
}

// Backend is the backend link pumped once per tick.
type Backend interface {
	Process()
	Shutdown(reason string) error
}

// Scheduler runs due tasks on heartbeat.
type Scheduler interface {
	Heartbeat(tick uint64)
	Shutdown()
}

// Config wires an Orchestrator. Now, Sleep, Exit and Memory default to the
// real clock, time.Sleep, os.Exit and a zero reading.
type Config struct {
	Network   *Network
	Backend   Backend
	Scheduler Scheduler
	World     World
	Pool      *worker.Pool
	Events    events.Publisher

	Title     string
	ANSITitle bool
	Out       io.Writer

	Now    func() time.Time
	Sleep  func(time.Duration)
	Exit   func(code int)
	Memory func() string
	Logger *zerolog.Logger
}

// Status is the telemetry snapshot refreshed every 64 ticks.
type Status struct {
	Tick        uint64       `json:"tick"`
	TPS         float64      `json:"tps"`
	TPSAverage  float64      `json:"tps_average"`
	Load        float64      `json:"load"`
	LoadAverage float64      `json:"load_average"`
	Players     int          `json:"players"`
	Servers     int          `json:"servers"`
	Sessions    int          `json:"sessions"`
	Memory      string       `json:"memory"`
	Pool        worker.Stats `json:"pool"`
	Line        string       `json:"line"`
}

// Orchestrator owns the control loop.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	running    atomic.Bool
	hasStopped atomic.Bool
	counter    atomic.Uint64

	mu          sync.RWMutex
	nextTick    time.Time
	maxTick     float64
	maxUse      float64
	tickAverage *Window
	useAverage  *Window
	statusLine  string
	query       QueryInfo
	hasQuery    bool
	stopReason  string
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Network == nil {
		cfg.Network = NewNetwork()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Title == "" {
		cfg.Title = "Nethergate Proxy"
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Memory == nil {
		cfg.Memory = func() string { return "0 B" }
	}

	o := &Orchestrator{
		cfg:         cfg,
		maxTick:     100,
		tickAverage: NewWindow(windowSize, 100),
		useAverage:  NewWindow(windowSize, 0),
	}
	if cfg.Logger != nil {
		o.logger = *cfg.Logger
	} else {
		o.logger = log.With().Str("component", "tick").Logger()
	}
	return o
}

// Network returns the transport registry.
func (o *Orchestrator) Network() *Network { return o.cfg.Network }

// Start resets the counter and schedule. Run calls it.
func (o *Orchestrator) Start() {
	o.counter.Store(0)
	o.mu.Lock()
	o.nextTick = o.cfg.Now()
	o.mu.Unlock()
	o.running.Store(true)
}

// Run executes the loop until Shutdown, or until ctx is done, and then
// performs the ordered shutdown.
func (o *Orchestrator) Run(ctx context.Context) {
	o.Start()
	o.logger.Info().Msg("tick loop started")

	for o.running.Load() {
		if ctx.Err() != nil {
			o.running.Store(false)
			break
		}
		o.safeRunOnce()
		o.cfg.Sleep(time.Millisecond)
	}

	o.mu.RLock()
	reason := o.stopReason
	o.mu.RUnlock()
	if reason == "" {
		reason = DefaultShutdownReason
	}
	o.ForceShutdown(reason)
}

func (o *Orchestrator) safeRunOnce() {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Uint64("tick", o.counter.Load()).
				Msg("tick panicked")
		}
	}()
	o.RunOnce()
}

// RunOnce is one loop iteration. It reports whether a tick executed.
func (o *Orchestrator) RunOnce() bool {
	tickTime := o.cfg.Now()

	o.mu.RLock()
	early := tickTime.Sub(o.nextTick) < earlyTolerance
	o.mu.RUnlock()
	if early {
		return false
	}

	tick := o.counter.Add(1)

	o.cfg.Network.ProcessInterfaces()
	if o.cfg.Backend != nil {
		o.cfg.Backend.Process()
	}
	if o.cfg.Scheduler != nil {
		o.cfg.Scheduler.Heartbeat(tick)
	}

	if o.cfg.World != nil {
		o.submitPlayers(tick)
		for _, c := range o.cfg.World.TickClients() {
			c.OnUpdate(tick)
		}
	}

	if tick&(statusEvery-1) == 0 {
		o.refreshStatus(tick)

		o.mu.Lock()
		o.maxTick = 100
		o.maxUse = 0
		o.mu.Unlock()

		if tick&(queryEvery-1) == 0 {
			o.regenerateQuery(tick)
		}
	}

	now := o.cfg.Now()
	elapsed := float64(now.Sub(tickTime).Nanoseconds())
	tps := math.Min(100, 1e9/math.Max(1e6, elapsed))
	use := math.Min(1, elapsed/5e7)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.maxTick > tps {
		o.maxTick = tps
	}
	if o.maxUse < use {
		o.maxUse = use
	}
	o.tickAverage.Push(tps)
	o.useAverage.Push(use)

	if o.nextTick.Sub(tickTime) < resyncThreshold {
		o.nextTick = tickTime
	} else {
		o.nextTick = o.nextTick.Add(Interval)
	}
	return true
}

// submitPlayers hands each player update to the pool without waiting.
// A full queue drops the update; the pool counts it.
func (o *Orchestrator) submitPlayers(tick uint64) {
	for _, p := range o.cfg.World.TickPlayers() {
		task := func() {
			if p.CanTick() {
				p.OnUpdate(tick)
			}
		}
		if o.cfg.Pool == nil {
			task()
			continue
		}
		if err := o.cfg.Pool.Submit(task); err != nil && !errors.Is(err, worker.ErrQueueFull) {
			o.logger.Debug().Err(err).Msg("player update not submitted")
		}
	}
}

func (o *Orchestrator) refreshStatus(tick uint64) {
	st := o.Status()
	line := fmt.Sprintf("%s | Players: %d | Servers: %d | Memory: %s | TPS: %.2f | Load: %.2f%%",
		o.cfg.Title, st.Players, st.Servers, st.Memory, st.TPS, st.Load)

	o.mu.Lock()
	o.statusLine = line
	o.mu.Unlock()
	st.Line = line

	if o.cfg.ANSITitle {
		fmt.Fprintf(o.cfg.Out, "\x1b]0;%s\x07", line)
	}
	o.cfg.Events.Emit(context.Background(), events.Event{
		Type:    events.EventStatus,
		Source:  "tick",
		Payload: st,
	})
}

func (o *Orchestrator) regenerateQuery(tick uint64) {
	if o.cfg.World == nil {
		return
	}
	q, err := o.cfg.World.QueryInfo()
	if err != nil {
		o.logger.Error().Err(err).Uint64("tick", tick).Msg("failed to regenerate query information")
		return
	}
	q.Tick = tick
	if q.GeneratedAt.IsZero() {
		q.GeneratedAt = o.cfg.Now()
	}

	o.mu.Lock()
	o.query = q
	o.hasQuery = true
	o.mu.Unlock()

	o.cfg.Events.Emit(context.Background(), events.Event{
		Type:    events.EventQueryRegenerate,
		Source:  "tick",
		Payload: q,
	})
}

// Shutdown asks the loop to stop. Run then performs the ordered shutdown.
func (o *Orchestrator) Shutdown() error {
	if !o.running.CompareAndSwap(true, false) {
		return ErrAlreadyStopped
	}
	return nil
}

// Stop is Shutdown with the reason shown to disconnected players.
func (o *Orchestrator) Stop(reason string) error {
	o.mu.Lock()
	if o.stopReason == "" {
		o.stopReason = reason
	}
	o.mu.Unlock()
	return o.Shutdown()
}

// Running reports whether the loop is active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Stopped reports whether ForceShutdown has run.
func (o *Orchestrator) Stopped() bool { return o.hasStopped.Load() }

// ForceShutdown stops everything in order: players and backends, scheduled
// tasks, the player pool, transport interfaces, then the backend link. Each
// step runs even if an earlier one failed; any failure exits the process
// with status 1. Calling it again is a no-op.
func (o *Orchestrator) ForceShutdown(reason string) {
	if !o.hasStopped.CompareAndSwap(false, true) {
		return
	}
	o.running.Store(false)

	o.cfg.Events.Emit(context.Background(), events.Event{
		Type:    events.EventShutdown,
		Source:  "tick",
		Payload: events.ShutdownPayload{Reason: reason},
	})

	failed := false
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				failed = true
				o.logger.Error().Str("step", name).Str("panic", fmt.Sprint(r)).Msg("shutdown step panicked")
			}
		}()
		o.logger.Debug().Str("step", name).Msg("shutting down")
		if err := fn(); err != nil {
			failed = true
			o.logger.Error().Err(err).Str("step", name).Msg("shutdown step failed")
		}
	}

	step("disconnecting players and servers", func() error {
		if o.cfg.World != nil {
			o.cfg.World.CloseAll(reason)
		}
		return nil
	})
	step("stopping scheduled tasks", func() error {
		if o.cfg.Scheduler != nil {
			o.cfg.Scheduler.Shutdown()
		}
		return nil
	})
	step("stopping player ticker", func() error {
		if o.cfg.Pool != nil {
			o.cfg.Pool.Stop()
		}
		return nil
	})
	step("stopping network interfaces", func() error {
		var errs []error
		for _, iface := range o.cfg.Network.Interfaces() {
			if err := iface.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", iface.Name(), err))
			}
			o.cfg.Network.UnregisterInterface(iface)
		}
		return errors.Join(errs...)
	})
	step("stopping backend link", func() error {
		if o.cfg.Backend != nil {
			return o.cfg.Backend.Shutdown(reason)
		}
		return nil
	})

	if failed {
		o.logger.Error().Msg("exception happened while shutting down, exiting the process")
		o.cfg.Exit(1)
		return
	}
	o.logger.Info().Uint64("ticks", o.counter.Load()).Msg("proxy stopped")
}

// Tick returns the tick counter.
func (o *Orchestrator) Tick() uint64 { return o.counter.Load() }

// NextTick returns when the next tick is due.
func (o *Orchestrator) NextTick() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.nextTick
}

// TicksPerSecond is the lowest TPS seen since the last status refresh.
func (o *Orchestrator) TicksPerSecond() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return round2(o.maxTick)
}

// TicksPerSecondAverage averages the last 20 ticks.
func (o *Orchestrator) TicksPerSecondAverage() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return round2(o.tickAverage.Average())
}

// TickUsage is the highest load percentage since the last status refresh.
func (o *Orchestrator) TickUsage() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return round2(o.maxUse * 100)
}

// TickUsageAverage averages the load percentage of the last 20 ticks.
func (o *Orchestrator) TickUsageAverage() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return round2(o.useAverage.Average() * 100)
}

// TPSWindow returns the TPS samples, oldest first.
func (o *Orchestrator) TPSWindow() []float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tickAverage.Values()
}

// UseWindow returns the load samples, oldest first.
func (o *Orchestrator) UseWindow() []float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.useAverage.Values()
}

// StatusLine returns the last rendered status line.
func (o *Orchestrator) StatusLine() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.statusLine
}

// Query returns the last query snapshot.
func (o *Orchestrator) Query() (QueryInfo, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.query, o.hasQuery
}

// Status builds a telemetry snapshot.
func (o *Orchestrator) Status() Status {
	st := Status{
		Tick:        o.Tick(),
		TPS:         o.TicksPerSecond(),
		TPSAverage:  o.TicksPerSecondAverage(),
		Load:        o.TickUsage(),
		LoadAverage: o.TickUsageAverage(),
		Memory:      o.cfg.Memory(),
		Line:        o.StatusLine(),
	}
	if o.cfg.World != nil {
		st.Players = o.cfg.World.PlayerCount()
		st.Servers = o.cfg.World.ClientCount()
		st.Sessions = o.cfg.World.SessionCount()
	}
	if o.cfg.Pool != nil {
		st.Pool = o.cfg.Pool.Stats()
	}
	return st
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
