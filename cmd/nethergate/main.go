// Nethergate - RakNet front proxy.
//
// Nethergate terminates client sessions over RakNet on UDP, runs a fixed
// 10ms control tick, and relays game packets to backend servers that attach
// over a TCP link. An admin REST API, an MQTT publisher and an interactive
// console expose its state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nethergate/nethergate/internal/api"
	"github.com/nethergate/nethergate/internal/backend"
	"github.com/nethergate/nethergate/internal/batch"
	"github.com/nethergate/nethergate/internal/cli"
	"github.com/nethergate/nethergate/internal/config"
	"github.com/nethergate/nethergate/internal/db"
	"github.com/nethergate/nethergate/internal/events"
	"github.com/nethergate/nethergate/internal/proxy"
	"github.com/nethergate/nethergate/internal/raknet"
	"github.com/nethergate/nethergate/internal/scheduler"
	"github.com/nethergate/nethergate/internal/telemetry"
	"github.com/nethergate/nethergate/internal/tick"
	"github.com/nethergate/nethergate/internal/util"
	"github.com/nethergate/nethergate/internal/worker"
)

const (
	AppName = "Nethergate"
	Banner  = `
  _   _      _   _                        _
 | \ | | ___| |_| |__   ___ _ __ __ _  __ _| |_ ___
 |  \| |/ _ \ __| '_ \ / _ \ '__/ _' |/ _' | __/ _ \
 | |\  |  __/ |_| | | |  __/ | | (_| | (_| | ||  __/
 |_| \_|\___|\__|_| |_|\___|_|  \__, |\__,_|\__\___|
                                |___/  v%s
 RakNet front proxy
`
	// statusLogEvery is one minute of ticks.
	statusLogEvery = 6000
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	setup := flag.Bool("setup", false, "run the setup wizard and exit")
	flag.Parse()

	fmt.Printf(Banner, util.Version)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Nethergate")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if *setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
		return
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		if !cfg.IsFirstRun() {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
		if v := config.Validate(cfg); !v.IsValid() {
			log.Fatal().Msg("configuration still invalid after setup")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")
	if ip, err := util.GetLocalIP(); err == nil {
		log.Info().Str("local_ip", ip).Msg("detected local address")
	}

	if err := run(cfg.Settings(), cfg.Logging.Level == "debug"); err != nil {
		log.Fatal().Err(err).Msg("Nethergate stopped with an error")
	}
	log.Info().Msg("Nethergate stopped")
}

func run(s config.Settings, debug bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	bans, err := db.NewBanStore(s.Database.Path, eventBus)
	if err != nil {
		return fmt.Errorf("ban store: %w", err)
	}
	defer bans.Close()
	log.Info().Int("bans", bans.Len()).Msg("ban list loaded")

	batcher := batch.New(batch.Options{
		Level:       s.Network.CompressionLevel,
		UseSnappy:   s.Network.UseSnappy,
		DataLimit:   s.Network.DataLimit,
		PacketLimit: s.Network.PacketLimit,
		BatchLimit:  s.Network.BatchLimit,
	})

	clients := backend.NewRegistry()
	px := proxy.New(proxy.Config{
		Server:  s.Server,
		Batcher: batcher,
		Clients: clients,
		Events:  eventBus,
	})

	link := backend.NewServer(backend.Config{
		Addr:     s.SynapseAddr(),
		Password: s.Synapse.Password,
		Clients:  clients,
	}, px, eventBus)

	rak := proxy.NewRakNetInterface(px)
	rakLog := util.ComponentLogger("raknet")
	listener := raknet.NewListener(raknet.ListenerConfig{
		Addr:              s.ListenAddr(),
		MaxSessions:       s.Network.MaxSessions,
		MinMTU:            s.Network.MinMTU,
		MaxMTU:            s.Network.MaxMTU,
		DatagramRateLimit: s.Network.DatagramRateLimit,
		SessionTimeout:    s.SessionTimeout(),
		Advertise:         px.Advertisement,
		Bans:              bans,
		Handler:           rak,
		Events:            eventBus,
		Logger:            &rakLog,
	})
	rak.Attach(listener)

	sched := scheduler.NewScheduler(s.AsyncWorkers)
	pool := worker.NewPool("players", s.PlayerThreads, s.PlayerTickQueue)

	network := tick.NewNetwork()
	network.RegisterInterface(rak)

	tickLog := util.ComponentLogger("tick")
	orch := tick.New(tick.Config{
		Network:   network,
		Backend:   link,
		Scheduler: sched,
		World:     px,
		Pool:      pool,
		Events:    eventBus,
		Title:     AppName + " Proxy",
		ANSITitle: s.Server.ANSITitle,
		Memory:    func() string { return util.GetProcessMemory().Human() },
		Logger:    &tickLog,
	})

	sched.ScheduleRepeating(func(uint64) {
		st := orch.Status()
		ls := listener.Stats()
		log.Info().
			Float64("tps", st.TPS).
			Float64("load", st.Load).
			Int("players", st.Players).
			Int("servers", st.Servers).
			Int("sessions", ls.Sessions).
			Uint64("rate_dropped", ls.RateDropped).
			Uint64("inbound_dropped", rak.Dropped()).
			Uint64("rejected", ls.Rejected).
			Str("memory", st.Memory).
			Msg("proxy status")
	}, statusLogEvery, statusLogEvery, true)

	stop := func(reason string) {
		if err := orch.Stop(reason); err != nil {
			log.Debug().Err(err).Msg("stop requested while already stopping")
		}
	}

	if err := listener.Listen(ctx); err != nil {
		return err
	}
	log.Info().
		Str("addr", s.ListenAddr()).
		Str("motd", s.Server.Motd).
		Int("max_players", s.Server.MaxPlayers).
		Msg("RakNet listener started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := link.Listen(gctx); err != nil {
			return fmt.Errorf("backend link: %w", err)
		}
		return nil
	})

	if s.API.Enabled {
		apiServer := api.NewServer(s.API, api.Deps{
			Monitor:  orch,
			Proxy:    px,
			Sessions: listener.Registry(),
			Bans:     bans,
			Shutdown: stop,
		}, debug)
		apiServer.Subscribe(eventBus)
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
			return nil
		})
	}

	if s.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(s.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			g.Go(func() error {
				if err := mqttHandler.Start(gctx, eventBus); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
				return nil
			})
		}
	}

	if s.Server.Console {
		console := cli.NewCLI(cli.Deps{
			Monitor:  orch,
			Proxy:    px,
			Sessions: listener.Registry(),
			Bans:     bans,
			Shutdown: stop,
		}, os.Stdin, os.Stdout)
		g.Go(func() error {
			console.Start(gctx)
			return nil
		})
	}

	// Run returns after the ordered shutdown; gctx ends it on signals and
	// on a backend link failure.
	orch.Run(gctx)

	cancel()
	return g.Wait()
}
