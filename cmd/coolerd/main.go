package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/coolerd/internal/actor"
	"codeberg.org/mutker/coolerd/internal/api"
	"codeberg.org/mutker/coolerd/internal/commander"
	"codeberg.org/mutker/coolerd/internal/config"
	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/logger"
	"codeberg.org/mutker/coolerd/internal/pid"
	"codeberg.org/mutker/coolerd/internal/processing"
	"codeberg.org/mutker/coolerd/internal/repository"
	"codeberg.org/mutker/coolerd/internal/store"
)

const (
	discoveryAttempts = 3
	discoveryBackoff  = 2 * time.Second
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	registry := discoverDevices(ctx)
	devices := registry.AllDevices()
	if len(devices) == 0 {
		logger.Fatal().Msg("No devices found, exiting")
	}
	for _, dev := range devices {
		dev.SetCriticalTemp(cfg.CriticalTemp)
	}

	initCompositeSensors(ctx, registry, devices)
	devices = registry.AllDevices()

	settings, err := store.New(cfg.Database, logger.Default())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open settings store")
	}
	defer func() {
		if err := settings.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close settings store")
		}
	}()

	graph := processing.NewGraphCommander(devices, registry)
	step := processing.NewStepCommander(devices, registry)
	cmd := commander.New(devices, registry, settings, graph, step)

	broadcaster := actor.NewBroadcaster()
	defer broadcaster.Close()

	statusActor := actor.NewStatusActor(registry, devices, graph, step, broadcaster)
	deviceActor := actor.NewDeviceActor(devices, cmd, settings, broadcaster)
	profileActor := actor.NewProfileActor(settings, graph, step, cmd)
	modeActor := actor.NewModeActor(settings, deviceActor.Handle(), broadcaster)
	detectActor := actor.NewDetectActor(cmd.ReinitializeDevices)

	authActor, err := actor.NewAuthActor(cfg.AdminPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize auth")
	}

	// Settings persisted by previous runs are reapplied before the
	// actors start so the restore cannot race with API requests.
	deviceActor.RestoreSettings(ctx)

	go actor.Run(ctx, statusActor)
	go actor.Run(ctx, deviceActor)
	go actor.Run(ctx, profileActor)
	go actor.Run(ctx, modeActor)
	go actor.Run(ctx, authActor)
	go actor.Run(ctx, detectActor)

	server, err := api.New(api.Deps{
		Address:  cfg.APIAddress,
		Status:   statusActor.Handle(),
		Devices:  deviceActor.Handle(),
		Profiles: profileActor.Handle(),
		Modes:    modeActor.Handle(),
		Auth:     authActor.Handle(),
		Detect:   detectActor.Handle(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize API server")
	}
	server.Start()
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close API server")
		}
	}()

	if err := loop(ctx, statusActor.Handle()); err != nil {
		logger.Error().Err(err).Msg("Error in main loop")
	}

	shutdownRepositories(registry)
	logger.Info().Msg("Exiting...")
}

// discoverDevices initializes every hardware backend, retrying the
// whole pass a bounded number of times since drivers and the helper
// daemon may still be coming up at boot. Backends with no devices are
// simply not registered.
func discoverDevices(ctx context.Context) repository.Registry {
	registry := repository.NewRegistry()

	for attempt := 1; attempt <= discoveryAttempts; attempt++ {
		tryRegister(ctx, registry, repository.NewCPURepository())
		tryRegister(ctx, registry, repository.NewGPURepository())
		tryRegister(ctx, registry, repository.NewHwmonRepository(cfg.HwmonPath))
		tryRegister(ctx, registry, repository.NewLiquidRepository(cfg.LiquidAddress, nil))

		if len(registry) > 0 {
			break
		}

		logger.Warn().
			Int("attempt", attempt).
			Msg("No devices found, retrying discovery")

		select {
		case <-ctx.Done():
			return registry
		case <-time.After(discoveryBackoff):
		}
	}

	return registry
}

func tryRegister(ctx context.Context, registry repository.Registry, repo repository.Repository) {
	if _, ok := registry[repo.DeviceType()]; ok {
		return
	}

	if err := repo.InitializeDevices(ctx); err != nil {
		logger.Info().
			Err(err).
			Str("type", string(repo.DeviceType())).
			Msg("Skipping device backend")
		return
	}

	registry[repo.DeviceType()] = repo
}

func initCompositeSensors(ctx context.Context, registry repository.Registry, devices device.Map) {
	if len(cfg.CompositeSensors) == 0 {
		return
	}

	sensors := make([]repository.CompositeSensor, 0, len(cfg.CompositeSensors))
	for i := range cfg.CompositeSensors {
		sc := &cfg.CompositeSensors[i]
		members := make([]device.TempSource, 0, len(sc.Members))
		for _, m := range sc.Members {
			members = append(members, device.TempSource{DeviceUID: m.DeviceUID, TempName: m.TempName})
		}
		sensors = append(sensors, repository.CompositeSensor{
			Name:    sc.Name,
			Mix:     repository.MixFunction(sc.Mix),
			Members: members,
		})
	}

	tryRegister(ctx, registry, repository.NewCompositeRepository(sensors, devices))
}

// loop drives the poll/process/apply cycle. Ticks are serialized
// through the status actor, so a slow poll delays the next tick but
// never overlaps it.
func loop(ctx context.Context, status actor.StatusHandle) error {
	interval := time.Duration(cfg.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := status.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn().Err(err).Msg("Status poll failed")
			}
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// shutdownRepositories hands control back to the hardware. A fresh
// context is used since the run context is already canceled.
func shutdownRepositories(registry repository.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for dtype, repo := range registry {
		if err := repo.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Str("type", string(dtype)).Msg("Failed to shut down repository")
		}
	}
}
