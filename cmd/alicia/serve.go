package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/alicia-home/alicia/internal/balancer"
	"github.com/alicia-home/alicia/internal/buildinfo"
	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/configsvc"
	"github.com/alicia-home/alicia/internal/devices"
	"github.com/alicia-home/alicia/internal/discovery"
	"github.com/alicia-home/alicia/internal/events"
	"github.com/alicia-home/alicia/internal/httpapi"
	"github.com/alicia-home/alicia/internal/monitor"
	"github.com/alicia-home/alicia/internal/security"
	"github.com/alicia-home/alicia/internal/voice/ai"
	"github.com/alicia-home/alicia/internal/voice/stt"
	"github.com/alicia-home/alicia/internal/voice/tts"
)

// service pairs a bus name with its start function. Start functions block
// until ctx is cancelled or the service fails.
type service struct {
	name  string
	start func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error
}

// services lists every hostable service in start order. The config service
// comes first so the others can fetch their overlays during boot.
var services = []service{
	{"config", serveConfig},
	{"security", serveSecurity},
	{"balancer", serveBalancer},
	{"devices", serveDevices},
	{"monitor", serveMonitor},
	{"stt", serveSTT},
	{"ai", serveAI},
	{"tts", serveTTS},
}

func serviceNames() []string {
	names := make([]string, len(services))
	for i, s := range services {
		names[i] = s.name
	}
	return names
}

// runServe handles "alicia serve [service|all]". With "all" every service
// runs in this process under one errgroup; the first failure tears the
// group down. SIGINT/SIGTERM cancel the context, which drains HTTP
// servers, stops intake, and publishes the offline heartbeat before
// disconnecting from the broker.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, target string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "environment", cfg.Environment)

	var selected []service
	if target == "all" {
		selected = services
	} else {
		for _, s := range services {
			if s.name == target {
				selected = []service{s}
				break
			}
		}
		if selected == nil {
			return fmt.Errorf("unknown service: %s (valid: all, %v)", target, serviceNames())
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range selected {
		g.Go(func() error {
			log := logger.With("service", svc.name)
			log.Info("service starting", "version", buildinfo.Version)
			if err := svc.start(ctx, cfg, log); err != nil {
				log.Error("service failed", "error", err)
				return fmt.Errorf("%s: %w", svc.name, err)
			}
			log.Info("service stopped")
			return nil
		})
	}

	err = g.Wait()
	logger.Info("alicia stopped")
	return err
}

// connect builds and starts the broker connection a service lives on. The
// advertised port is the service's HTTP port, so discovery consumers can
// reach its API.
func connect(ctx context.Context, cfg *config.Config, name string, port int, logger *slog.Logger) (*bus.Client, error) {
	client, err := bus.NewClient(bus.Options{
		ServerURL:      cfg.MQTT.URL(),
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		Service:        name,
		Port:           port,
		Version:        buildinfo.Version,
		KeepAlive:      uint16(cfg.MQTT.KeepAlive),
		HealthInterval: config.Seconds(cfg.Health.CheckInterval, 30*time.Second),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// disconnect publishes the offline heartbeat and unregister envelope, then
// drains the client. Bounded so a dead broker cannot hang shutdown.
func disconnect(client *bus.Client, logger *slog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Warn("bus disconnect failed", "error", err)
	}
}

// healthFor builds the GET /health snapshot closure. extra merges
// service-specific fields into the common shape.
func healthFor(name string, client *bus.Client, extra func() map[string]any) func() any {
	return func() any {
		h := map[string]any{
			"service": name,
			"status":  "online",
			"bus":     client.State().String(),
			"uptime":  buildinfo.Uptime().String(),
		}
		if extra != nil {
			for k, v := range extra() {
				h[k] = v
			}
		}
		return h
	}
}

// fetchOverlay pulls this service's effective configuration from the config
// service and merges it over the bootstrap section via a YAML round trip,
// so overlay keys use the same names as the config file. A config service
// that is down or slow is not an error; the bootstrap values stand.
func fetchOverlay[T any](ctx context.Context, client *configsvc.Client, base T, logger *slog.Logger) T {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	overlay, err := client.Fetch(fetchCtx)
	if err != nil {
		logger.Info("config service unavailable, using bootstrap values", "error", err)
		return base
	}
	merged, err := applyOverlay(base, overlay)
	if err != nil {
		logger.Warn("config overlay rejected", "error", err)
		return base
	}
	if len(overlay) > 0 {
		logger.Info("config overlay applied", "keys", len(overlay))
	}
	return merged
}

func applyOverlay[T any](base T, overlay map[string]any) (T, error) {
	if len(overlay) == 0 {
		return base, nil
	}
	data, err := yaml.Marshal(overlay)
	if err != nil {
		return base, err
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, err
	}
	return base, nil
}

// --- Service start functions ---

func serveConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := connect(ctx, cfg, "config", cfg.ConfigSvc.Port, logger)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	store, err := configsvc.NewStore(cfg.ConfigSvc.Dir)
	if err != nil {
		return err
	}
	svc := configsvc.New(store, client, cfg.Environment, logger)
	if err := svc.Attach(ctx, client); err != nil {
		return err
	}

	r := httpapi.NewRouter("config", logger, healthFor("config", client, func() map[string]any {
		return map[string]any{"services": len(svc.ServiceNames())}
	}))
	svc.Routes(r, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Watch(ctx) })
	g.Go(func() error {
		return httpapi.NewServer("config", "", cfg.ConfigSvc.Port, r, logger).Run(ctx)
	})
	return g.Wait()
}

func serveSecurity(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := connect(ctx, cfg, "security", cfg.Security.Port, logger)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	secCfg := fetchOverlay(ctx, configsvc.NewClient(client, nil, logger), cfg.Security, logger)

	key, err := security.LoadOrCreateKey(secCfg.KeysDir)
	if err != nil {
		return err
	}
	cipher, err := security.NewCipher(key, secCfg.Cipher)
	if err != nil {
		return err
	}
	auth, err := security.NewAuthenticator(secCfg.CAFile)
	if err != nil {
		return err
	}
	tokens := security.NewTokenStore(config.Seconds(secCfg.TokenTTL, time.Hour))

	gw := security.NewGateway(tokens, cipher, auth, client, logger)
	if err := gw.Attach(ctx, client); err != nil {
		return err
	}

	r := httpapi.NewRouter("security", logger, healthFor("security", client, nil))
	gw.Routes(r, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gw.RunSweeper(ctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		return httpapi.NewServer("security", "", cfg.Security.Port, r, logger).Run(ctx)
	})
	return g.Wait()
}

func serveBalancer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := connect(ctx, cfg, "balancer", cfg.Balancer.Port, logger)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	balCfg := fetchOverlay(ctx, configsvc.NewClient(client, nil, logger), cfg.Balancer, logger)

	algo, err := balancer.ParseAlgorithm(balCfg.Algorithm)
	if err != nil {
		return err
	}
	b := balancer.New(client, balancer.Options{
		DefaultAlgorithm: algo,
		FailureThreshold: uint32(balCfg.FailureThreshold),
		RecoveryTimeout:  config.Seconds(balCfg.RecoveryTimeout, time.Minute),
		Logger:           logger,
	})
	if err := b.Attach(ctx, client); err != nil {
		return err
	}

	r := httpapi.NewRouter("balancer", logger, healthFor("balancer", client, func() map[string]any {
		return map[string]any{"stats": b.StatsSnapshot()}
	}))
	b.Routes(r, logger)

	return httpapi.NewServer("balancer", "", cfg.Balancer.Port, r, logger).Run(ctx)
}

func serveDevices(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := connect(ctx, cfg, "devices", cfg.Devices.Port, logger)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	devCfg := fetchOverlay(ctx, configsvc.NewClient(client, nil, logger), cfg.Devices, logger)

	m := devices.NewManager(client, devices.Options{
		CommandTimeout: config.Seconds(devCfg.CommandTimeout, 30*time.Second),
		MaxConcurrent:  devCfg.MaxConcurrentCommands,
		QueueSize:      devCfg.QueueSize,
		SweepInterval:  config.Seconds(devCfg.StatusUpdateInterval, time.Minute),
		OfflineAfter:   config.Seconds(devCfg.OfflineAfter, 5*time.Minute),
		Logger:         logger,
	})
	if err := m.Attach(ctx, client); err != nil {
		return err
	}

	r := httpapi.NewRouter("devices", logger, healthFor("devices", client, func() map[string]any {
		return map[string]any{
			"devices":        len(m.Inventory().List()),
			"late_responses": m.LateResponses(),
		}
	}))
	m.Routes(r, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(ctx) })
	g.Go(func() error {
		return httpapi.NewServer("devices", "", cfg.Devices.Port, r, logger).Run(ctx)
	})
	return g.Wait()
}

func serveMonitor(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := connect(ctx, cfg, "monitor", cfg.Monitor.Port, logger)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	monCfg := fetchOverlay(ctx, configsvc.NewClient(client, nil, logger), cfg.Monitor, logger)

	staleAfter := config.Seconds(monCfg.StaleAfter, 5*time.Minute)
	registry := discovery.NewRegistry(staleAfter, logger)
	if err := registry.Attach(ctx, client); err != nil {
		return err
	}

	probes := make([]monitor.Probe, 0, len(monCfg.Probes))
	for _, p := range monCfg.Probes {
		probes = append(probes, monitor.Probe{Service: p.Service, URL: p.URL})
	}
	mon := monitor.New(registry, client, monitor.Options{
		ProbeTimeout:  config.Seconds(monCfg.ProbeTimeout, 10*time.Second),
		CheckInterval: config.Seconds(monCfg.CheckInterval, 30*time.Second),
		Probes:        probes,
		Logger:        logger,
	})
	if err := mon.Attach(ctx, client); err != nil {
		return err
	}

	r := httpapi.NewRouter("monitor", logger, func() any { return mon.Overall() })
	mon.Routes(r, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.Run(ctx, staleAfter/2)
		return nil
	})
	g.Go(func() error {
		mon.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return httpapi.NewServer("monitor", "", cfg.Monitor.Port, r, logger).Run(ctx)
	})
	return g.Wait()
}

func serveTTS(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := connect(ctx, cfg, "tts", cfg.TTS.Port, logger)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	evbus := events.New()
	cc := configsvc.NewClient(client, evbus, logger)
	ttsCfg := fetchOverlay(ctx, cc, cfg.TTS, logger)

	engine, err := tts.NewEngine(ttsCfg)
	if err != nil {
		return err
	}
	svc := tts.NewService(client, ttsCfg, engine, tts.Options{Events: evbus, Logger: logger})
	if err := svc.Attach(ctx, client); err != nil {
		return err
	}
	if err := cc.Watch(ctx); err != nil {
		return err
	}

	r := httpapi.NewRouter("tts", logger, healthFor("tts", client, func() map[string]any {
		return map[string]any{"engine": svc.EngineName(), "queue_depth": svc.QueueDepth()}
	}))
	svc.Routes(r, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error {
		watchEngine(ctx, evbus, cc, logger, ttsCfg, func(next config.TTSConfig) (string, error) {
			if next.Engine == svc.EngineName() && next.Voice == ttsCfg.Voice {
				return "", nil
			}
			e, err := tts.NewEngine(next)
			if err != nil {
				return "", err
			}
			svc.SetEngine(e)
			ttsCfg = next
			return next.Engine, nil
		})
		return nil
	})
	g.Go(func() error {
		return httpapi.NewServer("tts", "", cfg.TTS.Port, r, logger).Run(ctx)
	})
	return g.Wait()
}

func serveSTT(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := connect(ctx, cfg, "stt", cfg.STT.Port, logger)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	evbus := events.New()
	cc := configsvc.NewClient(client, evbus, logger)
	sttCfg := fetchOverlay(ctx, cc, cfg.STT, logger)

	engine, err := stt.NewEngine(sttCfg)
	if err != nil {
		return err
	}
	svc := stt.NewService(client, sttCfg, engine, stt.Options{Events: evbus, Logger: logger})
	if err := svc.Attach(ctx, client); err != nil {
		return err
	}
	if err := cc.Watch(ctx); err != nil {
		return err
	}

	r := httpapi.NewRouter("stt", logger, healthFor("stt", client, func() map[string]any {
		return map[string]any{"engine": svc.EngineName(), "queue_depth": svc.QueueDepth()}
	}))
	svc.Routes(r, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error {
		watchEngine(ctx, evbus, cc, logger, sttCfg, func(next config.STTConfig) (string, error) {
			if next.Engine == svc.EngineName() {
				return "", nil
			}
			e, err := stt.NewEngine(next)
			if err != nil {
				return "", err
			}
			svc.SetEngine(e)
			sttCfg = next
			return next.Engine, nil
		})
		return nil
	})
	g.Go(func() error {
		return httpapi.NewServer("stt", "", cfg.STT.Port, r, logger).Run(ctx)
	})
	return g.Wait()
}

func serveAI(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := connect(ctx, cfg, "ai", cfg.AI.Port, logger)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	evbus := events.New()
	cc := configsvc.NewClient(client, evbus, logger)
	aiCfg := fetchOverlay(ctx, cc, cfg.AI, logger)

	engine, err := ai.NewEngine(aiCfg)
	if err != nil {
		return err
	}
	svc := ai.NewService(client, aiCfg, engine, ai.Options{Events: evbus, Logger: logger})
	if err := svc.Attach(ctx, client); err != nil {
		return err
	}
	if err := cc.Watch(ctx); err != nil {
		return err
	}

	r := httpapi.NewRouter("ai", logger, healthFor("ai", client, func() map[string]any {
		return map[string]any{"limits": svc.Limits(), "queue_depth": svc.QueueDepth()}
	}))
	svc.Routes(r, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error {
		watchEngine(ctx, evbus, cc, logger, aiCfg, func(next config.AIConfig) (string, error) {
			if next.Model == aiCfg.Model && next.Endpoint == aiCfg.Endpoint {
				return "", nil
			}
			e, err := ai.NewEngine(next)
			if err != nil {
				return "", err
			}
			svc.SetEngine(e)
			aiCfg = next
			return next.Model, nil
		})
		return nil
	})
	g.Go(func() error {
		return httpapi.NewServer("ai", "", cfg.AI.Port, r, logger).Run(ctx)
	})
	return g.Wait()
}

// watchEngine hot-swaps a voice engine when the config service pushes an
// update. Each push triggers a fresh fetch; swap decides whether the merged
// section actually changes the engine and performs the switch, returning
// the new engine's name (or "" for no-op).
func watchEngine[T any](ctx context.Context, evbus *events.Bus, cc *configsvc.Client, logger *slog.Logger, base T, swap func(T) (string, error)) {
	ch := evbus.Subscribe(8)
	defer evbus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.KindConfigUpdated {
				continue
			}
			next := fetchOverlay(ctx, cc, base, logger)
			name, err := swap(next)
			if err != nil {
				logger.Warn("engine hot-swap failed, keeping current engine", "error", err)
				continue
			}
			if name != "" {
				logger.Info("engine hot-swapped", "engine", name)
			}
		}
	}
}
