package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/homesim/internal/buildinfo"
	"github.com/nugget/homesim/internal/config"
	"github.com/nugget/homesim/internal/connwatch"
	"github.com/nugget/homesim/internal/controller"
	"github.com/nugget/homesim/internal/dashboard"
	"github.com/nugget/homesim/internal/events"
	"github.com/nugget/homesim/internal/mqtt"
	"github.com/nugget/homesim/internal/opstate"
	"github.com/nugget/homesim/internal/sensor"
	"github.com/nugget/homesim/internal/statewindow"
	"github.com/nugget/homesim/internal/web"
)

// Role names double as the role segment of MQTT client IDs.
const (
	roleTemperature = "temperature"
	roleMotion      = "motion"
	roleController  = "controller"
	roleDashboard   = "dashboard"
)

// shutdownTimeout bounds the offline publish, broker disconnect and
// HTTP drain on exit.
const shutdownTimeout = 5 * time.Second

// selectRoles returns the roles to start. An explicit list wins;
// otherwise every role enabled in cfg is returned. The dashboard comes
// first so its refresher is subscribed before anything else publishes.
func selectRoles(cfg *config.Config, only []string) []string {
	if len(only) > 0 {
		return only
	}
	var roles []string
	if cfg.Dashboard.Enabled {
		roles = append(roles, roleDashboard)
	}
	if cfg.Controller.Enabled {
		roles = append(roles, roleController)
	}
	if cfg.Sensors.Temperature.Enabled {
		roles = append(roles, roleTemperature)
	}
	if cfg.Sensors.Motion.Enabled {
		roles = append(roles, roleMotion)
	}
	return roles
}

// app holds what the roles of one process share.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *events.Bus
	watch      *connwatch.Manager
	instanceID string

	// connCtx outlives the signal context so connections can still
	// publish "offline" while shutting down.
	stop       context.CancelFunc
	connCtx    context.Context
	connCancel context.CancelFunc
	conns      []mqtt.Conn

	wg       sync.WaitGroup
	server   *web.Server
	store    *opstate.Store
	serveErr chan error
}

// runRoles loads config and runs the given roles (or all enabled ones
// when only is nil) until ctx is cancelled or a signal arrives.
func runRoles(ctx context.Context, stdout io.Writer, _ io.Writer, configPath string, only []string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting homesim", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level, so the error is moot.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	roles := selectRoles(cfg, only)
	if len(roles) == 0 {
		return fmt.Errorf("no roles enabled in config")
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connCtx, connCancel := context.WithCancel(context.Background())
	a := &app{
		cfg:        cfg,
		logger:     logger,
		bus:        events.New(),
		watch:      connwatch.NewManager(logger),
		instanceID: instanceID,
		stop:       stop,
		connCtx:    connCtx,
		connCancel: connCancel,
		serveErr:   make(chan error, 1),
	}
	defer a.shutdown()

	for _, role := range roles {
		if err := a.start(ctx, role); err != nil {
			return err
		}
	}
	logger.Info("homesim running",
		"roles", roles,
		"broker", cfg.Broker.URL,
		"protocol", cfg.Broker.Protocol,
		"instance_id", instanceID,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-a.serveErr:
		return err
	}
}

func (a *app) start(ctx context.Context, role string) error {
	conn, err := a.dial(role)
	if err != nil {
		return err
	}

	var onReady func()
	switch role {
	case roleTemperature:
		t := a.cfg.Sensors.Temperature
		gen := sensor.NewTemperature(a.cfg.Topics.Temperature, t.Min, t.Max, t.Precision, nil)
		a.runSensor(ctx, gen, conn, time.Duration(t.IntervalSec)*time.Second)
	case roleMotion:
		m := a.cfg.Sensors.Motion
		gen := sensor.NewMotion(a.cfg.Topics.Motion, m.Probability, nil)
		a.runSensor(ctx, gen, conn, time.Duration(m.IntervalSec)*time.Second)
	case roleController:
		c := controller.New(controller.Config{
			MotionTopic: a.cfg.Topics.Motion,
			LightTopic:  a.cfg.Topics.Light,
			Retain:      a.cfg.Controller.Retain,
		}, conn, a.bus, a.logger)
		if err := c.Start(ctx); err != nil {
			return err
		}
		// Reassert the retained light state after every (re-)connect.
		onReady = c.PublishState
	case roleDashboard:
		if err := a.startDashboard(ctx, conn); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown role: %s", role)
	}

	a.watch.Watch(ctx, connwatch.WatcherConfig{
		Name:    "mqtt-" + role,
		Probe:   connwatch.AwaitProbe(conn),
		OnReady: onReady,
		Bus:     a.bus,
		Logger:  a.logger.With("role", role),
	})
	return nil
}

// dial opens one broker connection per role.
func (a *app) dial(role string) (mqtt.Conn, error) {
	clientID := mqtt.ClientID(a.cfg.Broker.ClientPrefix, role, a.instanceID)
	logger := a.logger.With("role", role, "client_id", clientID)

	conn, err := mqtt.Dial(a.connCtx, a.cfg.Broker, mqtt.Options{
		ClientID:          clientID,
		AvailabilityTopic: mqtt.AvailabilityTopic(a.cfg.Topics.AvailabilityPrefix, clientID),
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	a.conns = append(a.conns, conn)
	return conn, nil
}

func (a *app) runSensor(ctx context.Context, gen sensor.Generator, conn mqtt.Conn, interval time.Duration) {
	r := sensor.NewRunner(gen, conn, interval, a.bus, a.logger)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		r.Run(ctx)
	}()
}

func (a *app) startDashboard(ctx context.Context, conn mqtt.Conn) error {
	d := a.cfg.Dashboard

	var store dashboard.Store
	if d.Persist {
		if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", a.cfg.DataDir, err)
		}
		s, err := opstate.NewStore(filepath.Join(a.cfg.DataDir, "homesim.db"))
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		a.store = s
		store = s
	}

	model := dashboard.NewModel(statewindow.New(d.HistorySize, time.Duration(d.HistoryMaxAgeMin)*time.Minute))
	hub := dashboard.NewHub(a.logger)

	// Subscribes to the bus, so it must exist before the feed starts.
	refresher := dashboard.NewRefresher(dashboard.RefresherConfig{
		Model:    model,
		Bus:      a.bus,
		Hub:      hub,
		Store:    store,
		Interval: time.Duration(d.RefreshMS) * time.Millisecond,
		Logger:   a.logger,
	})

	limiter := mqtt.NewRateLimiter(int64(d.RateLimitPerSec), time.Second, a.logger)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		limiter.Start(ctx)
	}()
	go func() {
		defer a.wg.Done()
		refresher.Run(ctx)
	}()

	feed := dashboard.NewFeed(a.cfg.Topics, conn, a.bus, limiter, a.logger)
	if err := feed.Start(ctx); err != nil {
		return err
	}

	a.server = web.NewServer(web.Config{
		Address: d.Address,
		Port:    d.Port,
		Model:   model,
		Hub:     hub,
		Health:  a.watch,
		Logger:  a.logger,
	})
	go func() {
		if err := a.server.Start(ctx); err != nil {
			a.serveErr <- err
		}
	}()
	return nil
}

// shutdown stops roles in dependency order: loops first, then the HTTP
// server, then broker connections (which publish "offline"), then the
// watchers and the store.
func (a *app) shutdown() {
	a.stop()
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("dashboard server shutdown failed", "error", err)
		}
	}
	for _, c := range a.conns {
		if err := c.Close(ctx); err != nil {
			a.logger.Warn("mqtt close failed", "error", err)
		}
	}
	a.connCancel()
	a.watch.Stop()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("state store close failed", "error", err)
		}
	}
	a.logger.Info("homesim stopped")
}
