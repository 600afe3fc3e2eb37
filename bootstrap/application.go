package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/entitycore/config"
	"github.com/najoast/entitycore/core"
	"github.com/najoast/entitycore/identity"
	"github.com/najoast/entitycore/logging"
	"github.com/najoast/entitycore/logic"
	"github.com/najoast/entitycore/store"
	"github.com/najoast/entitycore/timer"
)

// Names of the services and instances registered by Configure.
const (
	ServiceStore         = "store"
	ServiceScheduler     = "scheduler"
	ServiceEntities      = "entities"
	ServiceConfigWatcher = "config-watcher"

	InstanceConfig   = "config"
	InstanceLogger   = "logger"
	InstanceIdentity = "identity"
	InstanceLogic    = "logic"
)

var (
	_ Application      = (*DefaultApplication)(nil)
	_ LifecycleManager = (*DefaultLifecycleManager)(nil)
	_ Service          = (*EntitiesService)(nil)
)

// DefaultApplication implements the Application interface
type DefaultApplication struct {
	config     *config.Config
	configFile string

	registry *core.Registry
	logic    *logic.Table

	logger    *slog.Logger
	logCloser io.Closer

	container        Container
	lifecycleManager *DefaultLifecycleManager

	store     store.Store
	ownsStore bool
	scheduler *timer.Local
	entities  *core.Manager
	watcher   *config.Watcher

	mutex        sync.RWMutex
	configured   bool
	running      bool
	shutdownChan chan os.Signal
}

// AppOption configures a DefaultApplication
type AppOption func(*DefaultApplication)

// WithLogger sets the logger instead of building one from the log config.
func WithLogger(logger *slog.Logger) AppOption {
	return func(app *DefaultApplication) {
		app.logger = logger
	}
}

// WithStore sets the document store instead of opening the configured driver.
// The application does not close a store supplied this way.
func WithStore(st store.Store) AppOption {
	return func(app *DefaultApplication) {
		app.store = st
	}
}

// WithConfigFile enables the config watcher on path.
func WithConfigFile(path string) AppOption {
	return func(app *DefaultApplication) {
		app.configFile = path
	}
}

func withLogCloser(c io.Closer) AppOption {
	return func(app *DefaultApplication) {
		app.logCloser = c
	}
}

// NewApplication creates an application for the components in registry,
// bound by the modules installed in table.
func NewApplication(registry *core.Registry, table *logic.Table, opts ...AppOption) *DefaultApplication {
	app := &DefaultApplication{
		registry:     registry,
		logic:        table,
		container:    NewContainer(),
		shutdownChan: make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(app)
	}
	app.lifecycleManager = NewLifecycleManager(app.logger)
	return app
}

// Configure builds the store, the scheduler, the entity manager and, when a
// config file is set, the config watcher, and registers them as services.
func (app *DefaultApplication) Configure(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}

	app.mutex.Lock()
	defer app.mutex.Unlock()

	if app.running {
		return fmt.Errorf("cannot configure application while running")
	}
	if app.configured {
		return fmt.Errorf("application is already configured")
	}
	if app.registry == nil || app.logic == nil {
		return fmt.Errorf("application needs a component registry and a logic table")
	}
	if err := cfg.Validate(); err != nil {
		return &ApplicationError{Operation: "configure", Err: err}
	}

	if app.logger == nil {
		logger, closer, err := logging.New(cfg.Log)
		if err != nil {
			return &ApplicationError{Operation: "configure", Err: err}
		}
		app.logger, app.logCloser = logger, closer
		app.lifecycleManager.logger = logger.With(slog.String("component", "lifecycle"))
	}

	ids, err := identity.NewAllocator(cfg.Identity.ServerID, identity.WithEpoch(cfg.Identity.Epoch))
	if err != nil {
		return &ApplicationError{Operation: "configure", Service: ServiceEntities, Err: err}
	}

	if app.store == nil {
		st, err := store.Open(cfg.Persistence.Driver, cfg.Persistence.DSN)
		if err != nil {
			return &ApplicationError{Operation: "configure", Service: ServiceStore, Err: err}
		}
		app.store, app.ownsStore = st, true
	}

	sched := timer.New(timer.WithIDSource(ids), timer.WithLogger(app.logger))

	manager, err := core.NewManager(app.registry, app.logic, app.store,
		core.WithOptions(core.OptionsFromConfig(cfg)),
		core.WithAllocator(ids),
		core.WithScheduler(sched),
		core.WithManagerLogger(app.logger),
	)
	if err != nil {
		app.release(sched)
		return &ApplicationError{Operation: "configure", Service: ServiceEntities, Err: err}
	}

	if app.configFile != "" {
		w, err := config.NewWatcher(app.configFile, config.NewLoader(), app.logger)
		if err != nil {
			app.release(sched)
			return &ApplicationError{Operation: "configure", Service: ServiceConfigWatcher, Err: err}
		}
		app.watcher = w
	}

	app.config = cfg
	app.scheduler = sched
	app.entities = manager

	instances := []struct {
		name  string
		value any
	}{
		{InstanceConfig, cfg},
		{InstanceLogger, app.logger},
		{InstanceIdentity, ids},
		{InstanceLogic, app.logic},
		{ServiceStore, app.store},
		{ServiceScheduler, sched},
		{ServiceEntities, manager},
	}
	for _, in := range instances {
		if err := app.container.RegisterInstance(in.name, in.value); err != nil {
			return err
		}
	}

	services := []registration{
		{&StoreService{store: app.store, owned: app.ownsStore}, nil},
		{&SchedulerService{scheduler: sched}, nil},
		{&EntitiesService{manager: manager, logger: app.logger}, []string{ServiceStore, ServiceScheduler}},
	}
	if app.watcher != nil {
		services = append(services, registration{
			&ConfigWatcherService{watcher: app.watcher, manager: manager, logger: app.logger},
			[]string{ServiceEntities},
		})
	}
	for _, s := range services {
		if err := app.lifecycleManager.Register(s.service.Name(), s.service, s.deps...); err != nil {
			return err
		}
	}

	app.configured = true
	return nil
}

type registration struct {
	service Service
	deps    []string
}

func (app *DefaultApplication) release(sched *timer.Local) {
	sched.Stop(context.Background())
	if app.ownsStore {
		app.store.Close()
		app.store, app.ownsStore = nil, false
	}
}

// Run starts every service and blocks until SIGINT, SIGTERM or ctx, then
// shuts down.
func (app *DefaultApplication) Run(ctx context.Context) error {
	app.mutex.Lock()
	if !app.configured {
		app.mutex.Unlock()
		return fmt.Errorf("application is not configured")
	}
	if app.running {
		app.mutex.Unlock()
		return fmt.Errorf("application is already running")
	}
	app.running = true
	logger := app.logger
	app.mutex.Unlock()

	signal.Notify(app.shutdownChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(app.shutdownChan)

	if err := app.lifecycleManager.Start(ctx); err != nil {
		app.mutex.Lock()
		app.running = false
		app.mutex.Unlock()
		return fmt.Errorf("failed to start services: %w", err)
	}
	logger.Info("application started", slog.String("app", app.config.App.Name), slog.String("version", app.config.App.Version))

	select {
	case sig := <-app.shutdownChan:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	return app.Shutdown(context.Background())
}

// Shutdown stops every service in reverse start order. The entity manager
// saves every modified record while stopping.
func (app *DefaultApplication) Shutdown(ctx context.Context) error {
	app.mutex.Lock()
	if !app.running {
		app.mutex.Unlock()
		return nil
	}
	app.running = false
	app.mutex.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := app.lifecycleManager.Stop(shutdownCtx)
	app.logger.Info("application stopped", slog.Bool("clean", err == nil))
	if app.logCloser != nil {
		app.logCloser.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to stop services: %w", err)
	}
	return nil
}

// Entities returns the entity manager, nil before Configure
func (app *DefaultApplication) Entities() *core.Manager {
	app.mutex.RLock()
	defer app.mutex.RUnlock()
	return app.entities
}

// Logic returns the logic table. Installing a module on it hot reloads the
// agents of every live entity.
func (app *DefaultApplication) Logic() *logic.Table {
	return app.logic
}

// Container returns the dependency container
func (app *DefaultApplication) Container() Container {
	return app.container
}

// LifecycleManager returns the lifecycle manager
func (app *DefaultApplication) LifecycleManager() LifecycleManager {
	return app.lifecycleManager
}

// StoreService owns the document store.
type StoreService struct {
	store store.Store
	owned bool
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *StoreService) Name() string { return ServiceStore }

func (s *StoreService) Start(ctx context.Context) error {
	if p, ok := s.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *StoreService) Stop(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.store.Close()
}

func (s *StoreService) Health(ctx context.Context) (HealthStatus, error) {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return HealthStatus{State: HealthUnhealthy, Message: err.Error()}, nil
		}
	}
	return HealthStatus{State: HealthHealthy, Message: "store reachable"}, nil
}

// SchedulerService owns the timer scheduler.
type SchedulerService struct {
	scheduler *timer.Local
}

func (s *SchedulerService) Name() string { return ServiceScheduler }

func (s *SchedulerService) Start(context.Context) error { return nil }

func (s *SchedulerService) Stop(ctx context.Context) error {
	return s.scheduler.Stop(ctx)
}

func (s *SchedulerService) Health(context.Context) (HealthStatus, error) {
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]any{"timers": s.scheduler.Len()},
	}, nil
}

// EntitiesService runs the entity manager loop and shuts the manager down on
// stop.
type EntitiesService struct {
	manager *core.Manager
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *EntitiesService) Name() string { return ServiceEntities }

func (s *EntitiesService) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("entity manager already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.manager.Run(ctx); err != nil {
			s.logger.Error("entity manager loop failed", slog.Any("error", err))
		}
	}()
	return nil
}

func (s *EntitiesService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.manager.Shutdown(ctx)
}

func (s *EntitiesService) Health(context.Context) (HealthStatus, error) {
	s.mu.Lock()
	running := s.done != nil
	s.mu.Unlock()

	state := HealthStopped
	if running {
		state = HealthHealthy
	}
	return HealthStatus{
		State: state,
		Data:  map[string]any{"entities": s.manager.Len()},
	}, nil
}

// ConfigWatcherService applies runtime options from the watched config file.
type ConfigWatcherService struct {
	watcher *config.Watcher
	manager *core.Manager
	logger  *slog.Logger
}

func (s *ConfigWatcherService) Name() string { return ServiceConfigWatcher }

func (s *ConfigWatcherService) Start(context.Context) error {
	s.watcher.OnConfigChange(func(_, cfg *config.Config) {
		s.manager.UpdateOptions(core.OptionsFromConfig(cfg))
		s.logger.Info("entity options reloaded")
	})
	return s.watcher.Start()
}

func (s *ConfigWatcherService) Stop(context.Context) error {
	return s.watcher.Stop()
}

func (s *ConfigWatcherService) Health(context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy}, nil
}

// ApplicationBuilder assembles an application from components and modules.
type ApplicationBuilder struct {
	cfg        *config.Config
	configFile string
	specs      []core.ComponentSpec
	modules    []*logic.Module
	logger     *slog.Logger
	opts       []AppOption
	services   []pendingService
	err        error
}

type pendingService struct {
	name    string
	service Service
	deps    []string
}

// NewApplicationBuilder creates a new application builder
func NewApplicationBuilder() *ApplicationBuilder {
	return &ApplicationBuilder{}
}

// WithConfig sets the configuration
func (b *ApplicationBuilder) WithConfig(cfg *config.Config) *ApplicationBuilder {
	b.cfg = cfg
	return b
}

// WithConfigFile loads the configuration from filename and watches it for
// runtime changes.
func (b *ApplicationBuilder) WithConfigFile(filename string) *ApplicationBuilder {
	cfg, err := config.NewLoader().LoadFromFile(filename)
	if err != nil {
		b.err = err
		return b
	}
	b.cfg = cfg
	b.configFile = filename
	return b
}

// WithComponent registers a component type
func (b *ApplicationBuilder) WithComponent(spec core.ComponentSpec) *ApplicationBuilder {
	b.specs = append(b.specs, spec)
	return b
}

// WithModule installs a logic module, in order, when the application is built
func (b *ApplicationBuilder) WithModule(m *logic.Module) *ApplicationBuilder {
	b.modules = append(b.modules, m)
	return b
}

// WithOptions adds application options
func (b *ApplicationBuilder) WithOptions(opts ...AppOption) *ApplicationBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

// WithLogger sets the logger instead of building one from the log config
func (b *ApplicationBuilder) WithLogger(logger *slog.Logger) *ApplicationBuilder {
	b.logger = logger
	return b
}

// WithService registers an extra service
func (b *ApplicationBuilder) WithService(name string, service Service, deps ...string) *ApplicationBuilder {
	b.services = append(b.services, pendingService{name: name, service: service, deps: deps})
	return b
}

// Build builds and configures the application
func (b *ApplicationBuilder) Build() (*DefaultApplication, error) {
	if b.err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", b.err)
	}
	cfg := b.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	registry, err := core.NewRegistry(b.specs...)
	if err != nil {
		return nil, err
	}

	opts := b.opts
	if b.configFile != "" {
		opts = append(opts, WithConfigFile(b.configFile))
	}
	logger := b.logger
	var closer io.Closer
	if logger == nil {
		logger, closer, err = logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, withLogCloser(closer))
	}
	opts = append(opts, WithLogger(logger))
	fail := func(err error) (*DefaultApplication, error) {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}

	table := logic.NewTable(logic.WithDrainWindow(cfg.Logic.DrainWindow), logic.WithLogger(logger))
	for _, m := range b.modules {
		if err := table.Install(m); err != nil {
			return fail(fmt.Errorf("failed to install module %s: %w", m.Name(), err))
		}
	}

	app := NewApplication(registry, table, opts...)
	for _, s := range b.services {
		if err := app.lifecycleManager.Register(s.name, s.service, s.deps...); err != nil {
			return fail(err)
		}
	}
	if err := app.Configure(cfg); err != nil {
		return fail(fmt.Errorf("failed to configure application: %w", err))
	}
	return app, nil
}
