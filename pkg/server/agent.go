// Package server assembles the agent from dskit modules: the state store, the OpAMP
// supervisor and the admin HTTP server.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"

	"github.com/go-kit/log"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/middleware"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/otelfleet/opamp-agent/pkg/config"
	"github.com/otelfleet/opamp-agent/pkg/ident"
	"github.com/otelfleet/opamp-agent/pkg/logutil"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
	"github.com/otelfleet/opamp-agent/pkg/storage"
	otelpebble "github.com/otelfleet/opamp-agent/pkg/storage/pebble"
	"github.com/otelfleet/opamp-agent/pkg/supervisor"
)

// The modules that make up the agent
const (
	All           = "all"
	Storage       = "storage"
	Supervisor    = "supervisor"
	ServerService = "server"
)

type Agent struct {
	logger    *slog.Logger
	cfg       config.Config
	tlsConfig *tls.Config

	reg     *prometheus.Registry
	metrics *metrics.Metrics

	mm *modules.Manager

	store      *otelpebble.Service
	state      *storage.AgentState
	supervisor *supervisor.Supervisor

	serviceMap map[string]services.Service
	server     *server.Server
	serverConf server.Config
	kitLogger  log.Logger
}

// New builds the module graph. The admin server starts listening here when enabled, so its
// address is known before Run.
func New(logger *slog.Logger, cfg config.Config, tlsConfig *tls.Config) (*Agent, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	lvl := logutil.GoKitLevel(cfg.Log.Level)
	a := &Agent{
		logger:    logger,
		cfg:       cfg,
		tlsConfig: tlsConfig,
		reg:       reg,
		metrics:   metrics.New(reg),
		kitLogger: logutil.NewGoKitLogger(os.Stderr, lvl),
	}

	if cfg.Server.Enabled {
		conf := server.Config{
			HTTPListenAddress:             cfg.Server.ListenAddress,
			HTTPListenPort:                cfg.Server.ListenPort,
			GRPCListenAddress:             cfg.Server.ListenAddress,
			DoNotAddDefaultHTTPMiddleware: true,
			RegisterInstrumentation:       false,
			MetricsNamespace:              "otelfleet_agent",
			Registerer:                    reg,
			Gatherer:                      reg,
			LogFormat:                     dslog.LogfmtFormat,
			LogLevel:                      lvl,
			Log:                           a.kitLogger,
		}
		srv, err := server.New(conf)
		if err != nil {
			return nil, fmt.Errorf("creating admin server: %w", err)
		}
		a.server = srv
		a.serverConf = conf
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, err
	}
	return a, nil
}

// HTTPAddr returns the admin server address, or "" when it is disabled.
func (a *Agent) HTTPAddr() string {
	if a.server == nil {
		return ""
	}
	return a.server.HTTPListenAddr().String()
}

func (a *Agent) setupModuleManager() error {
	mm := modules.NewManager(a.kitLogger)
	mm.RegisterModule(All, nil)

	mm.RegisterModule(Storage, func() (services.Service, error) {
		svc, err := otelpebble.NewService(a.logger.With("service", Storage), a.cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		a.store = svc
		a.state = storage.NewAgentState(a.logger.With("store", "agent-state"), svc)
		return svc, nil
	}, modules.UserInvisibleModule)

	mm.RegisterModule(Supervisor, func() (services.Service, error) {
		agentID, err := a.identity(context.Background())
		if err != nil {
			return nil, fmt.Errorf("resolving agent identity: %w", err)
		}
		driver, err := supervisor.NewFileDriver(a.logger.With("component", "file-driver"), a.cfg.Agent.ConfigDir)
		if err != nil {
			return nil, err
		}
		a.logger.With("agentID", agentID.UniqueIdentifier().UUID).Info("otelfleet agent starting...")
		a.supervisor = supervisor.NewSupervisor(
			a.logger.With("service", Supervisor),
			a.cfg,
			a.tlsConfig,
			agentID,
			driver,
			a.state,
			a.metrics,
		)
		return a.supervisor, nil
	})

	mm.RegisterModule(ServerService, func() (services.Service, error) {
		a.server.HTTP.Path("/metrics").Methods(http.MethodGet).Handler(
			promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}),
		)
		a.server.HTTP.Path("/ready").Methods(http.MethodGet).HandlerFunc(a.readyHandler)

		servicesToWaitFor := func() []services.Service {
			svs := []services.Service(nil)
			for m, s := range a.serviceMap {
				// Server should not wait for itself.
				if m != ServerService {
					svs = append(svs, s)
				}
			}
			return svs
		}
		defaultHTTPMiddleware := []middleware.Interface{}
		handler := middleware.Merge(defaultHTTPMiddleware...).Wrap(a.server.HTTP)
		a.server.HTTPServer.Handler = h2c.NewHandler(handler, &http2.Server{})
		return a.newServerService(servicesToWaitFor), nil
	}, modules.UserInvisibleModule)

	deps := map[string][]string{
		All:        {Supervisor},
		Supervisor: {Storage},
	}
	if a.server != nil {
		// the admin server comes up first and goes down last, once every other module
		// has terminated
		deps[Storage] = []string{ServerService}
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.mm = mm
	a.logger.With("modules", mm.DependenciesForModule(All)).Debug("module graph ready")
	return nil
}

func (a *Agent) identity(ctx context.Context) (ident.Identity, error) {
	if a.cfg.Agent.IDType == ident.IDTypeMac {
		return ident.FromMAC(a.cfg.Agent.Name)
	}
	uid, err := a.state.InstanceUID(ctx, ident.NewRandomUID)
	if err != nil {
		return nil, err
	}
	return ident.Static(uid, ident.IDTypeRandom), nil
}

func (a *Agent) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if a.supervisor == nil || !a.supervisor.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// Run starts every module and blocks until ctx is done or a module fails.
func (a *Agent) Run(ctx context.Context) error {
	svcMap, err := a.mm.InitModuleServices(All)
	if err != nil {
		return err
	}
	a.serviceMap = svcMap

	mgr, err := services.NewManager(slices.Collect(maps.Values(svcMap))...)
	if err != nil {
		a.logger.With("err", err).Error("failed to start service manager")
		return err
	}

	servicesFailed := func(service services.Service) {
		mgr.StopAsync()

		for m, s := range svcMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					a.logger.With("module", m, "error", service.FailureCase()).Info("received stop signal via return error")
				} else {
					a.logger.With("module", m, "error", service.FailureCase()).Error("module failed")
				}
				return
			}
		}
		a.logger.With("module", "unknown", "error", service.FailureCase()).Error("module failed")
	}

	mgr.AddListener(services.NewManagerListener(
		func() {},
		func() {},
		servicesFailed,
	))

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down otelfleet agent...")
			mgr.StopAsync()
		case <-stopped:
		}
	}()
	if a.server != nil {
		logRoutes(a.server.HTTP, a.logger.With("service", ServerService))
	}

	var stopErr error
	if err := mgr.StartAsync(context.Background()); err == nil {
		stopErr = mgr.AwaitStopped(context.Background())
	}
	if stopErr != nil {
		return stopErr
	}

	if failed := mgr.ServicesByState()[services.Failed]; len(failed) > 0 {
		for _, f := range failed {
			if f.FailureCase() != modules.ErrStopProcess {
				// Details were reported via failure listener before
				return fmt.Errorf("services failed")
			}
		}
	}
	return nil
}

// newServerService constructs service from Server component.
// servicesToWaitFor is called when server is stopping, and should return all
// services that need to terminate before server actually stops.
func (a *Agent) newServerService(servicesToWaitFor func() []services.Service) services.Service {
	l := a.logger.With("service", ServerService)
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			l.With("http-addr", a.HTTPAddr()).Info("running")
			serverDone <- a.server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("server stopped unexpectedly: %w", err)
			}
			return nil
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		a.server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		l.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}
